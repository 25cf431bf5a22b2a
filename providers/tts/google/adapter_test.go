package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

func TestConfigFromEnvSecretRefs(t *testing.T) {
	t.Setenv("IVR_TTS_GOOGLE_API_KEY_REF", "env://IVR_TEST_GOOGLE_TTS_KEY")
	t.Setenv("IVR_TEST_GOOGLE_TTS_KEY", "secret-key")

	if cfg := ConfigFromEnv(); cfg.APIKey != "secret-key" {
		t.Fatalf("expected API key resolved from secret ref, got %q", cfg.APIKey)
	}
}

func TestSynthesizeAudioDecodesContent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "google-key" {
			t.Errorf("expected key query param, got %q", got)
		}
		var body struct {
			Input       map[string]string `json:"input"`
			AudioConfig map[string]string `json:"audioConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Input["text"] != "Hello!" || body.AudioConfig["audioEncoding"] != "MP3" {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = fmt.Fprintf(w, `{"audioContent":%q}`, base64.StdEncoding.EncodeToString([]byte("mp3")))
	}))
	defer srv.Close()

	adapter, err := NewAdapter(Config{APIKey: "google-key", Endpoint: srv.URL, Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	clip, err := adapter.SynthesizeAudio(context.Background(), "Hello!")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(clip.Data) != "mp3" || clip.Extension != "mp3" {
		t.Fatalf("unexpected clip %+v", clip)
	}
}

func TestSynthesizeAudioFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		wantClass contracts.OutcomeClass
		wantEmpty bool
	}{
		{name: "empty content", status: http.StatusOK, body: `{}`, wantClass: contracts.OutcomeInfrastructureFailure, wantEmpty: true},
		{name: "bad base64", status: http.StatusOK, body: `{"audioContent":"***"}`, wantClass: contracts.OutcomeInfrastructureFailure},
		{name: "forbidden", status: http.StatusForbidden, body: `{}`, wantClass: contracts.OutcomeBlocked},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, body: `{}`, wantClass: contracts.OutcomeTimeout},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			adapter, err := NewAdapter(Config{Endpoint: srv.URL, Timeout: 2 * time.Second})
			if err != nil {
				t.Fatalf("new adapter: %v", err)
			}
			_, err = adapter.SynthesizeAudio(context.Background(), "hi")
			if got := contracts.ClassOf(err); got != tc.wantClass {
				t.Fatalf("expected %s, got %s (%v)", tc.wantClass, got, err)
			}
			if tc.wantEmpty && !errors.Is(err, contracts.ErrEmptyResult) {
				t.Fatalf("expected empty result error, got %v", err)
			}
		})
	}
}
