package httpadapter

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

func TestDoMapsHTTPStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		expected  contracts.OutcomeClass
		retryable bool
	}{
		{name: "timeout", status: http.StatusRequestTimeout, expected: contracts.OutcomeTimeout, retryable: true},
		{name: "overload", status: http.StatusTooManyRequests, expected: contracts.OutcomeOverload, retryable: true},
		{name: "blocked", status: http.StatusUnauthorized, expected: contracts.OutcomeBlocked, retryable: false},
		{name: "client", status: http.StatusUnprocessableEntity, expected: contracts.OutcomeBlocked, retryable: false},
		{name: "infra", status: http.StatusBadGateway, expected: contracts.OutcomeInfrastructureFailure, retryable: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer ts.Close()

			adapter, err := New(Config{ProviderID: "provider-a", Modality: contracts.ModalityLLM, Endpoint: ts.URL})
			if err != nil {
				t.Fatalf("unexpected adapter error: %v", err)
			}
			_, err = adapter.Do(context.Background(), Request{Body: map[string]any{"q": "x"}})
			var perr *contracts.ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected provider error, got %v", err)
			}
			if perr.Outcome.Class != tc.expected {
				t.Fatalf("expected %s, got %s", tc.expected, perr.Outcome.Class)
			}
			if perr.Outcome.Retryable != tc.retryable {
				t.Fatalf("expected retryable=%v, got %v", tc.retryable, perr.Outcome.Retryable)
			}
			if perr.Outcome.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, perr.Outcome.StatusCode)
			}
			if !strings.HasPrefix(perr.Capture, "redacted sha256=") {
				t.Fatalf("expected redacted capture, got %q", perr.Capture)
			}
		})
	}
}

func TestDoJSONSendsHeadersAndDecodes(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k1" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("X-Static"); got != "v" {
			t.Errorf("unexpected static header %q", got)
		}
		if r.URL.Path != "/v1/run" || r.URL.Query().Get("mode") != "fast" {
			t.Errorf("unexpected url %s", r.URL.String())
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"text":"hi"}` {
			t.Errorf("unexpected body %s", body)
		}
		_, _ = w.Write([]byte(`{"answer":"ok"}`))
	}))
	defer ts.Close()

	adapter, err := New(Config{
		ProviderID:    "provider-a",
		Modality:      contracts.ModalityLLM,
		Endpoint:      ts.URL + "/",
		APIKey:        "k1",
		APIKeyHeader:  "Authorization",
		APIKeyPrefix:  "Bearer ",
		StaticHeaders: map[string]string{"X-Static": "v"},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	var out struct {
		Answer string `json:"answer"`
	}
	if err := adapter.DoJSON(context.Background(), Request{Path: "v1/run", Query: map[string]string{"mode": "fast"}, Body: map[string]string{"text": "hi"}}, &out); err != nil {
		t.Fatalf("do json: %v", err)
	}
	if out.Answer != "ok" {
		t.Fatalf("unexpected answer %q", out.Answer)
	}
}

func TestDoQueryAPIKeyAndRawBody(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "secret" {
			t.Errorf("expected key query param, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("Content-Type") != "audio/wav" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3"))
	}))
	defer ts.Close()

	adapter, err := New(Config{ProviderID: "p", Modality: contracts.ModalityTTS, Endpoint: ts.URL, APIKey: "secret", QueryAPIKeyParam: "key"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	resp, err := adapter.Do(context.Background(), Request{RawBody: []byte("RIFF"), ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if string(resp.Body) != "mp3" || resp.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestDoMalformedJSON(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer ts.Close()

	adapter, _ := New(Config{ProviderID: "p", Modality: contracts.ModalitySTT, Endpoint: ts.URL})
	var out map[string]any
	err := adapter.DoJSON(context.Background(), Request{Body: map[string]any{}}, &out)
	if contracts.ClassOf(err) != contracts.OutcomeInfrastructureFailure {
		t.Fatalf("expected infrastructure failure, got %v", err)
	}
}

func TestDoTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	adapter, _ := New(Config{ProviderID: "p", Modality: contracts.ModalityLLM, Endpoint: ts.URL, Timeout: 20 * time.Millisecond})
	_, err := adapter.Do(context.Background(), Request{Body: map[string]any{}})
	if contracts.ClassOf(err) != contracts.OutcomeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestDoCancelledAndMissingEndpoint(t *testing.T) {
	t.Parallel()

	adapter, _ := New(Config{ProviderID: "p", Modality: contracts.ModalityTTS, Endpoint: "https://example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := adapter.Do(ctx, Request{Body: map[string]any{}}); contracts.ClassOf(err) != contracts.OutcomeCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}

	missing, _ := New(Config{ProviderID: "p", Modality: contracts.ModalityTTS})
	if _, err := missing.Do(context.Background(), Request{Body: map[string]any{}}); contracts.ClassOf(err) != contracts.OutcomeBlocked {
		t.Fatalf("expected blocked for missing endpoint, got %v", err)
	}
}

func TestCapturePayloadModes(t *testing.T) {
	t.Parallel()

	full, _ := capturePayload([]byte("hello"), CaptureFull, 256, false)
	if full != "hello" {
		t.Fatalf("unexpected full capture %q", full)
	}
	hashed, _ := capturePayload([]byte("hello"), CaptureHash, 256, false)
	if !strings.HasPrefix(hashed, "sha256=") {
		t.Fatalf("unexpected hash capture %q", hashed)
	}
	_, truncated := capturePayload(make([]byte, 300), CaptureRedacted, 256, false)
	if !truncated {
		t.Fatalf("expected truncation beyond max bytes")
	}
	if ParseCaptureMode("FULL") != CaptureFull || ParseCaptureMode("weird") != CaptureRedacted {
		t.Fatalf("unexpected capture mode parsing")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Modality: contracts.ModalityLLM}); err == nil {
		t.Fatalf("expected missing provider id to fail")
	}
	if _, err := New(Config{ProviderID: "p", Modality: "video"}); err == nil {
		t.Fatalf("expected unsupported modality to fail")
	}
}
