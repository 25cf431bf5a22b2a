package google

import (
	"context"
	"encoding/base64"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/providers/common/httpadapter"
)

const ProviderID = "stt-google"

type Config struct {
	APIKey     string
	Endpoint   string
	Language   string
	Model      string
	EnablePunc bool
	Timeout    time.Duration
	Client     *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:     config.EnvValue("IVR_STT_GOOGLE_API_KEY", ""),
		Endpoint:   config.EnvValue("IVR_STT_GOOGLE_ENDPOINT", "https://speech.googleapis.com/v1/speech:recognize"),
		Language:   defaultString(os.Getenv("IVR_STT_GOOGLE_LANGUAGE"), "en-US"),
		Model:      defaultString(os.Getenv("IVR_STT_GOOGLE_MODEL"), "phone_call"),
		EnablePunc: true,
		Timeout:    15 * time.Second,
	}
}

// Adapter calls the Google Cloud Speech recognize endpoint.
type Adapter struct {
	cfg  Config
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.Language = defaultString(cfg.Language, "en-US")
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:       ProviderID,
		Modality:         contracts.ModalitySTT,
		Endpoint:         cfg.Endpoint,
		APIKey:           cfg.APIKey,
		QueryAPIKeyParam: "key",
		Timeout:          cfg.Timeout,
		Client:           cfg.Client,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, http: client}, nil
}

func NewAdapterFromEnv() (*Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) ProviderID() string {
	return ProviderID
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Recognize sends inline audio as base64 content. Only gs:// URIs are passed
// by reference; other remote URLs are rejected as blocked.
func (a *Adapter) Recognize(ctx context.Context, audio contracts.Audio) (string, error) {
	audioField := map[string]string{}
	switch {
	case len(audio.Data) > 0:
		audioField["content"] = base64.StdEncoding.EncodeToString(audio.Data)
	case strings.HasPrefix(audio.URL, "gs://"):
		audioField["uri"] = audio.URL
	case audio.URL != "":
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_remote_url_unsupported"}, nil)
	default:
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_audio_missing"}, nil)
	}

	recognitionConfig := map[string]any{
		"languageCode":               a.cfg.Language,
		"enableAutomaticPunctuation": a.cfg.EnablePunc,
	}
	if a.cfg.Model != "" {
		recognitionConfig["model"] = a.cfg.Model
	}

	var out recognizeResponse
	if err := a.http.DoJSON(ctx, httpadapter.Request{Body: map[string]any{
		"config": recognitionConfig,
		"audio":  audioField,
	}}, &out); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(out.Results))
	for _, result := range out.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		if text := strings.TrimSpace(result.Alternatives[0].Transcript); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	return strings.Join(parts, " "), nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
