package deepgram

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/providers/common/httpadapter"
)

const ProviderID = "stt-deepgram"

type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Language string
	Timeout  time.Duration
	Client   *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   config.EnvValue("IVR_STT_DEEPGRAM_API_KEY", ""),
		Endpoint: config.EnvValue("IVR_STT_DEEPGRAM_ENDPOINT", "https://api.deepgram.com/v1/listen"),
		Model:    defaultString(os.Getenv("IVR_STT_DEEPGRAM_MODEL"), "nova-2"),
		Language: defaultString(os.Getenv("IVR_STT_DEEPGRAM_LANGUAGE"), "en"),
		Timeout:  15 * time.Second,
	}
}

// Adapter transcribes prerecorded audio with the Deepgram listen API.
type Adapter struct {
	cfg  Config
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.Model = defaultString(cfg.Model, "nova-2")
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Modality:      contracts.ModalitySTT,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "Authorization",
		APIKeyPrefix:  "Token ",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"Accept": "application/json"},
		Client:        cfg.Client,
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

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Recognize sends a remote URL as JSON or local audio as the raw request body.
func (a *Adapter) Recognize(ctx context.Context, audio contracts.Audio) (string, error) {
	req := httpadapter.Request{
		Query: map[string]string{"model": a.cfg.Model, "punctuate": "true"},
	}
	if a.cfg.Language != "" {
		req.Query["language"] = a.cfg.Language
	}
	switch {
	case audio.URL != "":
		req.Body = map[string]string{"url": audio.URL}
	case len(audio.Data) > 0:
		req.RawBody = audio.Data
		req.ContentType = defaultString(audio.ContentType, "audio/wav")
	default:
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeBlocked, Reason: "provider_audio_missing"}, nil)
	}

	var out listenResponse
	if err := a.http.DoJSON(ctx, req, &out); err != nil {
		return "", err
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	transcript := strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript)
	if transcript == "" {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	return transcript, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
