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

const ProviderID = "tts-google"

type Config struct {
	APIKey   string
	Endpoint string
	Language string
	Voice    string
	Timeout  time.Duration
	Client   *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   config.EnvValue("IVR_TTS_GOOGLE_API_KEY", ""),
		Endpoint: config.EnvValue("IVR_TTS_GOOGLE_ENDPOINT", "https://texttospeech.googleapis.com/v1/text:synthesize"),
		Language: defaultString(os.Getenv("IVR_TTS_GOOGLE_LANGUAGE"), "en-US"),
		Voice:    defaultString(os.Getenv("IVR_TTS_GOOGLE_VOICE"), "en-US-Neural2-F"),
		Timeout:  15 * time.Second,
	}
}

// Adapter calls the Google Cloud text:synthesize endpoint.
type Adapter struct {
	cfg  Config
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.Language = defaultString(cfg.Language, "en-US")
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:       ProviderID,
		Modality:         contracts.ModalityTTS,
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

type synthesizeResponse struct {
	AudioContent string `json:"audioContent"`
}

func (a *Adapter) SynthesizeAudio(ctx context.Context, text string) (contracts.AudioClip, error) {
	voice := map[string]any{"languageCode": a.cfg.Language}
	if a.cfg.Voice != "" {
		voice["name"] = a.cfg.Voice
	}
	var out synthesizeResponse
	if err := a.http.DoJSON(ctx, httpadapter.Request{Body: map[string]any{
		"input":       map[string]any{"text": text},
		"voice":       voice,
		"audioConfig": map[string]any{"audioEncoding": "MP3"},
	}}, &out); err != nil {
		return contracts.AudioClip{}, err
	}
	if out.AudioContent == "" {
		return contracts.AudioClip{}, contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_audio"}, contracts.ErrEmptyResult)
	}
	data, err := base64.StdEncoding.DecodeString(out.AudioContent)
	if err != nil {
		return contracts.AudioClip{}, contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_malformed_response"}, err)
	}
	return contracts.AudioClip{Data: data, Extension: "mp3"}, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
