package elevenlabs

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

const ProviderID = "tts-elevenlabs"

const defaultVoiceID = "EXAVITQu4vr4xnSDxMaL"

type Config struct {
	APIKey   string
	Endpoint string
	VoiceID  string
	ModelID  string
	Timeout  time.Duration
	Client   *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   config.EnvValue("IVR_TTS_ELEVENLABS_API_KEY", ""),
		Endpoint: config.EnvValue("IVR_TTS_ELEVENLABS_ENDPOINT", "https://api.elevenlabs.io/v1/text-to-speech"),
		VoiceID:  defaultString(os.Getenv("IVR_TTS_ELEVENLABS_VOICE_ID"), defaultVoiceID),
		ModelID:  defaultString(os.Getenv("IVR_TTS_ELEVENLABS_MODEL"), "eleven_multilingual_v2"),
		Timeout:  15 * time.Second,
	}
}

// Adapter calls the ElevenLabs text-to-speech endpoint for one voice.
type Adapter struct {
	cfg  Config
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.VoiceID = defaultString(cfg.VoiceID, defaultVoiceID)
	cfg.ModelID = defaultString(cfg.ModelID, "eleven_multilingual_v2")
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Modality:      contracts.ModalityTTS,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "xi-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"Accept": "audio/mpeg"},
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

func (a *Adapter) SynthesizeAudio(ctx context.Context, text string) (contracts.AudioClip, error) {
	resp, err := a.http.Do(ctx, httpadapter.Request{
		Path: a.cfg.VoiceID,
		Body: map[string]any{
			"model_id": a.cfg.ModelID,
			"text":     text,
		},
	})
	if err != nil {
		return contracts.AudioClip{}, err
	}
	if strings.HasPrefix(resp.ContentType, "application/json") || len(resp.Body) == 0 {
		perr := contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_audio", StatusCode: resp.StatusCode}, contracts.ErrEmptyResult)
		perr.Capture = a.http.Capture(resp.Body)
		return contracts.AudioClip{}, perr
	}
	return contracts.AudioClip{Data: resp.Body, Extension: "mp3"}, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
