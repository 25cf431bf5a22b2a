package gemini

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/providers/common/httpadapter"
)

const ProviderID = "llm-gemini"

type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:   config.EnvValue("IVR_LLM_GEMINI_API_KEY", ""),
		Endpoint: config.EnvValue("IVR_LLM_GEMINI_ENDPOINT", "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"),
		Timeout:  15 * time.Second,
	}
}

// Adapter calls the Gemini generateContent API.
type Adapter struct {
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:       ProviderID,
		Modality:         contracts.ModalityLLM,
		Endpoint:         cfg.Endpoint,
		APIKey:           cfg.APIKey,
		QueryAPIKeyParam: "key",
		Timeout:          cfg.Timeout,
		Client:           cfg.Client,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{http: client}, nil
}

func NewAdapterFromEnv() (*Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) ProviderID() string {
	return ProviderID
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (a *Adapter) Complete(ctx context.Context, system string, user string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": []map[string]any{{"text": user}}},
		},
	}
	if system != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}
	var out generateResponse
	if err := a.http.DoJSON(ctx, httpadapter.Request{Body: body}, &out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	var sb strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	return text, nil
}
