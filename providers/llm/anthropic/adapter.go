package anthropic

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

const ProviderID = "llm-anthropic"

type Config struct {
	APIKey           string
	Endpoint         string
	Model            string
	AnthropicVersion string
	MaxTokens        int
	Timeout          time.Duration
	Client           *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:           config.EnvValue("IVR_LLM_ANTHROPIC_API_KEY", ""),
		Endpoint:         config.EnvValue("IVR_LLM_ANTHROPIC_ENDPOINT", "https://api.anthropic.com/v1/messages"),
		Model:            defaultString(os.Getenv("IVR_LLM_ANTHROPIC_MODEL"), "claude-3-5-haiku-latest"),
		AnthropicVersion: defaultString(os.Getenv("IVR_LLM_ANTHROPIC_VERSION"), "2023-06-01"),
		MaxTokens:        256,
		Timeout:          15 * time.Second,
	}
}

// Adapter calls the Anthropic messages API.
type Adapter struct {
	cfg  Config
	http *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	cfg.AnthropicVersion = defaultString(cfg.AnthropicVersion, "2023-06-01")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Modality:      contracts.ModalityLLM,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "x-api-key",
		Timeout:       cfg.Timeout,
		StaticHeaders: map[string]string{"anthropic-version": cfg.AnthropicVersion},
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

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (a *Adapter) Complete(ctx context.Context, system string, user string) (string, error) {
	body := map[string]any{
		"model":      a.cfg.Model,
		"max_tokens": a.cfg.MaxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": user},
		},
	}
	if system != "" {
		body["system"] = system
	}
	var out messagesResponse
	if err := a.http.DoJSON(ctx, httpadapter.Request{Body: body}, &out); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range out.Content {
		if block.Type != "" && block.Type != "text" {
			continue
		}
		sb.WriteString(block.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", contracts.NewProviderError(ProviderID, contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "provider_empty_result"}, contracts.ErrEmptyResult)
	}
	return text, nil
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
