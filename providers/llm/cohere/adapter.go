package cohere

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/providers/common/httpadapter"
)

const ProviderID = "llm-cohere"

type Config struct {
	APIKey            string
	Endpoint          string
	Model             string
	OpenRouter        bool
	OpenRouterReferer string
	OpenRouterTitle   string
	MaxTokens         int
	Timeout           time.Duration
	Client            *http.Client
}

func ConfigFromEnv() Config {
	return Config{
		APIKey:            config.EnvValue("IVR_LLM_COHERE_API_KEY", ""),
		Endpoint:          config.EnvValue("IVR_LLM_COHERE_ENDPOINT", "https://api.cohere.com/v2/chat"),
		Model:             defaultString(os.Getenv("IVR_LLM_COHERE_MODEL"), "command-r-08-2024"),
		OpenRouter:        defaultBool(os.Getenv("IVR_LLM_COHERE_OPENROUTER"), false),
		OpenRouterReferer: os.Getenv("IVR_LLM_COHERE_OPENROUTER_REFERER"),
		OpenRouterTitle:   defaultString(os.Getenv("IVR_LLM_COHERE_OPENROUTER_TITLE"), "ConversationalIVR"),
		MaxTokens:         256,
		Timeout:           15 * time.Second,
	}
}

// Adapter calls Cohere chat v2 directly or through an OpenRouter-compatible endpoint.
type Adapter struct {
	cfg        Config
	openRouter bool
	http       *httpadapter.Adapter
}

func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	openRouter := shouldUseOpenRouter(cfg)
	staticHeaders := map[string]string{}
	if openRouter {
		if cfg.OpenRouterReferer != "" {
			staticHeaders["HTTP-Referer"] = cfg.OpenRouterReferer
		}
		if cfg.OpenRouterTitle != "" {
			staticHeaders["X-Title"] = cfg.OpenRouterTitle
		}
	}

	client, err := httpadapter.New(httpadapter.Config{
		ProviderID:    ProviderID,
		Modality:      contracts.ModalityLLM,
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		APIKeyHeader:  "Authorization",
		APIKeyPrefix:  "Bearer ",
		StaticHeaders: staticHeaders,
		Timeout:       cfg.Timeout,
		Client:        cfg.Client,
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, openRouter: openRouter, http: client}, nil
}

func NewAdapterFromEnv() (*Adapter, error) {
	return NewAdapter(ConfigFromEnv())
}

func (a *Adapter) ProviderID() string {
	return ProviderID
}

// chatResponse covers both the Cohere v2 shape and the OpenAI-style shape
// returned by OpenRouter.
type chatResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (a *Adapter) Complete(ctx context.Context, system string, user string) (string, error) {
	messages := make([]map[string]any, 0, 2)
	if system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	messages = append(messages, map[string]any{"role": "user", "content": user})
	body := map[string]any{
		"model":    a.cfg.Model,
		"messages": messages,
	}
	if a.openRouter {
		body["max_tokens"] = a.cfg.MaxTokens
	}

	var out chatResponse
	if err := a.http.DoJSON(ctx, httpadapter.Request{Body: body}, &out); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range out.Message.Content {
		sb.WriteString(block.Text)
	}
	if sb.Len() == 0 && len(out.Choices) > 0 {
		sb.WriteString(out.Choices[0].Message.Content)
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

func defaultBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func shouldUseOpenRouter(cfg Config) bool {
	if cfg.OpenRouter {
		return true
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), "openrouter.ai")
}
