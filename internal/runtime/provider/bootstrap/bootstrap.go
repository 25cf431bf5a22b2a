// Package bootstrap selects provider strategies once at startup.
package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/llm"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/stt"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/tts"
	llmanthropic "github.com/tiger/conversational-ivr/providers/llm/anthropic"
	llmcohere "github.com/tiger/conversational-ivr/providers/llm/cohere"
	llmgemini "github.com/tiger/conversational-ivr/providers/llm/gemini"
	sttdeepgram "github.com/tiger/conversational-ivr/providers/stt/deepgram"
	sttgoogle "github.com/tiger/conversational-ivr/providers/stt/google"
	ttselevenlabs "github.com/tiger/conversational-ivr/providers/tts/elevenlabs"
	ttsgoogle "github.com/tiger/conversational-ivr/providers/tts/google"
	ttspolly "github.com/tiger/conversational-ivr/providers/tts/polly"
)

var errMissingAPIKey = errors.New("api key is not configured")

// Providers holds the strategies handed to the orchestrator. A nil
// Transcriber, Responder or Synthesizer means the stage is unconfigured.
type Providers struct {
	Transcriber contracts.Transcriber
	Responder   contracts.Responder
	Synthesizer contracts.Synthesizer

	ASR stageInfo
	LLM stageInfo
	TTS stageInfo
}

type stageInfo struct {
	Mode    contracts.Mode
	Backend string
}

func (s stageInfo) String() string {
	if s.Backend == "" {
		return string(s.Mode)
	}
	return string(s.Mode) + "/" + s.Backend
}

// Summary renders the selected strategies for startup logs and /health.
func (p Providers) Summary() string {
	return fmt.Sprintf("asr=%s llm=%s tts=%s", p.ASR, p.LLM, p.TTS)
}

var speechBackends = map[string]func(config.Settings) (contracts.SpeechToText, error){
	"deepgram": func(s config.Settings) (contracts.SpeechToText, error) {
		cfg := sttdeepgram.ConfigFromEnv()
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return sttdeepgram.NewAdapter(cfg)
	},
	"google": func(s config.Settings) (contracts.SpeechToText, error) {
		cfg := sttgoogle.ConfigFromEnv()
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return sttgoogle.NewAdapter(cfg)
	},
}

// Chat backends take llm_api_key and llm_model from settings when set.
var chatBackends = map[string]func(config.Settings) (contracts.ChatModel, error){
	"anthropic": func(s config.Settings) (contracts.ChatModel, error) {
		cfg := llmanthropic.ConfigFromEnv()
		cfg.APIKey = defaultString(s.LLMAPIKey, cfg.APIKey)
		cfg.Model = defaultString(s.LLMModel, cfg.Model)
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return llmanthropic.NewAdapter(cfg)
	},
	"gemini": func(s config.Settings) (contracts.ChatModel, error) {
		cfg := llmgemini.ConfigFromEnv()
		cfg.APIKey = defaultString(s.LLMAPIKey, cfg.APIKey)
		if s.LLMModel != "" {
			cfg.Endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", s.LLMModel)
		}
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return llmgemini.NewAdapter(cfg)
	},
	"cohere": func(s config.Settings) (contracts.ChatModel, error) {
		cfg := llmcohere.ConfigFromEnv()
		cfg.APIKey = defaultString(s.LLMAPIKey, cfg.APIKey)
		cfg.Model = defaultString(s.LLMModel, cfg.Model)
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return llmcohere.NewAdapter(cfg)
	},
}

var voiceBackends = map[string]func(config.Settings) (contracts.TextToSpeech, error){
	"polly": func(s config.Settings) (contracts.TextToSpeech, error) {
		cfg := ttspolly.ConfigFromEnv()
		cfg.Region = defaultString(s.AWSRegion, cfg.Region)
		cfg.VoiceID = defaultString(s.TTSVoice, cfg.VoiceID)
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		return ttspolly.NewAdapter(cfg)
	},
	"elevenlabs": func(s config.Settings) (contracts.TextToSpeech, error) {
		cfg := ttselevenlabs.ConfigFromEnv()
		cfg.VoiceID = defaultString(s.TTSVoice, cfg.VoiceID)
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return ttselevenlabs.NewAdapter(cfg)
	},
	"google": func(s config.Settings) (contracts.TextToSpeech, error) {
		cfg := ttsgoogle.ConfigFromEnv()
		cfg.Voice = defaultString(s.TTSVoice, cfg.Voice)
		if s.ProviderTimeout > 0 {
			cfg.Timeout = s.ProviderTimeout
		}
		if cfg.APIKey == "" {
			return nil, errMissingAPIKey
		}
		return ttsgoogle.NewAdapter(cfg)
	},
}

// Build constructs the providers described by settings. A cloud vendor
// without credentials degrades to the stage's offline strategy and is
// reported with a warning; unknown vendors and bad commands are errors.
func Build(s config.Settings, logger *slog.Logger) (Providers, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "provider_bootstrap")

	var p Providers
	var err error
	if p.Transcriber, p.ASR, err = buildTranscriber(s, logger); err != nil {
		return Providers{}, err
	}
	if p.Responder, p.LLM, err = buildResponder(s, logger); err != nil {
		return Providers{}, err
	}
	if p.Synthesizer, p.TTS, err = buildSynthesizer(s, logger); err != nil {
		return Providers{}, err
	}
	return p, nil
}

func buildTranscriber(s config.Settings, logger *slog.Logger) (contracts.Transcriber, stageInfo, error) {
	mode, err := contracts.ParseMode(s.ASRMode, contracts.ModeStub)
	if err != nil {
		return nil, stageInfo{}, fmt.Errorf("asr_mode: %w", err)
	}
	stageLogger := logger.With("stage", "asr")
	switch mode {
	case contracts.ModeUnconfigured:
		return nil, stageInfo{Mode: mode}, nil
	case contracts.ModeLocal:
		cmd, err := stt.NewCommand(s.ASRLocalCommand, s.ProviderTimeout)
		if err != nil {
			return nil, stageInfo{}, err
		}
		return &stt.Resilient{Mode: mode, Backend: cmd, Logger: stageLogger}, stageInfo{Mode: mode, Backend: "command"}, nil
	case contracts.ModeCloud:
		vendor := strings.ToLower(strings.TrimSpace(s.ASRCloudProvider))
		constructor, ok := speechBackends[vendor]
		if !ok {
			return nil, stageInfo{}, fmt.Errorf("unsupported asr_cloud_provider: %q", s.ASRCloudProvider)
		}
		backend, err := constructor(s)
		if errors.Is(err, errMissingAPIKey) {
			stageLogger.Warn("cloud transcriber has no credentials, using stub", "vendor", vendor)
			return &stt.Resilient{Mode: contracts.ModeStub, Logger: stageLogger}, stageInfo{Mode: contracts.ModeStub, Backend: vendor + "-unavailable"}, nil
		}
		if err != nil {
			return nil, stageInfo{}, err
		}
		return &stt.Resilient{Mode: mode, Backend: stt.Remote{Backend: backend}, Logger: stageLogger}, stageInfo{Mode: mode, Backend: vendor}, nil
	default:
		return &stt.Resilient{Mode: contracts.ModeStub, Logger: stageLogger}, stageInfo{Mode: contracts.ModeStub}, nil
	}
}

func buildResponder(s config.Settings, logger *slog.Logger) (contracts.Responder, stageInfo, error) {
	mode, err := contracts.ParseMode(s.LLMMode, contracts.ModeStub)
	if err != nil {
		return nil, stageInfo{}, fmt.Errorf("llm_mode: %w", err)
	}
	stageLogger := logger.With("stage", "llm")
	switch mode {
	case contracts.ModeUnconfigured:
		return nil, stageInfo{Mode: mode}, nil
	case contracts.ModeCloud:
		vendor := strings.ToLower(strings.TrimSpace(s.LLMCloudProvider))
		constructor, ok := chatBackends[vendor]
		if !ok {
			return nil, stageInfo{}, fmt.Errorf("unsupported llm_cloud_provider: %q", s.LLMCloudProvider)
		}
		backend, err := constructor(s)
		if errors.Is(err, errMissingAPIKey) {
			stageLogger.Warn("cloud responder has no credentials, using rules", "vendor", vendor)
			return &llm.Resilient{Logger: stageLogger}, stageInfo{Mode: contracts.ModeStub, Backend: "rules"}, nil
		}
		if err != nil {
			return nil, stageInfo{}, err
		}
		return &llm.Resilient{Backend: llm.Remote{Backend: backend}, Logger: stageLogger}, stageInfo{Mode: mode, Backend: vendor}, nil
	default:
		return &llm.Resilient{Backend: llm.Rules{}, Logger: stageLogger}, stageInfo{Mode: mode, Backend: "rules"}, nil
	}
}

func buildSynthesizer(s config.Settings, logger *slog.Logger) (contracts.Synthesizer, stageInfo, error) {
	mode, err := contracts.ParseMode(s.TTSMode, contracts.ModeStub)
	if err != nil {
		return nil, stageInfo{}, fmt.Errorf("tts_mode: %w", err)
	}
	switch mode {
	case contracts.ModeUnconfigured:
		return nil, stageInfo{Mode: mode}, nil
	case contracts.ModeLocal:
		cmd, err := tts.NewCommand(defaultString(s.TTSLocalCommand, tts.DefaultCommand), s.RecordingsDir, s.ProviderTimeout)
		if err != nil {
			return nil, stageInfo{}, err
		}
		return cmd, stageInfo{Mode: mode, Backend: "command"}, nil
	case contracts.ModeCloud:
		vendor := strings.ToLower(strings.TrimSpace(s.TTSCloudProvider))
		constructor, ok := voiceBackends[vendor]
		if !ok {
			return nil, stageInfo{}, fmt.Errorf("unsupported tts_cloud_provider: %q", s.TTSCloudProvider)
		}
		if strings.TrimSpace(s.RecordingsDir) == "" {
			return nil, stageInfo{}, fmt.Errorf("recordings_dir is required when tts_mode=cloud")
		}
		backend, err := constructor(s)
		if errors.Is(err, errMissingAPIKey) {
			logger.Warn("cloud synthesizer has no credentials, using stub", "stage", "tts", "vendor", vendor)
			return tts.Stub{}, stageInfo{Mode: contracts.ModeStub, Backend: vendor + "-unavailable"}, nil
		}
		if err != nil {
			return nil, stageInfo{}, err
		}
		return tts.Remote{Backend: backend, Dir: s.RecordingsDir}, stageInfo{Mode: mode, Backend: vendor}, nil
	default:
		return tts.Stub{}, stageInfo{Mode: contracts.ModeStub}, nil
	}
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
