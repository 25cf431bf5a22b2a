// Package config loads service settings from defaults, an optional config
// file, an optional .env file and IVR_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

// EnvPrefix is prepended to every setting name when read from the environment.
const EnvPrefix = "IVR"

const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"

	TraceNone   = "none"
	TraceStdout = "stdout"
)

// Settings is the resolved service configuration.
type Settings struct {
	AppHost string `mapstructure:"app_host" yaml:"app_host"`
	AppPort int    `mapstructure:"app_port" yaml:"app_port"`
	Env     string `mapstructure:"env" yaml:"env"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	ASRMode          string `mapstructure:"asr_mode" yaml:"asr_mode"`
	ASRCloudProvider string `mapstructure:"asr_cloud_provider" yaml:"asr_cloud_provider"`
	ASRLocalCommand  string `mapstructure:"asr_local_command" yaml:"asr_local_command"`

	LLMMode          string `mapstructure:"llm_mode" yaml:"llm_mode"`
	LLMCloudProvider string `mapstructure:"llm_cloud_provider" yaml:"llm_cloud_provider"`
	LLMAPIKey        string `mapstructure:"llm_api_key" yaml:"llm_api_key"`
	LLMModel         string `mapstructure:"llm_model" yaml:"llm_model"`

	TTSMode          string `mapstructure:"tts_mode" yaml:"tts_mode"`
	TTSCloudProvider string `mapstructure:"tts_cloud_provider" yaml:"tts_cloud_provider"`
	TTSLocalCommand  string `mapstructure:"tts_local_command" yaml:"tts_local_command"`
	TTSVoice         string `mapstructure:"tts_voice" yaml:"tts_voice"`
	AWSRegion        string `mapstructure:"aws_region" yaml:"aws_region"`

	StoreBackend string `mapstructure:"store_backend" yaml:"store_backend"`
	DBURL        string `mapstructure:"db_url" yaml:"db_url"`
	BadgerPath   string `mapstructure:"badger_path" yaml:"badger_path"`

	WebhookSecret string `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	MediaBaseURL  string `mapstructure:"media_base_url" yaml:"media_base_url"`
	RecordingsDir string `mapstructure:"recordings_dir" yaml:"recordings_dir"`
	AgentBaseURL  string `mapstructure:"agent_base_url" yaml:"agent_base_url"`

	ProviderTimeout time.Duration `mapstructure:"provider_timeout" yaml:"provider_timeout"`
	TraceExporter   string        `mapstructure:"trace_exporter" yaml:"trace_exporter"`
	DefaultFlowID   string        `mapstructure:"default_flow_id" yaml:"default_flow_id"`
}

var defaults = map[string]any{
	"app_host":           "0.0.0.0",
	"app_port":           8000,
	"env":                "dev",
	"log_level":          "info",
	"log_format":         "text",
	"asr_mode":           string(contracts.ModeStub),
	"asr_cloud_provider": "deepgram",
	"asr_local_command":  "",
	"llm_mode":           string(contracts.ModeStub),
	"llm_cloud_provider": "anthropic",
	"llm_api_key":        "",
	"llm_model":          "",
	"tts_mode":           string(contracts.ModeStub),
	"tts_cloud_provider": "polly",
	"tts_local_command":  "espeak-ng -w {out} {text}",
	"tts_voice":          "",
	"aws_region":         "us-east-1",
	"store_backend":      StoreMemory,
	"db_url":             "",
	"badger_path":        "./data/badger",
	"webhook_secret":     "",
	"media_base_url":     "http://localhost:8000/media",
	"recordings_dir":     "./recordings",
	"agent_base_url":     "",
	"provider_timeout":   "15s",
	"trace_exporter":     TraceNone,
	"default_flow_id":    "",
}

var (
	asrClouds = []string{"deepgram", "google"}
	llmClouds = []string{"anthropic", "gemini", "cohere"}
	ttsClouds = []string{"polly", "elevenlabs", "google"}
)

// LoadOptions selects optional file sources. Empty paths are skipped, except
// EnvFile which defaults to ".env" in the working directory when present.
type LoadOptions struct {
	ConfigFile string
	EnvFile    string
}

// Load resolves settings. Precedence, highest first: environment, config
// file, .env file, defaults. Secret refs in llm_api_key and webhook_secret
// are resolved.
func Load(opts LoadOptions) (Settings, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := mergeDotEnv(v, envFile, opts.EnvFile != ""); err != nil {
		return Settings{}, err
	}

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}

	var err error
	if settings.LLMAPIKey, err = ResolveValue(settings.LLMAPIKey); err != nil {
		return Settings{}, fmt.Errorf("llm_api_key: %w", err)
	}
	if settings.WebhookSecret, err = ResolveValue(settings.WebhookSecret); err != nil {
		return Settings{}, fmt.Errorf("webhook_secret: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// mergeDotEnv layers KEY=VALUE pairs from path beneath config-file and env
// values. Keys may carry the IVR_ prefix or not.
func mergeDotEnv(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	dot := viper.New()
	dot.SetConfigFile(path)
	dot.SetConfigType("env")
	if err := dot.ReadInConfig(); err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	prefix := strings.ToLower(EnvPrefix) + "_"
	for _, key := range dot.AllKeys() {
		name := strings.TrimPrefix(strings.ToLower(key), prefix)
		if _, known := defaults[name]; !known {
			continue
		}
		v.SetDefault(name, dot.Get(key))
	}
	return nil
}

// Validate enforces supported modes, vendors and backends.
func (s Settings) Validate() error {
	if s.AppPort < 1 || s.AppPort > 65535 {
		return fmt.Errorf("app_port must be in [1,65535], got %d", s.AppPort)
	}
	if _, err := ParseLogLevel(s.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(s.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", s.LogFormat)
	}

	if err := validateStage("asr", s.ASRMode, s.ASRCloudProvider, asrClouds); err != nil {
		return err
	}
	if err := validateStage("llm", s.LLMMode, s.LLMCloudProvider, llmClouds); err != nil {
		return err
	}
	if err := validateStage("tts", s.TTSMode, s.TTSCloudProvider, ttsClouds); err != nil {
		return err
	}
	if mode, _ := contracts.ParseMode(s.ASRMode, contracts.ModeStub); mode == contracts.ModeLocal && strings.TrimSpace(s.ASRLocalCommand) == "" {
		return fmt.Errorf("asr_local_command is required when asr_mode=local")
	}
	if mode, _ := contracts.ParseMode(s.TTSMode, contracts.ModeStub); mode == contracts.ModeLocal && strings.TrimSpace(s.TTSLocalCommand) == "" {
		return fmt.Errorf("tts_local_command is required when tts_mode=local")
	}

	switch strings.ToLower(s.StoreBackend) {
	case StoreMemory:
	case StoreBadger:
		if strings.TrimSpace(s.BadgerPath) == "" {
			return fmt.Errorf("badger_path is required when store_backend=badger")
		}
	case StorePostgres:
		if strings.TrimSpace(s.DBURL) == "" {
			return fmt.Errorf("db_url is required when store_backend=postgres")
		}
	default:
		return fmt.Errorf("unsupported store_backend: %q", s.StoreBackend)
	}

	switch strings.ToLower(s.TraceExporter) {
	case "", TraceNone, TraceStdout:
	default:
		return fmt.Errorf("unsupported trace_exporter: %q", s.TraceExporter)
	}
	if s.ProviderTimeout < 0 {
		return fmt.Errorf("provider_timeout must be >=0")
	}
	return nil
}

func validateStage(stage string, rawMode string, cloud string, clouds []string) error {
	mode, err := contracts.ParseMode(rawMode, contracts.ModeStub)
	if err != nil {
		return fmt.Errorf("%s_mode: %w", stage, err)
	}
	if mode != contracts.ModeCloud {
		return nil
	}
	name := strings.ToLower(strings.TrimSpace(cloud))
	for _, candidate := range clouds {
		if name == candidate {
			return nil
		}
	}
	return fmt.Errorf("unsupported %s_cloud_provider: %q (want one of %s)", stage, cloud, strings.Join(clouds, ", "))
}

// Addr returns the listen address.
func (s Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.AppHost, s.AppPort)
}

// Redacted returns a copy safe to log.
func (s Settings) Redacted() Settings {
	s.LLMAPIKey = RedactSecret(s.LLMAPIKey)
	s.WebhookSecret = RedactSecret(s.WebhookSecret)
	if s.DBURL != "" {
		s.DBURL = RedactSecret(s.DBURL)
	}
	return s
}

// ParseLogLevel maps debug/info/warn/error to slog levels.
func ParseLogLevel(raw string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// NewLogger builds the root structured logger described by settings.
func NewLogger(s Settings, w io.Writer) *slog.Logger {
	level, err := ParseLogLevel(s.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("env", s.Env)
}
