package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if settings.AppPort != 8000 || settings.AppHost != "0.0.0.0" {
		t.Fatalf("unexpected listen defaults %+v", settings)
	}
	if settings.ASRMode != "stub" || settings.TTSMode != "stub" {
		t.Fatalf("expected stub modes by default, got asr=%q tts=%q", settings.ASRMode, settings.TTSMode)
	}
	if settings.StoreBackend != StoreMemory {
		t.Fatalf("expected memory store by default, got %q", settings.StoreBackend)
	}
	if settings.ProviderTimeout != 15*time.Second {
		t.Fatalf("expected 15s provider timeout, got %s", settings.ProviderTimeout)
	}
	if settings.Addr() != "0.0.0.0:8000" {
		t.Fatalf("unexpected addr %q", settings.Addr())
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "ivr.yaml")
	if err := os.WriteFile(configPath, []byte("app_port: 9100\nasr_mode: cloud\nasr_cloud_provider: google\nlog_format: json\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	envPath := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envPath, []byte("IVR_APP_PORT=9200\nIVR_ENV=staging\nUNRELATED=1\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("IVR_LOG_FORMAT", "text")
	t.Setenv("IVR_PROVIDER_TIMEOUT", "3s")

	settings, err := Load(LoadOptions{ConfigFile: configPath, EnvFile: envPath})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.AppPort != 9100 {
		t.Fatalf("expected config file to beat .env, got port %d", settings.AppPort)
	}
	if settings.Env != "staging" {
		t.Fatalf("expected .env to beat defaults, got env %q", settings.Env)
	}
	if settings.LogFormat != "text" {
		t.Fatalf("expected environment to beat config file, got %q", settings.LogFormat)
	}
	if settings.ProviderTimeout != 3*time.Second {
		t.Fatalf("expected env duration, got %s", settings.ProviderTimeout)
	}
	if settings.ASRCloudProvider != "google" {
		t.Fatalf("unexpected asr cloud provider %q", settings.ASRCloudProvider)
	}
}

func TestLoadResolvesSecretRefs(t *testing.T) {
	t.Setenv("IVR_LLM_API_KEY", "env://IVR_TEST_LLM_KEY")
	t.Setenv("IVR_TEST_LLM_KEY", "sk-live")
	t.Setenv("IVR_WEBHOOK_SECRET", "plain-secret")

	settings, err := Load(LoadOptions{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.LLMAPIKey != "sk-live" {
		t.Fatalf("expected resolved api key, got %q", settings.LLMAPIKey)
	}
	if settings.WebhookSecret != "plain-secret" {
		t.Fatalf("expected literal webhook secret, got %q", settings.WebhookSecret)
	}
	redacted := settings.Redacted()
	if redacted.LLMAPIKey != "***redacted***" || redacted.WebhookSecret != "***redacted***" {
		t.Fatalf("expected redacted secrets, got %+v", redacted)
	}
}

func TestLoadRejectsUnresolvableSecretRef(t *testing.T) {
	t.Setenv("IVR_LLM_API_KEY", "env://IVR_TEST_DOES_NOT_EXIST")
	if _, err := Load(LoadOptions{}); err == nil {
		t.Fatalf("expected unresolved secret ref to fail")
	}
}

func TestLoadMissingExplicitEnvFile(t *testing.T) {
	if _, err := Load(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "missing.env")}); err == nil {
		t.Fatalf("expected explicit missing env file to fail")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := Settings{
		AppPort:      8000,
		LogLevel:     "info",
		LogFormat:    "text",
		ASRMode:      "stub",
		LLMMode:      "stub",
		TTSMode:      "stub",
		StoreBackend: StoreMemory,
	}
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid", mutate: func(*Settings) {}},
		{name: "bad port", mutate: func(s *Settings) { s.AppPort = 0 }, wantErr: "app_port"},
		{name: "bad level", mutate: func(s *Settings) { s.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "bad format", mutate: func(s *Settings) { s.LogFormat = "xml" }, wantErr: "log_format"},
		{name: "bad asr mode", mutate: func(s *Settings) { s.ASRMode = "magic" }, wantErr: "asr_mode"},
		{name: "unconfigured llm", mutate: func(s *Settings) { s.LLMMode = "none" }},
		{name: "cloud llm vendor", mutate: func(s *Settings) { s.LLMMode = "cloud"; s.LLMCloudProvider = "gemini" }},
		{name: "unknown cloud vendor", mutate: func(s *Settings) { s.TTSMode = "cloud"; s.TTSCloudProvider = "acme" }, wantErr: "tts_cloud_provider"},
		{name: "local asr needs command", mutate: func(s *Settings) { s.ASRMode = "local" }, wantErr: "asr_local_command"},
		{name: "local tts needs command", mutate: func(s *Settings) { s.TTSMode = "local" }, wantErr: "tts_local_command"},
		{name: "postgres needs dsn", mutate: func(s *Settings) { s.StoreBackend = StorePostgres }, wantErr: "db_url"},
		{name: "badger needs path", mutate: func(s *Settings) { s.StoreBackend = StoreBadger }, wantErr: "badger_path"},
		{name: "unknown backend", mutate: func(s *Settings) { s.StoreBackend = "redis" }, wantErr: "store_backend"},
		{name: "unknown exporter", mutate: func(s *Settings) { s.TraceExporter = "jaeger" }, wantErr: "trace_exporter"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			settings := base
			tc.mutate(&settings)
			err := settings.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewLogger(Settings{Env: "test", LogLevel: "warn", LogFormat: "json"}, &buf)
	logger.Info("dropped")
	logger.Warn("kept", slog.String("call_id", "c1"))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected info to be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"call_id":"c1"`) || !strings.Contains(out, `"env":"test"`) {
		t.Fatalf("expected json attrs in output: %s", out)
	}
}
