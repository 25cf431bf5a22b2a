// Package stt provides the Transcriber strategies selected at startup.
package stt

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

const (
	// StubTranscript is returned in stub mode and when no media reference is given.
	StubTranscript = "stubbed transcript: hello I want my account balance"
	// FallbackTranscript is returned when the backend fails and no sidecar exists.
	FallbackTranscript = "stubbed transcript: unable to transcribe (fallback)"

	fileScheme        = "file://"
	pathPlaceholder   = "{path}"
	defaultCmdTimeout = 60 * time.Second
)

// Stub never performs I/O.
type Stub struct{}

func (Stub) Transcribe(context.Context, string) (string, error) {
	return StubTranscript, nil
}

// Command runs an external recognizer and reads the transcript from stdout.
// The media path replaces every {path} token, or is appended when none is present.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

// NewCommand splits a command line on whitespace.
func NewCommand(commandLine string, timeout time.Duration) (*Command, error) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, fmt.Errorf("asr command is required")
	}
	if timeout <= 0 {
		timeout = defaultCmdTimeout
	}
	return &Command{Argv: argv, Timeout: timeout}, nil
}

func (c *Command) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	path := LocalPath(mediaRef)
	args := make([]string, 0, len(c.Argv))
	substituted := false
	for _, arg := range c.Argv[1:] {
		if strings.Contains(arg, pathPlaceholder) {
			arg = strings.ReplaceAll(arg, pathPlaceholder, path)
			substituted = true
		}
		args = append(args, arg)
	}
	if !substituted {
		args = append(args, path)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, c.Argv[0], args...).Output()
	if err != nil {
		outcome := contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "local_command_failed"}
		if ctx.Err() != nil {
			outcome = contracts.Outcome{Class: contracts.OutcomeTimeout, Reason: "local_command_timeout"}
		}
		return "", contracts.NewProviderError("stt-local-command", outcome, err)
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return "", contracts.NewProviderError("stt-local-command", contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "local_command_empty"}, contracts.ErrEmptyResult)
	}
	return text, nil
}

// Remote adapts a cloud SpeechToText backend. Remote URLs are passed by
// reference and local files are uploaded inline.
type Remote struct {
	Backend contracts.SpeechToText
}

func (r Remote) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	if isRemoteURL(mediaRef) {
		return r.Backend.Recognize(ctx, contracts.Audio{URL: mediaRef})
	}
	path := LocalPath(mediaRef)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read media %s: %w", path, err)
	}
	return r.Backend.Recognize(ctx, contracts.Audio{Data: data, ContentType: contentTypeFor(path)})
}

// Resilient is the Transcriber handed to the orchestrator. It never returns
// an error: failures degrade to a sidecar transcript or FallbackTranscript.
type Resilient struct {
	Mode    contracts.Mode
	Backend contracts.Transcriber
	Logger  *slog.Logger
}

func (r *Resilient) Transcribe(ctx context.Context, mediaRef string) (text string, err error) {
	mediaRef = strings.TrimSpace(mediaRef)
	if r.Mode == contracts.ModeStub || mediaRef == "" || r.Backend == nil {
		return StubTranscript, nil
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger().Warn("transcriber panicked", "panic", fmt.Sprint(recovered), "outcome_class", contracts.OutcomeInfrastructureFailure)
			text, err = r.fallback(mediaRef), nil
		}
	}()

	got, backendErr := r.Backend.Transcribe(ctx, mediaRef)
	if backendErr == nil && strings.TrimSpace(got) != "" {
		return strings.TrimSpace(got), nil
	}
	if backendErr == nil {
		backendErr = contracts.ErrEmptyResult
	}
	r.logger().Warn("transcription failed, using fallback",
		"media_ref", mediaRef,
		"outcome_class", contracts.ClassOf(backendErr),
		"error", backendErr,
	)
	return r.fallback(mediaRef), nil
}

func (r *Resilient) fallback(mediaRef string) string {
	if isRemoteURL(mediaRef) {
		return FallbackTranscript
	}
	path := LocalPath(mediaRef)
	sidecar := strings.TrimSuffix(path, filepath.Ext(path)) + ".txt"
	if sidecar == path {
		return FallbackTranscript
	}
	raw, err := os.ReadFile(sidecar)
	if err != nil {
		return FallbackTranscript
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return FallbackTranscript
}

func (r *Resilient) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.Logger
}

// LocalPath strips a file:// prefix.
func LocalPath(mediaRef string) string {
	return strings.TrimPrefix(mediaRef, fileScheme)
}

func isRemoteURL(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "gs://")
}

func contentTypeFor(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
