// Package tts provides the Synthesizer strategies selected at startup.
// Every strategy writes into a recordings directory and returns the
// artifact path; an empty path means no audio was produced.
package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

const (
	outPlaceholder  = "{out}"
	textPlaceholder = "{text}"

	// DefaultCommand renders speech offline with espeak-ng.
	DefaultCommand = "espeak-ng -w {out} {text}"

	defaultCommandTimeout = 60 * time.Second
)

// ArtifactName returns "<callID>_reply.<ext>", or "reply_<8 hex>.<ext>" when
// the call id is empty.
func ArtifactName(callID string, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "wav"
	}
	if callID = strings.TrimSpace(callID); callID != "" {
		return fmt.Sprintf("%s_reply.%s", sanitize(callID), ext)
	}
	return fmt.Sprintf("reply_%s.%s", strings.ReplaceAll(uuid.NewString(), "-", "")[:8], ext)
}

// sanitize keeps artifact names inside the recordings directory.
func sanitize(callID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, filepath.Base(callID))
}

// Stub never produces an artifact.
type Stub struct{}

func (Stub) Synthesize(context.Context, string, string) (string, error) {
	return "", nil
}

// Command runs an offline TTS command. {out} is replaced by the artifact
// path and {text} by the reply text.
type Command struct {
	Argv    []string
	Dir     string
	Ext     string
	Timeout time.Duration
}

// NewCommand splits a command line on whitespace. Artifacts are written to dir.
func NewCommand(commandLine string, dir string, timeout time.Duration) (*Command, error) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, fmt.Errorf("tts command is required")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("recordings_dir is required")
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Command{Argv: argv, Dir: dir, Ext: "wav", Timeout: timeout}, nil
}

func (c *Command) Synthesize(ctx context.Context, text string, callID string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	out := filepath.Join(c.Dir, ArtifactName(callID, c.Ext))
	args := make([]string, 0, len(c.Argv)-1)
	for _, arg := range c.Argv[1:] {
		arg = strings.ReplaceAll(arg, outPlaceholder, out)
		arg = strings.ReplaceAll(arg, textPlaceholder, text)
		args = append(args, arg)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if output, err := exec.CommandContext(ctx, c.Argv[0], args...).CombinedOutput(); err != nil {
		outcome := contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "local_command_failed"}
		if ctx.Err() != nil {
			outcome = contracts.Outcome{Class: contracts.OutcomeTimeout, Reason: "local_command_timeout"}
		}
		perr := contracts.NewProviderError("tts-local-command", outcome, err)
		perr.Capture = strings.TrimSpace(string(output))
		return "", perr
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		return "", contracts.NewProviderError("tts-local-command", contracts.Outcome{Class: contracts.OutcomeInfrastructureFailure, Reason: "local_command_no_output"}, contracts.ErrEmptyResult)
	}
	return out, nil
}

// Remote writes audio returned by a cloud backend into Dir.
type Remote struct {
	Backend contracts.TextToSpeech
	Dir     string
}

func (r Remote) Synthesize(ctx context.Context, text string, callID string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	clip, err := r.Backend.SynthesizeAudio(ctx, text)
	if err != nil {
		return "", err
	}
	if len(clip.Data) == 0 {
		return "", contracts.ErrEmptyResult
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create recordings dir: %w", err)
	}
	out := filepath.Join(r.Dir, ArtifactName(callID, clip.Extension))
	tmp := out + ".tmp"
	if err := os.WriteFile(tmp, clip.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("publish artifact: %w", err)
	}
	return out, nil
}
