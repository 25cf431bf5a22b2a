package tts

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
)

type fakeVoice struct {
	clip  contracts.AudioClip
	err   error
	calls int
}

func (f *fakeVoice) ProviderID() string { return "tts-fake" }

func (f *fakeVoice) SynthesizeAudio(context.Context, string) (contracts.AudioClip, error) {
	f.calls++
	return f.clip, f.err
}

func TestArtifactName(t *testing.T) {
	t.Parallel()

	if got := ArtifactName("call-42", "mp3"); got != "call-42_reply.mp3" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := ArtifactName("call-42", ".wav"); got != "call-42_reply.wav" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := ArtifactName("../../etc/passwd", "wav"); got != "passwd_reply.wav" {
		t.Fatalf("expected path components stripped, got %q", got)
	}
	anonymous := regexp.MustCompile(`^reply_[0-9a-f]{8}\.wav$`)
	first, second := ArtifactName("", ""), ArtifactName("", "")
	if !anonymous.MatchString(first) || !anonymous.MatchString(second) {
		t.Fatalf("unexpected anonymous names %q %q", first, second)
	}
	if first == second {
		t.Fatalf("expected unique anonymous names")
	}
}

func TestStubNeverProducesArtifact(t *testing.T) {
	t.Parallel()

	path, err := Stub{}.Synthesize(context.Background(), "Hello!", "c1")
	if err != nil || path != "" {
		t.Fatalf("expected no artifact, got %q err=%v", path, err)
	}
}

func TestRemoteWritesArtifact(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "recordings")
	voice := &fakeVoice{clip: contracts.AudioClip{Data: []byte("mp3"), Extension: "mp3"}}
	remote := Remote{Backend: voice, Dir: dir}

	path, err := remote.Synthesize(context.Background(), "Hello!", "c1")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if path != filepath.Join(dir, "c1_reply.mp3") {
		t.Fatalf("unexpected path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "mp3" {
		t.Fatalf("unexpected artifact contents %q err=%v", data, err)
	}

	path, err = remote.Synthesize(context.Background(), "   ", "c1")
	if err != nil || path != "" || voice.calls != 1 {
		t.Fatalf("expected empty text to skip backend, got %q err=%v calls=%d", path, err, voice.calls)
	}
}

func TestRemoteBackendFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("tts down")
	remote := Remote{Backend: &fakeVoice{err: boom}, Dir: t.TempDir()}
	if _, err := remote.Synthesize(context.Background(), "Hello!", "c1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
	empty := Remote{Backend: &fakeVoice{}, Dir: t.TempDir()}
	if _, err := empty.Synthesize(context.Background(), "Hello!", "c1"); !errors.Is(err, contracts.ErrEmptyResult) {
		t.Fatalf("expected empty result, got %v", err)
	}
}

func TestCommandWritesArtifact(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("cp"); err != nil {
		t.Skip("cp not available")
	}
	src := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(src, []byte("RIFF"), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}
	dir := t.TempDir()
	cmd, err := NewCommand("cp "+src+" {out}", dir, 5*time.Second)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	path, err := cmd.Synthesize(context.Background(), "Hello!", "c9")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if path != filepath.Join(dir, "c9_reply.wav") {
		t.Fatalf("unexpected path %q", path)
	}
}

func TestCommandFailures(t *testing.T) {
	t.Parallel()

	if _, err := NewCommand("", t.TempDir(), time.Second); err == nil {
		t.Fatalf("expected empty command to be rejected")
	}
	if _, err := NewCommand(DefaultCommand, "", time.Second); err == nil {
		t.Fatalf("expected empty dir to be rejected")
	}

	cmd, err := NewCommand("/nonexistent/espeak -w {out} {text}", t.TempDir(), time.Second)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	_, err = cmd.Synthesize(context.Background(), "Hello!", "c1")
	var providerErr *contracts.ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("expected provider error, got %v", err)
	}

	if _, err := exec.LookPath("true"); err == nil {
		silent, err := NewCommand("true {out}", t.TempDir(), time.Second)
		if err != nil {
			t.Fatalf("new command: %v", err)
		}
		if _, err := silent.Synthesize(context.Background(), "Hello!", "c1"); !errors.Is(err, contracts.ErrEmptyResult) {
			t.Fatalf("expected missing output to fail, got %v", err)
		}
	}
}
