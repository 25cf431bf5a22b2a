package contracts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Modality defines provider families used by the call pipeline.
type Modality string

const (
	ModalitySTT Modality = "stt"
	ModalityLLM Modality = "llm"
	ModalityTTS Modality = "tts"
)

// Validate enforces supported provider modality values.
func (m Modality) Validate() error {
	switch m {
	case ModalitySTT, ModalityLLM, ModalityTTS:
		return nil
	default:
		return fmt.Errorf("unsupported modality: %q", m)
	}
}

// Mode selects the strategy an adapter is built with. It is decided once at startup.
type Mode string

const (
	ModeStub         Mode = "stub"
	ModeLocal        Mode = "local"
	ModeCloud        Mode = "cloud"
	ModeUnconfigured Mode = "unconfigured"
)

// Validate enforces supported mode values.
func (m Mode) Validate() error {
	switch m {
	case ModeStub, ModeLocal, ModeCloud, ModeUnconfigured:
		return nil
	default:
		return fmt.Errorf("unsupported mode: %q", m)
	}
}

// ParseMode parses a case-insensitive mode name; empty input yields fallback.
func ParseMode(raw string, fallback Mode) (Mode, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return fallback, fallback.Validate()
	}
	if trimmed == "none" || trimmed == "off" {
		return ModeUnconfigured, nil
	}
	mode := Mode(trimmed)
	if err := mode.Validate(); err != nil {
		return "", err
	}
	return mode, nil
}

// OutcomeClass is the normalized invocation-outcome taxonomy.
type OutcomeClass string

const (
	OutcomeSuccess               OutcomeClass = "success"
	OutcomeTimeout               OutcomeClass = "timeout"
	OutcomeOverload              OutcomeClass = "overload"
	OutcomeBlocked               OutcomeClass = "blocked"
	OutcomeInfrastructureFailure OutcomeClass = "infrastructure_failure"
	OutcomeCancelled             OutcomeClass = "cancelled"
)

// Validate enforces supported outcome classes.
func (o OutcomeClass) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeTimeout, OutcomeOverload, OutcomeBlocked, OutcomeInfrastructureFailure, OutcomeCancelled:
		return nil
	default:
		return fmt.Errorf("unsupported outcome_class: %q", o)
	}
}

// Outcome is an adapter-normalized invocation result.
type Outcome struct {
	Class      OutcomeClass
	Retryable  bool
	Reason     string
	StatusCode int
	BackoffMS  int64
}

// Validate enforces normalized outcome invariants.
func (o Outcome) Validate() error {
	if err := o.Class.Validate(); err != nil {
		return err
	}
	if o.Class != OutcomeSuccess && o.Reason == "" {
		return fmt.Errorf("reason is required for non-success outcomes")
	}
	if o.BackoffMS < 0 {
		return fmt.Errorf("backoff_ms must be >=0")
	}
	return nil
}

// ProviderError reports a failed provider invocation with its normalized outcome.
type ProviderError struct {
	ProviderID string
	Outcome    Outcome
	// Capture is a redacted sample of the provider response for logs.
	Capture string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s (%s)", e.ProviderID, e.Outcome.Class, e.Outcome.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError builds a ProviderError from a validated outcome.
func NewProviderError(providerID string, outcome Outcome, err error) *ProviderError {
	if outcome.Class == "" || outcome.Class == OutcomeSuccess {
		outcome.Class = OutcomeInfrastructureFailure
	}
	if outcome.Reason == "" {
		outcome.Reason = "provider_error"
	}
	return &ProviderError{ProviderID: providerID, Outcome: outcome, Err: err}
}

// ClassOf maps any error to the outcome taxonomy. A nil error is success.
func ClassOf(err error) OutcomeClass {
	if err == nil {
		return OutcomeSuccess
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Outcome.Class
	}
	if errors.Is(err, context.Canceled) {
		return OutcomeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeInfrastructureFailure
}

// ErrEmptyResult is returned when a backend succeeds without usable content.
var ErrEmptyResult = errors.New("provider returned empty result")

// Transcriber turns a media reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

// RespondContext carries call metadata for response generation.
type RespondContext struct {
	CallID string
	From   string
	To     string
}

// Response is the outcome of response generation.
type Response struct {
	Intent   string `json:"intent"`
	Reply    string `json:"reply"`
	Escalate bool   `json:"escalate,omitempty"`
}

// Responder turns caller text into an intent and reply.
type Responder interface {
	Generate(ctx context.Context, text string, rc RespondContext) (Response, error)
}

// Synthesizer renders reply text into a local audio artifact.
// An empty artifact path with a nil error means no artifact was produced.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, callID string) (string, error)
}

// Audio is recognizer input: either a remote URL or inline bytes.
type Audio struct {
	URL         string
	Data        []byte
	ContentType string
}

// SpeechToText is a cloud speech recognition backend.
type SpeechToText interface {
	ProviderID() string
	Recognize(ctx context.Context, audio Audio) (string, error)
}

// ChatModel is a cloud text generation backend.
type ChatModel interface {
	ProviderID() string
	Complete(ctx context.Context, system string, user string) (string, error)
}

// AudioClip is synthesized audio returned by a cloud backend.
type AudioClip struct {
	Data      []byte
	Extension string
}

// TextToSpeech is a cloud speech synthesis backend.
type TextToSpeech interface {
	ProviderID() string
	SynthesizeAudio(ctx context.Context, text string) (AudioClip, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, mediaRef string) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, mediaRef string) (string, error) {
	return f(ctx, mediaRef)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, text string, rc RespondContext) (Response, error)

func (f ResponderFunc) Generate(ctx context.Context, text string, rc RespondContext) (Response, error) {
	return f(ctx, text, rc)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text string, callID string) (string, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string, callID string) (string, error) {
	return f(ctx, text, callID)
}
