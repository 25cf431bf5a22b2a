package contracts

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Mode
		wantErr bool
	}{
		{raw: "", want: ModeStub},
		{raw: "STUB", want: ModeStub},
		{raw: " local ", want: ModeLocal},
		{raw: "cloud", want: ModeCloud},
		{raw: "none", want: ModeUnconfigured},
		{raw: "unconfigured", want: ModeUnconfigured},
		{raw: "gpu", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.raw, ModeStub)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parse %q: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("parse %q: expected %s, got %s", tc.raw, tc.want, got)
		}
	}
}

func TestOutcomeValidate(t *testing.T) {
	t.Parallel()

	if err := (Outcome{Class: OutcomeSuccess}).Validate(); err != nil {
		t.Fatalf("expected valid success outcome, got %v", err)
	}
	if err := (Outcome{Class: OutcomeTimeout, Retryable: true}).Validate(); err == nil {
		t.Fatalf("expected non-success outcome without reason to fail")
	}
	if err := (Outcome{Class: "exploded", Reason: "x"}).Validate(); err == nil {
		t.Fatalf("expected unknown class to fail")
	}
}

func TestClassOf(t *testing.T) {
	t.Parallel()

	overload := NewProviderError("llm-test", Outcome{Class: OutcomeOverload, Reason: "provider_overload"}, nil)
	tests := []struct {
		name string
		err  error
		want OutcomeClass
	}{
		{name: "nil", err: nil, want: OutcomeSuccess},
		{name: "provider error", err: overload, want: OutcomeOverload},
		{name: "wrapped provider error", err: fmt.Errorf("generate: %w", overload), want: OutcomeOverload},
		{name: "deadline", err: context.DeadlineExceeded, want: OutcomeTimeout},
		{name: "cancelled", err: context.Canceled, want: OutcomeCancelled},
		{name: "other", err: errors.New("boom"), want: OutcomeInfrastructureFailure},
	}
	for _, tc := range tests {
		if got := ClassOf(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("tcp reset")
	err := NewProviderError("stt-test", Outcome{}, cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected provider error to unwrap to cause")
	}
	if err.Outcome.Class != OutcomeInfrastructureFailure || err.Outcome.Reason == "" {
		t.Fatalf("expected defaulted failure outcome, got %+v", err.Outcome)
	}
}

func TestFuncAdapters(t *testing.T) {
	t.Parallel()

	var tr Transcriber = TranscriberFunc(func(context.Context, string) (string, error) { return "text", nil })
	var rs Responder = ResponderFunc(func(_ context.Context, text string, rc RespondContext) (Response, error) {
		return Response{Intent: "echo", Reply: text + ":" + rc.CallID}, nil
	})
	var sy Synthesizer = SynthesizerFunc(func(context.Context, string, string) (string, error) { return "a.wav", nil })

	text, _ := tr.Transcribe(context.Background(), "")
	resp, _ := rs.Generate(context.Background(), text, RespondContext{CallID: "c1"})
	path, _ := sy.Synthesize(context.Background(), resp.Reply, "c1")
	if resp.Reply != "text:c1" || path != "a.wav" {
		t.Fatalf("unexpected adapter results: %+v %q", resp, path)
	}
}
