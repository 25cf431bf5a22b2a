// Package orchestrator runs the per-call pipeline: transcription, response
// generation, flow override, synthesis, escalation and finalization.
//
// Every collaborator failure degrades to a fixed fallback value. Run never
// returns an error; store failures are logged and the run continues with
// in-process values.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/observability/telemetry"
	"github.com/tiger/conversational-ivr/internal/runtime/escalation"
	"github.com/tiger/conversational-ivr/internal/runtime/flowresolver"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/llm"
	"github.com/tiger/conversational-ivr/internal/runtime/session"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
)

const (
	// NoTranscriberText is the transcript used when no transcriber is configured.
	NoTranscriberText = "stubbed transcript (no ASR client available)"
	// TranscriberFailedText is the transcript used when the transcriber fails.
	TranscriberFailedText = "stubbed transcript: could not run ASR"
)

// Stage names used for logs, metrics and spans.
const (
	StageTranscription = "transcription"
	StageResponse      = "response"
	StageFlowOverride  = "flow_override"
	StageSynthesis     = "synthesis"
	StageEscalation    = "escalation"
	StageFinalization  = "finalization"
)

// Config wires the orchestrator collaborators. Sessions, Transcripts and
// Flows are required; a nil Transcriber, Responder, Synthesizer or Bridge
// selects that stage's fallback behavior.
type Config struct {
	Sessions    store.SessionStore
	Transcripts store.TranscriptLog
	Flows       store.FlowStore

	Transcriber contracts.Transcriber
	Responder   contracts.Responder
	Synthesizer contracts.Synthesizer
	Bridge      escalation.Bridge

	// MediaBaseURL prefixes synthesized artifact names.
	MediaBaseURL string
	// DefaultFlowID selects the override flow; empty uses the most recently updated flow.
	DefaultFlowID string

	Logger    *slog.Logger
	Telemetry telemetry.Recorder
	Tracer    trace.Tracer
}

// Orchestrator executes one pipeline run per call.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and constructs an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Sessions == nil || cfg.Transcripts == nil || cfg.Flows == nil {
		return nil, fmt.Errorf("orchestrator requires session, transcript and flow stores")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.Discard
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Tracer()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger.With("component", "orchestrator")}, nil
}

// run carries the in-process values of one pipeline run.
type run struct {
	callID string
	from   string
	to     string
	logger *slog.Logger

	transcript string
	response   contracts.Response
	mediaOut   string
	agent      map[string]any
}

// Run executes the pipeline for one call and returns its terminal summary.
func (o *Orchestrator) Run(ctx context.Context, callID, from, to, mediaRef string) callflow.TerminalSummary {
	callID = strings.TrimSpace(callID)
	ctx, span := o.cfg.Tracer.Start(ctx, "call.pipeline", trace.WithAttributes(attribute.String("call.id", callID)))
	defer span.End()

	r := &run{callID: callID, from: from, to: to, logger: o.logger.With("call_id", callID)}
	r.logger.Info("pipeline started", "media_ref", mediaRef)

	o.stage(ctx, r, StageTranscription, func(ctx context.Context) { o.transcribe(ctx, r, mediaRef) })
	o.stage(ctx, r, StageResponse, func(ctx context.Context) { o.respond(ctx, r) })
	o.stage(ctx, r, StageFlowOverride, func(ctx context.Context) { o.applyFlow(ctx, r) })
	o.stage(ctx, r, StageSynthesis, func(ctx context.Context) { o.synthesize(ctx, r) })
	o.stage(ctx, r, StageEscalation, func(ctx context.Context) { o.escalate(r) })

	summary := callflow.TerminalSummary{
		CallID:    callID,
		Intent:    r.response.Intent,
		Reply:     r.response.Reply,
		MediaOut:  r.mediaOut,
		Escalated: r.response.Escalate,
		Status:    session.FinalStatus(r.response.Escalate),
		Agent:     r.agent,
	}
	o.stage(ctx, r, StageFinalization, func(ctx context.Context) { o.finalize(ctx, r, summary) })

	span.SetAttributes(
		attribute.String("call.intent", summary.Intent),
		attribute.String("call.status", string(summary.Status)),
	)
	o.cfg.Telemetry.RunFinished(callID, string(summary.Status))
	r.logger.Info("pipeline finished", "intent", summary.Intent, "status", summary.Status, "media_out", summary.MediaOut)
	return summary
}

// stage runs fn inside a span, records its latency and contains panics.
func (o *Orchestrator) stage(ctx context.Context, r *run, name string, fn func(context.Context)) {
	ctx, span := o.cfg.Tracer.Start(ctx, "call.stage."+name, trace.WithAttributes(attribute.String("stage", name)))
	start := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("stage %s panicked: %v", name, recovered)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.fallback(r, name, contracts.OutcomeInfrastructureFailure, err)
		}
		o.cfg.Telemetry.StageTimed(r.callID, name, time.Since(start))
		span.End()
	}()
	fn(ctx)
}

// fallback records a stage that substituted its fallback value.
func (o *Orchestrator) fallback(r *run, stage string, class contracts.OutcomeClass, err error) {
	r.logger.Warn("stage fell back", "stage", stage, "outcome_class", class, "error", err)
	o.cfg.Telemetry.StageFellBack(r.callID, stage, string(class))
}

// protect converts a collaborator panic into an error.
func protect[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			var zero T
			out, err = zero, fmt.Errorf("collaborator panicked: %v", recovered)
		}
	}()
	return fn()
}

// storeFailed logs a best-effort store write that did not land.
func (r *run) storeFailed(op string, err error) {
	r.logger.Error("store operation failed", "op", op, "error", err)
}

func (o *Orchestrator) transcribe(ctx context.Context, r *run, mediaRef string) {
	switch {
	case o.cfg.Transcriber == nil:
		r.transcript = NoTranscriberText
	default:
		text, err := protect(func() (string, error) { return o.cfg.Transcriber.Transcribe(ctx, mediaRef) })
		if err != nil {
			o.fallback(r, StageTranscription, contracts.ClassOf(err), err)
			text = TranscriberFailedText
		}
		r.transcript = text
	}
	o.appendTranscript(ctx, r, r.transcript, callflow.SourceASR)
}

func (o *Orchestrator) respond(ctx context.Context, r *run) {
	if o.cfg.Responder == nil {
		r.response = llm.Respond(r.transcript)
	} else {
		rc := contracts.RespondContext{CallID: r.callID, From: r.from, To: r.to}
		resp, err := protect(func() (contracts.Response, error) { return o.cfg.Responder.Generate(ctx, r.transcript, rc) })
		if err == nil && strings.TrimSpace(resp.Reply) == "" {
			err = contracts.ErrEmptyResult
		}
		if err != nil {
			o.fallback(r, StageResponse, contracts.ClassOf(err), err)
			resp = contracts.Response{Intent: llm.IntentUnknown, Reply: llm.UnknownReply}
		}
		r.response = resp
	}
	if strings.TrimSpace(r.response.Intent) == "" {
		r.response.Intent = llm.IntentUnknown
	}
	o.appendTranscript(ctx, r, r.response.Reply, callflow.SourceLLM)
}

func (o *Orchestrator) applyFlow(ctx context.Context, r *run) {
	flow, ok := o.selectFlow(ctx, r)
	if !ok {
		return
	}
	result := flowresolver.Resolve(flow, r.response.Intent, r.transcript)
	if !result.Matched {
		return
	}
	r.logger.Debug("flow override", "flow_id", flow.FlowID, "node_id", result.NodeID)
	if result.Reply != "" {
		r.response.Reply = result.Reply
	}
	r.response.Escalate = result.Escalate
}

func (o *Orchestrator) selectFlow(ctx context.Context, r *run) (callflow.Flow, bool) {
	if id := strings.TrimSpace(o.cfg.DefaultFlowID); id != "" {
		flow, err := o.cfg.Flows.GetFlow(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				r.storeFailed("get_flow", err)
			}
			return callflow.Flow{}, false
		}
		return flow, true
	}
	flows, err := o.cfg.Flows.ListFlows(ctx)
	if err != nil {
		r.storeFailed("list_flows", err)
		return callflow.Flow{}, false
	}
	if len(flows) == 0 {
		return callflow.Flow{}, false
	}
	return flows[0], true
}

func (o *Orchestrator) synthesize(ctx context.Context, r *run) {
	if o.cfg.Synthesizer == nil {
		return
	}
	artifact, err := protect(func() (string, error) { return o.cfg.Synthesizer.Synthesize(ctx, r.response.Reply, r.callID) })
	if err != nil {
		o.fallback(r, StageSynthesis, contracts.ClassOf(err), err)
		return
	}
	r.mediaOut = MediaURL(o.cfg.MediaBaseURL, artifact)
}

// MediaURL composes the public reference of a local artifact. An empty
// artifact yields an empty reference.
func MediaURL(baseURL string, artifact string) string {
	artifact = strings.TrimSpace(artifact)
	if artifact == "" {
		return ""
	}
	name := filepath.Base(artifact)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return name
	}
	return baseURL + "/" + name
}

func (o *Orchestrator) escalate(r *run) {
	if !r.response.Escalate {
		return
	}
	r.agent = escalation.Unavailable().Payload()
	if o.cfg.Bridge == nil {
		o.fallback(r, StageEscalation, contracts.OutcomeBlocked, errors.New("no escalation bridge configured"))
		return
	}
	handoff, err := protect(func() (escalation.Handoff, error) { return o.cfg.Bridge.Escalate(r.callID) })
	if err != nil {
		o.fallback(r, StageEscalation, contracts.ClassOf(err), err)
		return
	}
	r.agent = handoff.Payload()
}

func (o *Orchestrator) finalize(ctx context.Context, r *run, summary callflow.TerminalSummary) {
	patch := callflow.SessionPatch{
		LastIntent: &summary.Intent,
		LastReply:  &summary.Reply,
	}
	if summary.MediaOut != "" {
		patch.MediaOut = &summary.MediaOut
	}
	if summary.Agent != nil {
		patch.Agent = summary.Agent
	}

	var current callflow.Status
	existing, err := o.cfg.Sessions.GetSession(ctx, r.callID)
	switch {
	case err == nil:
		current = existing.Status
	case errors.Is(err, store.ErrNotFound):
		r.logger.Warn("session missing at finalization; recreating", "stage", StageFinalization)
		patch.From, patch.To = &r.from, &r.to
	default:
		r.storeFailed("get_session", err)
	}

	tr, err := session.Complete(r.callID, current, summary.Escalated)
	if err != nil {
		r.logger.Warn("status transition rejected", "stage", StageFinalization, "error", err)
	} else {
		patch.Status = &tr.To
	}
	if _, err := o.cfg.Sessions.PatchSession(ctx, r.callID, patch); err != nil {
		r.storeFailed("patch_session", err)
	}
}

func (o *Orchestrator) appendTranscript(ctx context.Context, r *run, text string, source callflow.Source) {
	if strings.TrimSpace(text) == "" {
		r.logger.Debug("empty text not recorded", "source", source)
		return
	}
	if _, err := o.cfg.Transcripts.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: r.callID, Text: text, Source: source}); err != nil {
		r.storeFailed("append_transcript", err)
	}
}
