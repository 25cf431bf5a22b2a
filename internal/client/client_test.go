package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/httpapi"
	"github.com/tiger/conversational-ivr/internal/runtime/escalation"
	"github.com/tiger/conversational-ivr/internal/runtime/executionpool"
	"github.com/tiger/conversational-ivr/internal/runtime/orchestrator"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/contracts"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

func newService(t *testing.T, secret string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := timebase.NewClock(nil)
	st := store.NewMemory(clock)
	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:    st,
		Transcripts: st,
		Flows:       st,
		Transcriber: contracts.TranscriberFunc(func(_ context.Context, mediaRef string) (string, error) {
			return "please get me a human " + mediaRef, nil
		}),
		Bridge: escalation.NewAgentBridge("https://agents.example.com"),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	pool := executionpool.NewManager(executionpool.Options{Logger: logger})
	srv, err := httpapi.New(httpapi.Config{
		Store:      st,
		Runner:     orch,
		Dispatcher: pool,
		Verifier:   webhook.Verifier{Secret: secret},
		Clock:      clock,
		Env:        "test",
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("httpapi: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Drain(ctx)
		ts.Close()
	})
	c := New(ts.URL + "/")
	c.WebhookSecret = secret
	return c
}

func TestClientEndToEnd(t *testing.T) {
	t.Parallel()

	c := newService(t, "s3cret")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := c.Health(ctx)
	if err != nil || health.Status != "ok" || health.StoreBackend != store.BackendMemory {
		t.Fatalf("unexpected health %+v err=%v", health, err)
	}

	saved, err := c.UpsertFlow(ctx, callflow.Flow{
		FlowID: "support",
		Nodes:  []callflow.FlowNode{{ID: "agent", Intent: "connect_agent", Reply: "Transferring you now.", Escalate: true}},
	})
	if err != nil || saved.FlowID != "support" {
		t.Fatalf("unexpected upsert %+v err=%v", saved, err)
	}

	accepted, err := c.SimulateCall(ctx, callflow.CallStartEvent{CallID: "cli-1", From: "+1", To: "+2"})
	if err != nil || accepted.CallID != "cli-1" {
		t.Fatalf("unexpected accept %+v err=%v", accepted, err)
	}
	final, err := c.WaitForTerminal(ctx, "cli-1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != callflow.StatusEscalated || final.LastReply != "Transferring you now." {
		t.Fatalf("unexpected final session %+v", final)
	}
	if final.Agent["webrtc_url"] != "https://agents.example.com/agent?call_id=cli-1" {
		t.Fatalf("unexpected agent payload %+v", final.Agent)
	}

	_, err = c.SimulateCall(ctx, callflow.CallStartEvent{CallID: "cli-1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}

	sessions, err := c.ListSessions(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("unexpected sessions %+v err=%v", sessions, err)
	}
	entries, err := c.SearchTranscripts(ctx, TranscriptSearch{CallID: "cli-1", Limit: 10})
	if err != nil || len(entries) != 2 {
		t.Fatalf("unexpected transcripts %+v err=%v", entries, err)
	}
	if entries[1].Source != callflow.SourceASR || entries[0].Source != callflow.SourceLLM {
		t.Fatalf("expected newest-first llm then asr, got %+v", entries)
	}
	flows, err := c.ListFlows(ctx)
	if err != nil || len(flows) != 1 {
		t.Fatalf("unexpected flows %+v err=%v", flows, err)
	}
	if _, err := c.GetFlow(ctx, "support"); err != nil {
		t.Fatalf("get flow: %v", err)
	}
}

func TestClientNotFound(t *testing.T) {
	t.Parallel()

	c := newService(t, "")
	ctx := context.Background()
	if _, err := c.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.GetFlow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClientWrongSecretRejected(t *testing.T) {
	t.Parallel()

	c := newService(t, "s3cret")
	c.WebhookSecret = "wrong"
	_, err := c.SimulateCall(context.Background(), callflow.CallStartEvent{CallID: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("401 must not match ErrNotFound")
	}
}

func TestWaitForTerminalHonorsContext(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"call_id":"slow","status":"received"}`)
	}))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := New(ts.URL).WaitForTerminal(ctx, "slow", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}
