// Package storetest holds the behavioral suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against the backend produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()

	t.Run("session lifecycle", func(t *testing.T) { testSessionLifecycle(t, open(t)) })
	t.Run("patch creates missing session", func(t *testing.T) { testPatchCreates(t, open(t)) })
	t.Run("transcripts keep session view consistent", func(t *testing.T) { testTranscriptView(t, open(t)) })
	t.Run("transcript range query", func(t *testing.T) { testRangeQuery(t, open(t)) })
	t.Run("flow upsert idempotent", func(t *testing.T) { testFlowUpsert(t, open(t)) })
	t.Run("concurrent pipelines", func(t *testing.T) { testConcurrentWrites(t, open(t)) })
	t.Run("delete session", func(t *testing.T) { testDeleteSession(t, open(t)) })
	t.Run("call query isolates similar ids", func(t *testing.T) { testCallQueryIsolation(t, open(t)) })
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	initial := callflow.Session{CallID: "c1", From: "+100", To: "+200", Status: callflow.StatusReceived}
	if err := s.CreateSession(ctx, initial); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.CreateSession(ctx, initial); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate create, got %v", err)
	}
	created, err := s.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if created.CreatedAt == "" || created.LastUpdate == "" {
		t.Fatalf("expected stamped session, got %+v", created)
	}

	status := callflow.StatusAnswered
	intent := "greeting"
	patched, err := s.PatchSession(ctx, "c1", callflow.SessionPatch{Status: &status, LastIntent: &intent})
	if err != nil {
		t.Fatalf("patch session: %v", err)
	}
	if patched.Status != callflow.StatusAnswered || patched.LastIntent != "greeting" || patched.From != "+100" {
		t.Fatalf("unexpected patched session %+v", patched)
	}
	if patched.LastUpdate <= created.LastUpdate {
		t.Fatalf("expected last_update to increase: %q -> %q", created.LastUpdate, patched.LastUpdate)
	}

	back := callflow.StatusReceived
	if _, err := s.PatchSession(ctx, "c1", callflow.SessionPatch{Status: &back}); err == nil {
		t.Fatalf("expected regression out of terminal status to fail")
	}
	got, err := s.GetSession(ctx, "c1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != callflow.StatusAnswered {
		t.Fatalf("expected answered after rejected patch, got %s", got.Status)
	}

	if _, err := s.GetSession(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(all) != 1 || all[0].CallID != "c1" {
		t.Fatalf("unexpected session list %+v", all)
	}
}

func testPatchCreates(t *testing.T, s store.Store) {
	ctx := context.Background()
	reply := "hello"
	session, err := s.PatchSession(ctx, "fresh", callflow.SessionPatch{LastReply: &reply})
	if err != nil {
		t.Fatalf("patch missing session: %v", err)
	}
	if session.CallID != "fresh" || session.Status != callflow.StatusReceived || session.LastReply != "hello" {
		t.Fatalf("unexpected created session %+v", session)
	}
	if _, err := s.GetSession(ctx, "fresh"); err != nil {
		t.Fatalf("expected patched session to be readable: %v", err)
	}
}

func testTranscriptView(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateSession(ctx, callflow.Session{CallID: "c2", Status: callflow.StatusReceived}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	before, _ := s.GetSession(ctx, "c2")

	first, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "c2", Text: "hi there", Source: callflow.SourceASR})
	if err != nil {
		t.Fatalf("append asr: %v", err)
	}
	second, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "c2", Text: "Hello! How can I help you today?", Source: callflow.SourceLLM})
	if err != nil {
		t.Fatalf("append llm: %v", err)
	}
	if first.Timestamp == "" || second.Timestamp <= first.Timestamp {
		t.Fatalf("expected ascending stamped entries, got %q then %q", first.Timestamp, second.Timestamp)
	}
	if _, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "c2", Text: " ", Source: callflow.SourceLLM}); err == nil {
		t.Fatalf("expected empty transcript text to be rejected")
	}

	session, err := s.GetSession(ctx, "c2")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(session.Transcripts) != 2 {
		t.Fatalf("expected 2 embedded transcripts, got %+v", session.Transcripts)
	}
	if session.Transcripts[0].Source != callflow.SourceASR || session.Transcripts[1].Source != callflow.SourceLLM {
		t.Fatalf("unexpected embedded order %+v", session.Transcripts)
	}
	if session.LastUpdate <= before.LastUpdate {
		t.Fatalf("expected append to refresh last_update")
	}

	logged, err := s.QueryTranscripts(ctx, store.TranscriptQuery{CallID: "c2"})
	if err != nil {
		t.Fatalf("query transcripts: %v", err)
	}
	if len(logged) != 2 || logged[0].Text != second.Text || logged[1].Text != first.Text {
		t.Fatalf("expected log newest first matching the embedded view, got %+v", logged)
	}
}

func testRangeQuery(t *testing.T, s store.Store) {
	ctx := context.Background()
	stamps := []string{
		"2023-12-31T23:59:59.999999",
		"2024-01-01T00:00:00.000000",
		"2024-01-01T08:30:00.000000",
		"2024-01-01T23:59:59.000000",
		"2024-01-02T00:00:00.000000",
	}
	for i, stamp := range stamps {
		callID := "r1"
		if i%2 == 1 {
			callID = "r2"
		}
		if _, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: callID, Timestamp: stamp, Text: fmt.Sprintf("entry-%d", i), Source: callflow.SourceASR}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.QueryTranscripts(ctx, store.TranscriptQuery{From: "2024-01-01T00:00:00", To: "2024-01-01T23:59:59", Limit: 10})
	if err != nil {
		t.Fatalf("range query: %v", err)
	}
	want := []string{"entry-2", "entry-1"}
	if !reflect.DeepEqual(texts(got), want) {
		t.Fatalf("expected %v, got %v", want, texts(got))
	}

	got, err = s.QueryTranscripts(ctx, store.TranscriptQuery{From: "2024-01-01T00:00:00", Limit: 2})
	if err != nil {
		t.Fatalf("limited query: %v", err)
	}
	if !reflect.DeepEqual(texts(got), []string{"entry-4", "entry-3"}) {
		t.Fatalf("expected newest two, got %v", texts(got))
	}

	got, err = s.QueryTranscripts(ctx, store.TranscriptQuery{CallID: "r2"})
	if err != nil {
		t.Fatalf("call query: %v", err)
	}
	if !reflect.DeepEqual(texts(got), []string{"entry-3", "entry-1"}) {
		t.Fatalf("expected r2 entries newest first, got %v", texts(got))
	}
}

func testFlowUpsert(t *testing.T, s store.Store) {
	ctx := context.Background()
	flow := callflow.Flow{
		FlowID: "default",
		Name:   "Default",
		Nodes: []callflow.FlowNode{
			{ID: "start", Type: "ask", Text: "Welcome. How can I help?"},
			{ID: "account", Type: "action", Intent: "account_balance", Reply: "Your balance is $42"},
			{ID: "support", Type: "action", Intent: "connect_agent", Reply: "Connecting to agent", Escalate: true},
		},
	}
	first, err := s.UpsertFlow(ctx, flow)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	second, err := s.UpsertFlow(ctx, flow)
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if !reflect.DeepEqual(first.Nodes, second.Nodes) || !reflect.DeepEqual(second.Nodes, flow.Nodes) {
		t.Fatalf("expected identical node sequence, got %+v vs %+v", first.Nodes, second.Nodes)
	}
	if second.UpdatedAt <= first.UpdatedAt {
		t.Fatalf("expected updated_at to advance: %q -> %q", first.UpdatedAt, second.UpdatedAt)
	}
	stored, err := s.GetFlow(ctx, "default")
	if err != nil {
		t.Fatalf("get flow: %v", err)
	}
	if !reflect.DeepEqual(stored.Nodes, flow.Nodes) || stored.UpdatedAt != second.UpdatedAt {
		t.Fatalf("unexpected stored flow %+v", stored)
	}

	if _, err := s.UpsertFlow(ctx, callflow.Flow{FlowID: "other", Nodes: []callflow.FlowNode{{ID: "start", Type: "say", Text: "Hi"}}}); err != nil {
		t.Fatalf("upsert other: %v", err)
	}
	flows, err := s.ListFlows(ctx)
	if err != nil {
		t.Fatalf("list flows: %v", err)
	}
	if len(flows) != 2 || flows[0].FlowID != "other" || flows[1].FlowID != "default" {
		t.Fatalf("expected most recently updated first, got %+v", flows)
	}
	if _, err := s.GetFlow(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UpsertFlow(ctx, callflow.Flow{FlowID: "bad"}); err == nil {
		t.Fatalf("expected invalid flow to be rejected")
	}
}

func testConcurrentWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	const calls = 12
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		callID := fmt.Sprintf("cc-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CreateSession(ctx, callflow.Session{CallID: callID, Status: callflow.StatusReceived}); err != nil {
				errs <- err
				return
			}
			for _, src := range []callflow.Source{callflow.SourceASR, callflow.SourceLLM} {
				if _, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: callID, Text: "text " + string(src), Source: src}); err != nil {
					errs <- err
					return
				}
			}
			status := callflow.StatusAnswered
			if _, err := s.PatchSession(ctx, callID, callflow.SessionPatch{Status: &status}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent write failed: %v", err)
	}

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != calls {
		t.Fatalf("expected %d sessions, got %d", calls, len(sessions))
	}
	for _, session := range sessions {
		if session.Status != callflow.StatusAnswered || len(session.Transcripts) != 2 {
			t.Fatalf("unexpected session after concurrent run: %+v", session)
		}
	}
}

func testDeleteSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	initial := callflow.Session{CallID: "d1", Status: callflow.StatusReceived}
	if err := s.CreateSession(ctx, initial); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "d1", Text: "hello", Source: callflow.SourceASR}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.DeleteSession(ctx, "d1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.GetSession(ctx, "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteSession(ctx, "d1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
	if err := s.CreateSession(ctx, initial); err != nil {
		t.Fatalf("expected create after delete to succeed: %v", err)
	}
	logged, err := s.QueryTranscripts(ctx, store.TranscriptQuery{CallID: "d1"})
	if err != nil {
		t.Fatalf("query transcripts: %v", err)
	}
	if len(logged) != 1 {
		t.Fatalf("expected transcript log to survive session delete, got %+v", logged)
	}
}

func testCallQueryIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	appends := []struct {
		callID string
		stamp  string
	}{
		{"a", "2024-01-01T00:00:01.000000"},
		{"a:1", "2024-01-01T00:00:02.000000"},
		{"a:b", "2024-01-01T00:00:03.000000"},
		{"a", "2024-01-01T00:00:04.000000"},
		{"ab", "2024-01-01T00:00:05.000000"},
	}
	for i, a := range appends {
		if _, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: a.callID, Timestamp: a.stamp, Text: fmt.Sprintf("entry-%d", i), Source: callflow.SourceASR}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.QueryTranscripts(ctx, store.TranscriptQuery{CallID: "a", From: "2024-01-01T00:00:01"})
	if err != nil {
		t.Fatalf("call query: %v", err)
	}
	if !reflect.DeepEqual(texts(got), []string{"entry-3", "entry-0"}) {
		t.Fatalf("expected only call a entries, got %v", texts(got))
	}
	got, err = s.QueryTranscripts(ctx, store.TranscriptQuery{CallID: "a:b"})
	if err != nil {
		t.Fatalf("call query: %v", err)
	}
	if !reflect.DeepEqual(texts(got), []string{"entry-2"}) {
		t.Fatalf("expected only call a:b entries, got %v", texts(got))
	}
	got, err = s.QueryTranscripts(ctx, store.TranscriptQuery{Limit: 3})
	if err != nil {
		t.Fatalf("global query: %v", err)
	}
	if !reflect.DeepEqual(texts(got), []string{"entry-4", "entry-3", "entry-2"}) {
		t.Fatalf("expected newest three across calls, got %v", texts(got))
	}
}

func texts(entries []callflow.TranscriptEntry) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Text)
	}
	return out
}
