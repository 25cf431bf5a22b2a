package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/executionpool"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	st    store.SessionStore
}

func (f *fakeRunner) Run(ctx context.Context, callID, _, _, mediaRef string) callflow.TerminalSummary {
	f.mu.Lock()
	f.calls = append(f.calls, callID+"|"+mediaRef)
	f.mu.Unlock()
	status := callflow.StatusAnswered
	_, _ = f.st.PatchSession(ctx, callID, callflow.SessionPatch{Status: &status})
	return callflow.TerminalSummary{CallID: callID, Status: status}
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// inlineDispatcher runs tasks synchronously.
type inlineDispatcher struct{}

func (inlineDispatcher) Submit(task executionpool.Task) error {
	return task.Run(context.Background())
}

// failOnceDispatcher fails the first submission with err, then runs inline.
type failOnceDispatcher struct {
	mu     sync.Mutex
	err    error
	failed bool
}

func (d *failOnceDispatcher) Submit(task executionpool.Task) error {
	d.mu.Lock()
	first := !d.failed
	d.failed = true
	d.mu.Unlock()
	if first {
		return d.err
	}
	return task.Run(context.Background())
}

type fixture struct {
	server *httptest.Server
	store  *store.Memory
	runner *fakeRunner
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	st := store.NewMemory(timebase.NewClock(nil))
	runner := &fakeRunner{st: st}
	cfg := Config{
		Store:           st,
		Runner:          runner,
		Dispatcher:      inlineDispatcher{},
		Env:             "test",
		ProviderSummary: "asr=stub llm=stub/rules tts=stub",
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return fixture{server: ts, store: st, runner: runner}
}

func (f fixture) do(t *testing.T, method, path, body string, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing collaborator error")
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(cfg *Config) {
		cfg.Dispatcher = executionpool.NewManager(executionpool.Options{})
	})
	for _, path := range []string{"/", "/health"} {
		status, raw := f.do(t, http.MethodGet, path, "", nil)
		if status != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, status)
		}
		var health HealthResponse
		if err := json.Unmarshal(raw, &health); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if health.Status != "ok" || health.Env != "test" || health.StoreBackend != store.BackendMemory {
			t.Fatalf("%s: unexpected health %+v", path, health)
		}
		if health.Providers != "asr=stub llm=stub/rules tts=stub" || health.Dispatcher == nil {
			t.Fatalf("%s: expected providers and dispatcher stats, got %+v", path, health)
		}
	}
	if status, _ := f.do(t, http.MethodGet, "/nope", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", status)
	}
}

func TestCallWebhookAcceptsAndRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	status, raw := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":" c1 ","from":"+1","to":"+2","media_url":"file:///tmp/a.wav","extra":"ignored"}`, nil)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", status, raw)
	}
	var accepted AcceptedResponse
	if err := json.Unmarshal(raw, &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.Status != "accepted" || accepted.CallID != "c1" {
		t.Fatalf("unexpected body %+v", accepted)
	}
	if calls := f.runner.Calls(); len(calls) != 1 || calls[0] != "c1|file:///tmp/a.wav" {
		t.Fatalf("unexpected runner calls %v", calls)
	}

	got, err := f.store.GetSession(context.Background(), "c1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.Direction != callflow.DirectionInbound || got.From != "+1" || got.Status != callflow.StatusAnswered {
		t.Fatalf("unexpected session %+v", got)
	}

	status, _ = f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"c1"}`, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", status)
	}
	if calls := f.runner.Calls(); len(calls) != 1 {
		t.Fatalf("duplicate must not run again, got %v", calls)
	}
}

func TestCallWebhookRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "not_json", body: `{`},
		{name: "missing_call_id", body: `{"from":"+1"}`},
		{name: "empty_call_id", body: `{"call_id":""}`},
		{name: "blank_call_id", body: `{"call_id":"   "}`},
		{name: "wrong_type", body: `{"call_id":42}`},
		{name: "bad_direction", body: `{"call_id":"c1","direction":"sideways"}`},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil)
			status, raw := f.do(t, http.MethodPost, "/webhook/call", tc.body, nil)
			if status != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", status, raw)
			}
			if !strings.Contains(string(raw), `"error"`) {
				t.Fatalf("expected error body, got %s", raw)
			}
			if len(f.runner.Calls()) != 0 {
				t.Fatalf("invalid input must not schedule a run")
			}
		})
	}
}

func TestCallWebhookAuthentication(t *testing.T) {
	t.Parallel()

	body := `{"call_id":"c-auth"}`
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{name: "no_headers", want: http.StatusAccepted},
		{name: "good_secret", headers: map[string]string{webhook.SecretHeader: "s3cret"}, want: http.StatusAccepted},
		{name: "bad_secret", headers: map[string]string{webhook.SecretHeader: "nope"}, want: http.StatusUnauthorized},
		{name: "good_signature", headers: map[string]string{webhook.SignatureHeader: webhook.Sign("s3cret", []byte(body))}, want: http.StatusAccepted},
		{name: "bad_signature", headers: map[string]string{webhook.SignatureHeader: webhook.Sign("other", []byte(body))}, want: http.StatusUnauthorized},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, func(cfg *Config) { cfg.Verifier = webhook.Verifier{Secret: "s3cret"} })
			status, raw := f.do(t, http.MethodPost, "/webhook/call", body, tc.headers)
			if status != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, status, raw)
			}
			_, err := f.store.GetSession(context.Background(), "c-auth")
			if tc.want == http.StatusUnauthorized && !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("rejected webhook must not create a session, got %v", err)
			}
		})
	}
}

func TestCallWebhookDispatcherErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		want        int
		keepSession bool
		retryStatus int
	}{
		{name: "in_flight", err: executionpool.ErrTaskInFlight, want: http.StatusConflict, keepSession: true, retryStatus: http.StatusConflict},
		{name: "closed", err: executionpool.ErrClosed, want: http.StatusServiceUnavailable, retryStatus: http.StatusAccepted},
		{name: "saturated", err: executionpool.ErrSaturated, want: http.StatusServiceUnavailable, retryStatus: http.StatusAccepted},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			dispatcher := &failOnceDispatcher{err: tc.err}
			f := newFixture(t, func(cfg *Config) { cfg.Dispatcher = dispatcher })
			if status, raw := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"c-d"}`, nil); status != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, status, raw)
			}
			_, err := f.store.GetSession(context.Background(), "c-d")
			if tc.keepSession && err != nil {
				t.Fatalf("expected session to be kept, got %v", err)
			}
			if !tc.keepSession && !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("expected session to be rolled back, got %v", err)
			}

			if status, raw := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"c-d"}`, nil); status != tc.retryStatus {
				t.Fatalf("expected retry status %d, got %d: %s", tc.retryStatus, status, raw)
			}
			if tc.retryStatus == http.StatusAccepted {
				got, err := f.store.GetSession(context.Background(), "c-d")
				if err != nil || got.Status != callflow.StatusAnswered || len(f.runner.Calls()) != 1 {
					t.Fatalf("expected redelivery to run the call, got %+v err=%v runs=%d", got, err, len(f.runner.Calls()))
				}
			}
		})
	}
}

func TestCallWebhookWithExecutionPool(t *testing.T) {
	t.Parallel()

	pool := executionpool.NewManager(executionpool.Options{})
	f := newFixture(t, func(cfg *Config) { cfg.Dispatcher = pool })
	for _, id := range []string{"p1", "p2", "p3"} {
		if status, raw := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"`+id+`"}`, nil); status != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d: %s", id, status, raw)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Drain(ctx); err != nil {
		t.Fatalf("unexpected drain error: %v", err)
	}
	if got := len(f.runner.Calls()); got != 3 {
		t.Fatalf("expected 3 runs, got %d", got)
	}
	if status, _ := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"p4"}`, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after drain, got %d", status)
	}
}

func TestSessionEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	for _, id := range []string{"s1", "s2"} {
		if status, _ := f.do(t, http.MethodPost, "/webhook/call", `{"call_id":"`+id+`"}`, nil); status != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", status)
		}
	}

	status, raw := f.do(t, http.MethodGet, "/api/sessions", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var sessions []callflow.Session
	if err := json.Unmarshal(raw, &sessions); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	status, raw = f.do(t, http.MethodGet, "/api/sessions/s1", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var one callflow.Session
	if err := json.Unmarshal(raw, &one); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if one.CallID != "s1" {
		t.Fatalf("unexpected session %+v", one)
	}

	status, raw = f.do(t, http.MethodGet, "/api/sessions/missing", "", nil)
	if status != http.StatusNotFound || !strings.Contains(string(raw), "session not found") {
		t.Fatalf("expected 404, got %d: %s", status, raw)
	}
}

func TestTranscriptSearch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	seed := []callflow.TranscriptEntry{
		{CallID: "t1", Timestamp: "2023-12-31T23:59:59.000000", Text: "before", Source: callflow.SourceASR},
		{CallID: "t1", Timestamp: "2024-01-01T08:00:00.000000", Text: "morning", Source: callflow.SourceASR},
		{CallID: "t1", Timestamp: "2024-01-01T12:00:00.000000", Text: "noon", Source: callflow.SourceLLM},
		{CallID: "t2", Timestamp: "2024-01-01T13:00:00.000000", Text: "other call", Source: callflow.SourceASR},
		{CallID: "t1", Timestamp: "2024-01-02T00:00:00.000000", Text: "after", Source: callflow.SourceLLM},
	}
	for _, entry := range seed {
		if _, err := f.store.AppendTranscript(context.Background(), entry); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	tests := []struct {
		name  string
		query string
		want  []string
		code  int
	}{
		{name: "window", query: "?from_ts=2024-01-01T00:00:00&to_ts=2024-01-01T23:59:59", want: []string{"other call", "noon", "morning"}, code: 200},
		{name: "call_filter", query: "?call_id=t1&from_ts=2024-01-01T00:00:00&to_ts=2024-01-01T23:59:59", want: []string{"noon", "morning"}, code: 200},
		{name: "limit", query: "?call_id=t1&limit=2", want: []string{"after", "noon"}, code: 200},
		{name: "no_match", query: "?call_id=none", want: []string{}, code: 200},
		{name: "limit_zero", query: "?limit=0", code: 400},
		{name: "limit_too_large", query: "?limit=1001", code: 400},
		{name: "limit_not_int", query: "?limit=ten", code: 400},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			status, raw := f.do(t, http.MethodGet, "/api/transcripts"+tc.query, "", nil)
			if status != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, status, raw)
			}
			if tc.code != http.StatusOK {
				return
			}
			var entries []callflow.TranscriptEntry
			if err := json.Unmarshal(raw, &entries); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got := make([]string, 0, len(entries))
			for _, entry := range entries {
				got = append(got, entry.Text)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestFlowEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	flow := `{"flow_id":"support","name":"Support","nodes":[{"id":"start","type":"ask","text":"How can I help?"},{"id":"account","intent":"account_balance","reply":"Your balance is $42"}]}`

	status, raw := f.do(t, http.MethodPost, "/api/flows", flow, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", status, raw)
	}
	var saved FlowSavedResponse
	if err := json.Unmarshal(raw, &saved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if saved.Status != "ok" || saved.FlowID != "support" {
		t.Fatalf("unexpected body %+v", saved)
	}

	status, raw = f.do(t, http.MethodGet, "/api/flows/support", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	var got callflow.Flow
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Nodes) != 2 || got.Nodes[0].ID != "start" || got.Nodes[1].Reply != "Your balance is $42" || got.UpdatedAt == "" {
		t.Fatalf("unexpected stored flow %+v", got)
	}

	status, raw = f.do(t, http.MethodGet, "/api/flows", "", nil)
	var flows []callflow.Flow
	if err := json.Unmarshal(raw, &flows); err != nil || status != http.StatusOK || len(flows) != 1 {
		t.Fatalf("unexpected list %d %s", status, raw)
	}

	if status, _ := f.do(t, http.MethodGet, "/api/flows/absent", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}

	invalid := []string{
		`{"flow_id":"x"}`,
		`{"flow_id":"x","nodes":[]}`,
		`{"flow_id":"x","nodes":[{"type":"say"}]}`,
		`{"flow_id":"x","nodes":[{"id":"a","escalate":"yes"}]}`,
		`{"flow_id":"x","nodes":[{"id":"a"},{"id":"a"}]}`,
	}
	for _, body := range invalid {
		if status, raw := f.do(t, http.MethodPost, "/api/flows", body, nil); status != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d: %s", body, status, raw)
		}
	}
}

func TestMediaAndMetrics(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "c1_reply.wav"), []byte("RIFF"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	f := newFixture(t, func(cfg *Config) {
		cfg.RecordingsDir = dir
		cfg.Metrics = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ivr_pipeline_runs_total 0\n")
		})
	})

	status, raw := f.do(t, http.MethodGet, "/media/c1_reply.wav", "", nil)
	if status != http.StatusOK || string(raw) != "RIFF" {
		t.Fatalf("expected artifact bytes, got %d %q", status, raw)
	}
	if status, _ := f.do(t, http.MethodGet, "/media/missing.wav", "", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for missing artifact, got %d", status)
	}
	status, raw = f.do(t, http.MethodGet, "/metrics", "", nil)
	if status != http.StatusOK || !strings.Contains(string(raw), "ivr_pipeline_runs_total") {
		t.Fatalf("expected metrics exposition, got %d %s", status, raw)
	}
}
