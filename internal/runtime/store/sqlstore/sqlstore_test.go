package sqlstore

import (
	"os"
	"reflect"
	"testing"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/store/storetest"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
)

// Set IVR_TEST_POSTGRES_DSN to run the shared suite against a live database.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("IVR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("IVR_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(dsn, timebase.NewClock(nil))
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if err := s.db.Exec("TRUNCATE sessions, transcripts, flows RESTART IDENTITY").Error; err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSessionRowRoundTripDropsTranscriptView(t *testing.T) {
	t.Parallel()

	session := callflow.Session{
		CallID:     "c1",
		From:       "+1",
		Status:     callflow.StatusEscalated,
		LastIntent: "connect_agent",
		CreatedAt:  "2024-01-01T00:00:00.000000",
		LastUpdate: "2024-01-01T00:00:01.000000",
		Agent:      map[string]any{"note": "placeholder"},
		Transcripts: []callflow.TranscriptEntry{
			{ID: 1, CallID: "c1", Timestamp: "2024-01-01T00:00:00.500000", Text: "agent please", Source: callflow.SourceASR},
		},
	}
	row, err := toSessionRow(session)
	if err != nil {
		t.Fatalf("to row: %v", err)
	}
	if row.Status != "escalated" || row.LastUpdate != session.LastUpdate {
		t.Fatalf("unexpected indexed columns %+v", row)
	}
	back, err := fromSessionRow(row, session.Transcripts)
	if err != nil {
		t.Fatalf("from row: %v", err)
	}
	if !reflect.DeepEqual(back, session) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", back, session)
	}

	empty, err := fromSessionRow(row, nil)
	if err != nil {
		t.Fatalf("from row: %v", err)
	}
	if empty.Transcripts == nil || len(empty.Transcripts) != 0 {
		t.Fatalf("expected empty transcript view, got %+v", empty.Transcripts)
	}
}

func TestFlowRowPreservesNodeOrder(t *testing.T) {
	t.Parallel()

	flow := callflow.Flow{
		FlowID:    "default",
		Name:      "Default",
		UpdatedAt: "2024-01-01T00:00:00.000000",
		Nodes: []callflow.FlowNode{
			{ID: "start", Type: "ask", Text: "Welcome"},
			{ID: "account", Type: "action", Intent: "account_balance", Reply: "Your balance is $42"},
		},
	}
	row, err := toFlowRow(flow)
	if err != nil {
		t.Fatalf("to row: %v", err)
	}
	back, err := fromFlowRow(row)
	if err != nil {
		t.Fatalf("from row: %v", err)
	}
	if !reflect.DeepEqual(back, flow) {
		t.Fatalf("round trip mismatch: %+v", back)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	t.Parallel()

	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected empty dsn to fail")
	}
}
