package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/store/storetest"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
)

func TestBadgerStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenInMemory(timebase.NewClock(nil))
		if err != nil {
			t.Fatalf("open in-memory badger: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := Open(dir, timebase.NewClock(nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.CreateSession(ctx, callflow.Session{CallID: "persist-1", Status: callflow.StatusReceived}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := first.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "persist-1", Text: "hello", Source: callflow.SourceASR}); err != nil {
		t.Fatalf("append: %v", err)
	}
	before, err := first.GetSession(ctx, "persist-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(dir, timebase.NewClock(nil))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()

	after, err := second.GetSession(ctx, "persist-1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if len(after.Transcripts) != 1 || after.Transcripts[0].Text != "hello" {
		t.Fatalf("expected embedded transcript to survive reopen, got %+v", after)
	}
	reply := "bye"
	patched, err := second.PatchSession(ctx, "persist-1", callflow.SessionPatch{LastReply: &reply})
	if err != nil {
		t.Fatalf("patch after reopen: %v", err)
	}
	if patched.LastUpdate <= before.LastUpdate {
		t.Fatalf("expected last_update to keep increasing across reopen: %q -> %q", before.LastUpdate, patched.LastUpdate)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open(" ", nil); err == nil {
		t.Fatalf("expected empty path to fail")
	}
}

func TestTranscriptKeysAreScopedByCall(t *testing.T) {
	t.Parallel()

	s, err := OpenInMemory(timebase.NewClock(nil))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	entry, err := s.AppendTranscript(ctx, callflow.TranscriptEntry{CallID: "call:7", Timestamp: "2024-01-01T00:00:00.000000", Text: "hi", Source: callflow.SourceASR})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	primary := fmt.Sprintf("transcript:call%%3A7:2024-01-01T00:00:00.000000:%020d", entry.ID)
	index := fmt.Sprintf("transcript_at:2024-01-01T00:00:00.000000:%020d", entry.ID)
	err = s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(primary)); err != nil {
			return fmt.Errorf("primary key %s: %w", primary, err)
		}
		item, err := txn.Get([]byte(index))
		if err != nil {
			return fmt.Errorf("index key %s: %w", index, err)
		}
		target, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(target) != primary {
			return errors.New("index does not point at the primary key: " + string(target))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
