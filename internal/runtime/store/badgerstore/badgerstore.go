// Package badgerstore persists sessions, transcripts and flows in an embedded badger database.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
)

// Backend names the embedded badger backend.
const Backend = "badger"

const (
	sessionPrefix    = "session:"
	transcriptPrefix = "transcript:"
	// transcriptAtPrefix indexes every call's entries by time; values hold the primary key.
	transcriptAtPrefix = "transcript_at:"
	flowPrefix         = "flow:"
	sequenceKey        = "seq:transcript"

	maxConflictRetries = 16
)

// Store implements store.Store over a single badger database.
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock *timebase.Clock
}

// Open opens (or creates) a database directory.
func Open(path string, clock *timebase.Clock) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("badger_path is required")
	}
	return open(badger.DefaultOptions(path).WithLogger(nil), clock)
}

// OpenInMemory opens a non-durable database, used by tests and demos.
func OpenInMemory(clock *timebase.Clock) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), clock)
}

func open(opts badger.Options, clock *timebase.Clock) (*Store, error) {
	if clock == nil {
		clock = timebase.NewClock(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("badger sequence: %w", err)
	}
	s := &Store{db: db, seq: seq, clock: clock}
	if err := s.observePersistedStamps(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Backend() string { return Backend }

// Close releases the id sequence lease and closes the database.
func (s *Store) Close() error {
	var errs []error
	if s.seq != nil {
		errs = append(errs, s.seq.Release())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *Store) CreateSession(_ context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		key := sessionKey(session.CallID)
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("session %s: %w", session.CallID, store.ErrAlreadyExists)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putJSON(txn, key, s.stampSession(session))
	})
}

func (s *Store) PutSession(_ context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return s.update(func(txn *badger.Txn) error {
		return putJSON(txn, sessionKey(session.CallID), s.stampSession(session))
	})
}

func (s *Store) GetSession(_ context.Context, callID string) (callflow.Session, error) {
	var session callflow.Session
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, sessionKey(strings.TrimSpace(callID)), &session)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("session %s: %w", callID, store.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return callflow.Session{}, err
	}
	return session.Clone(), nil
}

func (s *Store) PatchSession(_ context.Context, callID string, patch callflow.SessionPatch) (callflow.Session, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return callflow.Session{}, fmt.Errorf("call_id is required")
	}
	var out callflow.Session
	err := s.update(func(txn *badger.Txn) error {
		session := store.NewPatchTarget(callID)
		if _, err := getJSON(txn, sessionKey(callID), &session); err != nil {
			return err
		}
		if err := patch.Apply(&session); err != nil {
			return fmt.Errorf("patch session %s: %w", callID, err)
		}
		session.LastUpdate = s.clock.Stamp()
		if session.CreatedAt == "" {
			session.CreatedAt = session.LastUpdate
		}
		out = session
		return putJSON(txn, sessionKey(callID), session)
	})
	if err != nil {
		return callflow.Session{}, err
	}
	return out.Clone(), nil
}

func (s *Store) ListSessions(_ context.Context) ([]callflow.Session, error) {
	out := make([]callflow.Session, 0)
	err := s.scan(sessionPrefix, func(raw []byte) error {
		var session callflow.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		out = append(out, session.Clone())
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortSessionsRecentFirst(out)
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, callID string) error {
	callID = strings.TrimSpace(callID)
	return s.update(func(txn *badger.Txn) error {
		key := sessionKey(callID)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("session %s: %w", callID, store.ErrNotFound)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func (s *Store) AppendTranscript(_ context.Context, entry callflow.TranscriptEntry) (callflow.TranscriptEntry, error) {
	if entry.Timestamp == "" {
		entry.Timestamp = s.clock.Stamp()
	}
	if err := entry.Validate(); err != nil {
		return callflow.TranscriptEntry{}, err
	}
	id, err := s.seq.Next()
	if err != nil {
		return callflow.TranscriptEntry{}, fmt.Errorf("next transcript id: %w", err)
	}
	entry.ID = int64(id) + 1

	err = s.update(func(txn *badger.Txn) error {
		key := transcriptKey(entry)
		if err := putJSON(txn, key, entry); err != nil {
			return err
		}
		if err := txn.Set(transcriptAtKey(entry), key); err != nil {
			return err
		}
		var session callflow.Session
		found, err := getJSON(txn, sessionKey(entry.CallID), &session)
		if err != nil || !found {
			return err
		}
		session.Transcripts = append(session.Transcripts, entry)
		session.LastUpdate = s.clock.Stamp()
		return putJSON(txn, sessionKey(entry.CallID), session)
	})
	if err != nil {
		return callflow.TranscriptEntry{}, err
	}
	return entry, nil
}

// QueryTranscripts walks a timestamp-ordered key range backwards so the
// newest matches are found first and the scan stops at the limit. A call
// filter reads that call's own range; otherwise the time index is used.
func (s *Store) QueryTranscripts(_ context.Context, q store.TranscriptQuery) ([]callflow.TranscriptEntry, error) {
	q = q.Normalize()
	prefix := transcriptAtPrefix
	if q.CallID != "" {
		prefix = callTranscriptPrefix(q.CallID)
	}
	out := make([]callflow.TranscriptEntry, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix + "\xff"
		if q.To != "" {
			seek = prefix + q.To + "\xff"
		}
		for it.Seek([]byte(seek)); it.Valid(); it.Next() {
			entry, err := readTranscript(txn, it.Item(), q.CallID == "")
			if err != nil {
				return err
			}
			if q.From != "" && entry.Timestamp < q.From {
				break
			}
			if !q.Matches(entry) {
				continue
			}
			out = append(out, entry)
			if len(out) >= q.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readTranscript decodes an entry from a primary item, or through the
// primary key an index item points at.
func readTranscript(txn *badger.Txn, item *badger.Item, indexed bool) (callflow.TranscriptEntry, error) {
	var entry callflow.TranscriptEntry
	if indexed {
		primary, err := item.ValueCopy(nil)
		if err != nil {
			return entry, err
		}
		found, err := getJSON(txn, primary, &entry)
		if err != nil {
			return entry, err
		}
		if !found {
			return entry, fmt.Errorf("transcript index points at missing key %q", primary)
		}
		return entry, nil
	}
	err := item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &entry)
	})
	return entry, err
}

func (s *Store) UpsertFlow(_ context.Context, flow callflow.Flow) (callflow.Flow, error) {
	if err := flow.Validate(); err != nil {
		return callflow.Flow{}, err
	}
	stored := flow.Clone()
	stored.UpdatedAt = s.clock.Stamp()
	if err := s.update(func(txn *badger.Txn) error {
		return putJSON(txn, []byte(flowPrefix+stored.FlowID), stored)
	}); err != nil {
		return callflow.Flow{}, err
	}
	return stored, nil
}

func (s *Store) GetFlow(_ context.Context, flowID string) (callflow.Flow, error) {
	var flow callflow.Flow
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := getJSON(txn, []byte(flowPrefix+strings.TrimSpace(flowID)), &flow)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("flow %s: %w", flowID, store.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return callflow.Flow{}, err
	}
	return flow, nil
}

func (s *Store) ListFlows(_ context.Context) ([]callflow.Flow, error) {
	out := make([]callflow.Flow, 0)
	err := s.scan(flowPrefix, func(raw []byte) error {
		var flow callflow.Flow
		if err := json.Unmarshal(raw, &flow); err != nil {
			return err
		}
		out = append(out, flow)
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortFlowsRecentFirst(out)
	return out, nil
}

// update retries fn when concurrent pipelines touch the same keys.
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) scan(prefix string, visit func(raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) stampSession(session callflow.Session) callflow.Session {
	session = session.Clone()
	session.LastUpdate = s.clock.Stamp()
	if session.CreatedAt == "" {
		session.CreatedAt = session.LastUpdate
	}
	return session
}

func (s *Store) observePersistedStamps() error {
	if err := s.scan(sessionPrefix, func(raw []byte) error {
		var session callflow.Session
		if err := json.Unmarshal(raw, &session); err != nil {
			return err
		}
		s.clock.Observe(session.LastUpdate)
		return nil
	}); err != nil {
		return err
	}
	return s.scan(flowPrefix, func(raw []byte) error {
		var flow callflow.Flow
		if err := json.Unmarshal(raw, &flow); err != nil {
			return err
		}
		s.clock.Observe(flow.UpdatedAt)
		return nil
	})
}

func sessionKey(callID string) []byte {
	return []byte(sessionPrefix + callID)
}

// callTranscriptPrefix escapes the call id so ids containing ':' cannot
// share another call's key range.
func callTranscriptPrefix(callID string) string {
	return transcriptPrefix + url.QueryEscape(callID) + ":"
}

func transcriptKey(entry callflow.TranscriptEntry) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", callTranscriptPrefix(entry.CallID), entry.Timestamp, entry.ID))
}

func transcriptAtKey(entry callflow.TranscriptEntry) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", transcriptAtPrefix, entry.Timestamp, entry.ID))
}

func putJSON(txn *badger.Txn, key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(raw []byte) error {
		return json.Unmarshal(raw, out)
	})
}
