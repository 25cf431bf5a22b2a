package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tiger/conversational-ivr/api/callflow"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
)

// BackendMemory names the in-process backend.
const BackendMemory = "memory"

// Memory is a process-local Store guarded by a single RWMutex.
type Memory struct {
	clock *timebase.Clock

	mu          sync.RWMutex
	sessions    map[string]callflow.Session
	transcripts []callflow.TranscriptEntry
	flows       map[string]callflow.Flow
	nextID      int64
}

// NewMemory constructs an empty in-memory store stamping with clock.
func NewMemory(clock *timebase.Clock) *Memory {
	if clock == nil {
		clock = timebase.NewClock(nil)
	}
	return &Memory{
		clock:    clock,
		sessions: make(map[string]callflow.Session),
		flows:    make(map[string]callflow.Flow),
	}
}

func (m *Memory) Backend() string { return BackendMemory }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateSession(_ context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.CallID]; ok {
		return fmt.Errorf("session %s: %w", session.CallID, ErrAlreadyExists)
	}
	m.sessions[session.CallID] = m.stampSession(session)
	return nil
}

func (m *Memory) PutSession(_ context.Context, session callflow.Session) error {
	if err := session.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.CallID] = m.stampSession(session)
	return nil
}

func (m *Memory) GetSession(_ context.Context, callID string) (callflow.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[strings.TrimSpace(callID)]
	if !ok {
		return callflow.Session{}, fmt.Errorf("session %s: %w", callID, ErrNotFound)
	}
	return session.Clone(), nil
}

func (m *Memory) PatchSession(_ context.Context, callID string, patch callflow.SessionPatch) (callflow.Session, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return callflow.Session{}, fmt.Errorf("call_id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		session = NewPatchTarget(callID)
	} else {
		session = session.Clone()
	}
	if err := patch.Apply(&session); err != nil {
		return callflow.Session{}, fmt.Errorf("patch session %s: %w", callID, err)
	}
	session.LastUpdate = m.clock.Stamp()
	if session.CreatedAt == "" {
		session.CreatedAt = session.LastUpdate
	}
	m.sessions[callID] = session
	return session.Clone(), nil
}

func (m *Memory) ListSessions(_ context.Context) ([]callflow.Session, error) {
	m.mu.RLock()
	out := make([]callflow.Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		out = append(out, session.Clone())
	}
	m.mu.RUnlock()

	SortSessionsRecentFirst(out)
	return out, nil
}

func (m *Memory) DeleteSession(_ context.Context, callID string) error {
	callID = strings.TrimSpace(callID)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[callID]; !ok {
		return fmt.Errorf("session %s: %w", callID, ErrNotFound)
	}
	delete(m.sessions, callID)
	return nil
}

func (m *Memory) AppendTranscript(_ context.Context, entry callflow.TranscriptEntry) (callflow.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = m.clock.Stamp()
	}
	if err := entry.Validate(); err != nil {
		return callflow.TranscriptEntry{}, err
	}
	m.nextID++
	entry.ID = m.nextID
	m.transcripts = append(m.transcripts, entry)

	if session, ok := m.sessions[entry.CallID]; ok {
		session = session.Clone()
		session.Transcripts = append(session.Transcripts, entry)
		session.LastUpdate = m.clock.Stamp()
		m.sessions[entry.CallID] = session
	}
	return entry, nil
}

func (m *Memory) QueryTranscripts(_ context.Context, q TranscriptQuery) ([]callflow.TranscriptEntry, error) {
	q = q.Normalize()

	m.mu.RLock()
	out := make([]callflow.TranscriptEntry, 0)
	for _, entry := range m.transcripts {
		if q.Matches(entry) {
			out = append(out, entry)
		}
	}
	m.mu.RUnlock()

	SortTranscriptsNewestFirst(out)
	return Truncate(out, q.Limit), nil
}

func (m *Memory) UpsertFlow(_ context.Context, flow callflow.Flow) (callflow.Flow, error) {
	if err := flow.Validate(); err != nil {
		return callflow.Flow{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := flow.Clone()
	stored.UpdatedAt = m.clock.Stamp()
	m.flows[stored.FlowID] = stored
	return stored.Clone(), nil
}

func (m *Memory) GetFlow(_ context.Context, flowID string) (callflow.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flow, ok := m.flows[strings.TrimSpace(flowID)]
	if !ok {
		return callflow.Flow{}, fmt.Errorf("flow %s: %w", flowID, ErrNotFound)
	}
	return flow.Clone(), nil
}

func (m *Memory) ListFlows(_ context.Context) ([]callflow.Flow, error) {
	m.mu.RLock()
	out := make([]callflow.Flow, 0, len(m.flows))
	for _, flow := range m.flows {
		out = append(out, flow.Clone())
	}
	m.mu.RUnlock()

	SortFlowsRecentFirst(out)
	return out, nil
}

// stampSession refreshes timestamps on a full write. Callers hold m.mu.
func (m *Memory) stampSession(session callflow.Session) callflow.Session {
	session = session.Clone()
	session.LastUpdate = m.clock.Stamp()
	if session.CreatedAt == "" {
		session.CreatedAt = session.LastUpdate
	}
	return session
}

// NewPatchTarget is the record a patch is applied to when the session does not exist yet.
func NewPatchTarget(callID string) callflow.Session {
	return callflow.Session{
		CallID:      callID,
		Status:      callflow.StatusReceived,
		Transcripts: []callflow.TranscriptEntry{},
	}
}
