package store

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tiger/conversational-ivr/api/callflow"
)

const (
	// DefaultTranscriptLimit applies when a query omits a limit.
	DefaultTranscriptLimit = 50
	// MaxTranscriptLimit caps any transcript query.
	MaxTranscriptLimit = 1000
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned by CreateSession for a known call id.
	ErrAlreadyExists = errors.New("record already exists")
)

// SessionStore is the keyed, mutable record of call state.
type SessionStore interface {
	// CreateSession inserts a new session and fails with ErrAlreadyExists for a known call id.
	CreateSession(ctx context.Context, session callflow.Session) error
	// PutSession replaces the full record.
	PutSession(ctx context.Context, session callflow.Session) error
	GetSession(ctx context.Context, callID string) (callflow.Session, error)
	// PatchSession creates the session if absent and shallow-merges otherwise.
	PatchSession(ctx context.Context, callID string, patch callflow.SessionPatch) (callflow.Session, error)
	ListSessions(ctx context.Context) ([]callflow.Session, error)
	// DeleteSession removes the session record and fails with ErrNotFound for an
	// unknown call id. Transcript log entries are kept.
	DeleteSession(ctx context.Context, callID string) error
}

// TranscriptQuery filters the transcript log. Empty fields do not filter.
// From and To bound an inclusive lexicographic timestamp window.
type TranscriptQuery struct {
	CallID string
	From   string
	To     string
	Limit  int
}

// Normalize trims filters and clamps the limit into [1, MaxTranscriptLimit].
func (q TranscriptQuery) Normalize() TranscriptQuery {
	q.CallID = strings.TrimSpace(q.CallID)
	q.From = strings.TrimSpace(q.From)
	q.To = strings.TrimSpace(q.To)
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultTranscriptLimit
	case q.Limit > MaxTranscriptLimit:
		q.Limit = MaxTranscriptLimit
	}
	return q
}

// Matches reports whether entry passes the query filters.
func (q TranscriptQuery) Matches(entry callflow.TranscriptEntry) bool {
	if q.CallID != "" && entry.CallID != q.CallID {
		return false
	}
	if q.From != "" && entry.Timestamp < q.From {
		return false
	}
	if q.To != "" && entry.Timestamp > q.To {
		return false
	}
	return true
}

// TranscriptLog is the append-only per-call log of textual events.
type TranscriptLog interface {
	// AppendTranscript stores entry, assigning its id and, when empty, its timestamp.
	// The owning session's embedded transcript view is kept consistent.
	AppendTranscript(ctx context.Context, entry callflow.TranscriptEntry) (callflow.TranscriptEntry, error)
	// QueryTranscripts returns matching entries newest first, truncated to the limit.
	QueryTranscripts(ctx context.Context, q TranscriptQuery) ([]callflow.TranscriptEntry, error)
}

// FlowStore is the keyed catalog of scripted conversations.
type FlowStore interface {
	// UpsertFlow fully replaces the flow and stamps its update time.
	UpsertFlow(ctx context.Context, flow callflow.Flow) (callflow.Flow, error)
	GetFlow(ctx context.Context, flowID string) (callflow.Flow, error)
	// ListFlows returns flows most recently updated first.
	ListFlows(ctx context.Context) ([]callflow.Flow, error)
}

// Store bundles the three contracts behind one backing implementation.
type Store interface {
	SessionStore
	TranscriptLog
	FlowStore
	Backend() string
	Close() error
}

// SortTranscriptsNewestFirst orders by timestamp descending, then id descending.
func SortTranscriptsNewestFirst(entries []callflow.TranscriptEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp > entries[j].Timestamp
		}
		return entries[i].ID > entries[j].ID
	})
}

// SortFlowsRecentFirst orders by update time descending, then flow id ascending.
func SortFlowsRecentFirst(flows []callflow.Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].UpdatedAt != flows[j].UpdatedAt {
			return flows[i].UpdatedAt > flows[j].UpdatedAt
		}
		return flows[i].FlowID < flows[j].FlowID
	})
}

// SortSessionsRecentFirst orders by creation time descending, then call id ascending.
func SortSessionsRecentFirst(sessions []callflow.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt > sessions[j].CreatedAt
		}
		return sessions[i].CallID < sessions[j].CallID
	})
}

// Truncate returns at most limit entries.
func Truncate(entries []callflow.TranscriptEntry, limit int) []callflow.TranscriptEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
