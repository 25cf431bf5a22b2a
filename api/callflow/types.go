package callflow

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the fixed-width UTC layout used for every persisted timestamp.
// Values in this layout sort lexicographically in chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// FormatTimestamp renders t in TimestampLayout after converting to UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Status is the session lifecycle state.
type Status string

const (
	StatusReceived  Status = "received"
	StatusAnswered  Status = "answered"
	StatusEscalated Status = "escalated"
)

// Validate enforces supported status values.
func (s Status) Validate() error {
	switch s {
	case StatusReceived, StatusAnswered, StatusEscalated:
		return nil
	default:
		return fmt.Errorf("unsupported status: %q", s)
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusAnswered || s == StatusEscalated
}

// CanAdvanceTo reports whether a session in s may be moved to next.
// Re-applying the current status is a no-op and always allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	if s == next {
		return true
	}
	return s == StatusReceived && next.Terminal()
}

// Source tags the pipeline stage that produced a transcript entry.
type Source string

const (
	SourceASR Source = "asr"
	SourceLLM Source = "llm"
)

// Validate enforces known transcript producers.
func (s Source) Validate() error {
	switch s {
	case SourceASR, SourceLLM:
		return nil
	default:
		return fmt.Errorf("unsupported source: %q", s)
	}
}

// TranscriptEntry is one immutable textual event of a call.
type TranscriptEntry struct {
	ID        int64  `json:"id,omitempty"`
	CallID    string `json:"call_id"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	Source    Source `json:"source"`
}

// Validate enforces required transcript fields.
func (e TranscriptEntry) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	if strings.TrimSpace(e.Timestamp) == "" {
		return fmt.Errorf("timestamp is required")
	}
	if strings.TrimSpace(e.Text) == "" {
		return fmt.Errorf("text is required")
	}
	return e.Source.Validate()
}

// Session is the mutable record of one call.
type Session struct {
	CallID      string            `json:"call_id"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	Direction   string            `json:"direction,omitempty"`
	Status      Status            `json:"status"`
	LastIntent  string            `json:"last_intent,omitempty"`
	LastReply   string            `json:"last_reply,omitempty"`
	MediaOut    string            `json:"media_out,omitempty"`
	CreatedAt   string            `json:"created_at"`
	LastUpdate  string            `json:"last_update"`
	Transcripts []TranscriptEntry `json:"transcripts"`
	Agent       map[string]any    `json:"agent,omitempty"`
}

// Validate enforces session identity and status.
func (s Session) Validate() error {
	if strings.TrimSpace(s.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	return s.Status.Validate()
}

// Clone returns a deep copy safe to hand out of a store.
func (s Session) Clone() Session {
	out := s
	out.Transcripts = append([]TranscriptEntry(nil), s.Transcripts...)
	if out.Transcripts == nil {
		out.Transcripts = []TranscriptEntry{}
	}
	if s.Agent != nil {
		out.Agent = make(map[string]any, len(s.Agent))
		for k, v := range s.Agent {
			out.Agent[k] = v
		}
	}
	return out
}

// SessionPatch is a shallow partial update; nil fields are left untouched.
// The call identifier is not patchable.
type SessionPatch struct {
	From       *string        `json:"from,omitempty"`
	To         *string        `json:"to,omitempty"`
	Direction  *string        `json:"direction,omitempty"`
	Status     *Status        `json:"status,omitempty"`
	LastIntent *string        `json:"last_intent,omitempty"`
	LastReply  *string        `json:"last_reply,omitempty"`
	MediaOut   *string        `json:"media_out,omitempty"`
	Agent      map[string]any `json:"agent,omitempty"`
}

// Apply merges p into s. A status change that would leave a terminal state is rejected
// and leaves s unmodified.
func (p SessionPatch) Apply(s *Session) error {
	if s == nil {
		return fmt.Errorf("session is required")
	}
	if p.Status != nil {
		if err := p.Status.Validate(); err != nil {
			return err
		}
		current := s.Status
		if current == "" {
			current = StatusReceived
		}
		if !current.CanAdvanceTo(*p.Status) {
			return fmt.Errorf("status transition %s -> %s is not allowed", current, *p.Status)
		}
		s.Status = *p.Status
	}
	if p.From != nil {
		s.From = *p.From
	}
	if p.To != nil {
		s.To = *p.To
	}
	if p.Direction != nil {
		s.Direction = *p.Direction
	}
	if p.LastIntent != nil {
		s.LastIntent = *p.LastIntent
	}
	if p.LastReply != nil {
		s.LastReply = *p.LastReply
	}
	if p.MediaOut != nil {
		s.MediaOut = *p.MediaOut
	}
	if p.Agent != nil {
		s.Agent = p.Agent
	}
	return nil
}

// FlowNode is one step of a scripted conversation.
type FlowNode struct {
	ID       string `json:"id" yaml:"id"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Text     string `json:"text,omitempty" yaml:"text,omitempty"`
	Intent   string `json:"intent,omitempty" yaml:"intent,omitempty"`
	Reply    string `json:"reply,omitempty" yaml:"reply,omitempty"`
	Escalate bool   `json:"escalate,omitempty" yaml:"escalate,omitempty"`
}

// PromptBearing reports whether the node type carries a prompt the caller hears.
func (n FlowNode) PromptBearing() bool {
	switch strings.ToLower(strings.TrimSpace(n.Type)) {
	case "ask", "say":
		return true
	default:
		return false
	}
}

// Flow is an ordered scripted conversation definition. Node order is significant.
type Flow struct {
	FlowID      string     `json:"flow_id" yaml:"flow_id"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []FlowNode `json:"nodes" yaml:"nodes"`
	UpdatedAt   string     `json:"updated_at,omitempty" yaml:"-"`
}

// Validate enforces flow identity and node uniqueness.
func (f Flow) Validate() error {
	if strings.TrimSpace(f.FlowID) == "" {
		return fmt.Errorf("flow_id is required")
	}
	if len(f.Nodes) == 0 {
		return fmt.Errorf("flow %s requires at least one node", f.FlowID)
	}
	seen := make(map[string]struct{}, len(f.Nodes))
	for i, node := range f.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return fmt.Errorf("flow %s node[%d] id is required", f.FlowID, i)
		}
		if _, ok := seen[node.ID]; ok {
			return fmt.Errorf("flow %s has duplicate node id %q", f.FlowID, node.ID)
		}
		seen[node.ID] = struct{}{}
	}
	return nil
}

// Clone returns a copy with an independent node slice.
func (f Flow) Clone() Flow {
	out := f
	out.Nodes = append([]FlowNode(nil), f.Nodes...)
	return out
}

// DirectionInbound is the default call direction.
const DirectionInbound = "inbound"

// CallStartEvent is the notification that a telephone call has begun.
type CallStartEvent struct {
	CallID    string `json:"call_id"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Normalize trims fields and applies defaults.
func (e CallStartEvent) Normalize() CallStartEvent {
	e.CallID = strings.TrimSpace(e.CallID)
	e.From = strings.TrimSpace(e.From)
	e.To = strings.TrimSpace(e.To)
	e.MediaURL = strings.TrimSpace(e.MediaURL)
	e.Direction = strings.TrimSpace(e.Direction)
	if e.Direction == "" {
		e.Direction = DirectionInbound
	}
	return e
}

// Validate rejects events that cannot be scheduled.
func (e CallStartEvent) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	return nil
}

// TerminalSummary is the result of one pipeline run.
type TerminalSummary struct {
	CallID    string         `json:"call_id"`
	Intent    string         `json:"intent"`
	Reply     string         `json:"reply"`
	MediaOut  string         `json:"media_out,omitempty"`
	Escalated bool           `json:"escalated"`
	Status    Status         `json:"status"`
	Agent     map[string]any `json:"agent,omitempty"`
}
