package escalation

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// NoteNoBridge marks a payload produced when escalation had no bridge to use.
	NoteNoBridge = "escalation_requested_but_no_bridge"
	defaultNote  = "placeholder: media bridge not implemented; agent joins via the hand-off url"
)

// Handoff is the payload attached to an escalated session.
type Handoff struct {
	Reference string
	Note      string
}

// Payload renders the handoff for the session's agent field.
func (h Handoff) Payload() map[string]any {
	out := map[string]any{"note": h.Note}
	if h.Reference != "" {
		out["webrtc_url"] = h.Reference
	}
	return out
}

// Bridge hands calls to a human agent.
type Bridge interface {
	Escalate(callID string) (Handoff, error)
}

// AgentBridge builds deterministic agent-facing URLs keyed by call id.
type AgentBridge struct {
	// BaseURL is prefixed to /agent; empty yields a relative reference.
	BaseURL string
}

// NewAgentBridge constructs a bridge for the given agent console base URL.
func NewAgentBridge(baseURL string) AgentBridge {
	return AgentBridge{BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/")}
}

// Escalate returns the hand-off reference for callID.
func (b AgentBridge) Escalate(callID string) (Handoff, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return Handoff{}, fmt.Errorf("call_id is required")
	}
	return Handoff{
		Reference: b.BaseURL + "/agent?call_id=" + url.QueryEscape(callID),
		Note:      defaultNote,
	}, nil
}

// Unavailable is the payload used when no bridge exists or it failed.
func Unavailable() Handoff {
	return Handoff{Note: NoteNoBridge}
}
