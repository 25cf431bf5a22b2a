package session

import (
	"fmt"
	"strings"

	"github.com/tiger/conversational-ivr/api/callflow"
)

// Trigger names the event that moves a call between lifecycle states.
type Trigger string

const (
	TriggerCallStarted Trigger = "call_started"
	TriggerAnswered    Trigger = "pipeline_answered"
	TriggerEscalated   Trigger = "pipeline_escalated"
)

// Transition is one validated lifecycle step of a call.
type Transition struct {
	CallID  string
	From    callflow.Status
	To      callflow.Status
	Trigger Trigger
}

// Validate enforces the received -> answered|escalated lifecycle.
func (t Transition) Validate() error {
	if strings.TrimSpace(t.CallID) == "" {
		return fmt.Errorf("call_id is required")
	}
	if err := t.To.Validate(); err != nil {
		return err
	}
	switch t.Trigger {
	case TriggerCallStarted:
		if t.From != "" || t.To != callflow.StatusReceived {
			return fmt.Errorf("call_started must move <new> -> received, got %q -> %s", t.From, t.To)
		}
	case TriggerAnswered, TriggerEscalated:
		if t.From != callflow.StatusReceived {
			return fmt.Errorf("call %s expected state %s, got %s", t.CallID, callflow.StatusReceived, t.From)
		}
		if t.To != FinalStatus(t.Trigger == TriggerEscalated) {
			return fmt.Errorf("trigger %s cannot move to %s", t.Trigger, t.To)
		}
	default:
		return fmt.Errorf("unsupported trigger: %q", t.Trigger)
	}
	return nil
}

// Begin returns the initial transition of a new call.
func Begin(callID string) (Transition, error) {
	tr := Transition{CallID: callID, To: callflow.StatusReceived, Trigger: TriggerCallStarted}
	if err := tr.Validate(); err != nil {
		return Transition{}, err
	}
	return tr, nil
}

// Complete returns the terminal transition of a pipeline run. An empty from
// state is treated as received, which covers sessions whose initial write was lost.
func Complete(callID string, from callflow.Status, escalate bool) (Transition, error) {
	if from == "" {
		from = callflow.StatusReceived
	}
	trigger := TriggerAnswered
	if escalate {
		trigger = TriggerEscalated
	}
	tr := Transition{CallID: callID, From: from, To: FinalStatus(escalate), Trigger: trigger}
	if err := tr.Validate(); err != nil {
		return Transition{}, err
	}
	return tr, nil
}

// FinalStatus maps the escalation decision to the terminal status.
func FinalStatus(escalate bool) callflow.Status {
	if escalate {
		return callflow.StatusEscalated
	}
	return callflow.StatusAnswered
}

// NewSession builds the initial record for a call-start event.
func NewSession(event callflow.CallStartEvent, stamp string) (callflow.Session, error) {
	event = event.Normalize()
	if err := event.Validate(); err != nil {
		return callflow.Session{}, err
	}
	tr, err := Begin(event.CallID)
	if err != nil {
		return callflow.Session{}, err
	}
	return callflow.Session{
		CallID:      event.CallID,
		From:        event.From,
		To:          event.To,
		Direction:   event.Direction,
		Status:      tr.To,
		CreatedAt:   stamp,
		LastUpdate:  stamp,
		Transcripts: []callflow.TranscriptEntry{},
	}, nil
}
