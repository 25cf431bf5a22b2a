package telemetry

import (
	"context"
	"sync"
)

// MemorySink keeps exported call events in order for inspection.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of every exported event.
func (s *MemorySink) Events() []Event {
	return s.filter(func(Event) bool { return true })
}

// ForCall returns the events recorded for callID.
func (s *MemorySink) ForCall(callID string) []Event {
	return s.filter(func(e Event) bool { return e.CallID == callID })
}

// Count returns how many kind events callID recorded. An empty stage matches any stage.
func (s *MemorySink) Count(callID string, kind Kind, stage string) int {
	return len(s.filter(func(e Event) bool {
		return e.CallID == callID && e.Kind == kind && (stage == "" || e.Stage == stage)
	}))
}

func (s *MemorySink) filter(keep func(Event) bool) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
