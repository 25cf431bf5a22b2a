// Package telemetry records call pipeline observations without blocking the
// pipeline, exports them as prometheus metrics and sets up tracing.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names one class of call observation.
type Kind string

const (
	KindRunFinished   Kind = "run_finished"
	KindStageFallback Kind = "stage_fallback"
	KindStageDuration Kind = "stage_duration"
)

// Event is one observation about a call pipeline run.
type Event struct {
	Kind         Kind          `json:"kind"`
	At           time.Time     `json:"at"`
	CallID       string        `json:"call_id"`
	Stage        string        `json:"stage,omitempty"`
	Status       string        `json:"status,omitempty"`
	OutcomeClass string        `json:"outcome_class,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
}

// Validate checks the fields each kind requires.
func (e Event) Validate() error {
	switch e.Kind {
	case KindRunFinished:
		if e.Status == "" {
			return fmt.Errorf("%s event requires status", e.Kind)
		}
	case KindStageFallback, KindStageDuration:
		if e.Stage == "" {
			return fmt.Errorf("%s event requires stage", e.Kind)
		}
		if e.Duration < 0 {
			return fmt.Errorf("%s event has negative duration %s", e.Kind, e.Duration)
		}
	default:
		return fmt.Errorf("unsupported event kind %q", e.Kind)
	}
	return nil
}

// Sink exports call events.
type Sink interface {
	Export(context.Context, Event) error
}

// Recorder is the handle the orchestrator reports through. Calls never block.
type Recorder interface {
	RunFinished(callID, status string)
	StageFellBack(callID, stage, outcomeClass string)
	StageTimed(callID, stage string, d time.Duration)
}

type discard struct{}

func (discard) RunFinished(string, string)               {}
func (discard) StageFellBack(string, string, string)     {}
func (discard) StageTimed(string, string, time.Duration) {}

// Discard drops every observation.
var Discard Recorder = discard{}

// Config controls queue size and export timeout.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity < 1 {
		c.QueueCapacity = 256
	}
	if c.ExportTimeout <= 0 {
		c.ExportTimeout = 200 * time.Millisecond
	}
	return c
}

// Stats captures current pipeline counters.
type Stats struct {
	Enqueued       uint64 `json:"enqueued"`
	Dropped        uint64 `json:"dropped"`
	Rejected       uint64 `json:"rejected"`
	Exported       uint64 `json:"exported"`
	ExportFailures uint64 `json:"export_failures"`
	QueueDepth     int    `json:"queue_depth"`
}

// Pipeline is a bounded Recorder drained by one export goroutine. A full
// queue drops the event and counts it.
type Pipeline struct {
	sink Sink
	cfg  Config
	now  func() time.Time

	queue chan Event
	stop  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	rejected       atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline constructs and starts a telemetry pipeline.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = discardSink{}
	}
	p := &Pipeline{
		sink:  sink,
		cfg:   cfg,
		now:   time.Now,
		queue: make(chan Event, cfg.QueueCapacity),
		stop:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close exports pending events and stops the export goroutine.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
	})
	return nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		Rejected:       p.rejected.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.queue),
	}
}

func (p *Pipeline) RunFinished(callID, status string) {
	p.record(Event{Kind: KindRunFinished, CallID: callID, Status: status})
}

func (p *Pipeline) StageFellBack(callID, stage, outcomeClass string) {
	p.record(Event{Kind: KindStageFallback, CallID: callID, Stage: stage, OutcomeClass: outcomeClass})
}

func (p *Pipeline) StageTimed(callID, stage string, d time.Duration) {
	p.record(Event{Kind: KindStageDuration, CallID: callID, Stage: stage, Duration: d})
}

func (p *Pipeline) record(event Event) {
	event.CallID = strings.TrimSpace(event.CallID)
	event.Stage = strings.TrimSpace(event.Stage)
	event.Status = strings.TrimSpace(event.Status)
	event.OutcomeClass = strings.TrimSpace(event.OutcomeClass)
	if err := event.Validate(); err != nil {
		p.rejected.Add(1)
		return
	}
	event.At = p.now()
	select {
	case p.queue <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					p.export(event)
				default:
					return
				}
			}
		case event := <-p.queue:
			p.export(event)
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ExportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}
