// Package executionpool runs one fire-and-forget goroutine per call.
package executionpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
)

// Task is one unit of background work keyed by ID (the call id).
type Task struct {
	ID  string
	Run func(ctx context.Context) error
}

var (
	// ErrTaskIDRequired is returned when a task is missing an ID.
	ErrTaskIDRequired = errors.New("task id is required")
	// ErrTaskRunRequired is returned when a task is missing a run function.
	ErrTaskRunRequired = errors.New("task run func is required")
	// ErrClosed indicates the pool no longer accepts submissions.
	ErrClosed = errors.New("execution pool is closed")
	// ErrSaturated indicates the in-flight limit is reached.
	ErrSaturated = errors.New("execution pool is saturated")
	// ErrTaskInFlight indicates a task with the same ID is still running.
	ErrTaskInFlight = errors.New("task with this id is already in flight")
)

// Stats reports pool counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Rejected  int64 `json:"rejected"`
	InFlight  int64 `json:"in_flight"`
}

// Options configures a Manager. MaxInFlight <= 0 means unbounded.
type Options struct {
	MaxInFlight int
	Logger      *slog.Logger
}

// Manager starts each submitted task on its own goroutine and returns
// immediately. Tasks sharing an ID never overlap.
type Manager struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
	wg     sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	rejected  atomic.Int64
}

// NewManager creates a pool. Task contexts are derived from a pool-owned
// context that is cancelled only when Drain gives up.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		logger: logger.With("component", "executionpool"),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Submit schedules task and returns without waiting for it.
func (m *Manager) Submit(task Task) error {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return fmt.Errorf("%w", ErrTaskIDRequired)
	}
	if task.Run == nil {
		return fmt.Errorf("%w", ErrTaskRunRequired)
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		m.rejected.Add(1)
		return fmt.Errorf("%w", ErrClosed)
	case hasKey(m.active, task.ID):
		m.mu.Unlock()
		m.rejected.Add(1)
		return fmt.Errorf("task %s: %w", task.ID, ErrTaskInFlight)
	case m.opts.MaxInFlight > 0 && len(m.active) >= m.opts.MaxInFlight:
		m.mu.Unlock()
		m.rejected.Add(1)
		return fmt.Errorf("%w", ErrSaturated)
	}
	m.active[task.ID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	m.submitted.Add(1)
	go m.run(task)
	return nil
}

// Drain stops accepting work and waits for in-flight tasks. When ctx
// expires first, running tasks are cancelled and ctx.Err() is returned.
func (m *Manager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}

// Stats returns a snapshot of pool counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	inFlight := int64(len(m.active))
	m.mu.Unlock()
	return Stats{
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		Panicked:  m.panicked.Load(),
		Rejected:  m.rejected.Load(),
		InFlight:  inFlight,
	}
}

func (m *Manager) run(task Task) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.panicked.Add(1)
			m.logger.Error("task panicked",
				"task_id", task.ID,
				"panic", fmt.Sprint(recovered),
				"stack", string(debug.Stack()),
			)
		}
		m.completed.Add(1)
		m.mu.Lock()
		delete(m.active, task.ID)
		m.mu.Unlock()
		m.wg.Done()
	}()

	if err := task.Run(m.ctx); err != nil {
		m.failed.Add(1)
		m.logger.Warn("task failed", "task_id", task.ID, "error", err)
	}
}

func hasKey(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}
