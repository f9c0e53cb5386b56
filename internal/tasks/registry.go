// Package tasks tracks running mission work: one top-level run per
// mission plus an open set of detached subtasks, all cooperatively
// cancellable.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is how long cancellation waits for cooperative exit
// before treating the remainder as force-cancelled.
const DefaultGrace = 5 * time.Second

// Subtask is one independently cancellable unit of mission work.
type Subtask struct {
	ID   string
	Name string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	remove func()
}

// Context returns the subtask's cancellable context.
func (s *Subtask) Context() context.Context { return s.ctx }

// Cancel requests cooperative exit.
func (s *Subtask) Cancel() { s.cancel() }

// Finish marks the subtask complete and deregisters it. Idempotent.
func (s *Subtask) Finish() {
	s.once.Do(func() {
		s.cancel()
		close(s.done)
		if s.remove != nil {
			s.remove()
		}
	})
}

// Done closes when the subtask has finished.
func (s *Subtask) Done() <-chan struct{} { return s.done }

// Run is one mission's top-level unit of work.
type Run struct {
	missionID string
	cancel    context.CancelFunc
	logger    *zap.Logger

	mu       sync.Mutex
	subtasks map[string]*Subtask
	seq      int

	done     chan struct{}
	finished sync.Once
}

// MissionID returns the owning mission.
func (run *Run) MissionID() string { return run.missionID }

// Done closes when the top-level run has exited.
func (run *Run) Done() <-chan struct{} { return run.done }

// Finish marks the top-level run complete. Idempotent.
func (run *Run) Finish() {
	run.finished.Do(func() {
		run.cancel()
		close(run.done)
	})
}

// Track registers a subtask whose context derives from ctx. The caller
// must call Finish when the work exits.
func (run *Run) Track(ctx context.Context, name string) *Subtask {
	sctx, cancel := context.WithCancel(ctx)

	run.mu.Lock()
	run.seq++
	id := fmt.Sprintf("%s#%d", name, run.seq)
	st := &Subtask{
		ID:     id,
		Name:   name,
		ctx:    sctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	st.remove = func() {
		run.mu.Lock()
		delete(run.subtasks, id)
		run.mu.Unlock()
	}
	run.subtasks[id] = st
	run.mu.Unlock()
	return st
}

// Go runs fn as a tracked subtask in its own goroutine.
func (run *Run) Go(ctx context.Context, name string, fn func(context.Context) error) *Subtask {
	st := run.Track(ctx, name)
	go func() {
		defer st.Finish()
		if err := fn(st.Context()); err != nil && run.logger != nil {
			run.logger.Debug("Subtask returned error",
				zap.String("mission_id", run.missionID),
				zap.String("subtask", st.ID),
				zap.Error(err))
		}
	}()
	return st
}

// OpenSubtasks returns the currently registered subtasks.
func (run *Run) OpenSubtasks() []*Subtask {
	run.mu.Lock()
	defer run.mu.Unlock()
	out := make([]*Subtask, 0, len(run.subtasks))
	for _, st := range run.subtasks {
		out = append(out, st)
	}
	return out
}

// CancelAndWait cancels the run and every open subtask, then waits up
// to grace for cooperative exit. Returns false when some work had to be
// treated as force-cancelled.
func (run *Run) CancelAndWait(grace time.Duration) bool {
	run.cancel()
	open := run.OpenSubtasks()
	for _, st := range open {
		st.Cancel()
	}

	deadline := time.After(grace)
	for _, st := range open {
		select {
		case <-st.done:
		case <-deadline:
			if run.logger != nil {
				run.logger.Warn("Subtasks did not exit within grace period",
					zap.String("mission_id", run.missionID),
					zap.String("pending", st.ID))
			}
			return false
		}
	}
	select {
	case <-run.done:
		return true
	case <-deadline:
		return false
	}
}

// Registry tracks the top-level run of every active mission.
type Registry struct {
	mu     sync.RWMutex
	runs   map[string]*Run
	grace  time.Duration
	logger *zap.Logger
}

// NewRegistry builds a registry with the given cancellation grace.
func NewRegistry(grace time.Duration, logger *zap.Logger) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		runs:   make(map[string]*Run),
		grace:  grace,
		logger: logger,
	}
}

// Begin registers a top-level run for the mission and returns its
// context. A mission can only run once at a time.
func (r *Registry) Begin(parent context.Context, missionID string) (*Run, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[missionID]; exists {
		return nil, nil, fmt.Errorf("mission %s is already running", missionID)
	}

	ctx, cancel := context.WithCancel(parent)
	run := &Run{
		missionID: missionID,
		cancel:    cancel,
		logger:    r.logger,
		subtasks:  make(map[string]*Subtask),
		done:      make(chan struct{}),
	}
	r.runs[missionID] = run
	return run, ctx, nil
}

// Get returns the mission's active run.
func (r *Registry) Get(missionID string) (*Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[missionID]
	return run, ok
}

// Running reports whether the mission has an active run.
func (r *Registry) Running(missionID string) bool {
	_, ok := r.Get(missionID)
	return ok
}

// ActiveCount returns the number of active runs.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// End deregisters the mission's run and marks it finished.
func (r *Registry) End(missionID string) {
	r.mu.Lock()
	run, ok := r.runs[missionID]
	delete(r.runs, missionID)
	r.mu.Unlock()
	if ok {
		run.Finish()
	}
}

// CancelAll cancels the mission's run and waits up to the registry
// grace period. Callers mark mission status first so no new subtasks
// are admitted while the cancellation drains.
func (r *Registry) CancelAll(missionID string) bool {
	run, ok := r.Get(missionID)
	if !ok {
		return true
	}
	clean := run.CancelAndWait(r.grace)
	if !clean && r.logger != nil {
		r.logger.Warn("Run treated as force-cancelled",
			zap.String("mission_id", missionID))
	}
	return clean
}

// GatherLive waits for a batch of subtasks while re-checking mission
// liveness at every interval. When the mission goes non-live mid-wait,
// unfinished members are cancelled rather than awaited to completion;
// the return value reports whether the batch fully completed.
func GatherLive(ctx context.Context, live func(context.Context) bool, interval time.Duration, subs []*Subtask) bool {
	if len(subs) == 0 {
		return true
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	if !live(ctx) {
		cancelSubtasks(subs)
		return false
	}

	allDone := make(chan struct{})
	go func() {
		for _, st := range subs {
			<-st.Done()
		}
		close(allDone)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-allDone:
			return true
		case <-ctx.Done():
			cancelSubtasks(subs)
			return false
		case <-ticker.C:
			if !live(ctx) {
				cancelSubtasks(subs)
				return false
			}
		}
	}
}

func cancelSubtasks(subs []*Subtask) {
	for _, st := range subs {
		st.Cancel()
	}
}
