// Package orchestrator drives missions through the phase pipeline:
// it owns mission lifecycle (start, pause, stop, resume), composes the
// exploration, research, curation, writing and citation engines, and
// persists enough checkpoint state for any phase to resume.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/store"
	"github.com/fathomlabs/fathom/internal/tasks"
)

var (
	// ErrAlreadyRunning is returned when a mission that already has an
	// active run is started or resumed again.
	ErrAlreadyRunning = errors.New("mission already running")
	// ErrNotResumable is returned when resume is requested for a
	// mission that is not paused or stopped.
	ErrNotResumable = errors.New("mission is not paused or stopped")
	// ErrReportNotReady is returned when no report artifacts exist yet.
	ErrReportNotReady = errors.New("report not ready")
)

// finalReportKey is the reserved section-content slot holding the
// citation-processed report. Generated section ids never collide with
// it.
const finalReportKey = "report:final"

// ModelCaller issues role-addressed model calls for one mission.
type ModelCaller interface {
	Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error)
}

// CallerFactory binds the dispatch gateway to one mission's admission
// pool.
type CallerFactory func(missionID string, maxConcurrent int) ModelCaller

// SearchClient is the search/rerank capability surface the controller
// hands to the engines.
type SearchClient interface {
	Search(ctx context.Context, query string, topK int) ([]search.Snippet, error)
	Rerank(ctx context.Context, query string, items []search.RerankItem, topN int) ([]search.RankedItem, error)
}

// Deps carries everything a controller composes.
type Deps struct {
	Store    store.Store
	Events   *events.Manager
	Registry *tasks.Registry
	Caller   CallerFactory
	Search   SearchClient
	Logger   *zap.Logger
}

// Controller is the mission phase scheduler.
type Controller struct {
	store    store.Store
	events   *events.Manager
	registry *tasks.Registry
	caller   CallerFactory
	search   SearchClient
	logger   *zap.Logger

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

// New builds a controller from its dependencies.
func New(d Deps) *Controller {
	return &Controller{
		store:    d.Store,
		events:   d.Events,
		registry: d.Registry,
		caller:   d.Caller,
		search:   d.Search,
		logger:   d.Logger,
		active:   map[string]bool{},
	}
}

// StatusAdapter exposes mission liveness to the dispatch gateway.
type StatusAdapter struct {
	store store.Store
}

// NewStatusAdapter builds the gateway-facing status checker.
func NewStatusAdapter(st store.Store) *StatusAdapter {
	return &StatusAdapter{store: st}
}

// MissionLive reports whether the mission may keep issuing external
// calls.
func (a *StatusAdapter) MissionLive(ctx context.Context, missionID string) (bool, error) {
	st, err := a.store.GetStatus(ctx, missionID)
	if err != nil {
		return false, err
	}
	return st.Live(), nil
}

// StartMission creates a mission for the query and launches its run.
func (c *Controller) StartMission(ctx context.Context, query string, cfg mission.Config) (*mission.Mission, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("empty mission query")
	}

	m := mission.New(query, cfg)
	if err := c.store.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("create mission: %w", err)
	}
	metrics.MissionsStarted.Inc()
	c.logger.Info("Mission created",
		zap.String("mission_id", m.ID),
		zap.String("query", m.Query))

	c.launch(m.ID, mission.PhaseInitialAnalysis)
	return m, nil
}

// PauseMission marks the mission paused and cancels its running work.
// Status is set first so no new subtask is admitted while cancellation
// drains.
func (c *Controller) PauseMission(ctx context.Context, missionID string) error {
	return c.halt(ctx, missionID, mission.StatusPaused)
}

// StopMission marks the mission stopped and cancels its running work.
// A stopped mission can be resumed later; its half-finished round is
// rolled back at that point.
func (c *Controller) StopMission(ctx context.Context, missionID string) error {
	return c.halt(ctx, missionID, mission.StatusStopped)
}

func (c *Controller) halt(ctx context.Context, missionID string, target mission.Status) error {
	if err := c.store.SetStatus(ctx, missionID, target); err != nil {
		return err
	}
	c.events.Publish(missionID, events.Event{
		Type:    events.EventStatusChanged,
		Message: string(target),
	})
	clean := c.registry.CancelAll(missionID)
	if !clean {
		c.logger.Warn("Mission work force-cancelled after grace period",
			zap.String("mission_id", missionID),
			zap.String("status", string(target)))
	}
	c.logger.Info("Mission halted",
		zap.String("mission_id", missionID),
		zap.String("status", string(target)))
	return nil
}

// ResumeMission restarts a paused or stopped mission. The resume point
// follows a fallback chain: the saved checkpoint of the in-progress
// phase, then inference from which artifacts already exist, then the
// first phase not verified complete. Resuming a stopped mission rewinds
// its half-finished research round first.
func (c *Controller) ResumeMission(ctx context.Context, missionID string) error {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return err
	}
	if c.registry.Running(missionID) {
		return ErrAlreadyRunning
	}
	if m.Status != mission.StatusPaused && m.Status != mission.StatusStopped {
		return fmt.Errorf("%w: status is %s", ErrNotResumable, m.Status)
	}

	phase, source, err := c.resumePoint(ctx, m)
	if err != nil {
		return err
	}
	if phase == mission.PhaseStructuredResearch && m.Status == mission.StatusStopped {
		if err := c.rewindRound(ctx, m); err != nil {
			return err
		}
	}

	if err := c.store.SetStatus(ctx, missionID, mission.StatusRunning); err != nil {
		return err
	}
	metrics.MissionsResumed.WithLabelValues(source).Inc()
	c.events.Publish(missionID, events.Event{
		Type:    events.EventStatusChanged,
		Message: string(mission.StatusRunning),
		Detail:  map[string]any{"resume_phase": string(phase), "resume_source": source},
	})
	c.logger.Info("Mission resuming",
		zap.String("mission_id", missionID),
		zap.String("phase", string(phase)),
		zap.String("source", source))

	c.launch(missionID, phase)
	return nil
}

// Status returns the mission with its statistics refreshed from the
// stats registry.
func (c *Controller) Status(ctx context.Context, missionID string) (*mission.Mission, error) {
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if stats, err := c.store.GetStats(ctx, missionID); err == nil {
		m.Stats = stats
	}
	return m, nil
}

// ListMissions returns the most recent missions, newest first.
func (c *Controller) ListMissions(ctx context.Context, limit int) ([]*mission.Mission, error) {
	return c.store.ListMissions(ctx, limit)
}

// Report returns the finished report, or a draft assembled from
// whatever sections exist so far.
func (c *Controller) Report(ctx context.Context, missionID string) (string, error) {
	content, err := c.store.GetReportContent(ctx, missionID)
	if err != nil {
		return "", err
	}
	if final, ok := content[finalReportKey]; ok && final != "" {
		return final, nil
	}

	outline, err := c.store.GetOutline(ctx, missionID)
	if err != nil {
		return "", err
	}
	if outline == nil || len(content) == 0 {
		return "", ErrReportNotReady
	}
	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		return "", err
	}
	title := m.Title
	if title == "" {
		title = m.DefaultTitle()
	}
	return assembleDraft(title, outline, content), nil
}

// PauseAll pauses every active mission and waits for their runs to
// drain. Used on daemon shutdown.
func (c *Controller) PauseAll(ctx context.Context) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		if err := c.PauseMission(ctx, id); err != nil && !errors.Is(err, store.ErrBadTransition) {
			c.logger.Warn("Shutdown pause failed",
				zap.String("mission_id", id), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("Shutdown deadline hit with mission runs still draining")
	}
}

func (c *Controller) launch(missionID string, from mission.Phase) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runMission(missionID, from)
	}()
}

// liveness builds the status probe engines poll between units of work.
// The probe must answer even when the caller's context was already
// cancelled by pause/stop.
func (c *Controller) liveness(missionID string) func(context.Context) bool {
	return func(ctx context.Context) bool {
		st, err := c.store.GetStatus(context.WithoutCancel(ctx), missionID)
		if err != nil {
			return false
		}
		return st.Live()
	}
}

func (c *Controller) markActive(missionID string) {
	c.mu.Lock()
	c.active[missionID] = true
	c.mu.Unlock()
	metrics.MissionsActive.Inc()
}

func (c *Controller) markInactive(missionID string, terminal string) {
	c.mu.Lock()
	delete(c.active, missionID)
	c.mu.Unlock()
	if terminal != "" {
		metrics.RecordMissionCompleted(terminal)
		return
	}
	metrics.MissionsActive.Dec()
}

// log appends a controller-level entry to the mission execution log.
func (c *Controller) log(ctx context.Context, missionID string, phase mission.Phase, kind, msg string, detail map[string]any) {
	err := c.store.AppendLog(context.WithoutCancel(ctx), mission.LogEntry{
		MissionID: missionID,
		Phase:     phase,
		Kind:      kind,
		Message:   msg,
		Detail:    detail,
	})
	if err != nil {
		c.logger.Debug("Execution log append failed", zap.Error(err))
	}
}

