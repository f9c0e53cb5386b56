package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/citations"
	"github.com/fathomlabs/fathom/internal/curation"
	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/explore"
	"github.com/fathomlabs/fathom/internal/formatting"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/research"
	"github.com/fathomlabs/fathom/internal/tasks"
	"github.com/fathomlabs/fathom/internal/writing"
)

// engines bundles the per-mission engine set. Every engine shares one
// admission-limited caller so the mission's concurrency cap holds
// across phases.
type engines struct {
	caller   ModelCaller
	explorer *explore.Engine
	research *research.Engine
	filter   *curation.Filter
	assigner *curation.Assigner
	writer   *writing.Engine
	citer    *citations.Processor
}

func (c *Controller) buildEngines(m *mission.Mission) *engines {
	caller := c.caller(m.ID, m.Config.MaxConcurrentCalls)
	return &engines{
		caller:   caller,
		explorer: explore.New(caller, c.search, c.store, c.logger),
		research: research.New(caller, c.search, c.store, c.events, c.logger),
		filter:   curation.NewFilter(caller, c.logger),
		assigner: curation.NewAssigner(caller, c.search, c.logger),
		writer:   writing.New(caller, c.store, c.events, c.logger),
		citer:    citations.NewProcessor(c.logger),
	}
}

// isHalt reports whether err is the cooperative pause/stop signal in
// either of the shapes it takes: the explicit sentinel or the run
// context cancelled by the registry.
func isHalt(err error) bool {
	return errors.Is(err, mission.ErrHalted) || errors.Is(err, context.Canceled)
}

// runMission drives one mission run from the given phase to the end of
// the pipeline. It runs on its own goroutine; every exit path settles
// mission status, the active-mission gauge and the task registry.
func (c *Controller) runMission(missionID string, from mission.Phase) {
	run, ctx, err := c.registry.Begin(context.Background(), missionID)
	if err != nil {
		c.logger.Warn("Mission run not started",
			zap.String("mission_id", missionID), zap.Error(err))
		return
	}
	defer c.registry.End(missionID)
	c.markActive(missionID)

	m, err := c.store.GetMission(ctx, missionID)
	if err != nil {
		c.logger.Error("Mission load failed",
			zap.String("mission_id", missionID), zap.Error(err))
		c.markInactive(missionID, "")
		return
	}
	if err := c.toRunning(ctx, m); err != nil {
		c.logger.Error("Mission could not enter running state",
			zap.String("mission_id", missionID), zap.Error(err))
		c.markInactive(missionID, "")
		return
	}

	eng := c.buildEngines(m)
	live := c.liveness(missionID)

	start := from.Index()
	if start < 0 {
		start = 0
	}
	for _, phase := range mission.Phases()[start:] {
		if phase == mission.PhaseCompleted {
			break
		}
		if m.PhaseCompleted(phase) {
			continue
		}
		if err := c.executePhase(ctx, run, eng, m, phase, live); err != nil {
			if isHalt(err) {
				c.onHalt(missionID, phase)
				return
			}
			c.onFailure(ctx, m, phase, err)
			return
		}
		m.CompletedPhases = append(m.CompletedPhases, phase)
	}
	c.onCompleted(ctx, m)
}

// toRunning flips a planning or freshly resumed mission to running.
// ResumeMission sets the status before launching, so an already-running
// status is left alone.
func (c *Controller) toRunning(ctx context.Context, m *mission.Mission) error {
	if m.Status == mission.StatusRunning {
		return nil
	}
	if !m.Status.CanTransition(mission.StatusRunning) {
		return fmt.Errorf("mission %s cannot start from status %s", m.ID, m.Status)
	}
	if err := c.store.SetStatus(ctx, m.ID, mission.StatusRunning); err != nil {
		return err
	}
	m.Status = mission.StatusRunning
	c.events.Publish(m.ID, events.Event{
		Type:    events.EventStatusChanged,
		Message: string(mission.StatusRunning),
	})
	return nil
}

func (c *Controller) executePhase(ctx context.Context, run *tasks.Run, eng *engines, m *mission.Mission, phase mission.Phase, live func(context.Context) bool) error {
	if !live(ctx) {
		return mission.ErrHalted
	}
	if err := c.store.SetPhase(ctx, m.ID, phase); err != nil {
		return fmt.Errorf("enter phase %s: %w", phase, err)
	}
	m.Phase = phase
	c.events.Publish(m.ID, events.Event{
		Type:  events.EventPhaseStarted,
		Phase: string(phase),
	})
	c.log(ctx, m.ID, phase, mission.LogPhase, "phase started", nil)
	began := time.Now()

	var err error
	switch phase {
	case mission.PhaseInitialAnalysis:
		err = c.initialAnalysis(ctx, eng, m)
	case mission.PhaseInitialResearch:
		err = c.initialResearch(ctx, run, eng, m, live)
	case mission.PhaseOutlineGeneration:
		err = c.outlineGeneration(ctx, eng, m)
	case mission.PhaseStructuredResearch:
		err = c.structuredResearch(ctx, run, eng, m, live)
	case mission.PhaseNotePreparation:
		err = c.notePreparation(ctx, run, eng, m, live)
	case mission.PhaseWriting:
		err = c.writingPhase(ctx, eng, m, live)
	case mission.PhaseTitleGeneration:
		err = c.titleGeneration(ctx, eng, m)
	case mission.PhaseCitationProcessing:
		err = c.citationProcessing(ctx, eng, m)
	default:
		err = fmt.Errorf("no executor for phase %s", phase)
	}
	if err != nil {
		return err
	}

	if err := c.store.MarkPhaseCompleted(ctx, m.ID, phase); err != nil {
		return fmt.Errorf("mark phase %s completed: %w", phase, err)
	}
	elapsed := time.Since(began)
	metrics.PhaseDuration.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
	c.events.Publish(m.ID, events.Event{
		Type:  events.EventPhaseCompleted,
		Phase: string(phase),
	})
	c.log(ctx, m.ID, phase, mission.LogPhase, "phase completed",
		map[string]any{"duration_ms": elapsed.Milliseconds()})
	return nil
}

// analysisReply is the structured product of the analysis role.
type analysisReply struct {
	Brief         string   `json:"brief"`
	SeedQuestions []string `json:"seed_questions"`
	Scratchpad    string   `json:"scratchpad"`
}

// initialAnalysis turns the raw query into a mission brief and the
// seed questions exploration fans out from. The phase fails open: when
// the analysis call dies, exploration is seeded with the query itself.
func (c *Controller) initialAnalysis(ctx context.Context, eng *engines, m *mission.Mission) error {
	var reply analysisReply
	res, _, err := eng.caller.Call(ctx, dispatch.CallSpec{
		Role:      "analysis",
		Messages:  analysisMessages(m),
		MaxTokens: 1500,
		ForceJSON: true,
	})
	switch {
	case isHalt(err):
		return mission.ErrHalted
	case err != nil:
		c.logger.Warn("Initial analysis failed, seeding exploration with the raw query",
			zap.String("mission_id", m.ID), zap.Error(err))
		c.log(ctx, m.ID, mission.PhaseInitialAnalysis, mission.LogWarning,
			"analysis call failed, falling back to the raw query",
			map[string]any{"error": err.Error()})
	default:
		if derr := res.Decode(&reply); derr != nil && res.Kind == llm.ResultText {
			// A prose answer still makes a usable brief.
			reply.Brief = strings.TrimSpace(res.Text)
		}
	}

	seeds := make([]string, 0, len(reply.SeedQuestions))
	for _, q := range reply.SeedQuestions {
		if q = strings.TrimSpace(q); q != "" {
			seeds = append(seeds, q)
		}
	}
	if len(seeds) == 0 {
		seeds = []string{m.Query}
	}

	m.Brief = strings.TrimSpace(reply.Brief)
	if err := c.store.UpdateMission(ctx, m); err != nil {
		return fmt.Errorf("save mission brief: %w", err)
	}
	cp := &mission.Checkpoint{
		Phase:         mission.PhaseInitialAnalysis,
		SeedQuestions: seeds,
		Scratchpad:    strings.TrimSpace(reply.Scratchpad),
	}
	if err := c.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		return fmt.Errorf("save analysis checkpoint: %w", err)
	}
	c.log(ctx, m.ID, mission.PhaseInitialAnalysis, mission.LogInfo, "mission brief prepared",
		map[string]any{"seed_questions": len(seeds)})
	return nil
}

// initialResearch explores the seed questions breadth-first. The
// engine never fails; a halt is detected afterwards so everything it
// gathered is persisted either way.
func (c *Controller) initialResearch(ctx context.Context, run *tasks.Run, eng *engines, m *mission.Mission, live func(context.Context) bool) error {
	seeds := []string{m.Query}
	scratch := ""
	cp, err := c.store.GetCheckpoint(ctx, m.ID, mission.PhaseInitialAnalysis)
	if err != nil {
		return fmt.Errorf("load analysis checkpoint: %w", err)
	}
	if cp != nil {
		if len(cp.SeedQuestions) > 0 {
			seeds = cp.SeedQuestions
		}
		scratch = cp.Scratchpad
	}

	out := eng.explorer.Run(ctx, run, m.ID, seeds, scratch, explore.Config{
		MaxDepth:    m.Config.MaxQuestionDepth,
		MaxTotal:    m.Config.MaxTotalQuestions,
		Concurrency: m.Config.MaxConcurrentCalls,
	}, live)

	if m.SourceRefs == nil {
		m.SourceRefs = map[string]mission.SourceRef{}
	}
	for id, ref := range out.Sources {
		m.SourceRefs[id] = ref
	}
	// Persist even on halt: notes already stored must keep their
	// reference metadata.
	bg := context.WithoutCancel(ctx)
	if err := c.store.UpdateMission(bg, m); err != nil {
		return fmt.Errorf("save source references: %w", err)
	}
	next := &mission.Checkpoint{
		Phase:      mission.PhaseInitialResearch,
		Scratchpad: out.Scratchpad,
	}
	if err := c.store.SaveCheckpoint(bg, m.ID, next); err != nil {
		return fmt.Errorf("save exploration checkpoint: %w", err)
	}
	c.log(bg, m.ID, mission.PhaseInitialResearch, mission.LogResearch, "exploration finished",
		map[string]any{"questions": out.Processed, "notes": len(out.NoteIDs)})

	if !live(ctx) {
		return mission.ErrHalted
	}
	return nil
}

// outlineGeneration asks the planner for the report outline. A failed
// or unusable first attempt is retried once with the structured-output
// constraint relaxed; failing both attempts is the one condition that
// fails the whole mission.
func (c *Controller) outlineGeneration(ctx context.Context, eng *engines, m *mission.Mission) error {
	notes, err := c.store.GetNotes(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load notes for planning: %w", err)
	}
	scratch := ""
	if cp, err := c.store.GetCheckpoint(ctx, m.ID, mission.PhaseInitialResearch); err == nil && cp != nil {
		scratch = cp.Scratchpad
	}

	outline, err := c.planOutline(ctx, eng, m, notes, scratch, true)
	if err != nil {
		if isHalt(err) {
			return mission.ErrHalted
		}
		c.log(ctx, m.ID, mission.PhaseOutlineGeneration, mission.LogWarning,
			"outline attempt failed, retrying with relaxed output shape",
			map[string]any{"error": err.Error()})
		outline, err = c.planOutline(ctx, eng, m, notes, scratch, false)
		if err != nil {
			if isHalt(err) {
				return mission.ErrHalted
			}
			return fmt.Errorf("%w: %v", mission.ErrCriticalPlanning, err)
		}
	}

	if err := c.store.SaveOutline(ctx, m.ID, outline); err != nil {
		return fmt.Errorf("save outline: %w", err)
	}
	c.log(ctx, m.ID, mission.PhaseOutlineGeneration, mission.LogPhase, "outline generated",
		map[string]any{"sections": len(outline.All()), "depth": outline.Depth()})
	return nil
}

func (c *Controller) planOutline(ctx context.Context, eng *engines, m *mission.Mission, notes []mission.Note, scratch string, forceJSON bool) (*mission.Outline, error) {
	res, _, err := eng.caller.Call(ctx, dispatch.CallSpec{
		Role:      "planner",
		Messages:  plannerMessages(m, notes, scratch),
		MaxTokens: 3000,
		ForceJSON: forceJSON,
	})
	if err != nil {
		return nil, err
	}
	var outline mission.Outline
	if err := res.Decode(&outline); err != nil {
		return nil, err
	}
	c.normalizePlanned(ctx, m, &outline, notes)
	if err := outline.Validate(m.Config.MaxOutlineDepth); err != nil {
		return nil, err
	}
	return &outline, nil
}

// normalizePlanned repairs the shapes planners habitually get wrong in
// a fresh outline: missing ids, strategies that contradict the tree
// shape and references to notes that do not exist. There is no earlier
// outline to fall back to, so contradictions are coerced, not rejected.
func (c *Controller) normalizePlanned(ctx context.Context, m *mission.Mission, o *mission.Outline, notes []mission.Note) {
	known := make(map[string]bool, len(notes))
	for _, n := range notes {
		known[n.ID] = true
	}

	var dropped, coerced int
	o.Walk(func(s *mission.ReportSection, _ int) {
		if s.ID == "" {
			s.ID = mission.NewSectionID()
		}
		want := s.Strategy
		switch {
		case !s.Leaf() && want != mission.StrategyContentBased && want != mission.StrategySynthesize:
			s.Strategy = mission.StrategySynthesize
		case s.Leaf() && want != mission.StrategyResearchBased && want != mission.StrategyContentBased:
			s.Strategy = mission.StrategyResearchBased
		}
		if want != "" && want != s.Strategy {
			coerced++
		}
		kept := s.NoteIDs[:0]
		for _, id := range s.NoteIDs {
			if known[id] {
				kept = append(kept, id)
			} else {
				dropped++
			}
		}
		s.NoteIDs = kept
	})
	if coerced > 0 || dropped > 0 {
		c.log(ctx, m.ID, mission.PhaseOutlineGeneration, mission.LogWarning, "planned outline repaired",
			map[string]any{"strategies_coerced": coerced, "note_refs_dropped": dropped})
	}
}

// structuredResearch runs the configured research rounds from wherever
// the checkpoint says the last run got to.
func (c *Controller) structuredResearch(ctx context.Context, run *tasks.Run, eng *engines, m *mission.Mission, live func(context.Context) bool) error {
	cp, err := c.store.GetCheckpoint(ctx, m.ID, mission.PhaseStructuredResearch)
	if err != nil {
		return fmt.Errorf("load research checkpoint: %w", err)
	}

	rerr := eng.research.RunRounds(ctx, run, m, cp, live)
	// Research accumulates reference metadata on the mission; keep it
	// even when the rounds end in a halt.
	if err := c.store.UpdateMission(context.WithoutCancel(ctx), m); err != nil {
		if rerr == nil {
			return fmt.Errorf("save source references: %w", err)
		}
		c.logger.Warn("Source references not saved after halt",
			zap.String("mission_id", m.ID), zap.Error(err))
	}
	return rerr
}

// notePreparation curates the note collection for writing: the
// redundancy filter trims it, then the assigner maps what survives
// onto sections and seeds the writing checkpoint.
func (c *Controller) notePreparation(ctx context.Context, run *tasks.Run, eng *engines, m *mission.Mission, live func(context.Context) bool) error {
	outline, err := c.store.GetOutline(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load outline for curation: %w", err)
	}
	if outline == nil {
		return errors.New("no outline to curate against")
	}
	notes, err := c.store.GetNotes(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load notes for curation: %w", err)
	}

	kept := eng.filter.Run(ctx, run, m.ID, outline, notes)
	keptIDs := make(map[string]bool, len(kept))
	for _, n := range kept {
		keptIDs[n.ID] = true
	}
	var removed []string
	for _, n := range notes {
		if !keptIDs[n.ID] {
			removed = append(removed, n.ID)
		}
	}
	if len(removed) > 0 {
		if err := c.store.RemoveNotes(ctx, m.ID, removed); err != nil {
			return fmt.Errorf("remove redundant notes: %w", err)
		}
		gone := make(map[string]bool, len(removed))
		for _, id := range removed {
			gone[id] = true
		}
		outline.Walk(func(s *mission.ReportSection, _ int) {
			ids := s.NoteIDs[:0]
			for _, id := range s.NoteIDs {
				if !gone[id] {
					ids = append(ids, id)
				}
			}
			s.NoteIDs = ids
		})
		if err := c.store.SaveOutline(ctx, m.ID, outline); err != nil {
			return fmt.Errorf("save pruned outline: %w", err)
		}
		metrics.NotesDiscarded.Add(float64(len(removed)))
		c.log(ctx, m.ID, mission.PhaseNotePreparation, mission.LogCuration, "redundant notes removed",
			map[string]any{"removed": len(removed), "kept": len(kept)})
	}

	if !live(ctx) {
		return mission.ErrHalted
	}

	res, err := eng.assigner.Run(ctx, m, outline, kept, live)
	if err != nil {
		return err
	}
	metrics.SectionAssignments.WithLabelValues(string(res.Outcome)).Inc()
	cp := &mission.Checkpoint{
		Phase:       mission.PhaseWriting,
		Pass:        1,
		Assignments: res.Assignments,
	}
	if err := c.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		return fmt.Errorf("save assignment checkpoint: %w", err)
	}
	c.log(ctx, m.ID, mission.PhaseNotePreparation, mission.LogCuration, "notes assigned to sections",
		map[string]any{"sections": len(res.Assignments), "outcome": string(res.Outcome)})
	return nil
}

// writingPhase drafts the report sections, resuming from the writing
// checkpoint when one exists.
func (c *Controller) writingPhase(ctx context.Context, eng *engines, m *mission.Mission, live func(context.Context) bool) error {
	cp, err := c.store.GetCheckpoint(ctx, m.ID, mission.PhaseWriting)
	if err != nil {
		return fmt.Errorf("load writing checkpoint: %w", err)
	}
	return eng.writer.Run(ctx, m, cp, live)
}

func (c *Controller) titleGeneration(ctx context.Context, eng *engines, m *mission.Mission) error {
	title, err := eng.writer.GenerateTitle(ctx, m)
	if err != nil {
		return err
	}
	m.Title = title
	if err := c.store.UpdateMission(ctx, m); err != nil {
		return fmt.Errorf("save report title: %w", err)
	}
	c.log(ctx, m.ID, mission.PhaseTitleGeneration, mission.LogWriting, "report titled",
		map[string]any{"title": title})
	return nil
}

// citationProcessing assembles the full report, resolves the inline
// source markers into numbered references and stores the final text
// under the reserved report slot.
func (c *Controller) citationProcessing(ctx context.Context, eng *engines, m *mission.Mission) error {
	outline, err := c.store.GetOutline(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load outline for citations: %w", err)
	}
	if outline == nil {
		return errors.New("no outline to assemble")
	}
	content, err := c.store.GetReportContent(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load report content: %w", err)
	}
	notes, err := c.store.GetNotes(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load notes for citations: %w", err)
	}

	title := m.Title
	if title == "" {
		title = m.DefaultTitle()
	}
	text := assembleDraft(title, outline, content)
	processed, numbers := eng.citer.Process(text, notes, m.SourceRefs)
	processed = formatting.TidyDocument(processed)

	if err := c.store.SaveSectionContent(ctx, m.ID, finalReportKey, processed); err != nil {
		return fmt.Errorf("save final report: %w", err)
	}
	cp := &mission.Checkpoint{
		Phase:     mission.PhaseCitationProcessing,
		Citations: numbers,
	}
	if err := c.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		return fmt.Errorf("save citation checkpoint: %w", err)
	}
	c.log(ctx, m.ID, mission.PhaseCitationProcessing, mission.LogWriting, "report finalized",
		map[string]any{"references": len(numbers), "chars": len(processed)})
	return nil
}

// onHalt settles a run that ended on the pause/stop signal. When the
// stored status still reads live, the halt arose inside the run (a
// failing status probe) rather than from a lifecycle call; the mission
// is parked as paused so it stays resumable.
func (c *Controller) onHalt(missionID string, phase mission.Phase) {
	ctx := context.Background()
	if st, err := c.store.GetStatus(ctx, missionID); err == nil && st.Live() {
		if err := c.store.SetStatus(ctx, missionID, mission.StatusPaused); err == nil {
			c.events.Publish(missionID, events.Event{
				Type:    events.EventStatusChanged,
				Phase:   string(phase),
				Message: string(mission.StatusPaused),
			})
		}
	}
	c.log(ctx, missionID, phase, mission.LogInfo, "mission run halted", nil)
	c.logger.Info("Mission run halted",
		zap.String("mission_id", missionID),
		zap.String("phase", string(phase)))
	c.markInactive(missionID, "")
}

func (c *Controller) onFailure(ctx context.Context, m *mission.Mission, phase mission.Phase, err error) {
	bg := context.WithoutCancel(ctx)
	m.Error = err.Error()
	if uerr := c.store.UpdateMission(bg, m); uerr != nil {
		c.logger.Warn("Failed mission not saved",
			zap.String("mission_id", m.ID), zap.Error(uerr))
	}
	if serr := c.store.SetStatus(bg, m.ID, mission.StatusFailed); serr != nil {
		c.logger.Warn("Failed status not recorded",
			zap.String("mission_id", m.ID), zap.Error(serr))
	}
	c.events.Publish(m.ID, events.Event{
		Type:    events.EventFailed,
		Phase:   string(phase),
		Message: err.Error(),
	})
	c.log(bg, m.ID, phase, mission.LogError, "mission failed",
		map[string]any{"error": err.Error()})
	c.logger.Error("Mission failed",
		zap.String("mission_id", m.ID),
		zap.String("phase", string(phase)),
		zap.Error(err))
	c.markInactive(m.ID, string(mission.StatusFailed))
}

func (c *Controller) onCompleted(ctx context.Context, m *mission.Mission) {
	if err := c.store.SetPhase(ctx, m.ID, mission.PhaseCompleted); err != nil {
		c.logger.Warn("Completed phase not recorded",
			zap.String("mission_id", m.ID), zap.Error(err))
	}
	m.Phase = mission.PhaseCompleted
	if err := c.store.SetStatus(ctx, m.ID, mission.StatusCompleted); err != nil {
		c.logger.Warn("Completed status not recorded",
			zap.String("mission_id", m.ID), zap.Error(err))
	}
	m.Status = mission.StatusCompleted
	if stats, err := c.store.GetStats(ctx, m.ID); err == nil {
		m.Stats = stats
	}
	if err := c.store.UpdateMission(ctx, m); err != nil {
		c.logger.Warn("Completed mission not saved",
			zap.String("mission_id", m.ID), zap.Error(err))
	}
	c.events.Publish(m.ID, events.Event{
		Type:    events.EventCompleted,
		Phase:   string(mission.PhaseCompleted),
		Message: m.Title,
	})
	c.log(ctx, m.ID, mission.PhaseCompleted, mission.LogPhase, "mission completed", nil)
	c.logger.Info("Mission completed",
		zap.String("mission_id", m.ID),
		zap.String("title", m.Title),
		zap.Int("model_calls", m.Stats.ModelCalls))
	c.markInactive(m.ID, string(mission.StatusCompleted))
}

func analysisMessages(m *mission.Mission) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n", m.Query)
	b.WriteString("\nRespond with JSON: {\"brief\": str, \"seed_questions\": [str], \"scratchpad\": str}. " +
		"The brief restates the query as a concrete research mission: scope, angle, and what the report " +
		"should emphasize. Seed questions are the first questions an investigator would run down, broad " +
		"enough to fan out. Use the scratchpad for working assumptions worth carrying into research.")
	return []llm.Message{
		llm.System("You scope deep research missions. You turn a raw query into a working brief and the seed questions exploration starts from."),
		llm.User(b.String()),
	}
}

func plannerMessages(m *mission.Mission, notes []mission.Note, scratchpad string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Report topic: %s\n", m.Query)
	if m.Brief != "" {
		fmt.Fprintf(&b, "\nMission brief:\n%s\n", m.Brief)
	}
	if scratchpad != "" {
		fmt.Fprintf(&b, "\nExploration scratchpad:\n%s\n", scratchpad)
	}
	if len(notes) > 0 {
		b.WriteString("\nNotes collected during exploration:\n")
		for _, n := range notes {
			c := n.Content
			if len(c) > 160 {
				c = c[:160]
			}
			fmt.Fprintf(&b, "[%s] %s\n", n.ID, c)
		}
	}
	fmt.Fprintf(&b, "\nDesign the report outline: nested sections at most %d levels deep. ", m.Config.MaxOutlineDepth)
	b.WriteString("A leaf that needs further investigation gets strategy \"research_based\"; a leaf the notes " +
		"above already cover gets \"content_based\" with the note ids it should use; a section with subsections " +
		"gets \"synthesize_from_subsections\". Respond with JSON: {\"title\": str, \"sections\": [{\"id\": str, " +
		"\"title\": str, \"description\": str, \"strategy\": str, \"subsections\": [...], \"note_ids\": [str]}]}.")
	return []llm.Message{
		llm.System("You plan research reports. You shape gathered material and open questions into an outline that directs further research."),
		llm.User(b.String()),
	}
}
