package orchestrator

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
)

// smallConfig keeps every budget at its minimum so a full pipeline run
// needs exactly one call per role.
func smallConfig() mission.Config {
	return mission.Config{
		MaxConcurrentCalls:  2,
		ResearchRounds:      1,
		MaxCyclesPerSection: 1,
		MaxQuestionDepth:    1,
		MaxTotalQuestions:   2,
		MaxOutlineDepth:     2,
		MinNotesPerSection:  1,
		MaxNotesPerSection:  4,
		RerankTopK:          5,
		SkipFinalRevision:   true,
	}
}

var noteIDPattern = regexp.MustCompile(`note-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// scriptAssigner answers the assigner role by picking every candidate
// note named in the prompt.
func scriptAssigner(e *env) {
	e.caller.script("assigner", callReply{fn: func(spec dispatch.CallSpec) (*llm.Result, error) {
		found := noteIDPattern.FindAllString(spec.Messages[1].Content, -1)
		seen := make(map[string]bool, len(found))
		ids := make([]string, 0, len(found))
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		raw, _ := json.Marshal(map[string]any{"note_ids": ids, "rationale": "covers the section scope"})
		res := &llm.Result{Structured: raw}
		res.Normalize()
		return res, nil
	}})
}

func TestMissionRunsToCompletion(t *testing.T) {
	e := newEnv(t)
	e.search.snippets = []search.Snippet{{
		SourceID: "web-aaa",
		Title:    "Pack prices 2025",
		URL:      "https://example.com/packs",
		Content:  "Battery pack prices fell below $100 per kWh.",
	}}

	e.caller.script("analysis", structured(t, analysisReply{
		Brief:         "Track how grid battery economics shift through 2030.",
		SeedQuestions: []string{"How cheap are grid batteries?"},
		Scratchpad:    "pack prices are the driver",
	}))
	e.caller.script("explorer", structured(t, map[string]any{
		"notes": []map[string]string{
			{"content": "Battery packs fell below $100/kWh in 2025.", "source_id": "web-aaa"},
		},
		"follow_up_questions": []string{},
		"scratchpad":          "cost curve still falling",
	}))
	e.caller.script("planner", structured(t, mission.Outline{
		Title: "Grid Storage",
		Sections: []*mission.ReportSection{{
			ID:          "s1",
			Title:       "Costs",
			Description: "Cost trajectory of grid batteries",
			Strategy:    mission.StrategyResearchBased,
		}},
	}))
	e.caller.script("researcher", structured(t, map[string]any{
		"notes": []map[string]string{
			{"content": "Utility-scale installs doubled as pack prices fell.", "source_id": "web-aaa"},
		},
	}))
	e.caller.script("reflection", structured(t, mission.ReflectionOutput{}))
	scriptAssigner(e)
	e.caller.script("writer", textReply("Storage costs keep falling [web-aaa]."))
	e.caller.script("title", textReply("Grid Storage Economics"))

	m, err := e.ctl.StartMission(e.ctx, "How do grid storage economics evolve through 2030?", smallConfig())
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}

	waitStatus(t, e, m.ID, mission.StatusCompleted)
	waitDrained(t, e, m.ID)

	got, err := e.st.GetMission(e.ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if got.Title != "Grid Storage Economics" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Brief == "" {
		t.Fatal("brief not persisted")
	}
	if got.Phase != mission.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", got.Phase)
	}
	for _, p := range mission.Phases() {
		if p == mission.PhaseCompleted {
			continue
		}
		if !got.PhaseCompleted(p) {
			t.Fatalf("phase %s not marked completed", p)
		}
	}

	report, err := e.ctl.Report(e.ctx, m.ID)
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	for _, want := range []string{"# Grid Storage Economics", "## Costs", "[1]", "## References", "https://example.com/packs"} {
		if !strings.Contains(report, want) {
			t.Fatalf("report missing %q:\n%s", want, report)
		}
	}
	if strings.Contains(report, "web-aaa") {
		t.Fatalf("placeholder id survived citation processing:\n%s", report)
	}

	wantCounts := map[string]int{
		"analysis": 1, "explorer": 1, "planner": 1, "researcher": 1,
		"reflection": 1, "assigner": 1, "writer": 1, "title": 1,
		"curator": 0, "revision": 0,
	}
	for role, want := range wantCounts {
		if got := e.caller.count(role); got != want {
			t.Fatalf("%s calls = %d, want %d", role, got, want)
		}
	}

	var sawCompleted bool
	for _, ev := range e.ev.ReplaySince(m.ID, 0) {
		if ev.Type == events.EventCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatal("mission_completed event never published")
	}
}

func TestResumeSkipsCompletedPhases(t *testing.T) {
	e := newEnv(t)
	m := mission.New("already finished", smallConfig())
	m.Status = mission.StatusPaused
	m.Phase = mission.PhaseCitationProcessing
	for _, p := range mission.Phases() {
		if p == mission.PhaseCompleted {
			continue
		}
		m.CompletedPhases = append(m.CompletedPhases, p)
	}
	e.seed(t, m)

	if err := e.ctl.ResumeMission(e.ctx, m.ID); err != nil {
		t.Fatalf("ResumeMission: %v", err)
	}
	waitStatus(t, e, m.ID, mission.StatusCompleted)
	waitDrained(t, e, m.ID)

	if n := e.caller.total(); n != 0 {
		t.Fatalf("resume of a finished mission made %d model calls", n)
	}
}

func TestCriticalPlanningFailureFailsMission(t *testing.T) {
	e := newEnv(t)
	m := mission.New("doomed planning", smallConfig())
	m.Status = mission.StatusPaused
	m.Phase = mission.PhaseOutlineGeneration
	m.CompletedPhases = []mission.Phase{
		mission.PhaseInitialAnalysis, mission.PhaseInitialResearch,
	}
	e.seed(t, m)
	e.caller.script("planner", callReply{err: errors.New("planner socket burned")})

	if err := e.ctl.ResumeMission(e.ctx, m.ID); err != nil {
		t.Fatalf("ResumeMission: %v", err)
	}
	waitStatus(t, e, m.ID, mission.StatusFailed)
	waitDrained(t, e, m.ID)

	got, err := e.st.GetMission(e.ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if !strings.Contains(got.Error, "critical planning failure") {
		t.Fatalf("mission error = %q, want the critical planning sentinel", got.Error)
	}
	if got.Phase != mission.PhaseOutlineGeneration {
		t.Fatalf("phase = %s, want outline_generation", got.Phase)
	}
	if n := e.caller.count("planner"); n != 2 {
		t.Fatalf("planner calls = %d, want the attempt and one relaxed retry", n)
	}
	if err := e.ctl.ResumeMission(e.ctx, m.ID); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("resume of failed mission = %v, want ErrNotResumable", err)
	}
}

func TestPauseHaltsRunBetweenPhases(t *testing.T) {
	e := newEnv(t)

	started := make(chan struct{})
	release := make(chan struct{})
	reply := structured(t, analysisReply{
		Brief:         "paused mid analysis",
		SeedQuestions: []string{"battery price floor"},
	})
	e.caller.script("analysis", callReply{fn: func(dispatch.CallSpec) (*llm.Result, error) {
		close(started)
		<-release
		return reply.res, nil
	}})

	m, err := e.ctl.StartMission(e.ctx, "pause mid flight", smallConfig())
	if err != nil {
		t.Fatalf("StartMission: %v", err)
	}
	<-started

	// The analysis call ignores cancellation, so the pause ends with a
	// force-cancel after the registry grace period.
	if err := e.ctl.PauseMission(e.ctx, m.ID); err != nil {
		t.Fatalf("PauseMission: %v", err)
	}
	close(release)
	waitDrained(t, e, m.ID)

	st, err := e.st.GetStatus(e.ctx, m.ID)
	if err != nil || st != mission.StatusPaused {
		t.Fatalf("status = %s, %v, want paused", st, err)
	}
	got, err := e.st.GetMission(e.ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if len(got.CompletedPhases) != 1 || got.CompletedPhases[0] != mission.PhaseInitialAnalysis {
		t.Fatalf("completed phases = %v, want the in-flight phase to finish and nothing more", got.CompletedPhases)
	}
	if n := e.caller.count("explorer"); n != 0 {
		t.Fatalf("explorer ran %d times after the pause", n)
	}
}

func TestStopResumeRerunsRoundCleanly(t *testing.T) {
	e := newEnv(t)
	e.search.snippets = []search.Snippet{{
		SourceID: "web-aaa",
		Title:    "Pack prices 2025",
		URL:      "https://example.com/packs",
		Content:  "Battery pack prices fell below $100 per kWh.",
	}}

	m := mission.New("storage deep dive", smallConfig())
	m.Status = mission.StatusStopped
	m.Phase = mission.PhaseStructuredResearch
	m.CompletedPhases = []mission.Phase{
		mission.PhaseInitialAnalysis, mission.PhaseInitialResearch, mission.PhaseOutlineGeneration,
	}
	e.seed(t, m)

	outline := &mission.Outline{Sections: []*mission.ReportSection{{
		ID:          "s1",
		Title:       "Costs",
		Description: "Cost trajectory",
		Strategy:    mission.StrategyResearchBased,
	}}}
	if err := e.st.SaveOutline(e.ctx, m.ID, outline); err != nil {
		t.Fatalf("save outline: %v", err)
	}

	roundStart := time.Now().UTC().Add(-time.Hour)
	cp := &mission.Checkpoint{
		Phase:             mission.PhaseStructuredResearch,
		Round:             1,
		CompletedSections: []string{"s1"},
	}
	cp.MarkRoundStart(1, roundStart)
	if err := e.st.SaveCheckpoint(e.ctx, m.ID, cp); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	stale := mission.Note{
		ID: "note-stale", MissionID: m.ID, SectionID: "s1",
		Content:   "half-finished measurement",
		CreatedAt: roundStart.Add(time.Second), UpdatedAt: roundStart.Add(time.Second),
	}
	if err := e.st.AddNotes(e.ctx, m.ID, []mission.Note{stale}); err != nil {
		t.Fatalf("add stale note: %v", err)
	}

	e.caller.script("researcher", structured(t, map[string]any{
		"notes": []map[string]string{
			{"content": "Fresh measurement holds below $90 per kWh.", "source_id": "web-aaa"},
		},
	}))
	e.caller.script("reflection", structured(t, mission.ReflectionOutput{}))
	scriptAssigner(e)
	e.caller.script("writer", textReply("Prices keep sliding [web-aaa]."))
	e.caller.script("title", textReply("Storage Deep Dive"))

	if err := e.ctl.ResumeMission(e.ctx, m.ID); err != nil {
		t.Fatalf("ResumeMission: %v", err)
	}
	waitStatus(t, e, m.ID, mission.StatusCompleted)
	waitDrained(t, e, m.ID)

	notes, err := e.st.GetNotes(e.ctx, m.ID)
	if err != nil {
		t.Fatalf("get notes: %v", err)
	}
	for _, n := range notes {
		if n.ID == "note-stale" {
			t.Fatal("stale half-round note survived the stop/resume rewind")
		}
	}
	var fresh bool
	for _, n := range notes {
		if strings.Contains(n.Content, "Fresh measurement") {
			fresh = true
		}
	}
	if !fresh {
		t.Fatalf("rerun round produced no fresh note: %+v", notes)
	}

	after, err := e.st.GetCheckpoint(e.ctx, m.ID, mission.PhaseStructuredResearch)
	if err != nil || after == nil {
		t.Fatalf("get checkpoint: %v, %v", after, err)
	}
	restamped, ok := after.RoundStart(1)
	if !ok {
		t.Fatal("rerun round never re-stamped its start")
	}
	if !restamped.After(roundStart) {
		t.Fatalf("round start %v not after the rolled-back start %v", restamped, roundStart)
	}
	if n := e.caller.count("researcher"); n != 1 {
		t.Fatalf("researcher calls = %d, want exactly one for the rerun round", n)
	}
}
