package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/events"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
	"github.com/fathomlabs/fathom/internal/store"
	"github.com/fathomlabs/fathom/internal/tasks"
)

type callReply struct {
	res *llm.Result
	err error
	fn  func(spec dispatch.CallSpec) (*llm.Result, error)
}

// fakeCaller pops scripted replies per role; the last reply for a role
// repeats so settled reflections can recur.
type fakeCaller struct {
	mu     sync.Mutex
	queues map[string][]callReply
	counts map[string]int
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{queues: map[string][]callReply{}, counts: map[string]int{}}
}

func (f *fakeCaller) script(role string, replies ...callReply) {
	f.queues[role] = append(f.queues[role], replies...)
}

func (f *fakeCaller) Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error) {
	f.mu.Lock()
	f.counts[spec.Role]++
	q := f.queues[spec.Role]
	if len(q) == 0 {
		f.mu.Unlock()
		return nil, nil, fmt.Errorf("no scripted reply for role %q", spec.Role)
	}
	r := q[0]
	if len(q) > 1 {
		f.queues[spec.Role] = q[1:]
	}
	f.mu.Unlock()

	if r.fn != nil {
		res, err := r.fn(spec)
		if err != nil {
			return nil, nil, err
		}
		return res, &mission.CallDetails{}, nil
	}
	if r.err != nil {
		return nil, nil, r.err
	}
	return r.res, &mission.CallDetails{}, nil
}

func (f *fakeCaller) count(role string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[role]
}

func structured(t *testing.T, v any) callReply {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal scripted reply: %v", err)
	}
	res := &llm.Result{Structured: raw}
	res.Normalize()
	return callReply{res: res}
}

func textReply(s string) callReply {
	res := &llm.Result{Text: s}
	res.Normalize()
	return callReply{res: res}
}

func noteReply(t *testing.T, notes ...map[string]string) callReply {
	t.Helper()
	return structured(t, map[string]any{"notes": notes})
}

func settled(t *testing.T) callReply {
	t.Helper()
	return structured(t, mission.ReflectionOutput{})
}

func followUps(t *testing.T, qs ...string) callReply {
	t.Helper()
	return structured(t, mission.ReflectionOutput{FollowUpQuestions: qs})
}

type fakeSearcher struct {
	snippets []search.Snippet
	err      error
}

func (f *fakeSearcher) Search(ctx context.Context, query string, topK int) ([]search.Snippet, error) {
	return f.snippets, f.err
}

func alwaysLive(context.Context) bool { return true }

func twoLeafOutline() *mission.Outline {
	return &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
		{ID: "s2", Title: "Pumped hydro", Strategy: mission.StrategyResearchBased},
	}}
}

type env struct {
	caller *fakeCaller
	st     *store.Memory
	ev     *events.Manager
	eng    *Engine
	m      *mission.Mission
	run    *tasks.Run
	ctx    context.Context
}

func newEnv(t *testing.T, o *mission.Outline, cfg mission.Config, searcher Searcher) *env {
	t.Helper()
	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })
	ev := events.NewManager(64)
	caller := newFakeCaller()
	if searcher == nil {
		searcher = &fakeSearcher{}
	}

	m := mission.New("energy storage outlook", cfg)
	ctx := context.Background()
	if err := st.CreateMission(ctx, m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if err := st.SaveOutline(ctx, m.ID, o); err != nil {
		t.Fatalf("SaveOutline: %v", err)
	}

	reg := tasks.NewRegistry(time.Second, zap.NewNop())
	run, runCtx, err := reg.Begin(ctx, m.ID)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(run.Finish)

	return &env{
		caller: caller,
		st:     st,
		ev:     ev,
		eng:    New(caller, searcher, st, ev, zap.NewNop()),
		m:      m,
		run:    run,
		ctx:    runCtx,
	}
}

func TestRunRoundsSettlesLeaves(t *testing.T) {
	searcher := &fakeSearcher{snippets: []search.Snippet{
		{SourceID: "web-aaa", Title: "Storage report", URL: "https://example.com/r", Content: "facts"},
	}}
	e := newEnv(t, twoLeafOutline(), mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, searcher)
	e.caller.script("researcher",
		noteReply(t, map[string]string{"content": "battery note", "source_id": "web-aaa"}),
		noteReply(t, map[string]string{"content": "hydro note"}),
	)
	e.caller.script("reflection", settled(t))

	sub := e.ev.Subscribe(e.m.ID, 64)
	defer e.ev.Unsubscribe(e.m.ID, sub)

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	notes, err := e.st.GetNotes(e.ctx, e.m.ID)
	if err != nil {
		t.Fatalf("GetNotes: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("stored %d notes, want 2", len(notes))
	}
	bySection := map[string]mission.Note{}
	for _, n := range notes {
		bySection[n.SectionID] = n
	}
	if got := bySection["s1"]; got.SourceType != mission.SourceWeb || got.SourceID != "web-aaa" {
		t.Fatalf("s1 note = %+v, want grounded web note", got)
	}
	if got := bySection["s2"]; got.SourceType != mission.SourceInternal {
		t.Fatalf("s2 note = %+v, want internal note", got)
	}
	if _, ok := e.m.SourceRefs["web-aaa"]; !ok {
		t.Fatal("source ref for web-aaa not registered")
	}

	o, err := e.st.GetOutline(e.ctx, e.m.ID)
	if err != nil {
		t.Fatalf("GetOutline: %v", err)
	}
	if got := len(o.Find("s1").NoteIDs); got != 1 {
		t.Fatalf("s1 carries %d note ids, want 1", got)
	}

	cp, err := e.st.GetCheckpoint(e.ctx, e.m.ID, mission.PhaseStructuredResearch)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if cp.Round != 1 || !cp.SectionDone("s1") || !cp.SectionDone("s2") {
		t.Fatalf("checkpoint = %+v, want round 1 with both sections done", cp)
	}
	if _, ok := cp.RoundStart(1); !ok {
		t.Fatal("round 1 start not recorded")
	}

	stats, err := e.st.GetStats(e.ctx, e.m.ID)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.SearchCalls != 2 {
		t.Fatalf("search calls = %d, want 2", stats.SearchCalls)
	}

	var sawRound, sawNotes bool
	for {
		select {
		case evt := <-sub:
			switch evt.Type {
			case events.EventRoundStarted:
				sawRound = true
			case events.EventNotesAdded:
				sawNotes = true
			}
			continue
		default:
		}
		break
	}
	if !sawRound || !sawNotes {
		t.Fatalf("events: round=%v notes=%v, want both", sawRound, sawNotes)
	}
}

func TestCycleCapStopsOpenSections(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1, MaxCyclesPerSection: 3, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", followUps(t, "what about degradation?"))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	// The third reflection still produced questions; the cap ends the
	// section anyway.
	if got := e.caller.count("researcher"); got != 3 {
		t.Fatalf("researcher called %d times, want 3", got)
	}
	if got := e.caller.count("reflection"); got != 3 {
		t.Fatalf("reflection called %d times, want 3", got)
	}
}

func TestReflectionFailureSettlesSection(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", callReply{err: errors.New("reflection overloaded")})

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	if got := e.caller.count("researcher"); got != 1 {
		t.Fatalf("researcher called %d times, want 1 (section settled on reflection failure)", got)
	}
	notes, _ := e.st.GetNotes(e.ctx, e.m.ID)
	if len(notes) != 1 {
		t.Fatalf("stored %d notes, want the cycle's note kept", len(notes))
	}
}

func TestResearchFailureContinuesRound(t *testing.T) {
	e := newEnv(t, twoLeafOutline(), mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher",
		callReply{err: errors.New("provider down")},
		noteReply(t, map[string]string{"content": "hydro note"}),
	)
	e.caller.script("reflection", settled(t))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	notes, _ := e.st.GetNotes(e.ctx, e.m.ID)
	if len(notes) != 1 || notes[0].SectionID != "s2" {
		t.Fatalf("notes = %+v, want only the second section's note", notes)
	}
	cp, _ := e.st.GetCheckpoint(e.ctx, e.m.ID, mission.PhaseStructuredResearch)
	if !cp.SectionDone("s1") || !cp.SectionDone("s2") {
		t.Fatalf("checkpoint = %+v, want both sections processed", cp)
	}

	log, err := e.st.GetLog(e.ctx, e.m.ID, 100)
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	var warned bool
	for _, entry := range log {
		if entry.Kind == mission.LogWarning && strings.Contains(entry.Message, "section research failed") {
			warned = true
		}
	}
	if !warned {
		t.Fatal("section failure was not logged")
	}
}

func TestFinalRoundRevisionReplacesOutline(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", settled(t))
	e.caller.script("revision", structured(t, mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries revisited", Strategy: mission.StrategyResearchBased},
	}}))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	if got := e.caller.count("revision"); got != 1 {
		t.Fatalf("revision called %d times, want 1", got)
	}
	got, _ := e.st.GetOutline(e.ctx, e.m.ID)
	if got.Find("s1").Title != "Grid batteries revisited" {
		t.Fatalf("outline title = %q, want revised title", got.Find("s1").Title)
	}
}

func TestSkipFinalRevision(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", settled(t))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	if got := e.caller.count("revision"); got != 0 {
		t.Fatalf("revision called %d times, want 0", got)
	}
}

func TestRevisionFailureKeepsOutline(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", settled(t))
	e.caller.script("revision", callReply{err: errors.New("revision model down")})

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	got, _ := e.st.GetOutline(e.ctx, e.m.ID)
	if got.Find("s1").Title != "Grid batteries" {
		t.Fatalf("outline was replaced after a failed revision: %q", got.Find("s1").Title)
	}
	if got := len(got.Find("s1").NoteIDs); got != 1 {
		t.Fatalf("note associations lost on failed revision: %d", got)
	}
}

func TestRevisionDropsUnknownNoteRefs(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "a note"}))
	e.caller.script("reflection", settled(t))
	e.caller.script("revision", structured(t, mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased,
			NoteIDs: []string{"note-bogus"}},
	}}))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	got, _ := e.st.GetOutline(e.ctx, e.m.ID)
	if n := len(got.Find("s1").NoteIDs); n != 0 {
		t.Fatalf("unknown note refs survived revision: %v", got.Find("s1").NoteIDs)
	}
}

func TestResumeSkipsCompletedSections(t *testing.T) {
	e := newEnv(t, twoLeafOutline(), mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "hydro note"}))
	e.caller.script("reflection", settled(t))

	t0 := time.Now().UTC().Add(-time.Minute)
	cp := &mission.Checkpoint{Phase: mission.PhaseStructuredResearch, Round: 1, CompletedSections: []string{"s1"}}
	cp.MarkRoundStart(1, t0)

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, cp, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}
	if got := e.caller.count("researcher"); got != 1 {
		t.Fatalf("researcher called %d times on resume, want 1 (s1 already done)", got)
	}
	notes, _ := e.st.GetNotes(e.ctx, e.m.ID)
	if len(notes) != 1 || notes[0].SectionID != "s2" {
		t.Fatalf("notes = %+v, want only s2 researched", notes)
	}
	start, ok := cp.RoundStart(1)
	if !ok || !start.Equal(t0) {
		t.Fatalf("round start rewritten on resume: %v ok=%v, want %v", start, ok, t0)
	}
}

func TestSynthesizeContainerIntro(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "c1", Title: "Storage technologies", Strategy: mission.StrategySynthesize,
			Subsections: []*mission.ReportSection{
				{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
				{ID: "s2", Title: "Context", Strategy: mission.StrategyContentBased},
			}},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "battery note"}))
	e.caller.script("reflection", settled(t))
	e.caller.script("writer", textReply("An introduction that frames the subsections."))

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	content, err := e.st.GetReportContent(e.ctx, e.m.ID)
	if err != nil {
		t.Fatalf("GetReportContent: %v", err)
	}
	if content["c1"] != "An introduction that frames the subsections." {
		t.Fatalf("container content = %q", content["c1"])
	}
	cp, _ := e.st.GetCheckpoint(e.ctx, e.m.ID, mission.PhaseStructuredResearch)
	if !cp.SectionDone("c1") {
		t.Fatalf("container not recorded in checkpoint: %+v", cp)
	}
	if got := e.caller.count("writer"); got != 1 {
		t.Fatalf("writer called %d times, want 1", got)
	}
}

func TestHaltBetweenSectionsReturnsErrHalted(t *testing.T) {
	e := newEnv(t, twoLeafOutline(), mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher", noteReply(t, map[string]string{"content": "battery note"}))
	e.caller.script("reflection", settled(t))

	cp := &mission.Checkpoint{}
	err := e.eng.RunRounds(e.ctx, e.run, e.m, cp, func(ctx context.Context) bool {
		return e.caller.count("researcher") < 1
	})
	if !errors.Is(err, mission.ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if !cp.SectionDone("s1") || cp.SectionDone("s2") {
		t.Fatalf("checkpoint = %+v, want only s1 processed before the halt", cp)
	}
}

func TestReflectionDiscardRemovesNotes(t *testing.T) {
	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "Grid batteries", Strategy: mission.StrategyResearchBased},
	}}
	e := newEnv(t, o, mission.Config{ResearchRounds: 1, SkipFinalRevision: true}, nil)
	e.caller.script("researcher",
		noteReply(t,
			map[string]string{"content": "keep me"},
			map[string]string{"content": "drop me"},
		))
	// The discard id is only known at runtime, so the reply reads it out
	// of the note listing in the prompt.
	e.caller.script("reflection", callReply{fn: func(spec dispatch.CallSpec) (*llm.Result, error) {
		var dropID string
		for _, msg := range spec.Messages {
			for _, line := range strings.Split(msg.Content, "\n") {
				if strings.HasPrefix(line, "[note-") && strings.Contains(line, "drop me") {
					dropID = line[1:strings.Index(line, "]")]
				}
			}
		}
		raw, err := json.Marshal(mission.ReflectionOutput{DiscardNoteIDs: []string{dropID, "note-unknown"}})
		if err != nil {
			return nil, err
		}
		res := &llm.Result{Structured: raw}
		res.Normalize()
		return res, nil
	}})

	if err := e.eng.RunRounds(e.ctx, e.run, e.m, &mission.Checkpoint{}, alwaysLive); err != nil {
		t.Fatalf("RunRounds: %v", err)
	}

	notes, _ := e.st.GetNotes(e.ctx, e.m.ID)
	if len(notes) != 1 || notes[0].Content != "keep me" {
		t.Fatalf("notes after discard = %+v, want only the kept note", notes)
	}
	got, _ := e.st.GetOutline(e.ctx, e.m.ID)
	if n := len(got.Find("s1").NoteIDs); n != 1 {
		t.Fatalf("section carries %d note ids after discard, want 1", n)
	}
}
