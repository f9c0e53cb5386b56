// Package research drives the structured research rounds: repeated
// refinement cycles over the outline's research leaves, reflection on
// the gathered material, synthesis of container introductions, and the
// inter-round outline revision step.
package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

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

const searchTopK = 6

// ModelCaller issues role-addressed model calls for the mission.
type ModelCaller interface {
	Call(ctx context.Context, spec dispatch.CallSpec) (*llm.Result, *mission.CallDetails, error)
}

// Searcher runs document and web search.
type Searcher interface {
	Search(ctx context.Context, query string, topK int) ([]search.Snippet, error)
}

// Liveness reports whether the mission may keep admitting work.
type Liveness func(ctx context.Context) bool

// Engine runs the research rounds for one mission at a time.
type Engine struct {
	caller ModelCaller
	search Searcher
	store  store.Store
	events *events.Manager
	logger *zap.Logger
}

// New builds a research engine.
func New(caller ModelCaller, searcher Searcher, st store.Store, ev *events.Manager, logger *zap.Logger) *Engine {
	return &Engine{caller: caller, search: searcher, store: st, events: ev, logger: logger}
}

// roundBuffer collects reflection suggestions during a round. They are
// applied only by the inter-round revision step, never mid-round.
type roundBuffer struct {
	subsections  []mission.SubsectionSuggestion
	restructures []mission.StructureSuggestion
}

func (b *roundBuffer) add(r *mission.ReflectionOutput) {
	b.subsections = append(b.subsections, r.NewSubsections...)
	b.restructures = append(b.restructures, r.Restructures...)
}

func (b *roundBuffer) empty() bool {
	return len(b.subsections) == 0 && len(b.restructures) == 0
}

// RunRounds executes the configured research rounds. The checkpoint
// carries resume state: when cp.Round is set, earlier rounds are
// skipped and sections already in cp.CompletedSections are not redone.
// Per-section and reflection failures are absorbed; the only errors
// returned are a halted mission and store failures.
func (e *Engine) RunRounds(ctx context.Context, run *tasks.Run, m *mission.Mission, cp *mission.Checkpoint, live Liveness) error {
	if cp == nil {
		cp = &mission.Checkpoint{Phase: mission.PhaseStructuredResearch}
	}
	cfg := m.Config

	startRound := 1
	if cp.Round > 0 {
		startRound = cp.Round
	}

	for round := startRound; round <= cfg.ResearchRounds; round++ {
		if !live(ctx) {
			return mission.ErrHalted
		}
		outline, err := e.store.GetOutline(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("load outline for round %d: %w", round, err)
		}

		if round != cp.Round {
			cp.Round = round
			cp.CompletedSections = nil
		}
		cp.Phase = mission.PhaseStructuredResearch
		cp.MarkRoundStart(round, time.Now().UTC())
		if err := e.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
			return fmt.Errorf("save round checkpoint: %w", err)
		}
		e.events.Publish(m.ID, events.Event{
			Type:    events.EventRoundStarted,
			Phase:   string(mission.PhaseStructuredResearch),
			Message: fmt.Sprintf("research round %d of %d", round, cfg.ResearchRounds),
			Detail:  map[string]any{"round": round},
		})
		e.log(ctx, m.ID, mission.LogResearch, fmt.Sprintf("round %d started", round), nil)

		buf := &roundBuffer{}
		for _, sec := range outline.All() {
			if !live(ctx) {
				return mission.ErrHalted
			}
			if sec.Strategy != mission.StrategyResearchBased {
				continue
			}
			if !sec.Leaf() {
				e.log(ctx, m.ID, mission.LogWarning, "section declares research_based but has subsections, skipped",
					map[string]any{"section_id": sec.ID})
				continue
			}
			if cp.SectionDone(sec.ID) {
				continue
			}

			if err := e.refineSection(ctx, m, outline, sec, round, buf, live); err != nil {
				return err
			}
			cp.CompletedSections = append(cp.CompletedSections, sec.ID)
			if err := e.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
				return fmt.Errorf("save section checkpoint: %w", err)
			}
		}

		if err := e.synthesizeContainers(ctx, run, m, outline, cp, live); err != nil {
			return err
		}

		if round == cfg.ResearchRounds && cfg.SkipFinalRevision {
			continue
		}
		e.reviseOutline(ctx, m, outline, buf, round)
	}
	return nil
}

// refineSection runs up to MaxCyclesPerSection research+reflection
// cycles for one leaf. A failed research or reflection call halts the
// section for this round; the round continues with other sections.
func (e *Engine) refineSection(ctx context.Context, m *mission.Mission, outline *mission.Outline, sec *mission.ReportSection, round int, buf *roundBuffer, live Liveness) error {
	cfg := m.Config
	focus := initialFocus(sec)

	for cycle := 1; cycle <= cfg.MaxCyclesPerSection; cycle++ {
		if !live(ctx) {
			return mission.ErrHalted
		}

		notes, err := e.gatherNotes(ctx, m, sec, focus)
		if err != nil {
			if errors.Is(err, mission.ErrHalted) || errors.Is(err, context.Canceled) {
				return err
			}
			metrics.ResearchCycles.WithLabelValues("failed").Inc()
			e.logger.Warn("Section research failed",
				zap.String("mission_id", m.ID),
				zap.String("section_id", sec.ID),
				zap.Int("round", round),
				zap.Int("cycle", cycle),
				zap.Error(err))
			e.log(ctx, m.ID, mission.LogWarning, "section research failed, section halted for this round",
				map[string]any{"section_id": sec.ID, "round": round, "cycle": cycle, "error": err.Error()})
			return nil
		}

		if len(notes) > 0 {
			if err := e.store.AddNotes(ctx, m.ID, notes); err != nil {
				return fmt.Errorf("persist section notes: %w", err)
			}
			for _, n := range notes {
				sec.NoteIDs = append(sec.NoteIDs, n.ID)
			}
			if err := e.store.SaveOutline(ctx, m.ID, outline); err != nil {
				return fmt.Errorf("save note associations: %w", err)
			}
			e.events.Publish(m.ID, events.Event{
				Type:   events.EventNotesAdded,
				Phase:  string(mission.PhaseStructuredResearch),
				Detail: map[string]any{"section_id": sec.ID, "count": len(notes), "round": round, "cycle": cycle},
			})
		}

		refl, err := e.reflect(ctx, m, sec, notes, focus)
		if err != nil {
			if errors.Is(err, mission.ErrHalted) || errors.Is(err, context.Canceled) {
				return err
			}
			// Reflection failure means "no new questions": the section
			// settles instead of looping forever.
			metrics.ResearchCycles.WithLabelValues("settled").Inc()
			e.log(ctx, m.ID, mission.LogReflection, "reflection failed, section settled",
				map[string]any{"section_id": sec.ID, "round": round, "cycle": cycle, "error": err.Error()})
			return nil
		}

		buf.add(refl)
		e.applyDiscards(ctx, m, outline, sec, refl.DiscardNoteIDs)

		if refl.Settled() {
			metrics.ResearchCycles.WithLabelValues("settled").Inc()
			e.log(ctx, m.ID, mission.LogResearch, fmt.Sprintf("section settled after %d cycle(s)", cycle),
				map[string]any{"section_id": sec.ID, "round": round})
			return nil
		}
		metrics.ResearchCycles.WithLabelValues("continued").Inc()
		focus = refl.FollowUpQuestions
	}

	e.log(ctx, m.ID, mission.LogResearch, "cycle cap reached with questions still open",
		map[string]any{"section_id": sec.ID, "round": round})
	return nil
}

// gatherNotes runs one research cycle: search for the current focus,
// then ask the researcher role for grounded notes. Search failures are
// tolerated; the model can still answer from context.
func (e *Engine) gatherNotes(ctx context.Context, m *mission.Mission, sec *mission.ReportSection, focus []string) ([]mission.Note, error) {
	query := sec.Title
	if len(focus) > 0 && strings.TrimSpace(focus[0]) != "" {
		query = strings.TrimSpace(focus[0])
	}

	snippets, err := e.search.Search(ctx, query, searchTopK)
	if err != nil {
		e.logger.Debug("Search failed for section",
			zap.String("mission_id", m.ID),
			zap.String("section_id", sec.ID),
			zap.Error(err))
		snippets = nil
	} else if err := e.store.AddSearchCalls(ctx, m.ID, 1); err != nil {
		e.logger.Debug("Search accounting failed", zap.Error(err))
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "researcher",
		Messages:  researcherMessages(m.Query, sec, focus, snippets),
		MaxTokens: 2500,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]search.Snippet, len(snippets))
	for _, s := range snippets {
		byID[s.SourceID] = s
	}

	var reply struct {
		Notes []struct {
			Content  string `json:"content"`
			SourceID string `json:"source_id"`
		} `json:"notes"`
	}
	if decodeErr := result.Decode(&reply); decodeErr != nil {
		if result.Kind == llm.ResultText {
			return []mission.Note{e.newNote(m, sec, query, result.Text, "", byID)}, nil
		}
		return nil, fmt.Errorf("researcher reply unreadable: %w", decodeErr)
	}

	notes := make([]mission.Note, 0, len(reply.Notes))
	for _, n := range reply.Notes {
		if strings.TrimSpace(n.Content) == "" {
			continue
		}
		notes = append(notes, e.newNote(m, sec, query, n.Content, n.SourceID, byID))
	}
	return notes, nil
}

func (e *Engine) newNote(m *mission.Mission, sec *mission.ReportSection, question, content, sourceID string, byID map[string]search.Snippet) mission.Note {
	now := time.Now().UTC()
	n := mission.Note{
		ID:         mission.NewNoteID(),
		MissionID:  m.ID,
		Content:    content,
		SourceType: mission.SourceInternal,
		SectionID:  sec.ID,
		Question:   question,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if snip, ok := byID[sourceID]; ok {
		n.SourceID = sourceID
		if snip.URL != "" {
			n.SourceType = mission.SourceWeb
		} else {
			n.SourceType = mission.SourceDocument
		}
		if m.SourceRefs == nil {
			m.SourceRefs = map[string]mission.SourceRef{}
		}
		m.SourceRefs[sourceID] = mission.SourceRef{
			SimpleID: sourceID,
			Type:     n.SourceType,
			Title:    snip.Title,
			URL:      snip.URL,
		}
	}
	return n
}

func (e *Engine) reflect(ctx context.Context, m *mission.Mission, sec *mission.ReportSection, notes []mission.Note, focus []string) (*mission.ReflectionOutput, error) {
	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "reflection",
		Messages:  reflectionMessages(sec, notes, focus),
		MaxTokens: 1500,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}
	var out mission.ReflectionOutput
	if err := result.Decode(&out); err != nil {
		return nil, fmt.Errorf("reflection reply unreadable: %w", err)
	}
	return &out, nil
}

// applyDiscards removes reflection-flagged notes. Only ids that belong
// to the section are honored; anything else is logged and ignored so a
// confused model cannot delete unrelated material.
func (e *Engine) applyDiscards(ctx context.Context, m *mission.Mission, outline *mission.Outline, sec *mission.ReportSection, ids []string) {
	if len(ids) == 0 {
		return
	}
	owned := make(map[string]bool, len(sec.NoteIDs))
	for _, id := range sec.NoteIDs {
		owned[id] = true
	}

	var valid, unknown []string
	for _, id := range ids {
		if owned[id] {
			valid = append(valid, id)
		} else {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		e.log(ctx, m.ID, mission.LogWarning, "reflection asked to discard notes outside the section",
			map[string]any{"section_id": sec.ID, "ids": unknown})
	}
	if len(valid) == 0 {
		return
	}

	if err := e.store.RemoveNotes(ctx, m.ID, valid); err != nil {
		e.logger.Warn("Note discard failed, keeping notes",
			zap.String("mission_id", m.ID),
			zap.String("section_id", sec.ID),
			zap.Error(err))
		return
	}
	discard := make(map[string]bool, len(valid))
	for _, id := range valid {
		discard[id] = true
	}
	kept := sec.NoteIDs[:0]
	for _, id := range sec.NoteIDs {
		if !discard[id] {
			kept = append(kept, id)
		}
	}
	sec.NoteIDs = kept
	if err := e.store.SaveOutline(ctx, m.ID, outline); err != nil {
		e.logger.Warn("Failed to save outline after discard", zap.Error(err))
	}
	e.log(ctx, m.ID, mission.LogReflection, fmt.Sprintf("discarded %d redundant note(s)", len(valid)),
		map[string]any{"section_id": sec.ID})
}

// synthesizeContainers drafts introductions for synthesize sections
// whose children finished this round, deepest level first so nested
// containers can build on their children's intros. Each synthesis runs
// as its own cancellable subtask.
func (e *Engine) synthesizeContainers(ctx context.Context, run *tasks.Run, m *mission.Mission, outline *mission.Outline, cp *mission.Checkpoint, live Liveness) error {
	for {
		level := nextSynthesizableLevel(outline, cp)
		if len(level) == 0 {
			return nil
		}

		subs := make([]*tasks.Subtask, 0, len(level))
		for _, sec := range level {
			sec := sec
			subs = append(subs, run.Go(ctx, "synthesize-intro", func(c context.Context) error {
				return e.synthesizeIntro(c, m.ID, sec)
			}))
		}
		if !tasks.GatherLive(ctx, live, 0, subs) {
			return mission.ErrHalted
		}
		for _, sec := range level {
			cp.CompletedSections = append(cp.CompletedSections, sec.ID)
		}
		if err := e.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
			return fmt.Errorf("save synthesis checkpoint: %w", err)
		}
	}
}

// nextSynthesizableLevel returns the deepest group of synthesize
// sections whose direct children are all processed.
func nextSynthesizableLevel(outline *mission.Outline, cp *mission.Checkpoint) []*mission.ReportSection {
	var picked []*mission.ReportSection
	maxDepth := -1
	outline.Walk(func(s *mission.ReportSection, depth int) {
		if s.Strategy != mission.StrategySynthesize || s.Leaf() || cp.SectionDone(s.ID) {
			return
		}
		if !childrenProcessed(s, cp) {
			return
		}
		switch {
		case depth > maxDepth:
			maxDepth = depth
			picked = []*mission.ReportSection{s}
		case depth == maxDepth:
			picked = append(picked, s)
		}
	})
	return picked
}

func childrenProcessed(s *mission.ReportSection, cp *mission.Checkpoint) bool {
	for _, c := range s.Subsections {
		switch {
		case c.Strategy == mission.StrategyResearchBased && c.Leaf():
			if !cp.SectionDone(c.ID) {
				return false
			}
		case c.Strategy == mission.StrategySynthesize:
			if !cp.SectionDone(c.ID) {
				return false
			}
		}
	}
	return true
}

// synthesizeIntro writes a short introduction for a container section
// from its children's material. Failures are logged; the writing phase
// drafts the section again regardless.
func (e *Engine) synthesizeIntro(ctx context.Context, missionID string, sec *mission.ReportSection) error {
	notes, err := e.store.GetNotes(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load notes: %w", err)
	}
	content, err := e.store.GetReportContent(ctx, missionID)
	if err != nil {
		return fmt.Errorf("load section content: %w", err)
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "writer",
		Messages:  synthesisMessages(sec, notes, content),
		MaxTokens: 1200,
	})
	if err != nil {
		e.log(ctx, missionID, mission.LogWarning, "container synthesis failed",
			map[string]any{"section_id": sec.ID, "error": err.Error()})
		return err
	}
	if result.Kind != llm.ResultText {
		e.log(ctx, missionID, mission.LogWarning, "container synthesis returned no text",
			map[string]any{"section_id": sec.ID})
		return fmt.Errorf("synthesis for %s produced no text", sec.ID)
	}
	if err := e.store.SaveSectionContent(ctx, missionID, sec.ID, result.Text); err != nil {
		return fmt.Errorf("save synthesized intro: %w", err)
	}
	e.events.Publish(missionID, events.Event{
		Type:   events.EventSectionDrafted,
		Phase:  string(mission.PhaseStructuredResearch),
		Detail: map[string]any{"section_id": sec.ID, "synthesized": true},
	})
	return nil
}

// reviseOutline consolidates the round's buffered suggestions with the
// full note collection and asks the revision role for a new outline.
// Every failure path keeps the current outline.
func (e *Engine) reviseOutline(ctx context.Context, m *mission.Mission, current *mission.Outline, buf *roundBuffer, round int) {
	notes, err := e.store.GetNotes(ctx, m.ID)
	if err != nil {
		e.logger.Warn("Skipping outline revision, notes unavailable",
			zap.String("mission_id", m.ID), zap.Error(err))
		return
	}

	result, _, err := e.caller.Call(ctx, dispatch.CallSpec{
		Role:      "revision",
		Messages:  revisionMessages(m.Query, current, buf, notes),
		MaxTokens: 3000,
		ForceJSON: true,
	})
	if err != nil {
		metrics.OutlineRevisions.WithLabelValues("failed").Inc()
		e.log(ctx, m.ID, mission.LogWarning, "outline revision failed, keeping current outline",
			map[string]any{"round": round, "error": err.Error()})
		return
	}

	var revised mission.Outline
	if err := result.Decode(&revised); err != nil {
		metrics.OutlineRevisions.WithLabelValues("failed").Inc()
		e.log(ctx, m.ID, mission.LogWarning, "revised outline unreadable, keeping current outline",
			map[string]any{"round": round, "error": err.Error()})
		return
	}

	e.normalizeRevised(ctx, m, &revised, notes)
	if err := revised.Validate(m.Config.MaxOutlineDepth); err != nil {
		metrics.OutlineRevisions.WithLabelValues("failed").Inc()
		e.log(ctx, m.ID, mission.LogWarning, "revised outline invalid, keeping current outline",
			map[string]any{"round": round, "error": err.Error()})
		return
	}
	if outlinesIdentical(current, &revised) {
		metrics.OutlineRevisions.WithLabelValues("unchanged").Inc()
		e.logger.Debug("Outline revision produced no changes",
			zap.String("mission_id", m.ID), zap.Int("round", round))
		return
	}

	if err := e.store.SaveOutline(ctx, m.ID, &revised); err != nil {
		metrics.OutlineRevisions.WithLabelValues("failed").Inc()
		e.logger.Warn("Failed to save revised outline",
			zap.String("mission_id", m.ID), zap.Error(err))
		return
	}
	metrics.OutlineRevisions.WithLabelValues("applied").Inc()
	e.events.Publish(m.ID, events.Event{
		Type:    events.EventOutlineRevised,
		Phase:   string(mission.PhaseStructuredResearch),
		Message: fmt.Sprintf("outline revised after round %d", round),
		Detail:  map[string]any{"sections": len(revised.All())},
	})
	e.log(ctx, m.ID, mission.LogRevision, fmt.Sprintf("outline revised after round %d", round),
		map[string]any{"sections": len(revised.All())})
}

// normalizeRevised fills ids and strategies the model omitted and drops
// note references that do not exist.
func (e *Engine) normalizeRevised(ctx context.Context, m *mission.Mission, revised *mission.Outline, notes []mission.Note) {
	known := make(map[string]bool, len(notes))
	for _, n := range notes {
		known[n.ID] = true
	}

	var dropped int
	revised.Walk(func(s *mission.ReportSection, _ int) {
		if s.ID == "" {
			s.ID = mission.NewSectionID()
		}
		if s.Strategy == "" {
			if s.Leaf() {
				s.Strategy = mission.StrategyResearchBased
			} else {
				s.Strategy = mission.StrategySynthesize
			}
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
	if dropped > 0 {
		e.log(ctx, m.ID, mission.LogWarning, "revision referenced unknown notes, references dropped",
			map[string]any{"dropped": dropped})
	}
}

// outlinesIdentical extends structural equality with note-association
// equality: a revision that only reassigns notes is still a change
// worth storing.
func outlinesIdentical(a, b *mission.Outline) bool {
	if !a.Equal(b) {
		return false
	}
	return assignmentKey(a) == assignmentKey(b)
}

func assignmentKey(o *mission.Outline) string {
	var parts []string
	o.Walk(func(s *mission.ReportSection, _ int) {
		ids := append([]string(nil), s.NoteIDs...)
		sort.Strings(ids)
		parts = append(parts, s.ID+":"+strings.Join(ids, ","))
	})
	return strings.Join(parts, ";")
}

func initialFocus(sec *mission.ReportSection) []string {
	if strings.TrimSpace(sec.Description) != "" {
		return []string{sec.Description}
	}
	return []string{sec.Title}
}

// log appends to the execution log; failures degrade to debug logging
// and never interrupt the mission.
func (e *Engine) log(ctx context.Context, missionID, kind, msg string, detail map[string]any) {
	err := e.store.AppendLog(ctx, mission.LogEntry{
		MissionID: missionID,
		Phase:     mission.PhaseStructuredResearch,
		Kind:      kind,
		Message:   msg,
		Detail:    detail,
	})
	if err != nil {
		e.logger.Debug("Execution log append failed", zap.Error(err))
	}
}

func researcherMessages(query string, sec *mission.ReportSection, focus []string, snippets []search.Snippet) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Report topic: %s\n", query)
	fmt.Fprintf(&b, "Section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Section scope: %s\n", sec.Description)
	}
	b.WriteString("\nFocus questions:\n")
	for _, q := range focus {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if len(snippets) > 0 {
		b.WriteString("\nSearch results:\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "[%s] %s\n%s\n\n", s.SourceID, s.Title, s.Content)
		}
	}
	b.WriteString("\nRespond with JSON: {\"notes\": [{\"content\": str, \"source_id\": str}]}. " +
		"Each note must address a focus question with evidence from the results; " +
		"leave source_id empty only for synthesis across multiple results.")
	return []llm.Message{
		llm.System("You research one report section at a time, extracting precise notes that answer the focus questions."),
		llm.User(b.String()),
	}
}

func reflectionMessages(sec *mission.ReportSection, notes []mission.Note, focus []string) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", sec.Description)
	}
	b.WriteString("\nQuestions this cycle pursued:\n")
	for _, q := range focus {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	b.WriteString("\nNotes gathered this cycle:\n")
	if len(notes) == 0 {
		b.WriteString("(none)\n")
	}
	for _, n := range notes {
		fmt.Fprintf(&b, "[%s] %s\n", n.ID, n.Content)
	}
	b.WriteString("\nAssess coverage. Respond with JSON: {\"follow_up_questions\": [str], " +
		"\"new_subsections\": [{\"parent_id\": str, \"title\": str, \"description\": str}], " +
		"\"restructures\": [{\"kind\": str, \"section_ids\": [str], \"detail\": str}], " +
		"\"discard_note_ids\": [str], \"critical_issues\": str, \"thought\": str}. " +
		"Return no follow-up questions when the section is adequately covered.")
	return []llm.Message{
		llm.System("You review research coverage for one report section and decide whether more cycles are needed."),
		llm.User(b.String()),
	}
}

func synthesisMessages(sec *mission.ReportSection, notes []mission.Note, content map[string]string) []llm.Message {
	childIDs := make(map[string]bool, len(sec.Subsections))
	var b strings.Builder
	fmt.Fprintf(&b, "Container section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", sec.Description)
	}
	b.WriteString("\nSubsections:\n")
	for _, c := range sec.Subsections {
		childIDs[c.ID] = true
		fmt.Fprintf(&b, "- %s", c.Title)
		if c.Description != "" {
			fmt.Fprintf(&b, ": %s", c.Description)
		}
		b.WriteString("\n")
		if text, ok := content[c.ID]; ok && text != "" {
			fmt.Fprintf(&b, "  Current draft: %s\n", text)
		}
	}
	b.WriteString("\nMaterial gathered under the subsections:\n")
	for _, n := range notes {
		if childIDs[n.SectionID] {
			fmt.Fprintf(&b, "- %s\n", n.Content)
		}
	}
	b.WriteString("\nWrite a short introduction for the container section that frames its subsections. Plain prose, no headings.")
	return []llm.Message{
		llm.System("You write section introductions that frame the subsections beneath them."),
		llm.User(b.String()),
	}
}

func revisionMessages(query string, current *mission.Outline, buf *roundBuffer, notes []mission.Note) []llm.Message {
	outlineJSON, _ := json.Marshal(current)

	var b strings.Builder
	fmt.Fprintf(&b, "Report topic: %s\n", query)
	fmt.Fprintf(&b, "\nCurrent outline (JSON):\n%s\n", outlineJSON)

	if !buf.empty() {
		b.WriteString("\nSuggestions buffered during this round:\n")
		for _, s := range buf.subsections {
			fmt.Fprintf(&b, "- new subsection under %s: %s", s.ParentID, s.Title)
			if s.Description != "" {
				fmt.Fprintf(&b, " (%s)", s.Description)
			}
			b.WriteString("\n")
		}
		for _, s := range buf.restructures {
			fmt.Fprintf(&b, "- %s %s: %s\n", s.Kind, strings.Join(s.SectionIDs, ", "), s.Detail)
		}
	}

	b.WriteString("\nNotes collected so far:\n")
	for _, n := range notes {
		c := n.Content
		if len(c) > 160 {
			c = c[:160]
		}
		fmt.Fprintf(&b, "[%s] (section %s) %s\n", n.ID, n.SectionID, c)
	}

	b.WriteString("\nRevise the outline: merge, split or rename sections where the material warrants it " +
		"and reassign note_ids to the sections that should use them. Keep existing section ids wherever a " +
		"section survives. Respond with the complete revised outline as JSON in the same shape as the " +
		"current outline. Respond with the current outline unchanged if no revision is needed.")
	return []llm.Message{
		llm.System("You maintain a research report outline, revising it between research rounds as evidence accumulates."),
		llm.User(b.String()),
	}
}
