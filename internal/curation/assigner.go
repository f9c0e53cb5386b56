package curation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/dispatch"
	"github.com/fathomlabs/fathom/internal/llm"
	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/search"
)

// Reranker orders notes by relevance to a section.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []search.RerankItem, topN int) ([]search.RankedItem, error)
}

// Liveness reports whether the mission may keep admitting work.
type Liveness func(ctx context.Context) bool

// AssignOutcome summarizes an assignment pass.
type AssignOutcome string

const (
	// AssignSuccess means every section got an assignment decision.
	AssignSuccess AssignOutcome = "success"
	// AssignPartial means at least one section failed and was skipped.
	AssignPartial AssignOutcome = "partial"
)

// AssignResult is the output of one assignment pass. Assignments follow
// outline document order.
type AssignResult struct {
	Assignments []mission.AssignedNotes
	Outcome     AssignOutcome
}

// Assigner maps curated notes onto leaf sections, one section at a
// time so each decision sees which notes earlier sections claimed.
type Assigner struct {
	caller ModelCaller
	rerank Reranker
	logger *zap.Logger
}

// NewAssigner builds a note assigner.
func NewAssigner(caller ModelCaller, rerank Reranker, logger *zap.Logger) *Assigner {
	return &Assigner{caller: caller, rerank: rerank, logger: logger}
}

// Run assigns notes to every leaf section in document order. A failed
// section is logged and skipped; the pass continues and reports a
// partial outcome. Only a halted mission aborts the pass.
func (a *Assigner) Run(ctx context.Context, m *mission.Mission, outline *mission.Outline, notes []mission.Note, live Liveness) (*AssignResult, error) {
	res := &AssignResult{Outcome: AssignSuccess}
	if len(notes) == 0 {
		return res, nil
	}

	byID := make(map[string]mission.Note, len(notes))
	items := make([]search.RerankItem, 0, len(notes))
	for _, n := range notes {
		byID[n.ID] = n
		items = append(items, search.RerankItem{ID: n.ID, Text: n.Content})
	}

	assigned := make(map[string]bool)
	for _, sec := range outline.All() {
		if !sec.Leaf() || sec.Strategy == mission.StrategySynthesize {
			continue
		}
		if !live(ctx) {
			return nil, mission.ErrHalted
		}

		an, err := a.assignSection(ctx, m, sec, items, byID, assigned)
		if err != nil {
			if errors.Is(err, mission.ErrHalted) || errors.Is(err, context.Canceled) {
				return nil, mission.ErrHalted
			}
			a.logger.Warn("Section assignment failed, continuing",
				zap.String("mission_id", m.ID),
				zap.String("section_id", sec.ID),
				zap.Error(err))
			res.Outcome = AssignPartial
			continue
		}

		for _, id := range an.NoteIDs {
			assigned[id] = true
		}
		res.Assignments = append(res.Assignments, *an)
	}
	return res, nil
}

func (a *Assigner) assignSection(ctx context.Context, m *mission.Mission, sec *mission.ReportSection, items []search.RerankItem, byID map[string]mission.Note, assigned map[string]bool) (*mission.AssignedNotes, error) {
	query := sec.Title
	if sec.Description != "" {
		query += " " + sec.Description
	}

	ranked, err := a.rerank.Rerank(ctx, query, items, m.Config.RerankTopK)
	if err != nil {
		return nil, fmt.Errorf("rerank candidates: %w", err)
	}

	candidates := make([]mission.Note, 0, len(ranked))
	for _, r := range ranked {
		if n, ok := byID[r.ID]; ok {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return &mission.AssignedNotes{SectionID: sec.ID}, nil
	}

	result, _, err := a.caller.Call(ctx, dispatch.CallSpec{
		Role:      "assigner",
		Messages:  assignMessages(sec, candidates, assigned, m.Config),
		MaxTokens: 800,
		ForceJSON: true,
	})
	if err != nil {
		return nil, err
	}

	var reply struct {
		NoteIDs   []string `json:"note_ids"`
		Rationale string   `json:"rationale"`
	}
	if err := result.Decode(&reply); err != nil {
		return nil, fmt.Errorf("assignment reply unreadable: %w", err)
	}

	chosen := a.boundChoice(m, sec, reply.NoteIDs, candidates, assigned)
	return &mission.AssignedNotes{SectionID: sec.ID, NoteIDs: chosen, Rationale: reply.Rationale}, nil
}

// boundChoice validates the model's picks against the candidate set and
// enforces the configured section bounds: over-picks are truncated in
// the model's order, under-picks are topped up from the rerank order.
func (a *Assigner) boundChoice(m *mission.Mission, sec *mission.ReportSection, picked []string, candidates []mission.Note, assigned map[string]bool) []string {
	candidate := make(map[string]bool, len(candidates))
	for _, n := range candidates {
		candidate[n.ID] = true
	}

	var chosen []string
	seen := make(map[string]bool)
	var unknown []string
	for _, id := range picked {
		if !candidate[id] {
			unknown = append(unknown, id)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		chosen = append(chosen, id)
	}
	if len(unknown) > 0 {
		a.logger.Warn("Assignment named notes outside the candidate set",
			zap.String("mission_id", m.ID),
			zap.String("section_id", sec.ID),
			zap.Strings("ids", unknown))
	}

	if max := m.Config.MaxNotesPerSection; len(chosen) > max {
		chosen = chosen[:max]
	}

	min := m.Config.MinNotesPerSection
	if len(chosen) < min {
		// Unclaimed candidates first, then shared ones.
		for pass := 0; pass < 2 && len(chosen) < min; pass++ {
			for _, n := range candidates {
				if len(chosen) >= min {
					break
				}
				if seen[n.ID] {
					continue
				}
				if pass == 0 && assigned[n.ID] {
					continue
				}
				seen[n.ID] = true
				chosen = append(chosen, n.ID)
			}
		}
	}
	return chosen
}

func assignMessages(sec *mission.ReportSection, candidates []mission.Note, assigned map[string]bool, cfg mission.Config) []llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Section: %s\n", sec.Title)
	if sec.Description != "" {
		fmt.Fprintf(&b, "Scope: %s\n", sec.Description)
	}
	fmt.Fprintf(&b, "\nPick between %d and %d notes for this section.\n", cfg.MinNotesPerSection, cfg.MaxNotesPerSection)

	var claimed []string
	b.WriteString("\nCandidate notes, most relevant first:\n")
	for _, n := range candidates {
		fmt.Fprintf(&b, "[%s] %s\n", n.ID, n.Content)
		if assigned[n.ID] {
			claimed = append(claimed, n.ID)
		}
	}
	if len(claimed) > 0 {
		fmt.Fprintf(&b, "\nAlready claimed by earlier sections (prefer unclaimed notes): %s\n", strings.Join(claimed, ", "))
	}
	b.WriteString("\nRespond with JSON: {\"note_ids\": [str], \"rationale\": str}.")
	return []llm.Message{
		llm.System("You choose which research notes each report section should be written from."),
		llm.User(b.String()),
	}
}
