package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/mission"
	"github.com/fathomlabs/fathom/internal/writing"
)

// resumePoint decides where a resumed mission picks up: the saved
// checkpoint of the phase it was in, then inference from which
// artifacts survive, then the first phase not verified complete.
// Landing early is safe; the run loop skips completed phases.
func (c *Controller) resumePoint(ctx context.Context, m *mission.Mission) (mission.Phase, string, error) {
	if m.Phase.Valid() && m.Phase != mission.PhaseCompleted && !m.PhaseCompleted(m.Phase) {
		cp, err := c.store.GetCheckpoint(ctx, m.ID, m.Phase)
		if err != nil {
			return "", "", fmt.Errorf("load checkpoint: %w", err)
		}
		if cp != nil {
			return m.Phase, "checkpoint", nil
		}
	}
	if phase, ok := c.inferPhase(ctx, m); ok {
		return phase, "artifacts", nil
	}
	return m.FirstIncompletePhase(), "completed_phases", nil
}

// inferPhase reconstructs the resume point from surviving artifacts
// when no checkpoint pins it down. Artifacts prove progress even when
// the completion record was lost.
func (c *Controller) inferPhase(ctx context.Context, m *mission.Mission) (mission.Phase, bool) {
	if content, err := c.store.GetReportContent(ctx, m.ID); err == nil {
		delete(content, finalReportKey)
		if len(content) > 0 {
			return mission.PhaseWriting, true
		}
	}
	if outline, err := c.store.GetOutline(ctx, m.ID); err == nil && outline != nil {
		return mission.PhaseStructuredResearch, true
	}
	if notes, err := c.store.GetNotes(ctx, m.ID); err == nil && len(notes) > 0 {
		return mission.PhaseOutlineGeneration, true
	}
	return "", false
}

// rewindRound rolls a stopped mission's half-finished research round
// back to its recorded start: notes, log entries and report content
// from the dead round are dropped, and the round's start mark is
// cleared so the restart stamps a fresh one.
func (c *Controller) rewindRound(ctx context.Context, m *mission.Mission) error {
	cp, err := c.store.GetCheckpoint(ctx, m.ID, mission.PhaseStructuredResearch)
	if err != nil {
		return fmt.Errorf("load research checkpoint: %w", err)
	}
	if cp == nil || cp.Round == 0 {
		return nil
	}
	start, ok := cp.RoundStart(cp.Round)
	if !ok {
		return nil
	}

	if err := c.store.TruncateFrom(ctx, m.ID, start); err != nil {
		return fmt.Errorf("truncate round %d: %w", cp.Round, err)
	}
	cp.CompletedSections = nil
	delete(cp.RoundStarts, cp.Round)
	if err := c.store.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		return fmt.Errorf("save rewound checkpoint: %w", err)
	}

	c.logger.Info("Half-finished research round rolled back",
		zap.String("mission_id", m.ID),
		zap.Int("round", cp.Round),
		zap.Time("round_start", start))
	c.log(ctx, m.ID, mission.PhaseStructuredResearch, mission.LogInfo, "half-finished round rolled back",
		map[string]any{"round": cp.Round})
	return nil
}

// assembleDraft renders a report from the section drafts on hand,
// leaving out the reserved final-report slot.
func assembleDraft(title string, outline *mission.Outline, content map[string]string) string {
	drafts := make(map[string]string, len(content))
	for id, text := range content {
		if id == finalReportKey {
			continue
		}
		drafts[id] = text
	}
	return writing.AssembleReport(title, outline, drafts)
}
