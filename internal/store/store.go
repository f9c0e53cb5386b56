// Package store owns mission persistence: mission records, outlines,
// notes, section content, execution logs, phase checkpoints and the
// per-mission model-call statistics registry.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fathomlabs/fathom/internal/mission"
)

var (
	// ErrMissionNotFound is returned when a mission id is unknown.
	ErrMissionNotFound = errors.New("mission not found")
	// ErrBadTransition is returned when a status update does not follow
	// the mission lifecycle.
	ErrBadTransition = errors.New("illegal status transition")
	// ErrDuplicateNote is returned when a note id is already stored.
	ErrDuplicateNote = errors.New("duplicate note id")
)

// Store is the persistence contract the engine runs against. Both the
// Postgres client and the in-memory store implement it.
type Store interface {
	CreateMission(ctx context.Context, m *mission.Mission) error
	GetMission(ctx context.Context, id string) (*mission.Mission, error)
	ListMissions(ctx context.Context, limit int) ([]*mission.Mission, error)
	// UpdateMission persists the descriptive fields (title, brief,
	// error, source refs, config). Status, phase, completed phases and
	// statistics change only through their dedicated operations.
	UpdateMission(ctx context.Context, m *mission.Mission) error

	GetStatus(ctx context.Context, id string) (mission.Status, error)
	SetStatus(ctx context.Context, id string, st mission.Status) error
	SetPhase(ctx context.Context, id string, p mission.Phase) error
	MarkPhaseCompleted(ctx context.Context, id string, p mission.Phase) error

	SaveOutline(ctx context.Context, id string, o *mission.Outline) error
	GetOutline(ctx context.Context, id string) (*mission.Outline, error)

	AddNotes(ctx context.Context, id string, notes []mission.Note) error
	GetNotes(ctx context.Context, id string) ([]mission.Note, error)
	RemoveNotes(ctx context.Context, id string, noteIDs []string) error

	SaveSectionContent(ctx context.Context, id, sectionID, content string) error
	GetReportContent(ctx context.Context, id string) (map[string]string, error)

	SaveCheckpoint(ctx context.Context, id string, cp *mission.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string, p mission.Phase) (*mission.Checkpoint, error)

	AppendLog(ctx context.Context, e mission.LogEntry) error
	GetLog(ctx context.Context, id string, limit int) ([]mission.LogEntry, error)

	// RecordCall adds one model call to the mission statistics. The
	// dedup key makes it idempotent: the second record with the same
	// key returns false and changes nothing.
	RecordCall(ctx context.Context, id string, d mission.CallDetails) (bool, error)
	AddSearchCalls(ctx context.Context, id string, n int) error
	GetStats(ctx context.Context, id string) (mission.Stats, error)

	// TruncateFrom removes notes, log entries and section content
	// created at or after t, and drops dangling note references from
	// the stored outline. Resume uses it to rewind a half-finished
	// research round.
	TruncateFrom(ctx context.Context, id string, t time.Time) error

	Close() error
}

const maxLogMessage = 4096

// sanitizeLogEntry repairs an entry so logging can never fail a
// mission: missing ids and timestamps are filled, oversized messages
// trimmed, and unmarshalable detail replaced by a marker.
func sanitizeLogEntry(e mission.LogEntry) mission.LogEntry {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = mission.LogInfo
	}
	if e.Message == "" {
		e.Message = "(empty log message)"
	}
	if len(e.Message) > maxLogMessage {
		e.Message = e.Message[:maxLogMessage]
	}
	if e.Detail != nil {
		if _, err := json.Marshal(e.Detail); err != nil {
			e.Detail = map[string]any{"detail_dropped": true}
		}
	}
	return e
}

// pruneOutlineNotes drops note ids not present in keep from every
// section of the outline. Returns true when anything changed.
func pruneOutlineNotes(o *mission.Outline, keep map[string]bool) bool {
	if o == nil {
		return false
	}
	changed := false
	o.Walk(func(s *mission.ReportSection, _ int) {
		if len(s.NoteIDs) == 0 {
			return
		}
		kept := s.NoteIDs[:0]
		for _, id := range s.NoteIDs {
			if keep[id] {
				kept = append(kept, id)
			} else {
				changed = true
			}
		}
		s.NoteIDs = kept
	})
	return changed
}
