package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fathomlabs/fathom/internal/mission"
)

// Memory is an in-process Store. It backs tests and single-node
// development runs; every read returns copies so callers can mutate
// results freely.
type Memory struct {
	mu       sync.RWMutex
	missions map[string]*mission.Mission
	outlines map[string]*mission.Outline
	notes    map[string][]mission.Note
	noteIDs  map[string]bool
	sections map[string]map[string]sectionContent
	logs     map[string][]mission.LogEntry
	checks   map[string]map[mission.Phase]*mission.Checkpoint
	calls    map[string]map[string]mission.CallDetails
}

type sectionContent struct {
	text      string
	createdAt time.Time
	updatedAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		missions: make(map[string]*mission.Mission),
		outlines: make(map[string]*mission.Outline),
		notes:    make(map[string][]mission.Note),
		noteIDs:  make(map[string]bool),
		sections: make(map[string]map[string]sectionContent),
		logs:     make(map[string][]mission.LogEntry),
		checks:   make(map[string]map[mission.Phase]*mission.Checkpoint),
		calls:    make(map[string]map[string]mission.CallDetails),
	}
}

func copyMission(m *mission.Mission) *mission.Mission {
	c := *m
	c.CompletedPhases = append([]mission.Phase(nil), m.CompletedPhases...)
	if m.SourceRefs != nil {
		c.SourceRefs = make(map[string]mission.SourceRef, len(m.SourceRefs))
		for k, v := range m.SourceRefs {
			r := v
			r.Authors = append([]string(nil), v.Authors...)
			c.SourceRefs[k] = r
		}
	}
	return &c
}

func copyNote(n mission.Note) mission.Note {
	n.Origins = append([]string(nil), n.Origins...)
	return n
}

func (s *Memory) CreateMission(_ context.Context, m *mission.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[m.ID]; ok {
		return fmt.Errorf("mission %s already exists", m.ID)
	}
	s.missions[m.ID] = copyMission(m)
	return nil
}

func (s *Memory) GetMission(_ context.Context, id string) (*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return nil, ErrMissionNotFound
	}
	return copyMission(m), nil
}

func (s *Memory) ListMissions(_ context.Context, limit int) ([]*mission.Mission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*mission.Mission, 0, len(s.missions))
	for _, m := range s.missions {
		out = append(out, copyMission(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateMission persists the mission's descriptive fields. Lifecycle
// fields and statistics change only through their dedicated operations,
// so a caller holding a stale copy cannot clobber a concurrent
// pause or phase advance.
func (s *Memory) UpdateMission(_ context.Context, m *mission.Mission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.missions[m.ID]
	if !ok {
		return ErrMissionNotFound
	}
	c := copyMission(m)
	c.Status = cur.Status
	c.Phase = cur.Phase
	c.CompletedPhases = append([]mission.Phase(nil), cur.CompletedPhases...)
	c.Stats = cur.Stats
	c.UpdatedAt = time.Now().UTC()
	s.missions[m.ID] = c
	return nil
}

func (s *Memory) GetStatus(_ context.Context, id string) (mission.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return "", ErrMissionNotFound
	}
	return m.Status, nil
}

func (s *Memory) SetStatus(_ context.Context, id string, st mission.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	if m.Status == st {
		return nil
	}
	if !m.Status.CanTransition(st) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, m.Status, st)
	}
	m.Status = st
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) SetPhase(_ context.Context, id string, p mission.Phase) error {
	if !p.Valid() {
		return fmt.Errorf("unknown phase %q", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.Phase = p
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) MarkPhaseCompleted(_ context.Context, id string, p mission.Phase) error {
	if !p.Valid() {
		return fmt.Errorf("unknown phase %q", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	for _, q := range m.CompletedPhases {
		if q == p {
			return nil
		}
	}
	m.CompletedPhases = append(m.CompletedPhases, p)
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) SaveOutline(_ context.Context, id string, o *mission.Outline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	s.outlines[id] = o.Clone()
	return nil
}

func (s *Memory) GetOutline(_ context.Context, id string) (*mission.Outline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.missions[id]; !ok {
		return nil, ErrMissionNotFound
	}
	o, ok := s.outlines[id]
	if !ok {
		return nil, nil
	}
	return o.Clone(), nil
}

func (s *Memory) AddNotes(_ context.Context, id string, notes []mission.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	for _, n := range notes {
		if s.noteIDs[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNote, n.ID)
		}
	}
	now := time.Now().UTC()
	for _, n := range notes {
		n.MissionID = id
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = n.CreatedAt
		}
		s.noteIDs[n.ID] = true
		s.notes[id] = append(s.notes[id], copyNote(n))
	}
	return nil
}

func (s *Memory) GetNotes(_ context.Context, id string) ([]mission.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.missions[id]; !ok {
		return nil, ErrMissionNotFound
	}
	out := make([]mission.Note, 0, len(s.notes[id]))
	for _, n := range s.notes[id] {
		out = append(out, copyNote(n))
	}
	return out, nil
}

func (s *Memory) RemoveNotes(_ context.Context, id string, noteIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	drop := make(map[string]bool, len(noteIDs))
	for _, nid := range noteIDs {
		drop[nid] = true
	}
	kept := s.notes[id][:0]
	for _, n := range s.notes[id] {
		if drop[n.ID] {
			delete(s.noteIDs, n.ID)
			continue
		}
		kept = append(kept, n)
	}
	s.notes[id] = kept
	return nil
}

func (s *Memory) SaveSectionContent(_ context.Context, id, sectionID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	secs := s.sections[id]
	if secs == nil {
		secs = make(map[string]sectionContent)
		s.sections[id] = secs
	}
	now := time.Now().UTC()
	cur, ok := secs[sectionID]
	if !ok {
		cur.createdAt = now
	}
	cur.text = content
	cur.updatedAt = now
	secs[sectionID] = cur
	return nil
}

func (s *Memory) GetReportContent(_ context.Context, id string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.missions[id]; !ok {
		return nil, ErrMissionNotFound
	}
	out := make(map[string]string, len(s.sections[id]))
	for sid, c := range s.sections[id] {
		out[sid] = c.text
	}
	return out, nil
}

func (s *Memory) SaveCheckpoint(_ context.Context, id string, cp *mission.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	byPhase := s.checks[id]
	if byPhase == nil {
		byPhase = make(map[mission.Phase]*mission.Checkpoint)
		s.checks[id] = byPhase
	}
	c := *cp
	c.UpdatedAt = time.Now().UTC()
	c.CompletedSections = append([]string(nil), cp.CompletedSections...)
	c.Assignments = append([]mission.AssignedNotes(nil), cp.Assignments...)
	if cp.RoundStarts != nil {
		c.RoundStarts = make(map[int]string, len(cp.RoundStarts))
		for k, v := range cp.RoundStarts {
			c.RoundStarts[k] = v
		}
	}
	if cp.Citations != nil {
		c.Citations = make(map[string]int, len(cp.Citations))
		for k, v := range cp.Citations {
			c.Citations[k] = v
		}
	}
	byPhase[cp.Phase] = &c
	return nil
}

func (s *Memory) GetCheckpoint(_ context.Context, id string, p mission.Phase) (*mission.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.missions[id]; !ok {
		return nil, ErrMissionNotFound
	}
	cp, ok := s.checks[id][p]
	if !ok {
		return nil, nil
	}
	c := *cp
	return &c, nil
}

func (s *Memory) AppendLog(_ context.Context, e mission.LogEntry) error {
	e = sanitizeLogEntry(e)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[e.MissionID]; !ok {
		return ErrMissionNotFound
	}
	s.logs[e.MissionID] = append(s.logs[e.MissionID], e)
	return nil
}

func (s *Memory) GetLog(_ context.Context, id string, limit int) ([]mission.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.missions[id]; !ok {
		return nil, ErrMissionNotFound
	}
	entries := s.logs[id]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]mission.LogEntry(nil), entries...), nil
}

func (s *Memory) RecordCall(_ context.Context, id string, d mission.CallDetails) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return false, ErrMissionNotFound
	}
	byKey := s.calls[id]
	if byKey == nil {
		byKey = make(map[string]mission.CallDetails)
		s.calls[id] = byKey
	}
	if d.DedupKey != "" {
		if _, dup := byKey[d.DedupKey]; dup {
			return false, nil
		}
		byKey[d.DedupKey] = d
	}
	m.Stats.ModelCalls++
	m.Stats.InputTokens += d.InputTokens
	m.Stats.OutputTokens += d.OutputTokens
	m.Stats.CostUSD += d.CostUSD
	if d.Attempts > 1 {
		m.Stats.Retries += d.Attempts - 1
	}
	return true, nil
}

func (s *Memory) AddSearchCalls(_ context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.missions[id]
	if !ok {
		return ErrMissionNotFound
	}
	m.Stats.SearchCalls += n
	return nil
}

func (s *Memory) GetStats(_ context.Context, id string) (mission.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.missions[id]
	if !ok {
		return mission.Stats{}, ErrMissionNotFound
	}
	return m.Stats, nil
}

func (s *Memory) TruncateFrom(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.missions[id]; !ok {
		return ErrMissionNotFound
	}
	keptNotes := s.notes[id][:0]
	keep := make(map[string]bool)
	for _, n := range s.notes[id] {
		if n.CreatedAt.Before(t) {
			keptNotes = append(keptNotes, n)
			keep[n.ID] = true
		} else {
			delete(s.noteIDs, n.ID)
		}
	}
	s.notes[id] = keptNotes

	keptLogs := s.logs[id][:0]
	for _, e := range s.logs[id] {
		if e.CreatedAt.Before(t) {
			keptLogs = append(keptLogs, e)
		}
	}
	s.logs[id] = keptLogs

	for sid, c := range s.sections[id] {
		if !c.createdAt.Before(t) {
			delete(s.sections[id], sid)
		}
	}

	if o := s.outlines[id]; o != nil {
		pruneOutlineNotes(o, keep)
	}
	return nil
}

func (s *Memory) Close() error { return nil }
