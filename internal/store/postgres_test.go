package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/mission"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	c := NewClientFromDB(db, "postgres", zap.NewNop())
	t.Cleanup(func() { c.Close() })
	return c, mock
}

func TestRecordCallSkipsDuplicateKey(t *testing.T) {
	c, mock := newMockClient(t)
	ctx := context.Background()

	// First insert lands and the aggregate row is updated.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mission_calls`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE missions SET model_calls`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second insert conflicts; no aggregate update may run.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO mission_calls`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	d := mission.CallDetails{DedupKey: "k1", InputTokens: 10, OutputTokens: 5, CostUSD: 0.001, Attempts: 1}
	rec, err := c.RecordCall(ctx, "msn-1", d)
	if err != nil || !rec {
		t.Fatalf("first RecordCall = (%v, %v)", rec, err)
	}
	rec, err = c.RecordCall(ctx, "msn-1", d)
	if err != nil {
		t.Fatalf("second RecordCall errored: %v", err)
	}
	if rec {
		t.Fatal("duplicate key reported as recorded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSetStatusRejectsIllegalEdge(t *testing.T) {
	c, mock := newMockClient(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"status"}).AddRow("completed")
	mock.ExpectQuery(`SELECT status FROM missions`).WillReturnRows(rows)

	err := c.SetStatus(ctx, "msn-1", mission.StatusRunning)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetMissionNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(`FROM missions WHERE id`).WillReturnError(sql.ErrNoRows)

	if _, err := c.GetMission(context.Background(), "msn-missing"); !errors.Is(err, ErrMissionNotFound) {
		t.Fatalf("expected ErrMissionNotFound, got %v", err)
	}
}

// The sqlite tests run the real SQL against an in-memory database to
// cover the behaviour sqlmock cannot.
func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	c := NewClientFromDB(db, "sqlite3", zap.NewNop())
	if err := c.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteMissionRoundtrip(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)

	m := mission.New("grid storage economics", mission.Config{ResearchRounds: 3})
	if err := c.CreateMission(ctx, m); err != nil {
		t.Fatalf("CreateMission failed: %v", err)
	}

	got, err := c.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMission failed: %v", err)
	}
	if got.Query != m.Query || got.Status != mission.StatusPlanning {
		t.Fatalf("mission corrupted: %+v", got)
	}
	if got.Config.ResearchRounds != 3 {
		t.Fatalf("config lost: %+v", got.Config)
	}

	if err := c.SetStatus(ctx, m.ID, mission.StatusRunning); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := c.SetPhase(ctx, m.ID, mission.PhaseInitialResearch); err != nil {
		t.Fatalf("SetPhase failed: %v", err)
	}
	if err := c.MarkPhaseCompleted(ctx, m.ID, mission.PhaseInitialAnalysis); err != nil {
		t.Fatalf("MarkPhaseCompleted failed: %v", err)
	}
	if err := c.MarkPhaseCompleted(ctx, m.ID, mission.PhaseInitialAnalysis); err != nil {
		t.Fatalf("repeat MarkPhaseCompleted failed: %v", err)
	}

	got, _ = c.GetMission(ctx, m.ID)
	if got.Status != mission.StatusRunning || got.Phase != mission.PhaseInitialResearch {
		t.Fatalf("state not persisted: %s/%s", got.Status, got.Phase)
	}
	if len(got.CompletedPhases) != 1 || got.CompletedPhases[0] != mission.PhaseInitialAnalysis {
		t.Fatalf("completed phases wrong: %v", got.CompletedPhases)
	}
}

func TestSQLiteNotesAndTruncation(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)

	m := mission.New("q", mission.Config{})
	if err := c.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cut := base.Add(time.Hour)
	err := c.AddNotes(ctx, m.ID, []mission.Note{
		{ID: "n1", Content: "early", SourceType: mission.SourceWeb, SourceID: "web-1", Origins: []string{"web-1"}, CreatedAt: base},
		{ID: "n2", Content: "late", SourceType: mission.SourceDocument, CreatedAt: cut.Add(time.Minute)},
	})
	if err != nil {
		t.Fatalf("AddNotes failed: %v", err)
	}
	if err := c.AddNotes(ctx, m.ID, []mission.Note{{ID: "n1", Content: "dup", SourceType: mission.SourceWeb}}); !errors.Is(err, ErrDuplicateNote) {
		t.Fatalf("expected ErrDuplicateNote, got %v", err)
	}

	o := &mission.Outline{Sections: []*mission.ReportSection{
		{ID: "s1", Title: "T", Strategy: mission.StrategyResearchBased, NoteIDs: []string{"n1", "n2"}},
	}}
	if err := c.SaveOutline(ctx, m.ID, o); err != nil {
		t.Fatal(err)
	}
	_ = c.AppendLog(ctx, mission.LogEntry{MissionID: m.ID, Message: "early", CreatedAt: base})
	_ = c.AppendLog(ctx, mission.LogEntry{MissionID: m.ID, Message: "late", CreatedAt: cut.Add(time.Minute)})
	c.Flush()

	if err := c.TruncateFrom(ctx, m.ID, cut); err != nil {
		t.Fatalf("TruncateFrom failed: %v", err)
	}

	notes, err := c.GetNotes(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetNotes failed: %v", err)
	}
	if len(notes) != 1 || notes[0].ID != "n1" {
		t.Fatalf("expected only n1 to survive, got %+v", notes)
	}
	if len(notes[0].Origins) != 1 || notes[0].Origins[0] != "web-1" {
		t.Fatalf("origins lost: %+v", notes[0])
	}

	logs, err := c.GetLog(ctx, m.ID, 0)
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "early" {
		t.Fatalf("expected only early entry, got %+v", logs)
	}

	outline, err := c.GetOutline(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetOutline failed: %v", err)
	}
	if ids := outline.Sections[0].NoteIDs; len(ids) != 1 || ids[0] != "n1" {
		t.Fatalf("outline keeps dangling references: %v", ids)
	}
}

func TestSQLiteCheckpointAndStats(t *testing.T) {
	ctx := context.Background()
	c := newSQLiteClient(t)

	m := mission.New("q", mission.Config{})
	if err := c.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}

	cp := &mission.Checkpoint{Phase: mission.PhaseWriting, Pass: 1, CompletedSections: []string{"s1"}}
	cp.Assignments = []mission.AssignedNotes{{SectionID: "s1", NoteIDs: []string{"n1"}}}
	if err := c.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	cp.CompletedSections = append(cp.CompletedSections, "s2")
	if err := c.SaveCheckpoint(ctx, m.ID, cp); err != nil {
		t.Fatalf("checkpoint upsert failed: %v", err)
	}
	got, err := c.GetCheckpoint(ctx, m.ID, mission.PhaseWriting)
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if len(got.CompletedSections) != 2 || len(got.Assignments) != 1 {
		t.Fatalf("checkpoint corrupted: %+v", got)
	}

	d := mission.CallDetails{DedupKey: "k1", Role: "writer", InputTokens: 100, OutputTokens: 30, CostUSD: 0.01, Attempts: 2}
	if rec, err := c.RecordCall(ctx, m.ID, d); err != nil || !rec {
		t.Fatalf("RecordCall = (%v, %v)", rec, err)
	}
	if rec, err := c.RecordCall(ctx, m.ID, d); err != nil || rec {
		t.Fatalf("duplicate RecordCall = (%v, %v)", rec, err)
	}
	if err := c.AddSearchCalls(ctx, m.ID, 3); err != nil {
		t.Fatalf("AddSearchCalls failed: %v", err)
	}

	st, err := c.GetStats(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if st.ModelCalls != 1 || st.InputTokens != 100 || st.OutputTokens != 30 || st.Retries != 1 || st.SearchCalls != 3 {
		t.Fatalf("stats wrong: %+v", st)
	}
}
