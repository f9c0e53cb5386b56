package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fathomlabs/fathom/internal/metrics"
	"github.com/fathomlabs/fathom/internal/mission"
)

// Config holds database configuration.
type Config struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	Database        string        `mapstructure:"database" yaml:"database"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections" yaml:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime" yaml:"max_lifetime"`
}

// Client is the Postgres-backed Store. Execution log writes go through
// an async queue so logging can never block or fail mission progress.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	logQueue chan logWrite
	stopCh   chan struct{}
	workerWg sync.WaitGroup
}

type logWrite struct {
	entry mission.LogEntry
	flush chan struct{}
}

// NewClient opens a pooled connection and starts the log worker.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := newClient(db, logger)
	go c.healthCheck()

	logger.Info("Mission store initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return c, nil
}

// NewClientFromDB wraps an existing handle. Tests use it with sqlite
// and sqlmock connections.
func NewClientFromDB(db *sql.DB, driverName string, logger *zap.Logger) *Client {
	return newClient(sqlx.NewDb(db, driverName), logger)
}

func newClient(db *sqlx.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:       db,
		logger:   logger,
		logQueue: make(chan logWrite, 512),
		stopCh:   make(chan struct{}),
	}
	// A single worker keeps log entries in arrival order.
	c.workerWg.Add(1)
	go c.logWorker()
	return c
}

const schema = `
CREATE TABLE IF NOT EXISTS missions (
    id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    status TEXT NOT NULL,
    phase TEXT NOT NULL,
    completed_phases TEXT NOT NULL DEFAULT '[]',
    title TEXT NOT NULL DEFAULT '',
    brief TEXT NOT NULL DEFAULT '',
    config TEXT NOT NULL DEFAULT '{}',
    source_refs TEXT NOT NULL DEFAULT '{}',
    outline TEXT,
    error TEXT NOT NULL DEFAULT '',
    model_calls INTEGER NOT NULL DEFAULT 0,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    search_calls INTEGER NOT NULL DEFAULT 0,
    retries INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS mission_notes (
    id TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL,
    content TEXT NOT NULL,
    source_type TEXT NOT NULL,
    source_id TEXT NOT NULL DEFAULT '',
    origins TEXT NOT NULL DEFAULT '[]',
    section_id TEXT NOT NULL DEFAULT '',
    question TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mission_notes_mission ON mission_notes(mission_id, created_at);

CREATE TABLE IF NOT EXISTS mission_sections (
    mission_id TEXT NOT NULL,
    section_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mission_id, section_id)
);

CREATE TABLE IF NOT EXISTS mission_log (
    id TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT 'info',
    message TEXT NOT NULL,
    detail TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mission_log_mission ON mission_log(mission_id, created_at);

CREATE TABLE IF NOT EXISTS mission_checkpoints (
    mission_id TEXT NOT NULL,
    phase TEXT NOT NULL,
    data TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mission_id, phase)
);

CREATE TABLE IF NOT EXISTS mission_calls (
    mission_id TEXT NOT NULL,
    dedup_key TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 1,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (mission_id, dedup_key)
);
`

// DB exposes the underlying handle so other subsystems (auth key
// storage) can share the connection pool.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// EnsureSchema creates the mission tables when they do not exist.
func (c *Client) EnsureSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

type missionRow struct {
	ID              string    `db:"id"`
	Query           string    `db:"query"`
	Status          string    `db:"status"`
	Phase           string    `db:"phase"`
	CompletedPhases []byte    `db:"completed_phases"`
	Title           string    `db:"title"`
	Brief           string    `db:"brief"`
	Config          []byte    `db:"config"`
	SourceRefs      []byte    `db:"source_refs"`
	Error           string    `db:"error"`
	ModelCalls      int       `db:"model_calls"`
	InputTokens     int       `db:"input_tokens"`
	OutputTokens    int       `db:"output_tokens"`
	CostUSD         float64   `db:"cost_usd"`
	SearchCalls     int       `db:"search_calls"`
	Retries         int       `db:"retries"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

const missionColumns = `id, query, status, phase, completed_phases, title, brief, config,
source_refs, error, model_calls, input_tokens, output_tokens, cost_usd, search_calls, retries,
created_at, updated_at`

func (r *missionRow) toMission() (*mission.Mission, error) {
	m := &mission.Mission{
		ID:        r.ID,
		Query:     r.Query,
		Status:    mission.Status(r.Status),
		Phase:     mission.Phase(r.Phase),
		Title:     r.Title,
		Brief:     r.Brief,
		Error:     r.Error,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Stats: mission.Stats{
			ModelCalls:   r.ModelCalls,
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			CostUSD:      r.CostUSD,
			SearchCalls:  r.SearchCalls,
			Retries:      r.Retries,
		},
	}
	if len(r.CompletedPhases) > 0 {
		if err := json.Unmarshal(r.CompletedPhases, &m.CompletedPhases); err != nil {
			return nil, fmt.Errorf("failed to decode completed phases: %w", err)
		}
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &m.Config); err != nil {
			return nil, fmt.Errorf("failed to decode mission config: %w", err)
		}
	}
	if len(r.SourceRefs) > 0 {
		if err := json.Unmarshal(r.SourceRefs, &m.SourceRefs); err != nil {
			return nil, fmt.Errorf("failed to decode source refs: %w", err)
		}
	}
	return m, nil
}

func (c *Client) CreateMission(ctx context.Context, m *mission.Mission) error {
	phases, _ := json.Marshal(m.CompletedPhases)
	cfg, _ := json.Marshal(m.Config)
	refs, _ := json.Marshal(m.SourceRefs)
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO missions (id, query, status, phase, completed_phases, title, brief, config,
            source_refs, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		m.ID, m.Query, string(m.Status), string(m.Phase), phases, m.Title, m.Brief, cfg,
		refs, m.Error, m.CreatedAt.UTC(), m.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert mission: %w", err)
	}
	return nil
}

func (c *Client) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	var row missionRow
	err := c.db.GetContext(ctx, &row, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mission: %w", err)
	}
	return row.toMission()
}

func (c *Client) ListMissions(ctx context.Context, limit int) ([]*mission.Mission, error) {
	q := `SELECT ` + missionColumns + ` FROM missions ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	var rows []missionRow
	if err := c.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	out := make([]*mission.Mission, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMission()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (c *Client) UpdateMission(ctx context.Context, m *mission.Mission) error {
	refs, _ := json.Marshal(m.SourceRefs)
	cfg, _ := json.Marshal(m.Config)
	res, err := c.db.ExecContext(ctx, `
        UPDATE missions SET title = $2, brief = $3, error = $4, source_refs = $5, config = $6,
            updated_at = $7
        WHERE id = $1`,
		m.ID, m.Title, m.Brief, m.Error, refs, cfg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update mission: %w", err)
	}
	return requireRow(res)
}

func (c *Client) GetStatus(ctx context.Context, id string) (mission.Status, error) {
	var st string
	err := c.db.GetContext(ctx, &st, `SELECT status FROM missions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMissionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load status: %w", err)
	}
	return mission.Status(st), nil
}

// SetStatus performs an optimistic check-and-set so concurrent control
// requests cannot skip a lifecycle edge.
func (c *Client) SetStatus(ctx context.Context, id string, st mission.Status) error {
	cur, err := c.GetStatus(ctx, id)
	if err != nil {
		return err
	}
	if cur == st {
		return nil
	}
	if !cur.CanTransition(st) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, cur, st)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE missions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`,
		id, string(cur), string(st), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: status changed concurrently", ErrBadTransition)
	}
	return nil
}

func (c *Client) SetPhase(ctx context.Context, id string, p mission.Phase) error {
	if !p.Valid() {
		return fmt.Errorf("unknown phase %q", p)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE missions SET phase = $2, updated_at = $3 WHERE id = $1`,
		id, string(p), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update phase: %w", err)
	}
	return requireRow(res)
}

func (c *Client) MarkPhaseCompleted(ctx context.Context, id string, p mission.Phase) error {
	if !p.Valid() {
		return fmt.Errorf("unknown phase %q", p)
	}
	m, err := c.GetMission(ctx, id)
	if err != nil {
		return err
	}
	if m.PhaseCompleted(p) {
		return nil
	}
	phases, _ := json.Marshal(append(m.CompletedPhases, p))
	res, err := c.db.ExecContext(ctx,
		`UPDATE missions SET completed_phases = $2, updated_at = $3 WHERE id = $1`,
		id, phases, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark phase complete: %w", err)
	}
	return requireRow(res)
}

func (c *Client) SaveOutline(ctx context.Context, id string, o *mission.Outline) error {
	blob, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode outline: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE missions SET outline = $2, updated_at = $3 WHERE id = $1`,
		id, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save outline: %w", err)
	}
	return requireRow(res)
}

func (c *Client) GetOutline(ctx context.Context, id string) (*mission.Outline, error) {
	var blob []byte
	err := c.db.GetContext(ctx, &blob, `SELECT outline FROM missions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load outline: %w", err)
	}
	if len(blob) == 0 {
		return nil, nil
	}
	var o mission.Outline
	if err := json.Unmarshal(blob, &o); err != nil {
		return nil, fmt.Errorf("failed to decode outline: %w", err)
	}
	return &o, nil
}

func (c *Client) AddNotes(ctx context.Context, id string, notes []mission.Note) error {
	if len(notes) == 0 {
		return nil
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, n := range notes {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if n.UpdatedAt.IsZero() {
			n.UpdatedAt = n.CreatedAt
		}
		origins, _ := json.Marshal(n.Origins)
		res, err := tx.ExecContext(ctx, `
            INSERT INTO mission_notes (id, mission_id, content, source_type, source_id, origins,
                section_id, question, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
            ON CONFLICT (id) DO NOTHING`,
			n.ID, id, n.Content, string(n.SourceType), n.SourceID, origins,
			n.SectionID, n.Question, n.CreatedAt.UTC(), n.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert note: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return fmt.Errorf("%w: %s", ErrDuplicateNote, n.ID)
		}
	}
	return tx.Commit()
}

type noteRow struct {
	ID         string    `db:"id"`
	MissionID  string    `db:"mission_id"`
	Content    string    `db:"content"`
	SourceType string    `db:"source_type"`
	SourceID   string    `db:"source_id"`
	Origins    []byte    `db:"origins"`
	SectionID  string    `db:"section_id"`
	Question   string    `db:"question"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (c *Client) GetNotes(ctx context.Context, id string) ([]mission.Note, error) {
	var rows []noteRow
	err := c.db.SelectContext(ctx, &rows, `
        SELECT id, mission_id, content, source_type, source_id, origins, section_id, question,
            created_at, updated_at
        FROM mission_notes WHERE mission_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load notes: %w", err)
	}
	out := make([]mission.Note, 0, len(rows))
	for _, r := range rows {
		n := mission.Note{
			ID:         r.ID,
			MissionID:  r.MissionID,
			Content:    r.Content,
			SourceType: mission.SourceType(r.SourceType),
			SourceID:   r.SourceID,
			SectionID:  r.SectionID,
			Question:   r.Question,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		}
		if len(r.Origins) > 0 {
			if err := json.Unmarshal(r.Origins, &n.Origins); err != nil {
				return nil, fmt.Errorf("failed to decode note origins: %w", err)
			}
		}
		out = append(out, n)
	}
	return out, nil
}

func (c *Client) RemoveNotes(ctx context.Context, id string, noteIDs []string) error {
	if len(noteIDs) == 0 {
		return nil
	}
	q, args, err := sqlx.In(`DELETE FROM mission_notes WHERE mission_id = ? AND id IN (?)`, id, noteIDs)
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("failed to delete notes: %w", err)
	}
	return nil
}

func (c *Client) SaveSectionContent(ctx context.Context, id, sectionID, content string) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO mission_sections (mission_id, section_id, content, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
        ON CONFLICT (mission_id, section_id)
        DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		id, sectionID, content, now)
	if err != nil {
		return fmt.Errorf("failed to save section content: %w", err)
	}
	return nil
}

func (c *Client) GetReportContent(ctx context.Context, id string) (map[string]string, error) {
	rows, err := c.db.QueryxContext(ctx,
		`SELECT section_id, content FROM mission_sections WHERE mission_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load report content: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var sid, content string
		if err := rows.Scan(&sid, &content); err != nil {
			return nil, fmt.Errorf("failed to scan section: %w", err)
		}
		out[sid] = content
	}
	return out, rows.Err()
}

func (c *Client) SaveCheckpoint(ctx context.Context, id string, cp *mission.Checkpoint) error {
	snap := *cp
	snap.UpdatedAt = time.Now().UTC()
	blob, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
        INSERT INTO mission_checkpoints (mission_id, phase, data, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (mission_id, phase)
        DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, string(cp.Phase), blob, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (c *Client) GetCheckpoint(ctx context.Context, id string, p mission.Phase) (*mission.Checkpoint, error) {
	var blob []byte
	err := c.db.GetContext(ctx, &blob,
		`SELECT data FROM mission_checkpoints WHERE mission_id = $1 AND phase = $2`, id, string(p))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp mission.Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &cp, nil
}

// AppendLog validates the entry and queues it. A full queue drops the
// entry rather than stall the mission.
func (c *Client) AppendLog(_ context.Context, e mission.LogEntry) error {
	e = sanitizeLogEntry(e)
	select {
	case c.logQueue <- logWrite{entry: e}:
	default:
		metrics.LogEntriesDropped.Inc()
		c.logger.Warn("Execution log queue full, dropping entry",
			zap.String("mission_id", e.MissionID),
			zap.String("kind", e.Kind),
		)
	}
	return nil
}

// Flush blocks until every queued log entry has been written.
func (c *Client) Flush() {
	done := make(chan struct{})
	select {
	case c.logQueue <- logWrite{flush: done}:
		<-done
	case <-c.stopCh:
	}
}

func (c *Client) logWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case w := <-c.logQueue:
			c.handleLogWrite(w)
		case <-c.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case w := <-c.logQueue:
					c.handleLogWrite(w)
				default:
					return
				}
			}
		}
	}
}

func (c *Client) handleLogWrite(w logWrite) {
	if w.flush != nil {
		close(w.flush)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var detail []byte
	if w.entry.Detail != nil {
		detail, _ = json.Marshal(w.entry.Detail)
	}
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO mission_log (id, mission_id, phase, kind, message, detail, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.entry.ID, w.entry.MissionID, string(w.entry.Phase), w.entry.Kind,
		w.entry.Message, detail, w.entry.CreatedAt.UTC())
	if err != nil {
		metrics.LogEntriesDropped.Inc()
		c.logger.Warn("Failed to write execution log entry",
			zap.String("mission_id", w.entry.MissionID),
			zap.Error(err),
		)
	}
}

type logRow struct {
	ID        string    `db:"id"`
	MissionID string    `db:"mission_id"`
	Phase     string    `db:"phase"`
	Kind      string    `db:"kind"`
	Message   string    `db:"message"`
	Detail    []byte    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

func (c *Client) GetLog(ctx context.Context, id string, limit int) ([]mission.LogEntry, error) {
	q := `SELECT id, mission_id, phase, kind, message, detail, created_at
        FROM mission_log WHERE mission_id = $1 ORDER BY created_at, id`
	var rows []logRow
	if err := c.db.SelectContext(ctx, &rows, q, id); err != nil {
		return nil, fmt.Errorf("failed to load execution log: %w", err)
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	out := make([]mission.LogEntry, 0, len(rows))
	for _, r := range rows {
		e := mission.LogEntry{
			ID:        r.ID,
			MissionID: r.MissionID,
			Phase:     mission.Phase(r.Phase),
			Kind:      r.Kind,
			Message:   r.Message,
			CreatedAt: r.CreatedAt,
		}
		if len(r.Detail) > 0 {
			_ = json.Unmarshal(r.Detail, &e.Detail)
		}
		out = append(out, e)
	}
	return out, nil
}

func (c *Client) RecordCall(ctx context.Context, id string, d mission.CallDetails) (bool, error) {
	if d.DedupKey == "" {
		d.DedupKey = uuid.New().String()
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
        INSERT INTO mission_calls (mission_id, dedup_key, role, provider, model, input_tokens,
            output_tokens, cost_usd, attempts, duration_ms, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (mission_id, dedup_key) DO NOTHING`,
		id, d.DedupKey, d.Role, d.Provider, d.Model, d.InputTokens,
		d.OutputTokens, d.CostUSD, d.Attempts, d.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record call: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return false, nil
	}

	retries := 0
	if d.Attempts > 1 {
		retries = d.Attempts - 1
	}
	upd, err := tx.ExecContext(ctx, `
        UPDATE missions SET model_calls = model_calls + 1, input_tokens = input_tokens + $2,
            output_tokens = output_tokens + $3, cost_usd = cost_usd + $4,
            retries = retries + $5, updated_at = $6
        WHERE id = $1`,
		id, d.InputTokens, d.OutputTokens, d.CostUSD, retries, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to update statistics: %w", err)
	}
	if err := requireRow(upd); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (c *Client) AddSearchCalls(ctx context.Context, id string, n int) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE missions SET search_calls = search_calls + $2, updated_at = $3 WHERE id = $1`,
		id, n, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update search calls: %w", err)
	}
	return requireRow(res)
}

func (c *Client) GetStats(ctx context.Context, id string) (mission.Stats, error) {
	var row struct {
		ModelCalls   int     `db:"model_calls"`
		InputTokens  int     `db:"input_tokens"`
		OutputTokens int     `db:"output_tokens"`
		CostUSD      float64 `db:"cost_usd"`
		SearchCalls  int     `db:"search_calls"`
		Retries      int     `db:"retries"`
	}
	err := c.db.GetContext(ctx, &row, `
        SELECT model_calls, input_tokens, output_tokens, cost_usd, search_calls, retries
        FROM missions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return mission.Stats{}, ErrMissionNotFound
	}
	if err != nil {
		return mission.Stats{}, fmt.Errorf("failed to load statistics: %w", err)
	}
	return mission.Stats{
		ModelCalls:   row.ModelCalls,
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		CostUSD:      row.CostUSD,
		SearchCalls:  row.SearchCalls,
		Retries:      row.Retries,
	}, nil
}

func (c *Client) TruncateFrom(ctx context.Context, id string, t time.Time) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cutoff := t.UTC()
	for _, q := range []string{
		`DELETE FROM mission_notes WHERE mission_id = $1 AND created_at >= $2`,
		`DELETE FROM mission_log WHERE mission_id = $1 AND created_at >= $2`,
		`DELETE FROM mission_sections WHERE mission_id = $1 AND created_at >= $2`,
	} {
		if _, err := tx.ExecContext(ctx, q, id, cutoff); err != nil {
			return fmt.Errorf("failed to truncate mission data: %w", err)
		}
	}

	var ids []string
	if err := tx.SelectContext(ctx, &ids,
		`SELECT id FROM mission_notes WHERE mission_id = $1`, id); err != nil {
		return fmt.Errorf("failed to load surviving notes: %w", err)
	}
	keep := make(map[string]bool, len(ids))
	for _, nid := range ids {
		keep[nid] = true
	}

	var blob []byte
	err = tx.GetContext(ctx, &blob, `SELECT outline FROM missions WHERE id = $1`, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load outline: %w", err)
	}
	if len(blob) > 0 {
		var o mission.Outline
		if err := json.Unmarshal(blob, &o); err == nil && pruneOutlineNotes(&o, keep) {
			out, _ := json.Marshal(&o)
			if _, err := tx.ExecContext(ctx,
				`UPDATE missions SET outline = $2, updated_at = $3 WHERE id = $1`,
				id, out, time.Now().UTC()); err != nil {
				return fmt.Errorf("failed to prune outline: %w", err)
			}
		}
	}
	return tx.Commit()
}

// Close drains the log queue and releases the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}

func (c *Client) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		case <-c.stopCh:
			return
		}
	}
}

func requireRow(res sql.Result) error {
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrMissionNotFound
	}
	return nil
}
