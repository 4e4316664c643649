package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/drover/internal/observability"
	"github.com/haasonsaas/drover/internal/pipeline"
)

// Options configures the store.
type Options struct {
	// BusyTimeout bounds how long a write waits on a locked database.
	// Zero means 5s.
	BusyTimeout time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Store records runs, stages, and transcripts in SQLite. It satisfies the
// pipeline engine's RunRecorder contract.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Open opens the database at path, creating it and its schema as needed.
// Pass ":memory:" for an ephemeral store.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases on one shared handle.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, metrics: opts.Metrics, tracer: opts.Tracer}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			logs_root TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'RUNNING',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS stages (
			id INTEGER PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL,
			stage_index INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcripts (
			session_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			turns TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs (started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_stages_run_id ON stages (run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_run_id ON transcripts (run_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// observe opens a db span and returns a completion func that closes it and
// records query metrics.
func (s *Store) observe(ctx context.Context, operation, table string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := s.tracer.TraceDatabaseQuery(ctx, operation, table)
	done := func(err error) {
		s.tracer.RecordError(span, err)
		span.End()
		s.metrics.RecordDatabaseQuery(operation, table, time.Since(start), err)
	}
	return ctx, done
}

// BeginRun inserts the run row with a RUNNING status.
func (s *Store) BeginRun(ctx context.Context, run pipeline.RunInfo) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	ctx, done := s.observe(ctx, "begin_run", "runs")
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, goal, label, logs_root, status, started_at)
		 VALUES (?,?,?,?,?,?,?)`,
		run.ID,
		run.Name,
		run.Goal,
		run.Label,
		run.LogsRoot,
		string(StatusRunning),
		run.StartedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// RecordStage appends one stage row.
func (s *Store) RecordStage(ctx context.Context, rec pipeline.StageRecord) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.RunID == "" || rec.NodeID == "" {
		return fmt.Errorf("stage record requires run and node ids")
	}
	ctx, done := s.observe(ctx, "record_stage", "stages")
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stages (run_id, node_id, node_type, stage_index, attempts, status, failure_reason, notes, started_at, finished_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.RunID,
		rec.NodeID,
		rec.NodeType,
		rec.StageIndex,
		rec.Attempts,
		string(rec.Status),
		rec.FailureReason,
		rec.Notes,
		rec.StartedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record stage: %w", err)
	}
	return nil
}

// FinishRun stamps the run's final status and finish time.
func (s *Store) FinishRun(ctx context.Context, runID string, status pipeline.Status, finishedAt time.Time) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if runID == "" {
		return ErrNotFound
	}
	ctx, done := s.observe(ctx, "finish_run", "runs")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), finishedAt, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (run *Run, err error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	if id == "" {
		return nil, ErrNotFound
	}
	ctx, done := s.observe(ctx, "get_run", "runs")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, goal, label, logs_root, status, started_at, finished_at
		 FROM runs WHERE id = ?`, id)

	var rec Run
	var status string
	var finished sql.NullTime
	if err = row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Goal,
		&rec.Label,
		&rec.LogsRoot,
		&status,
		&rec.StartedAt,
		&finished,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	rec.Status = pipeline.Status(status)
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return &rec, nil
}

// ListRuns returns runs newest first plus the total run count.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) (runs []*Run, total int, err error) {
	if s == nil || s.db == nil {
		return nil, 0, nil
	}
	ctx, done := s.observe(ctx, "list_runs", "runs")
	defer func() { done(err) }()

	if err = s.db.QueryRowContext(ctx, `SELECT count(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	query := `SELECT id, name, goal, label, logs_root, status, started_at, finished_at
		 FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs = []*Run{}
	for rows.Next() {
		var rec Run
		var status string
		var finished sql.NullTime
		if err = rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.Goal,
			&rec.Label,
			&rec.LogsRoot,
			&status,
			&rec.StartedAt,
			&finished,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		rec.Status = pipeline.Status(status)
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		runs = append(runs, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	return runs, total, nil
}

// ListStages returns a run's stage rows in execution order.
func (s *Store) ListStages(ctx context.Context, runID string) (stages []*Stage, err error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if runID == "" {
		return nil, ErrNotFound
	}
	ctx, done := s.observe(ctx, "list_stages", "stages")
	defer func() { done(err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, node_type, stage_index, attempts, status, failure_reason, notes, started_at, finished_at
		 FROM stages WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close()

	stages = []*Stage{}
	for rows.Next() {
		var rec Stage
		var status string
		if err = rows.Scan(
			&rec.RunID,
			&rec.NodeID,
			&rec.NodeType,
			&rec.StageIndex,
			&rec.Attempts,
			&status,
			&rec.FailureReason,
			&rec.Notes,
			&rec.StartedAt,
			&rec.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec.Status = pipeline.Status(status)
		stages = append(stages, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return stages, nil
}

// SaveTranscript upserts a session's turns as JSON. Saving the same session
// again replaces the previous snapshot.
func (s *Store) SaveTranscript(ctx context.Context, tr *Transcript) (err error) {
	if s == nil || s.db == nil {
		return nil
	}
	if tr == nil || tr.SessionID == "" {
		return fmt.Errorf("transcript requires a session id")
	}
	turns, err := json.Marshal(tr.Turns)
	if err != nil {
		return fmt.Errorf("marshal transcript turns: %w", err)
	}
	savedAt := tr.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	ctx, done := s.observe(ctx, "save_transcript", "transcripts")
	defer func() { done(err) }()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transcripts (session_id, run_id, turns, saved_at)
		 VALUES (?,?,?,?)
		 ON CONFLICT (session_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			turns = EXCLUDED.turns,
			saved_at = EXCLUDED.saved_at`,
		tr.SessionID,
		tr.RunID,
		string(turns),
		savedAt,
	)
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}

// GetTranscript fetches a saved conversation by session id.
func (s *Store) GetTranscript(ctx context.Context, sessionID string) (tr *Transcript, err error) {
	if s == nil || s.db == nil {
		return nil, ErrNotFound
	}
	if sessionID == "" {
		return nil, ErrNotFound
	}
	ctx, done := s.observe(ctx, "get_transcript", "transcripts")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, run_id, turns, saved_at FROM transcripts WHERE session_id = ?`,
		sessionID)

	var rec Transcript
	var turnsJSON string
	if err = row.Scan(&rec.SessionID, &rec.RunID, &turnsJSON, &rec.SavedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	if err = json.Unmarshal([]byte(turnsJSON), &rec.Turns); err != nil {
		return nil, fmt.Errorf("unmarshal transcript turns: %w", err)
	}
	return &rec, nil
}
