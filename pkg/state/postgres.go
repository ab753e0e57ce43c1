package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"GameHelper/internal/core"
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PostgresStore keeps one row per task context and one row per checkpoint.
type PostgresStore struct {
	db               *sql.DB
	contextTable     string
	checkpointsTable string
}

// NewPostgresStore opens dsn, verifies the connection and creates the tables if needed.
// prefix is prepended to the table names and must be a plain lower-case identifier.
func NewPostgresStore(ctx context.Context, dsn, prefix string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}
	if prefix == "" {
		prefix = "gamehelper_"
	}
	if !tablePrefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("invalid table prefix %q", prefix)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{
		db:               db,
		contextTable:     pq.QuoteIdentifier(prefix + "task_contexts"),
		checkpointsTable: pq.QuoteIdentifier(prefix + "task_checkpoints"),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			task_id    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			state      TEXT NOT NULL,
			progress   DOUBLE PRECISION NOT NULL DEFAULT 0,
			snapshot   JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.contextTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id         BIGSERIAL PRIMARY KEY,
			task_id    TEXT NOT NULL,
			name       TEXT NOT NULL,
			progress   DOUBLE PRECISION NOT NULL DEFAULT 0,
			checkpoint JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.checkpointsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return describePQError("migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, snap core.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (task_id, name, state, progress, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id) DO UPDATE
		SET name = EXCLUDED.name, state = EXCLUDED.state, progress = EXCLUDED.progress,
		    snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at`, s.contextTable)

	_, err = s.db.ExecContext(ctx, query, snap.TaskID, snap.Name, string(snap.State), snap.Progress, data, snap.UpdatedAt)
	return describePQError("save context", err)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, taskID string, cp core.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (task_id, name, progress, checkpoint, created_at)
		VALUES ($1, $2, $3, $4, $5)`, s.checkpointsTable)

	_, err = s.db.ExecContext(ctx, query, taskID, cp.Name, cp.Progress, data, cp.Timestamp)
	return describePQError("save checkpoint", err)
}

func (s *PostgresStore) LoadContext(ctx context.Context, taskID string) (core.ContextSnapshot, bool, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT snapshot FROM %s WHERE task_id = $1`, s.contextTable)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ContextSnapshot{}, false, nil
	}
	if err != nil {
		return core.ContextSnapshot{}, false, describePQError("load context", err)
	}

	var snap core.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.ContextSnapshot{}, false, fmt.Errorf("corrupt context %s: %w", taskID, err)
	}
	return snap, true, nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, taskID string) (core.Checkpoint, bool, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT checkpoint FROM %s WHERE task_id = $1 ORDER BY id DESC LIMIT 1`, s.checkpointsTable)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Checkpoint{}, false, nil
	}
	if err != nil {
		return core.Checkpoint{}, false, describePQError("load checkpoint", err)
	}

	var cp core.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("corrupt checkpoint for %s: %w", taskID, err)
	}
	return cp, true, nil
}

func (s *PostgresStore) Checkpoints(ctx context.Context, taskID string) ([]core.Checkpoint, error) {
	query := fmt.Sprintf(`SELECT checkpoint FROM %s WHERE task_id = $1 ORDER BY id`, s.checkpointsTable)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, describePQError("list checkpoints", err)
	}
	defer rows.Close()

	var cps []core.Checkpoint
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var cp core.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// describePQError adds the server's error code and message to driver errors.
func describePQError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("postgres %s failed (%s %s): %w", op, pqErr.Code, pqErr.Code.Name(), err)
	}
	return fmt.Errorf("postgres %s failed: %w", op, err)
}
