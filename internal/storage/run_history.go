// Package storage persists graph execution records.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/taskgraph/internal/model"
)

// ErrRunNotFound is returned when no run exists with the requested id
var ErrRunNotFound = errors.New("run not found")

// RunStore defines the interface for execution run storage
type RunStore interface {
	// SaveRun stores a new run record without its nodes
	SaveRun(ctx context.Context, run *model.ExecutionRun) error

	// UpdateRun updates the mutable fields of a run record
	UpdateRun(ctx context.Context, run *model.ExecutionRun) error

	// SaveNodeRun inserts or replaces one node record of a run
	SaveNodeRun(ctx context.Context, runID string, node *model.NodeRun) error

	// GetRun retrieves a run together with its node records
	GetRun(ctx context.Context, id string) (*model.ExecutionRun, error)

	// ListRuns retrieves runs, newest first, without node records
	ListRuns(ctx context.Context, offset, limit int) ([]*model.ExecutionRun, error)

	// DeleteBefore deletes runs created before the specified time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying database
	Close() error
}

// SQLiteRunStore implements RunStore using SQLite
type SQLiteRunStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunStore opens (or creates) the database at dbPath
func NewSQLiteRunStore(logger *zap.Logger, dbPath string) (*SQLiteRunStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteRunStore{
		logger: logger.Named("run-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_runs (
			run_id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			layers TEXT NOT NULL,
			cyclic INTEGER NOT NULL DEFAULT 0,
			final_node_id TEXT,
			final_output TEXT,
			created_at DATETIME NOT NULL,
			finished_at DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_execution_runs_created_at ON execution_runs(created_at);
		CREATE TABLE IF NOT EXISTS node_runs (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			status TEXT NOT NULL,
			agent_id TEXT,
			agent_name TEXT,
			model TEXT,
			layer INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			finished_at DATETIME,
			output TEXT,
			error TEXT,
			PRIMARY KEY (run_id, node_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// SaveRun implements RunStore.SaveRun
func (s *SQLiteRunStore) SaveRun(ctx context.Context, run *model.ExecutionRun) error {
	layers, err := json.Marshal(run.Layers)
	if err != nil {
		return fmt.Errorf("failed to marshal layers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_runs (
			run_id, goal, status, layers, cyclic, final_node_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID,
		run.Goal,
		runStatus(run),
		string(layers),
		run.Cyclic,
		nullString(run.FinalNodeID),
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run: %w", err)
	}
	return nil
}

// UpdateRun implements RunStore.UpdateRun
func (s *SQLiteRunStore) UpdateRun(ctx context.Context, run *model.ExecutionRun) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE execution_runs SET
			status = ?,
			final_output = ?,
			finished_at = ?
		WHERE run_id = ?`,
		runStatus(run),
		nullString(run.FinalOutput),
		nullTime(run.FinishedAt),
		run.RunID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID)
	}
	return nil
}

// SaveNodeRun implements RunStore.SaveNodeRun
func (s *SQLiteRunStore) SaveNodeRun(ctx context.Context, runID string, node *model.NodeRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_runs (
			run_id, node_id, status, agent_id, agent_name, model, layer,
			attempts, started_at, finished_at, output, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			status = excluded.status,
			agent_id = excluded.agent_id,
			agent_name = excluded.agent_name,
			model = excluded.model,
			layer = excluded.layer,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			output = excluded.output,
			error = excluded.error`,
		runID,
		node.NodeID,
		node.Status,
		nullString(node.AgentID),
		nullString(node.AgentName),
		nullString(node.Model),
		node.Layer,
		node.Attempts,
		nullTime(node.StartedAt),
		nullTime(node.FinishedAt),
		nullString(node.Output),
		nullString(node.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to store node run: %w", err)
	}
	return nil
}

// GetRun implements RunStore.GetRun
func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*model.ExecutionRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, goal, status, layers, cyclic, final_node_id, final_output, created_at, finished_at
		FROM execution_runs
		WHERE run_id = ?`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, err
	}

	nodes, err := s.listNodeRuns(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Nodes = nodes
	return run, nil
}

func (s *SQLiteRunStore) listNodeRuns(ctx context.Context, runID string) ([]*model.NodeRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, status, agent_id, agent_name, model, layer, attempts,
			started_at, finished_at, output, error
		FROM node_runs
		WHERE run_id = ?
		ORDER BY layer, rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node runs: %w", err)
	}
	defer rows.Close()

	nodes := make([]*model.NodeRun, 0)
	for rows.Next() {
		node := &model.NodeRun{}
		var agentID, agentName, modelName, output, errorStr sql.NullString
		var startedAt, finishedAt sql.NullTime

		err := rows.Scan(
			&node.NodeID,
			&node.Status,
			&agentID,
			&agentName,
			&modelName,
			&node.Layer,
			&node.Attempts,
			&startedAt,
			&finishedAt,
			&output,
			&errorStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node run: %w", err)
		}

		node.AgentID = agentID.String
		node.AgentName = agentName.String
		node.Model = modelName.String
		node.Output = output.String
		node.Error = errorStr.String
		node.StartedAt = timePtr(startedAt)
		node.FinishedAt = timePtr(finishedAt)
		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return nodes, nil
}

// ListRuns implements RunStore.ListRuns
func (s *SQLiteRunStore) ListRuns(ctx context.Context, offset, limit int) ([]*model.ExecutionRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, goal, status, layers, cyclic, final_node_id, final_output, created_at, finished_at
		FROM execution_runs
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]*model.ExecutionRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}

// DeleteBefore implements RunStore.DeleteBefore
func (s *SQLiteRunStore) DeleteBefore(ctx context.Context, before time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM node_runs WHERE run_id IN (
			SELECT run_id FROM execution_runs WHERE created_at < ?
		)`, before); err != nil {
		return fmt.Errorf("failed to delete node runs: %w", err)
	}

	result, err := tx.ExecContext(ctx, "DELETE FROM execution_runs WHERE created_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return nil
}

// Close closes the database connection
func (s *SQLiteRunStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*model.ExecutionRun, error) {
	run := &model.ExecutionRun{Nodes: make([]*model.NodeRun, 0)}
	var layers string
	var finalNodeID, finalOutput sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(
		&run.RunID,
		&run.Goal,
		&run.Status,
		&layers,
		&run.Cyclic,
		&finalNodeID,
		&finalOutput,
		&run.CreatedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if err := json.Unmarshal([]byte(layers), &run.Layers); err != nil {
		return nil, fmt.Errorf("failed to decode layers: %w", err)
	}
	run.FinalNodeID = finalNodeID.String
	run.FinalOutput = finalOutput.String
	run.FinishedAt = timePtr(finishedAt)
	return run, nil
}

// runStatus prefers the status recorded on the run and falls back to the
// one derived from its nodes
func runStatus(run *model.ExecutionRun) model.RunStatus {
	if run.Status != "" {
		return run.Status
	}
	return run.Outcome()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
