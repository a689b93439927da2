package graphstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trellis-labs/trellis/core"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite snapshot store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string

	// RetentionAge deletes snapshots older than this duration (0 = keep).
	RetentionAge time.Duration

	// PruneInterval is how often pruning runs (default 1 hour).
	PruneInterval time.Duration
}

// SQLiteStore persists snapshots to SQLite with WAL mode for concurrent
// reads and an optional background pruner.
type SQLiteStore struct {
	db   *sql.DB
	cfg  SQLiteStoreConfig
	stop chan struct{}
	done chan struct{}
}

// NewSQLiteStore opens (or creates) the store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("graphstore: create schema: %w", err)
	}

	s := &SQLiteStore{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 {
		go s.pruneLoop()
	} else {
		close(s.done)
	}
	return s, nil
}

// Record upserts one snapshot.
func (s *SQLiteStore) Record(ctx context.Context, snap core.ExecutionSnapshot) error {
	var completedAt string
	if !snap.CompletedAt.IsZero() {
		completedAt = snap.CompletedAt.Format(time.RFC3339Nano)
	}

	var errorKind, errorMessage string
	if snap.Error != nil {
		errorKind = string(snap.Error.Kind)
		errorMessage = snap.Error.Message
	}

	var traceJSON []byte
	if snap.Trace != nil {
		var err error
		traceJSON, err = json.Marshal(snap.Trace)
		if err != nil {
			return fmt.Errorf("graphstore: marshal trace: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO executions
		 (execution_id, user_id, name, category, structure_hash, status, created_at, completed_at,
		  duration_ms, total_cost, total_tokens, input_tokens, output_tokens,
		  error_kind, error_message, framework, trace)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ExecutionID,
		snap.UserID,
		snap.Identity.Name,
		snap.Identity.Category,
		snap.Identity.StructureHash,
		string(snap.Status),
		snap.CreatedAt.Format(time.RFC3339Nano),
		completedAt,
		snap.DurationMS,
		snap.CostInfo.TotalCost,
		snap.CostInfo.TotalTokens,
		snap.CostInfo.InputTokens,
		snap.CostInfo.OutputTokens,
		errorKind,
		errorMessage,
		snap.Framework,
		nullableString(traceJSON),
	)
	if err != nil {
		return fmt.Errorf("graphstore: record: %w", err)
	}
	return nil
}

// ByUser returns a user's snapshots, oldest first.
func (s *SQLiteStore) ByUser(ctx context.Context, userID string) ([]core.ExecutionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM executions WHERE user_id = ? ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("graphstore: by user: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// ByStructure returns the snapshots sharing a structure hash, oldest first.
func (s *SQLiteStore) ByStructure(ctx context.Context, structureHash string) ([]core.ExecutionSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM executions WHERE structure_hash = ? ORDER BY created_at ASC`, structureHash)
	if err != nil {
		return nil, fmt.Errorf("graphstore: by structure: %w", err)
	}
	defer rows.Close()
	return scanSnapshots(rows)
}

// Close stops the pruner and closes the database.
func (s *SQLiteStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return s.db.Close()
}

func (s *SQLiteStore) pruneLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.RetentionAge).Format(time.RFC3339Nano)
			if _, err := s.db.Exec(`DELETE FROM executions WHERE created_at < ?`, cutoff); err != nil {
				continue
			}
		}
	}
}

const selectColumns = `SELECT execution_id, user_id, name, category, structure_hash, status,
       created_at, completed_at, duration_ms, total_cost, total_tokens, input_tokens,
       output_tokens, error_kind, error_message, framework, trace`

func scanSnapshots(rows *sql.Rows) ([]core.ExecutionSnapshot, error) {
	var out []core.ExecutionSnapshot
	for rows.Next() {
		var (
			snap         core.ExecutionSnapshot
			status       string
			createdAt    string
			completedAt  sql.NullString
			errorKind    string
			errorMessage string
			traceJSON    sql.NullString
		)
		if err := rows.Scan(
			&snap.ExecutionID,
			&snap.UserID,
			&snap.Identity.Name,
			&snap.Identity.Category,
			&snap.Identity.StructureHash,
			&status,
			&createdAt,
			&completedAt,
			&snap.DurationMS,
			&snap.CostInfo.TotalCost,
			&snap.CostInfo.TotalTokens,
			&snap.CostInfo.InputTokens,
			&snap.CostInfo.OutputTokens,
			&errorKind,
			&errorMessage,
			&snap.Framework,
			&traceJSON,
		); err != nil {
			return nil, fmt.Errorf("graphstore: scan: %w", err)
		}
		snap.Status = core.Status(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			snap.CreatedAt = t
		}
		if completedAt.Valid && completedAt.String != "" {
			if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
				snap.CompletedAt = t
			}
		}
		if errorKind != "" {
			snap.Error = &core.ExecError{Kind: core.ErrorKind(errorKind), Message: errorMessage}
		}
		if traceJSON.Valid && traceJSON.String != "" {
			var trace core.Trace
			if err := json.Unmarshal([]byte(traceJSON.String), &trace); err == nil {
				snap.Trace = &trace
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ core.GraphStore = (*SQLiteStore)(nil)
