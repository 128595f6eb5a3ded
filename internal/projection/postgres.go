package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/workflow"
)

// PostgresStore persists run projections in PostgreSQL for queryability
// across restarts. It remains a cache: Reset plus a replay pass restores it
// from the event log.
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects a pgx pool and verifies it with a ping.
func NewPostgresStore(ctx context.Context, dsn string, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PostgresStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// UpsertRun writes the projection row, replacing any previous version.
func (s *PostgresStore) UpsertRun(ctx context.Context, run *workflow.Run) error {
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO runs (id, work_item_id, status, started_at, completed_at, steps, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			steps = EXCLUDED.steps,
			updated_at = now()`,
		run.ID, run.WorkItemID, string(run.Status), run.StartedAt, run.CompletedAt, steps)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one projection row, or ErrNotFound.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*workflow.Run, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, work_item_id, status, started_at, completed_at, steps FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns matching projections, most recently started first.
func (s *PostgresStore) ListRuns(ctx context.Context, f Filter) ([]*workflow.Run, error) {
	query := `SELECT id, work_item_id, status, started_at, completed_at, steps FROM runs`
	var conds []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.WorkItemID != "" {
		args = append(args, f.WorkItemID)
		conds = append(conds, fmt.Sprintf("work_item_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Reset truncates the projection table. Safe: the event log remains the
// source of truth and a replay pass repopulates the table.
func (s *PostgresStore) Reset(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `TRUNCATE runs`); err != nil {
		return fmt.Errorf("reset runs: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var run workflow.Run
	var status string
	var completed *time.Time
	var steps []byte
	if err := row.Scan(&run.ID, &run.WorkItemID, &status, &run.StartedAt, &completed, &steps); err != nil {
		return nil, err
	}
	run.Status = workflow.RunStatus(status)
	run.CompletedAt = completed
	if err := json.Unmarshal(steps, &run.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &run, nil
}
