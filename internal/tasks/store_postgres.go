package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			chat_id BIGINT NOT NULL,
			user_id BIGINT NOT NULL,
			command TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			result_json TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at DESC, seq DESC);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_single_running ON tasks (status) WHERE status = 'running';`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const pgTaskColumns = `task_id, chat_id, user_id, command, plan_json, status, created_at, updated_at, timeout_seconds, result_json`

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) (bool, error) {
	rec, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (`+pgTaskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (task_id) DO NOTHING`,
		rec.ID,
		rec.ChatID,
		rec.UserID,
		rec.Command,
		rec.PlanJSON,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.TimeoutSeconds,
		rec.ResultJSON,
	)
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE task_id=$1`, taskID)
	task, err := scanPgTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListRecent(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks ORDER BY created_at DESC, seq DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) NextQueued(ctx context.Context) (Task, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks
		  WHERE status='queued'
		    AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.status='running')
		  ORDER BY created_at ASC, seq ASC
		  LIMIT 1`,
	)
	task, err := scanPgTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("next queued task: %w", err)
	}
	return task, true, nil
}

func (s *PostgresStore) Transition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, result *Result, at time.Time) (bool, error) {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		    SET status=$1, updated_at=$2, result_json=COALESCE($3, result_json)
		  WHERE task_id=$4 AND status = ANY($5)`,
		string(to), at.UTC(), resultJSON, taskID, statusStrings(from),
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("transition task to %s: %w", to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) StartRunning(ctx context.Context, taskID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		    SET status='running', updated_at=$1
		  WHERE task_id=$2 AND status='queued'
		    AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.status='running')`,
		at.UTC(), taskID,
	)
	if err != nil {
		if isPgUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark task running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgTask(row pgx.Row) (Task, error) {
	var rec taskRecord
	if err := row.Scan(
		&rec.ID,
		&rec.ChatID,
		&rec.UserID,
		&rec.Command,
		&rec.PlanJSON,
		&rec.Status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.TimeoutSeconds,
		&rec.ResultJSON,
	); err != nil {
		return Task{}, err
	}
	return rec.decode()
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
