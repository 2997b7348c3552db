package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/antoniostano/deskpilot/internal/reliability"

	_ "modernc.org/sqlite"
)

const (
	DefaultSQLitePath = "data/deskpilot.sqlite"

	sqliteBusyRetries = 5
	sqliteBusyBase    = 50 * time.Millisecond
	sqliteBusyCap     = 500 * time.Millisecond
)

// SQLiteStore is the default ledger. Timestamps are stored as unix
// nanoseconds so ordering by created_at is exact; rowid breaks ties.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultSQLitePath
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			command TEXT NOT NULL,
			plan_json TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			result_json TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_created ON tasks (status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks (created_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS tasks_single_running ON tasks (status) WHERE status = 'running';`,
	}
	for _, stmt := range stmts {
		if err := s.retry(ctx, func() error {
			_, err := s.db.ExecContext(ctx, stmt)
			return err
		}); err != nil {
			return fmt.Errorf("init task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const sqliteTaskColumns = `task_id, chat_id, user_id, command, plan_json, status, created_at, updated_at, timeout_seconds, result_json`

func (s *SQLiteStore) InsertTask(ctx context.Context, task Task) (bool, error) {
	rec, err := encodeTask(task)
	if err != nil {
		return false, err
	}
	var affected int64
	err = s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (`+sqliteTaskColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT (task_id) DO NOTHING`,
			rec.ID,
			rec.ChatID,
			rec.UserID,
			rec.Command,
			rec.PlanJSON,
			rec.Status,
			rec.CreatedAt.UnixNano(),
			rec.UpdatedAt.UnixNano(),
			rec.TimeoutSeconds,
			rec.ResultJSON,
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert task: %w", err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.retry(ctx, func() error {
		var err error
		task, err = scanSQLiteTask(s.db.QueryRowContext(ctx,
			`SELECT `+sqliteTaskColumns+` FROM tasks WHERE task_id = ?`, taskID))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrStoreNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var out []Task
	err := s.retry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+sqliteTaskColumns+` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]Task, 0, limit)
		for rows.Next() {
			task, err := scanSQLiteTask(rows)
			if err != nil {
				return fmt.Errorf("scan task row: %w", err)
			}
			out = append(out, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) NextQueued(ctx context.Context) (Task, bool, error) {
	var task Task
	err := s.retry(ctx, func() error {
		var err error
		task, err = scanSQLiteTask(s.db.QueryRowContext(ctx,
			`SELECT `+sqliteTaskColumns+` FROM tasks
			  WHERE status = 'queued'
			    AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.status = 'running')
			  ORDER BY created_at ASC, rowid ASC
			  LIMIT 1`))
		return err
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("next queued task: %w", err)
	}
	return task, true, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, result *Result, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	resultJSON, err := encodeResult(result)
	if err != nil {
		return false, err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), at.UTC().UnixNano(), resultJSON, taskID}
	for _, st := range statusStrings(from) {
		args = append(args, st)
	}
	query := `UPDATE tasks
	             SET status = ?, updated_at = ?, result_json = COALESCE(?, result_json)
	           WHERE task_id = ? AND status IN (` + placeholders + `)`
	return s.execConditional(ctx, "transition task to "+string(to), query, args...)
}

func (s *SQLiteStore) StartRunning(ctx context.Context, taskID string, at time.Time) (bool, error) {
	return s.execConditional(ctx, "mark task running",
		`UPDATE tasks
		    SET status = 'running', updated_at = ?
		  WHERE task_id = ? AND status = 'queued'
		    AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.status = 'running')`,
		at.UTC().UnixNano(), taskID,
	)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) execConditional(ctx context.Context, op, query string, args ...any) (bool, error) {
	var affected int64
	err := s.retry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		if reliability.IsUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return affected == 1, nil
}

func (s *SQLiteStore) retry(ctx context.Context, fn func() error) error {
	return reliability.Retry(ctx, sqliteBusyRetries, sqliteBusyBase, sqliteBusyCap, reliability.IsSQLiteBusy, fn)
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row sqlScanner) (Task, error) {
	var (
		rec     taskRecord
		created int64
		updated int64
		result  sql.NullString
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ChatID,
		&rec.UserID,
		&rec.Command,
		&rec.PlanJSON,
		&rec.Status,
		&created,
		&updated,
		&rec.TimeoutSeconds,
		&result,
	); err != nil {
		return Task{}, err
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	if result.Valid {
		rec.ResultJSON = &result.String
	}
	return rec.decode()
}
