package tasks

import (
	"context"
	"errors"
	"time"
)

var ErrStoreNotFound = errors.New("task not found in store")

// Store is the durable task ledger. Every status write is a single atomic
// conditional update; a write whose precondition does not hold returns false.
type Store interface {
	// InsertTask writes a new task. It reports false, without writing, when a
	// task with the same id already exists.
	InsertTask(ctx context.Context, task Task) (bool, error)
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListRecent(ctx context.Context, limit int) ([]Task, error)
	// NextQueued returns the oldest queued task, or false when none is queued
	// or any task is running.
	NextQueued(ctx context.Context) (Task, bool, error)
	// Transition moves a task to status `to` if its current status is one of
	// `from`. A non-nil result is stored alongside.
	Transition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, result *Result, at time.Time) (bool, error)
	// StartRunning moves a queued task to running only while no other task
	// is running.
	StartRunning(ctx context.Context, taskID string, at time.Time) (bool, error)
	Close() error
}
