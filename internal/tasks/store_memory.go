package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRow struct {
	task Task
	seq  int64
}

// MemoryStore keeps the ledger in process memory. It is used by tests and
// ephemeral demos.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[string]*memoryRow
	nextSeq int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*memoryRow)}
}

func (s *MemoryStore) InsertTask(_ context.Context, task Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[task.ID]; exists {
		return false, nil
	}
	s.nextSeq++
	s.rows[task.ID] = &memoryRow{task: task.Clone(), seq: s.nextSeq}
	return true, nil
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return row.task.Clone(), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Task, error) {
	s.mu.Lock()
	rows := s.sortedLocked()
	s.mu.Unlock()

	out := make([]Task, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, rows[i].task.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) NextQueued(_ context.Context) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasRunningLocked() {
		return Task{}, false, nil
	}
	for _, row := range s.sortedLocked() {
		if row.task.Status == TaskStatusQueued {
			return row.task.Clone(), true, nil
		}
	}
	return Task{}, false, nil
}

func (s *MemoryStore) Transition(_ context.Context, taskID string, from []TaskStatus, to TaskStatus, result *Result, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[taskID]
	if !ok || !statusIn(row.task.Status, from) {
		return false, nil
	}
	if to == TaskStatusRunning && s.hasRunningLocked() {
		return false, nil
	}
	row.task.Status = to
	row.task.UpdatedAt = at
	if result != nil {
		r := result.Clone()
		row.task.Result = &r
	}
	return true, nil
}

func (s *MemoryStore) StartRunning(ctx context.Context, taskID string, at time.Time) (bool, error) {
	return s.Transition(ctx, taskID, []TaskStatus{TaskStatusQueued}, TaskStatusRunning, nil, at)
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) hasRunningLocked() bool {
	for _, row := range s.rows {
		if row.task.Status == TaskStatusRunning {
			return true
		}
	}
	return false
}

// sortedLocked orders rows oldest first by creation time, then insertion.
func (s *MemoryStore) sortedLocked() []*memoryRow {
	out := make([]*memoryRow, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].task.CreatedAt.Equal(out[j].task.CreatedAt) {
			return out[i].task.CreatedAt.Before(out[j].task.CreatedAt)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func statusIn(status TaskStatus, set []TaskStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
