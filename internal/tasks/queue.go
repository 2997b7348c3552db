package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/deskpilot/internal/plan"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrInvalidPlan  = plan.ErrInvalidPlan
)

const (
	defaultEventHistoryLimit = 512
	defaultListLimit         = 5
	maxListLimit             = 200
)

// Queue is the task lifecycle API over a Store. Status changes are decided by
// the store's conditional writes; the queue adds id allocation, defaults,
// and the per-task event history with per-chat fan-out.
type Queue struct {
	store          Store
	defaultTimeout int

	clockMu sync.Mutex
	now     func() time.Time
	lastNow time.Time

	mu              sync.RWMutex
	eventsByTask    map[string][]Event
	eventHistoryMax int
	subscribers     map[int64]map[int]chan Event
	nextSubID       int
}

func NewQueue(store Store, defaultTimeoutSeconds int) *Queue {
	if defaultTimeoutSeconds <= 0 {
		defaultTimeoutSeconds = DefaultTimeoutSeconds
	}
	return &Queue{
		store:           store,
		defaultTimeout:  defaultTimeoutSeconds,
		now:             time.Now,
		eventsByTask:    make(map[string][]Event),
		eventHistoryMax: defaultEventHistoryLimit,
		subscribers:     make(map[int64]map[int]chan Event),
	}
}

// SetClock replaces the wall clock. Timestamps handed to the store never go
// backwards even if the clock does.
func (q *Queue) SetClock(now func() time.Time) {
	q.clockMu.Lock()
	defer q.clockMu.Unlock()
	q.now = now
}

func (q *Queue) DefaultTimeoutSeconds() int {
	return q.defaultTimeout
}

func (q *Queue) Create(ctx context.Context, req CreateRequest) (string, error) {
	if err := req.Plan.Validate(); err != nil {
		return "", err
	}
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	timeout := req.TimeoutSeconds
	if timeout <= 0 {
		timeout = q.defaultTimeout
	}
	now := q.timestamp()

	task := Task{
		ID:             taskID,
		Requester:      req.Requester,
		Command:        req.Command,
		Plan:           req.Plan.Clone(),
		Status:         TaskStatusPendingApproval,
		CreatedAt:      now,
		UpdatedAt:      now,
		TimeoutSeconds: timeout,
	}
	inserted, err := q.store.InsertTask(ctx, task)
	if err != nil {
		return "", err
	}
	if !inserted {
		return taskID, nil
	}

	q.Publish(Event{
		Type:   EventTaskCreated,
		TaskID: task.ID,
		ChatID: task.Requester.ChatID,
		UserID: task.Requester.UserID,
		Status: task.Status,
		Text:   task.Command,
		Detail: fmt.Sprintf("Planned %d step(s).", len(task.Plan.Steps)),
		At:     now,
	})
	return taskID, nil
}

func (q *Queue) Approve(ctx context.Context, taskID string) (bool, error) {
	return q.transition(ctx, taskID, []TaskStatus{TaskStatusPendingApproval}, TaskStatusQueued, nil, EventTaskApproved, "")
}

// Cancel moves any non-terminal task to cancelled. A running executor is not
// interrupted; it observes the flag at its next step boundary.
func (q *Queue) Cancel(ctx context.Context, taskID string) (bool, error) {
	return q.transition(ctx, taskID, sourcesFor(TaskStatusCancelled), TaskStatusCancelled, nil, EventTaskCancelled, "")
}

// ClaimNext returns the oldest queued task without changing it, or false when
// nothing is queued or a task is already running.
func (q *Queue) ClaimNext(ctx context.Context) (Task, bool, error) {
	return q.store.NextQueued(ctx)
}

func (q *Queue) MarkRunning(ctx context.Context, taskID string) (bool, error) {
	now := q.timestamp()
	ok, err := q.store.StartRunning(ctx, taskID, now)
	if err != nil || !ok {
		return ok, err
	}
	q.publishFor(ctx, taskID, EventTaskStarted, TaskStatusRunning, "", now)
	return true, nil
}

func (q *Queue) MarkCompleted(ctx context.Context, taskID string, result Result) (bool, error) {
	return q.transition(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusCompleted, &result, EventTaskCompleted, "")
}

// MarkFailed records a failure with a single synthetic error entry.
func (q *Queue) MarkFailed(ctx context.Context, taskID, message string) (bool, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		message = "task failed"
	}
	return q.transition(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusFailed, &Result{Error: message}, EventTaskFailed, message)
}

// FailWithResult records a failure keeping the partial step trail.
func (q *Queue) FailWithResult(ctx context.Context, taskID string, result Result) (bool, error) {
	if strings.TrimSpace(result.Error) == "" {
		result.Error = "task failed"
	}
	return q.transition(ctx, taskID, []TaskStatus{TaskStatusRunning}, TaskStatusFailed, &result, EventTaskFailed, result.Error)
}

func (q *Queue) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status == TaskStatusCancelled, nil
}

func (q *Queue) Get(ctx context.Context, taskID string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return Task{}, ErrTaskNotFound
	}
	task, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrStoreNotFound) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return task, nil
}

// ListRecent returns tasks newest first.
func (q *Queue) ListRecent(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return q.store.ListRecent(ctx, limit)
}

func (q *Queue) Subscribe(chatID int64) (<-chan Event, func()) {
	ch := make(chan Event, 256)
	q.mu.Lock()
	q.nextSubID++
	id := q.nextSubID
	if _, ok := q.subscribers[chatID]; !ok {
		q.subscribers[chatID] = make(map[int]chan Event)
	}
	q.subscribers[chatID][id] = ch
	q.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			subs := q.subscribers[chatID]
			if subs == nil {
				return
			}
			if c, ok := subs[id]; ok {
				delete(subs, id)
				close(c)
			}
			if len(subs) == 0 {
				delete(q.subscribers, chatID)
			}
		})
	}
}

func (q *Queue) ListEvents(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if _, err := q.Get(ctx, taskID); err != nil {
		return nil, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	events := q.eventsByTask[taskID]
	if len(events) == 0 {
		return []Event{}, nil
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out, nil
}

// Publish records an event in its task's history and delivers it to the
// chat's subscribers. Slow subscribers drop events rather than block.
func (q *Queue) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if taskID := strings.TrimSpace(evt.TaskID); taskID != "" {
		q.eventsByTask[taskID] = append(q.eventsByTask[taskID], evt)
		if max := q.eventHistoryMax; max > 0 && len(q.eventsByTask[taskID]) > max {
			trimFrom := len(q.eventsByTask[taskID]) - max
			q.eventsByTask[taskID] = append([]Event(nil), q.eventsByTask[taskID][trimFrom:]...)
		}
	}

	for _, ch := range q.subscribers[evt.ChatID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (q *Queue) Close() error {
	if q == nil || q.store == nil {
		return nil
	}
	return q.store.Close()
}

func (q *Queue) transition(ctx context.Context, taskID string, from []TaskStatus, to TaskStatus, result *Result, evtType EventType, detail string) (bool, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return false, nil
	}
	now := q.timestamp()
	ok, err := q.store.Transition(ctx, taskID, from, to, result, now)
	if err != nil || !ok {
		return ok, err
	}
	q.publishFor(ctx, taskID, evtType, to, detail, now)
	return true, nil
}

func (q *Queue) publishFor(ctx context.Context, taskID string, evtType EventType, status TaskStatus, detail string, at time.Time) {
	evt := Event{
		Type:   evtType,
		TaskID: taskID,
		Status: status,
		Detail: detail,
		At:     at,
	}
	if task, err := q.store.GetTask(ctx, taskID); err == nil {
		evt.ChatID = task.Requester.ChatID
		evt.UserID = task.Requester.UserID
	}
	q.Publish(evt)
}

func (q *Queue) timestamp() time.Time {
	q.clockMu.Lock()
	defer q.clockMu.Unlock()
	now := q.now().UTC()
	if now.Before(q.lastNow) {
		now = q.lastNow
	}
	q.lastNow = now
	return now
}
