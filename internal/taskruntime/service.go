package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/deskpilot/internal/execution"
	"github.com/antoniostano/deskpilot/internal/observability"
	"github.com/antoniostano/deskpilot/internal/reliability"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

const (
	DefaultPollInterval = 2 * time.Second
	recoverScanLimit    = 200

	terminalWriteRetries = 3
)

type Config struct {
	PollInterval time.Duration
	StoreMode    string
}

// Service is the single worker driver. Each tick claims the oldest queued
// task when nothing is running and executes it on one goroutine; the ledger's
// running gate keeps the rest waiting.
type Service struct {
	queue        *tasks.Queue
	executor     *execution.Executor
	notifier     Notifier
	metrics      *observability.Metrics
	pollInterval time.Duration
	storeMode    string

	writeRetryBase time.Duration
	writeRetryCap  time.Duration
	// fatal carries a terminal write that could not be saved. Run stops on it.
	fatal chan error

	mu      sync.Mutex
	running string
	wg      sync.WaitGroup
}

func New(cfg Config, queue *tasks.Queue, executor *execution.Executor, notifier Notifier, metrics *observability.Metrics) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Service{
		queue:        queue,
		executor:     executor,
		notifier:     notifier,
		metrics:      metrics,
		pollInterval: cfg.PollInterval,
		storeMode:    cfg.StoreMode,

		writeRetryBase: 100 * time.Millisecond,
		writeRetryCap:  time.Second,
		fatal:          make(chan error, 1),
	}
}

func (s *Service) StoreMode() string {
	if s == nil || s.storeMode == "" {
		return "unknown"
	}
	return s.storeMode
}

func (s *Service) Queue() *tasks.Queue {
	return s.queue
}

// Run polls until ctx is done, then waits for the in-flight worker. It returns
// an error when a finished task's outcome could not be written to the ledger;
// that task is left running and the next start fails it as interrupted.
func (s *Service) Run(ctx context.Context) error {
	if n, err := s.RecoverInterrupted(ctx); err != nil {
		log.Printf("task recovery failed: %v", err)
	} else if n > 0 {
		log.Printf("marked %d interrupted task(s) as failed", n)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Printf("task poll failed: %v", err)
		}
		select {
		case <-ctx.Done():
			s.Wait()
			return nil
		case err := <-s.fatal:
			s.Wait()
			return err
		case <-ticker.C:
		}
	}
}

// Tick claims and starts at most one task. It returns the id of the task it
// started, or "" when there was nothing to do.
func (s *Service) Tick(ctx context.Context) (string, error) {
	s.mu.Lock()
	busy := s.running != ""
	s.mu.Unlock()
	if busy {
		return "", nil
	}

	task, ok, err := s.queue.ClaimNext(ctx)
	if err != nil {
		s.metrics.ObserveLedgerError("claim_next")
		return "", fmt.Errorf("claim next task: %w", err)
	}
	if !ok {
		return "", nil
	}
	started, err := s.queue.MarkRunning(ctx, task.ID)
	if err != nil {
		s.metrics.ObserveLedgerError("mark_running")
		return "", fmt.Errorf("mark task %s running: %w", task.ID, err)
	}
	if !started {
		return "", nil
	}
	task.Status = tasks.TaskStatusRunning

	s.mu.Lock()
	s.running = task.ID
	s.mu.Unlock()
	s.wg.Add(1)
	s.metrics.SetRunning(true)
	s.metrics.ObserveTaskEvent("started")

	go s.work(ctx, task)
	return task.ID, nil
}

// Wait blocks until the in-flight worker, if any, has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Running returns the id of the task being executed by this process.
func (s *Service) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) work(ctx context.Context, task tasks.Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.running = ""
		s.mu.Unlock()
		s.metrics.SetRunning(false)
	}()

	// Ledger writes and reports must land even when shutdown interrupts the run.
	bg := context.WithoutCancel(ctx)
	to := task.Requester

	result, err := s.executor.Execute(ctx, execution.Run{
		TaskID:         task.ID,
		Plan:           task.Plan,
		TimeoutSeconds: task.TimeoutSeconds,
		Notify: func(text string) {
			s.notify(bg, to, task.ID, text)
		},
		EmitArtifact: func(path string) {
			if err := s.notifier.SendArtifact(bg, to, task.ID, path); err != nil {
				s.metrics.ObserveNotifyError("artifact")
				log.Printf("task %s artifact delivery failed: %v", task.ID, err)
			}
		},
		IsCancelled: func() bool {
			cancelled, err := s.queue.IsCancelled(bg, task.ID)
			if err != nil {
				s.metrics.ObserveLedgerError("is_cancelled")
				log.Printf("task %s cancel check failed: %v", task.ID, err)
				return false
			}
			return cancelled
		},
	})

	auditPath := s.executor.AuditPath(task.ID)
	steps := len(result.StepResults)
	markCompleted := func() (bool, error) { return s.queue.MarkCompleted(bg, task.ID, result) }
	failWithResult := func() (bool, error) { return s.queue.FailWithResult(bg, task.ID, result) }
	switch {
	case err == nil:
		ok, werr := s.writeTerminal(bg, task.ID, "mark_completed", markCompleted)
		if s.reportWriteOutcome(bg, task, "mark_completed", ok, werr, steps, auditPath) {
			return
		}
		s.metrics.ObserveTaskEvent("completed")
		s.notify(bg, to, task.ID, fmt.Sprintf("Task %s completed. Audit log: %s", task.ID, auditPath))
	case errors.Is(err, execution.ErrCancelled):
		s.reportCancelled(bg, task, steps, auditPath)
	case errors.Is(err, execution.ErrInterrupted):
		ok, werr := s.writeTerminal(bg, task.ID, "fail_with_result", failWithResult)
		if s.reportWriteOutcome(bg, task, "fail_with_result", ok, werr, steps, auditPath) {
			return
		}
		s.metrics.ObserveTaskEvent("failed")
		s.notify(bg, to, task.ID, fmt.Sprintf("Task %s interrupted by shutdown after %d step(s). Audit log: %s", task.ID, steps, auditPath))
	default:
		ok, werr := s.writeTerminal(bg, task.ID, "fail_with_result", failWithResult)
		if s.reportWriteOutcome(bg, task, "fail_with_result", ok, werr, steps, auditPath) {
			return
		}
		s.metrics.ObserveTaskEvent("failed")
		s.notify(bg, to, task.ID, failureReport(task.ID, result, err, auditPath))
	}
}

// writeTerminal applies a terminal transition, retrying ledger errors with
// backoff.
func (s *Service) writeTerminal(ctx context.Context, taskID, op string, write func() (bool, error)) (bool, error) {
	var ok bool
	always := func(error) bool { return true }
	err := reliability.Retry(ctx, terminalWriteRetries, s.writeRetryBase, s.writeRetryCap, always, func() error {
		var err error
		ok, err = write()
		if err != nil {
			s.metrics.ObserveLedgerError(op)
			log.Printf("task %s %s failed: %v", taskID, op, err)
		}
		return err
	})
	return ok, err
}

// reportWriteOutcome handles a terminal write that did not go through. It
// returns true when the caller should stop reporting.
func (s *Service) reportWriteOutcome(ctx context.Context, task tasks.Task, op string, ok bool, err error, steps int, auditPath string) bool {
	if err != nil {
		s.notify(ctx, task.Requester, task.ID, fmt.Sprintf("Task %s finished but its result could not be saved: %v. Audit log: %s", task.ID, err, auditPath))
		s.halt(fmt.Errorf("task %s %s: %w", task.ID, op, err))
		return true
	}
	if !ok {
		// The task left running while the last step was in flight; cancel is
		// the only edge that can do that.
		s.reportCancelled(ctx, task, steps, auditPath)
		return true
	}
	return false
}

// halt hands err to Run. Only the first error is kept.
func (s *Service) halt(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

func (s *Service) reportCancelled(ctx context.Context, task tasks.Task, steps int, auditPath string) {
	s.metrics.ObserveTaskEvent("cancelled")
	s.notify(ctx, task.Requester, task.ID, fmt.Sprintf("Task %s cancelled after %d step(s). Audit log: %s", task.ID, steps, auditPath))
}

func failureReport(taskID string, result tasks.Result, err error, auditPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s failed", taskID)
	if sr, ok := result.FailedStep(); ok && sr.Error != nil {
		fmt.Fprintf(&b, " at step %d (%s): %s", sr.StepID, sr.Action, sr.Error.Message)
	} else {
		fmt.Fprintf(&b, ": %v", err)
	}
	fmt.Fprintf(&b, ". Audit log: %s", auditPath)
	return b.String()
}

func (s *Service) notify(ctx context.Context, to tasks.Requester, taskID, text string) {
	if err := s.notifier.Notify(ctx, to, taskID, text); err != nil {
		s.metrics.ObserveNotifyError("notify")
		log.Printf("task %s notify failed: %v", taskID, err)
	}
}

// RecoverInterrupted fails tasks left running by a previous process so the
// running gate does not stay shut forever. Tasks owned by this process are
// skipped.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	recent, err := s.queue.ListRecent(ctx, recoverScanLimit)
	if err != nil {
		s.metrics.ObserveLedgerError("list_recent")
		return 0, err
	}
	current := s.Running()
	n := 0
	for _, task := range recent {
		if task.Status != tasks.TaskStatusRunning || task.ID == current {
			continue
		}
		ok, err := s.queue.MarkFailed(ctx, task.ID, "interrupted by service restart")
		if err != nil {
			s.metrics.ObserveLedgerError("mark_failed")
			return n, err
		}
		if ok {
			n++
			s.metrics.ObserveTaskEvent("failed")
		}
	}
	return n, nil
}

func (s *Service) CreateTask(ctx context.Context, req tasks.CreateRequest) (tasks.Task, error) {
	id, err := s.queue.Create(ctx, req)
	if err != nil {
		return tasks.Task{}, err
	}
	task, err := s.queue.Get(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	s.metrics.ObserveTaskEvent("created")
	return task, nil
}

func (s *Service) ApproveTask(ctx context.Context, taskID string) (bool, error) {
	task, err := s.queue.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	ok, err := s.queue.Approve(ctx, taskID)
	if err != nil || !ok {
		return ok, err
	}
	s.metrics.ObserveTaskEvent("approved")
	if !task.CreatedAt.IsZero() {
		s.metrics.ObserveTaskApprovalWait(time.Since(task.CreatedAt))
	}
	return true, nil
}

func (s *Service) CancelTask(ctx context.Context, taskID string) (bool, error) {
	ok, err := s.queue.Cancel(ctx, taskID)
	if err != nil || !ok {
		return ok, err
	}
	if s.Running() != taskID {
		s.metrics.ObserveTaskEvent("cancelled")
	}
	return true, nil
}

func (s *Service) GetTask(ctx context.Context, taskID string) (tasks.Task, error) {
	return s.queue.Get(ctx, taskID)
}

func (s *Service) ListTasks(ctx context.Context, limit int) ([]tasks.Task, error) {
	return s.queue.ListRecent(ctx, limit)
}

func (s *Service) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]tasks.Event, error) {
	return s.queue.ListEvents(ctx, taskID, limit)
}

func (s *Service) Subscribe(chatID int64) (<-chan tasks.Event, func()) {
	return s.queue.Subscribe(chatID)
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	s.Wait()
	return s.queue.Close()
}
