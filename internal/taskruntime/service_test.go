package taskruntime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/execution"
	"github.com/antoniostano/deskpilot/internal/plan"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

type recordingNotifier struct {
	mu        sync.Mutex
	texts     []string
	artifacts []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ tasks.Requester, _, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordingNotifier) SendArtifact(_ context.Context, _ tasks.Requester, _, path string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.artifacts = append(n.artifacts, path)
	return nil
}

func (n *recordingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.texts) == 0 {
		return ""
	}
	return n.texts[len(n.texts)-1]
}

type fixture struct {
	svc      *Service
	queue    *tasks.Queue
	desktop  *capability.MockDesktop
	notifier *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, tasks.NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, store tasks.Store) *fixture {
	t.Helper()
	dir := t.TempDir()
	desktop := capability.NewMockDesktop()
	reg, err := capability.NewDefaultRegistry(desktop, dir)
	if err != nil {
		t.Fatalf("NewDefaultRegistry() error = %v", err)
	}
	queue := tasks.NewQueue(store, 30)
	notifier := &recordingNotifier{}
	svc := New(Config{PollInterval: 10 * time.Millisecond, StoreMode: "memory"}, queue, execution.New(reg, execution.Options{AuditDir: dir}), notifier, nil)
	t.Cleanup(func() { _ = svc.Close() })
	return &fixture{svc: svc, queue: queue, desktop: desktop, notifier: notifier}
}

func (f *fixture) createApproved(t *testing.T, command string) string {
	t.Helper()
	task, err := f.svc.CreateTask(context.Background(), tasks.CreateRequest{
		Requester: tasks.Requester{ChatID: 7, UserID: 8},
		Command:   command,
		Plan:      plan.Build(command, nil),
	})
	if err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	if task.Status != tasks.TaskStatusPendingApproval {
		t.Fatalf("task.Status = %q, want %q", task.Status, tasks.TaskStatusPendingApproval)
	}
	ok, err := f.svc.ApproveTask(context.Background(), task.ID)
	if err != nil || !ok {
		t.Fatalf("ApproveTask() = %v, %v", ok, err)
	}
	return task.ID
}

func (f *fixture) status(t *testing.T, id string) tasks.Task {
	t.Helper()
	task, err := f.svc.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	return task
}

func TestTickRunsApprovedTask(t *testing.T) {
	f := newFixture(t)
	id := f.createApproved(t, "click_text Submit")

	started, err := f.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if started != id {
		t.Fatalf("Tick() = %q, want %q", started, id)
	}
	f.svc.Wait()

	task := f.status(t, id)
	if task.Status != tasks.TaskStatusCompleted {
		t.Fatalf("Status = %q, want completed", task.Status)
	}
	if task.Result == nil || len(task.Result.StepResults) != 4 {
		t.Fatalf("Result = %+v, want 4 step results", task.Result)
	}
	if !strings.HasPrefix(f.notifier.texts[0], "Executing step 1: screen.capture") {
		t.Fatalf("first notification = %q", f.notifier.texts[0])
	}
	if got := f.notifier.last(); !strings.Contains(got, "completed") || !strings.Contains(got, id+".log") {
		t.Fatalf("final report = %q", got)
	}
	if len(f.notifier.artifacts) != 2 {
		t.Fatalf("artifacts = %v, want 2", f.notifier.artifacts)
	}
}

func TestTickIgnoresPendingTasks(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateTask(context.Background(), tasks.CreateRequest{
		Requester: tasks.Requester{ChatID: 1, UserID: 1},
		Command:   "type hi",
		Plan:      plan.Build("type hi", nil),
	}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	started, err := f.svc.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if started != "" {
		t.Fatalf("Tick() started %q, want nothing", started)
	}
}

func TestTickIsNoopWhileTaskRuns(t *testing.T) {
	f := newFixture(t)
	f.desktop.DelayOn("click", 200*time.Millisecond)
	first := f.createApproved(t, "click 1 2")
	second := f.createApproved(t, "click 3 4")

	if got, _ := f.svc.Tick(context.Background()); got != first {
		t.Fatalf("first Tick() = %q, want %q", got, first)
	}
	if got, _ := f.svc.Tick(context.Background()); got != "" {
		t.Fatalf("second Tick() = %q, want nothing while running", got)
	}
	if _, ok, _ := f.queue.ClaimNext(context.Background()); ok {
		t.Fatalf("ClaimNext() ok = true while a task is running")
	}
	f.svc.Wait()

	if got, _ := f.svc.Tick(context.Background()); got != second {
		t.Fatalf("third Tick() = %q, want %q", got, second)
	}
	f.svc.Wait()
	if got := f.status(t, second).Status; got != tasks.TaskStatusCompleted {
		t.Fatalf("second Status = %q, want completed", got)
	}
}

func TestCancelMidRunStopsAtNextStep(t *testing.T) {
	f := newFixture(t)
	f.desktop.DelayOn("click", 200*time.Millisecond)
	id := f.createApproved(t, "click 5 5 then type hello")

	if _, err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.desktop.CallCount("click") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ok, err := f.svc.CancelTask(context.Background(), id)
	if err != nil || !ok {
		t.Fatalf("CancelTask() = %v, %v", ok, err)
	}
	f.svc.Wait()

	task := f.status(t, id)
	if task.Status != tasks.TaskStatusCancelled {
		t.Fatalf("Status = %q, want cancelled", task.Status)
	}
	if task.Result != nil {
		t.Fatalf("Result = %+v, want nil for cancelled task", task.Result)
	}
	if f.desktop.CallCount("type") != 0 {
		t.Fatalf("type ran after cancel")
	}
	if got := f.notifier.last(); !strings.Contains(got, "cancelled after 3 step(s)") {
		t.Fatalf("final report = %q", got)
	}
}

func TestFailedRunKeepsStepTrail(t *testing.T) {
	f := newFixture(t)
	f.desktop.FailOn("click", errors.New("control not found"))
	id := f.createApproved(t, "click 9 9")

	if _, err := f.svc.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	f.svc.Wait()

	task := f.status(t, id)
	if task.Status != tasks.TaskStatusFailed {
		t.Fatalf("Status = %q, want failed", task.Status)
	}
	if task.Result == nil || len(task.Result.StepResults) != 3 {
		t.Fatalf("Result = %+v, want 3 step results", task.Result)
	}
	if task.Result.Error == "" {
		t.Fatalf("Result.Error empty")
	}
	report := f.notifier.last()
	if !strings.Contains(report, "failed at step 3 (input.click)") || !strings.Contains(report, "control not found") {
		t.Fatalf("final report = %q", report)
	}
}

func TestRecoverInterruptedFailsStaleRunning(t *testing.T) {
	f := newFixture(t)
	id := f.createApproved(t, "type hi")
	if ok, err := f.queue.MarkRunning(context.Background(), id); err != nil || !ok {
		t.Fatalf("MarkRunning() = %v, %v", ok, err)
	}

	n, err := f.svc.RecoverInterrupted(context.Background())
	if err != nil {
		t.Fatalf("RecoverInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}
	task := f.status(t, id)
	if task.Status != tasks.TaskStatusFailed || task.Result == nil || task.Result.Error != "interrupted by service restart" {
		t.Fatalf("task = %+v", task)
	}
}

func TestRunDrainsQueueUntilCancelled(t *testing.T) {
	f := newFixture(t)
	a := f.createApproved(t, "type one")
	b := f.createApproved(t, "type two")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if f.status(t, a).Status == tasks.TaskStatusCompleted && f.status(t, b).Status == tasks.TaskStatusCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, id := range []string{a, b} {
		if got := f.status(t, id).Status; got != tasks.TaskStatusCompleted {
			t.Fatalf("task %s Status = %q, want completed", id, got)
		}
	}
}

// brokenLedger fails every write that would complete a task while broken is
// set.
type brokenLedger struct {
	tasks.Store
	broken atomic.Bool
	writes atomic.Int32
}

func (b *brokenLedger) Transition(ctx context.Context, taskID string, from []tasks.TaskStatus, to tasks.TaskStatus, result *tasks.Result, at time.Time) (bool, error) {
	if to == tasks.TaskStatusCompleted && b.broken.Load() {
		b.writes.Add(1)
		return false, errors.New("disk full")
	}
	return b.Store.Transition(ctx, taskID, from, to, result, at)
}

func TestRunStopsWhenResultCannotBeSaved(t *testing.T) {
	store := &brokenLedger{Store: tasks.NewMemoryStore()}
	store.broken.Store(true)
	f := newFixtureWithStore(t, store)
	f.svc.writeRetryBase = time.Millisecond
	f.svc.writeRetryCap = 5 * time.Millisecond
	a := f.createApproved(t, "type one")
	b := f.createApproved(t, "type two")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := f.svc.Run(ctx)
	if err == nil || !strings.Contains(err.Error(), "disk full") || !strings.Contains(err.Error(), a) {
		t.Fatalf("Run() error = %v, want the failed write for %s", err, a)
	}
	if ctx.Err() != nil {
		t.Fatalf("Run() only returned after its context ended")
	}
	if got := store.writes.Load(); got != terminalWriteRetries+1 {
		t.Fatalf("completion writes = %d, want %d", got, terminalWriteRetries+1)
	}
	if got := f.status(t, a).Status; got != tasks.TaskStatusRunning {
		t.Fatalf("task %s Status = %q, want running", a, got)
	}
	if got := f.status(t, b).Status; got != tasks.TaskStatusQueued {
		t.Fatalf("task %s Status = %q, want queued", b, got)
	}
	if got := f.notifier.last(); !strings.Contains(got, "could not be saved") {
		t.Fatalf("final report = %q", got)
	}

	// A restart over the healed ledger clears the stuck task and moves on.
	store.broken.Store(false)
	restarted := New(Config{PollInterval: 10 * time.Millisecond}, f.queue, f.svc.executor, f.notifier, nil)
	n, err := restarted.RecoverInterrupted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v, want 1", n, err)
	}
	if got := f.status(t, a).Status; got != tasks.TaskStatusFailed {
		t.Fatalf("task %s Status = %q, want failed", a, got)
	}
	started, err := restarted.Tick(context.Background())
	if err != nil || started != b {
		t.Fatalf("Tick() = %q, %v, want %q", started, err, b)
	}
	restarted.Wait()
	if got := f.status(t, b).Status; got != tasks.TaskStatusCompleted {
		t.Fatalf("task %s Status = %q, want completed", b, got)
	}
}

func TestShutdownMidRunFailsTaskAsInterrupted(t *testing.T) {
	f := newFixture(t)
	f.desktop.DelayOn("click_text", 300*time.Millisecond)
	id := f.createApproved(t, "click_text Submit")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := f.svc.Tick(ctx); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.desktop.CallCount("click_text") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	f.svc.Wait()

	task := f.status(t, id)
	if task.Status != tasks.TaskStatusFailed {
		t.Fatalf("Status = %q, want failed", task.Status)
	}
	if task.Result == nil || !strings.Contains(task.Result.Error, "interrupted") {
		t.Fatalf("Result = %+v, want an interrupted error", task.Result)
	}
	if len(task.Result.StepResults) != 3 {
		t.Fatalf("StepResults = %+v, want 3", task.Result.StepResults)
	}
	for _, sr := range task.Result.StepResults {
		if !sr.OK {
			t.Fatalf("step %d (%s) failed: %+v", sr.StepID, sr.Action, sr.Error)
		}
	}
	if got := task.Result.StepResults[2].Action; got != plan.ActionClickText {
		t.Fatalf("last step = %q, want %q", got, plan.ActionClickText)
	}
	if got := f.notifier.last(); !strings.Contains(got, "interrupted by shutdown after 3 step(s)") {
		t.Fatalf("final report = %q", got)
	}
}

func TestEventNotifierPublishesToChat(t *testing.T) {
	queue := tasks.NewQueue(tasks.NewMemoryStore(), 0)
	events, unsubscribe := queue.Subscribe(42)
	defer unsubscribe()

	n := MultiNotifier{EventNotifier{Queue: queue}, LogNotifier{}}
	to := tasks.Requester{ChatID: 42, UserID: 1}
	if err := n.Notify(context.Background(), to, "t1", "hello"); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := n.SendArtifact(context.Background(), to, "t1", "/tmp/x.png"); err != nil {
		t.Fatalf("SendArtifact() error = %v", err)
	}

	got := <-events
	if got.Type != tasks.EventTaskProgress || got.Text != "hello" {
		t.Fatalf("event = %+v", got)
	}
	got = <-events
	if got.Type != tasks.EventTaskArtifact || got.Artifact != "/tmp/x.png" {
		t.Fatalf("event = %+v", got)
	}

	if err := (EventNotifier{}).Notify(context.Background(), to, "t1", "x"); err == nil {
		t.Fatalf("Notify() without queue error = nil")
	}
}
