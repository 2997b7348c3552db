package tasks

import (
	"time"

	"github.com/antoniostano/deskpilot/internal/plan"
)

type TaskStatus string

const (
	TaskStatusPendingApproval TaskStatus = "pending_approval"
	TaskStatusQueued          TaskStatus = "queued"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCancelled       TaskStatus = "cancelled"
)

const DefaultTimeoutSeconds = 300

type Requester struct {
	ChatID int64 `json:"chat_id"`
	UserID int64 `json:"user_id"`
}

type Task struct {
	ID             string     `json:"task_id"`
	Requester      Requester  `json:"requester"`
	Command        string     `json:"command"`
	Plan           plan.Plan  `json:"plan"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Result         *Result    `json:"result,omitempty"`
}

// Result is the structured outcome of a run. The executor builds it; the
// ledger stores it for completed and failed tasks only.
type Result struct {
	TaskDescription string       `json:"task"`
	StepResults     []StepResult `json:"results"`
	Error           string       `json:"error,omitempty"`
	Artifacts       []string     `json:"artifacts,omitempty"`
}

type StepResult struct {
	StepID int            `json:"id"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args,omitempty"`
	OK     bool           `json:"ok"`
	Output any            `json:"output,omitempty"`
	Error  *StepError     `json:"error,omitempty"`
}

type StepError struct {
	Kind    string `json:"type"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

type CreateRequest struct {
	TaskID         string
	Requester      Requester
	Command        string
	Plan           plan.Plan
	TimeoutSeconds int
}

type EventType string

const (
	EventTaskCreated   EventType = "task_created"
	EventTaskApproved  EventType = "task_approved"
	EventTaskStarted   EventType = "task_started"
	EventTaskProgress  EventType = "task_progress"
	EventTaskArtifact  EventType = "task_artifact"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
)

type Event struct {
	Type     EventType  `json:"type"`
	TaskID   string     `json:"task_id"`
	ChatID   int64      `json:"chat_id"`
	UserID   int64      `json:"user_id,omitempty"`
	Status   TaskStatus `json:"status,omitempty"`
	Text     string     `json:"text,omitempty"`
	Artifact string     `json:"artifact,omitempty"`
	Detail   string     `json:"detail,omitempty"`
	At       time.Time  `json:"at"`
}

func (t Task) Clone() Task {
	out := t
	out.Plan = t.Plan.Clone()
	if t.Result != nil {
		r := t.Result.Clone()
		out.Result = &r
	}
	return out
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPendingApproval, TaskStatusQueued, TaskStatusRunning,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

func (r Result) Clone() Result {
	out := r
	if r.StepResults != nil {
		out.StepResults = make([]StepResult, len(r.StepResults))
		for i, sr := range r.StepResults {
			cp := sr
			if sr.Args != nil {
				cp.Args = make(map[string]any, len(sr.Args))
				for k, v := range sr.Args {
					cp.Args[k] = v
				}
			}
			if sr.Error != nil {
				e := *sr.Error
				cp.Error = &e
			}
			out.StepResults[i] = cp
		}
	}
	if r.Artifacts != nil {
		out.Artifacts = append([]string(nil), r.Artifacts...)
	}
	return out
}

// FailedStep returns the last step result that did not succeed.
func (r Result) FailedStep() (StepResult, bool) {
	for i := len(r.StepResults) - 1; i >= 0; i-- {
		if !r.StepResults[i].OK {
			return r.StepResults[i], true
		}
	}
	return StepResult{}, false
}
