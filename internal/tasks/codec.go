package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/antoniostano/deskpilot/internal/plan"
)

// taskRecord is the column-level shape shared by the SQL ledgers.
type taskRecord struct {
	ID             string
	ChatID         int64
	UserID         int64
	Command        string
	PlanJSON       string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	TimeoutSeconds int
	ResultJSON     *string
}

func encodeTask(task Task) (taskRecord, error) {
	planJSON, err := task.Plan.Encode()
	if err != nil {
		return taskRecord{}, err
	}
	resultJSON, err := encodeResult(task.Result)
	if err != nil {
		return taskRecord{}, err
	}
	return taskRecord{
		ID:             task.ID,
		ChatID:         task.Requester.ChatID,
		UserID:         task.Requester.UserID,
		Command:        task.Command,
		PlanJSON:       string(planJSON),
		Status:         string(task.Status),
		CreatedAt:      task.CreatedAt.UTC(),
		UpdatedAt:      task.UpdatedAt.UTC(),
		TimeoutSeconds: task.TimeoutSeconds,
		ResultJSON:     resultJSON,
	}, nil
}

func (r taskRecord) decode() (Task, error) {
	if !TaskStatus(r.Status).Valid() {
		return Task{}, fmt.Errorf("task %s: unknown status %q", r.ID, r.Status)
	}
	p, err := plan.Decode([]byte(r.PlanJSON))
	if err != nil {
		return Task{}, fmt.Errorf("task %s: %w", r.ID, err)
	}
	task := Task{
		ID:             r.ID,
		Requester:      Requester{ChatID: r.ChatID, UserID: r.UserID},
		Command:        r.Command,
		Plan:           p,
		Status:         TaskStatus(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		TimeoutSeconds: r.TimeoutSeconds,
	}
	if r.ResultJSON != nil && *r.ResultJSON != "" {
		var res Result
		if err := json.Unmarshal([]byte(*r.ResultJSON), &res); err != nil {
			return Task{}, fmt.Errorf("task %s: decode result: %w", r.ID, err)
		}
		task.Result = &res
	}
	return task, nil
}

func encodeResult(result *Result) (*string, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	s := string(b)
	return &s, nil
}

func statusStrings(in []TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
