package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	ActionScreenCapture     = "screen.capture"
	ActionNote              = "log.note"
	ActionClick             = "input.click"
	ActionType              = "input.type"
	ActionHotkey            = "input.hotkey"
	ActionSleep             = "input.sleep"
	ActionFocusWindow       = "uia.focus_window"
	ActionDump              = "uia.dump"
	ActionClickText         = "uia.click_text"
	ActionClickAutomationID = "uia.click_automation_id"
	ActionClickPath         = "uia.click_path"
)

var ErrInvalidPlan = errors.New("invalid plan")

type Step struct {
	ID     int            `json:"id" yaml:"id"`
	Action string         `json:"action" yaml:"action"`
	Args   map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Plan is the frozen, ordered list of steps a task executes.
type Plan struct {
	TaskDescription string `json:"task" yaml:"task"`
	Steps           []Step `json:"steps" yaml:"steps"`
}

// Validate checks that step ids form the dense sequence 1..n in declaration
// order and that every step names an action.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: no steps", ErrInvalidPlan)
	}
	for i, step := range p.Steps {
		if step.ID != i+1 {
			return fmt.Errorf("%w: step at position %d has id %d, want %d", ErrInvalidPlan, i+1, step.ID, i+1)
		}
		if strings.TrimSpace(step.Action) == "" {
			return fmt.Errorf("%w: step %d has no action", ErrInvalidPlan, step.ID)
		}
	}
	return nil
}

// Ordered returns the steps sorted by ascending id.
func (p Plan) Ordered() []Step {
	out := make([]Step, len(p.Steps))
	copy(out, p.Steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p Plan) Clone() Plan {
	out := Plan{TaskDescription: p.TaskDescription}
	if p.Steps == nil {
		return out
	}
	out.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = Step{ID: s.ID, Action: s.Action, Args: cloneArgs(s.Args)}
	}
	return out
}

func (p Plan) Encode() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return b, nil
}

func Decode(raw []byte) (Plan, error) {
	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, nil
}

func cloneArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
