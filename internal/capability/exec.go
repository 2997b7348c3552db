package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecRunner abstracts execution of external commands for testability.
type ExecRunner interface {
	// Run executes name with args in dir and returns combined stdout and stderr.
	Run(ctx context.Context, dir string, name string, args ...string) (string, error)
}

// RealExecRunner runs actual commands.
type RealExecRunner struct{}

func (r *RealExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var b bytes.Buffer
	cmd.Stdout = &b
	cmd.Stderr = &b
	err := cmd.Run()
	return b.String(), err
}

// Command template keys. Placeholders such as {x} or {path} inside a template
// argument are substituted per call.
const (
	CmdCapture           = "capture"
	CmdClick             = "click"
	CmdType              = "type"
	CmdHotkey            = "hotkey"
	CmdFocusWindow       = "focus_window"
	CmdDump              = "dump"
	CmdClickText         = "click_text"
	CmdClickAutomationID = "click_automation_id"
	CmdClickPath         = "click_path"
	CmdActiveWindow      = "active_window"
)

// DefaultExecCommands drives an X11 session with xdotool and ImageMagick.
// The UI-tree primitives have no portable default.
func DefaultExecCommands() map[string][]string {
	return map[string][]string{
		CmdCapture:      {"import", "-window", "root", "{path}"},
		CmdClick:        {"xdotool", "mousemove", "{x}", "{y}", "click", "1"},
		CmdType:         {"xdotool", "type", "--delay", "20", "{text}"},
		CmdHotkey:       {"xdotool", "key", "{keys}"},
		CmdFocusWindow:  {"xdotool", "search", "--name", "{title}", "windowactivate"},
		CmdActiveWindow: {"xdotool", "getactivewindow", "getwindowname"},
	}
}

// ExecDesktop implements Desktop by running configured external commands.
type ExecDesktop struct {
	runner   ExecRunner
	commands map[string][]string
}

func NewExecDesktop(runner ExecRunner, commands map[string][]string) *ExecDesktop {
	if runner == nil {
		runner = &RealExecRunner{}
	}
	merged := DefaultExecCommands()
	for k, v := range commands {
		if len(v) == 0 {
			delete(merged, k)
			continue
		}
		merged[k] = append([]string(nil), v...)
	}
	return &ExecDesktop{runner: runner, commands: merged}
}

// Commands returns a copy of the effective command templates.
func (d *ExecDesktop) Commands() map[string][]string {
	out := make(map[string][]string, len(d.commands))
	for k, v := range d.commands {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (d *ExecDesktop) run(ctx context.Context, key string, vars map[string]string) (string, error) {
	tmpl, ok := d.commands[key]
	if !ok || len(tmpl) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, key)
	}
	argv := make([]string, len(tmpl))
	for i, part := range tmpl {
		for k, v := range vars {
			part = strings.ReplaceAll(part, "{"+k+"}", v)
		}
		argv[i] = part
	}
	out, err := d.runner.Run(ctx, "", argv[0], argv[1:]...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%s: %w: %s", key, err, strings.TrimSpace(out))
	}
	return out, nil
}

func (d *ExecDesktop) Capture(ctx context.Context, path string, monitor int) error {
	_, err := d.run(ctx, CmdCapture, map[string]string{"path": path, "monitor": strconv.Itoa(monitor)})
	return err
}

func (d *ExecDesktop) Click(ctx context.Context, x, y int) error {
	_, err := d.run(ctx, CmdClick, map[string]string{"x": strconv.Itoa(x), "y": strconv.Itoa(y)})
	return err
}

func (d *ExecDesktop) TypeText(ctx context.Context, text string) error {
	_, err := d.run(ctx, CmdType, map[string]string{"text": text})
	return err
}

func (d *ExecDesktop) Hotkey(ctx context.Context, keys []string) error {
	_, err := d.run(ctx, CmdHotkey, map[string]string{"keys": strings.Join(keys, "+")})
	return err
}

// FocusWindow reports false when the command exits non-zero, which is how
// window search tools signal no match.
func (d *ExecDesktop) FocusWindow(ctx context.Context, titleSubstring string) (bool, error) {
	_, err := d.run(ctx, CmdFocusWindow, map[string]string{"title": titleSubstring})
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DumpTree expects the dump command to print a JSON array of nodes.
func (d *ExecDesktop) DumpTree(ctx context.Context) ([]UINode, error) {
	out, err := d.run(ctx, CmdDump, nil)
	if err != nil {
		return nil, err
	}
	var nodes []UINode
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &nodes); err != nil {
		return nil, fmt.Errorf("decode ui tree: %w", err)
	}
	return nodes, nil
}

func (d *ExecDesktop) ClickText(ctx context.Context, text, controlType string) error {
	_, err := d.run(ctx, CmdClickText, map[string]string{"text": text, "control_type": controlType})
	return err
}

func (d *ExecDesktop) ClickAutomationID(ctx context.Context, automationID string) error {
	_, err := d.run(ctx, CmdClickAutomationID, map[string]string{"automation_id": automationID})
	return err
}

func (d *ExecDesktop) ClickPath(ctx context.Context, path []int) error {
	parts := make([]string, 0, len(path)+1)
	parts = append(parts, "root")
	for _, idx := range path {
		parts = append(parts, strconv.Itoa(idx))
	}
	_, err := d.run(ctx, CmdClickPath, map[string]string{"path": strings.Join(parts, "/")})
	return err
}

func (d *ExecDesktop) ActiveWindow(ctx context.Context) (Window, error) {
	out, err := d.run(ctx, CmdActiveWindow, nil)
	if err != nil {
		return Window{}, err
	}
	return Window{Title: strings.TrimSpace(out)}, nil
}
