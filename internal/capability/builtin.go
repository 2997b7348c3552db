package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/antoniostano/deskpilot/internal/plan"
)

const ActionActiveWindow = "system.active_window"

var unsafeLabelChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NewDefaultRegistry registers every built-in action against desktop.
// Screenshots land under auditDir/<task_id>/.
func NewDefaultRegistry(desktop Desktop, auditDir string) (*Registry, error) {
	r := NewRegistry()
	shots := &screenshotter{desktop: desktop, auditDir: auditDir, now: time.Now}

	entries := []struct {
		name string
		c    Capability
	}{
		{plan.ActionScreenCapture, Capture[CaptureArgs]{Fn: shots.capture}},
		{plan.ActionClick, Action[ClickArgs]{Fn: func(ctx context.Context, _ Invocation, a ClickArgs) (any, error) {
			return nil, desktop.Click(ctx, a.X, a.Y)
		}}},
		{plan.ActionType, Action[TypeArgs]{Fn: func(ctx context.Context, _ Invocation, a TypeArgs) (any, error) {
			return nil, desktop.TypeText(ctx, a.Text)
		}}},
		{plan.ActionHotkey, Action[HotkeyArgs]{Fn: func(ctx context.Context, _ Invocation, a HotkeyArgs) (any, error) {
			return nil, desktop.Hotkey(ctx, a.Parts())
		}}},
		{plan.ActionSleep, Action[SleepArgs]{Fn: sleepAction}},
		{plan.ActionFocusWindow, Action[FocusWindowArgs]{Fn: func(ctx context.Context, _ Invocation, a FocusWindowArgs) (any, error) {
			return desktop.FocusWindow(ctx, a.TitleSubstring)
		}}},
		{plan.ActionDump, Action[NoArgs]{Fn: func(ctx context.Context, _ Invocation, _ NoArgs) (any, error) {
			nodes, err := desktop.DumpTree(ctx)
			if err != nil {
				return nil, err
			}
			if len(nodes) > MaxDumpNodes {
				nodes = nodes[:MaxDumpNodes]
			}
			return nodes, nil
		}}},
		{plan.ActionClickText, Action[ClickTextArgs]{Fn: func(ctx context.Context, _ Invocation, a ClickTextArgs) (any, error) {
			return nil, desktop.ClickText(ctx, a.Text, a.ControlType)
		}}},
		{plan.ActionClickAutomationID, Action[ClickAutomationIDArgs]{Fn: func(ctx context.Context, _ Invocation, a ClickAutomationIDArgs) (any, error) {
			return nil, desktop.ClickAutomationID(ctx, a.AutomationID)
		}}},
		{plan.ActionClickPath, Action[ClickPathArgs]{Fn: func(ctx context.Context, _ Invocation, a ClickPathArgs) (any, error) {
			indices, err := a.Indices()
			if err != nil {
				return nil, err
			}
			return nil, desktop.ClickPath(ctx, indices)
		}}},
		{plan.ActionNote, Action[NoteArgs]{Fn: func(context.Context, Invocation, NoteArgs) (any, error) {
			return nil, nil
		}}},
		{ActionActiveWindow, Action[NoArgs]{Fn: func(ctx context.Context, _ Invocation, _ NoArgs) (any, error) {
			return desktop.ActiveWindow(ctx)
		}}},
	}
	for _, e := range entries {
		if err := r.Register(e.name, e.c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func sleepAction(ctx context.Context, _ Invocation, a SleepArgs) (any, error) {
	timer := time.NewTimer(time.Duration(a.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
}

type screenshotter struct {
	desktop  Desktop
	auditDir string
	now      func() time.Time
}

func (s *screenshotter) capture(ctx context.Context, inv Invocation, a CaptureArgs) (string, error) {
	path, err := ArtifactPath(s.auditDir, inv.TaskID, a.Label, s.now())
	if err != nil {
		return "", err
	}
	if err := s.desktop.Capture(ctx, path, a.Monitor); err != nil {
		return "", err
	}
	return path, nil
}

// ArtifactPath returns a fresh screenshot path of the form
// <auditDir>/<task>/<task>_<label>_<YYYYMMDD_HHMMSS>.png, creating the task
// directory. A numeric suffix keeps repeated labels within one second apart.
func ArtifactPath(auditDir, taskID, label string, at time.Time) (string, error) {
	taskID = SafeName(taskID)
	if taskID == "" {
		taskID = "manual"
	}
	label = SafeName(label)
	if label == "" {
		label = "step"
	}
	dir := filepath.Join(auditDir, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	base := fmt.Sprintf("%s_%s_%s", taskID, label, at.Format("20060102_150405"))
	path := filepath.Join(dir, base+".png")
	for i := 2; fileExists(path); i++ {
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.png", base, i))
	}
	return path, nil
}

// SafeName reduces s to characters that are safe in a single path element.
func SafeName(s string) string {
	return strings.Trim(unsafeLabelChars.ReplaceAllString(strings.TrimSpace(s), "_"), "_")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
