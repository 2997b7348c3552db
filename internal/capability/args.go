package capability

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const maxSleepSeconds = 30

type CaptureArgs struct {
	Label   string `json:"label"`
	Monitor int    `json:"monitor"`
}

func (a *CaptureArgs) Validate() error {
	if strings.TrimSpace(a.Label) == "" {
		a.Label = "step"
	}
	if a.Monitor < 0 {
		return errors.New("monitor must be non-negative")
	}
	return nil
}

type ClickArgs struct {
	X      int   `json:"x"`
	Y      int   `json:"y"`
	Bounds []int `json:"bounds,omitempty"`
}

func (a *ClickArgs) Validate() error {
	if a.Bounds == nil {
		return nil
	}
	if len(a.Bounds) != 4 {
		return errors.New("bounds must be [left, top, right, bottom]")
	}
	left, top, right, bottom := a.Bounds[0], a.Bounds[1], a.Bounds[2], a.Bounds[3]
	if a.X < left || a.X > right || a.Y < top || a.Y > bottom {
		return fmt.Errorf("click (%d, %d) outside bounds %v", a.X, a.Y, a.Bounds)
	}
	return nil
}

type TypeArgs struct {
	Text string `json:"text"`
}

func (a *TypeArgs) Validate() error {
	if a.Text == "" {
		return errors.New("text is required")
	}
	return nil
}

type HotkeyArgs struct {
	Keys string `json:"keys"`
}

// Parts splits "ctrl+shift+s" into lower-cased key names.
func (a HotkeyArgs) Parts() []string {
	var out []string
	for _, p := range strings.Split(a.Keys, "+") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *HotkeyArgs) Validate() error {
	if len(a.Parts()) == 0 {
		return errors.New("keys must not be empty")
	}
	return nil
}

type SleepArgs struct {
	Seconds float64 `json:"seconds"`
}

func (a *SleepArgs) Validate() error {
	if a.Seconds < 0 {
		return errors.New("seconds must be non-negative")
	}
	if a.Seconds > maxSleepSeconds {
		return fmt.Errorf("seconds must be <= %d", maxSleepSeconds)
	}
	return nil
}

type FocusWindowArgs struct {
	TitleSubstring string `json:"title_substring"`
}

func (a *FocusWindowArgs) Validate() error {
	if strings.TrimSpace(a.TitleSubstring) == "" {
		return errors.New("title_substring is required")
	}
	return nil
}

type NoArgs struct{}

type ClickTextArgs struct {
	Text        string `json:"text"`
	ControlType string `json:"control_type,omitempty"`
}

func (a *ClickTextArgs) Validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return errors.New("text is required")
	}
	return nil
}

type ClickAutomationIDArgs struct {
	AutomationID string `json:"automation_id"`
}

func (a *ClickAutomationIDArgs) Validate() error {
	if strings.TrimSpace(a.AutomationID) == "" {
		return errors.New("automation_id is required")
	}
	return nil
}

type ClickPathArgs struct {
	Path string `json:"path"`
}

func (a *ClickPathArgs) Validate() error {
	if strings.TrimSpace(a.Path) == "" {
		return errors.New("path is required")
	}
	_, err := a.Indices()
	return err
}

// Indices parses a "root/0/3" style path into child indices. The optional
// leading "root" segment is skipped.
func (a ClickPathArgs) Indices() ([]int, error) {
	var out []int
	for _, part := range strings.Split(a.Path, "/") {
		part = strings.TrimSpace(part)
		if part == "" || strings.EqualFold(part, "root") {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid path segment %q", part)
		}
		out = append(out, idx)
	}
	return out, nil
}

type NoteArgs struct {
	Message string `json:"message"`
}
