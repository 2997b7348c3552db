package capability

import "context"

// Desktop is the set of automation primitives a capability drives. Backends
// may return ErrUnsupported for primitives they cannot provide.
type Desktop interface {
	Capture(ctx context.Context, path string, monitor int) error
	Click(ctx context.Context, x, y int) error
	TypeText(ctx context.Context, text string) error
	Hotkey(ctx context.Context, keys []string) error
	FocusWindow(ctx context.Context, titleSubstring string) (bool, error)
	DumpTree(ctx context.Context) ([]UINode, error)
	ClickText(ctx context.Context, text, controlType string) error
	ClickAutomationID(ctx context.Context, automationID string) error
	ClickPath(ctx context.Context, path []int) error
	ActiveWindow(ctx context.Context) (Window, error)
}

type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// UINode is one element of the active window's accessibility tree.
type UINode struct {
	Name         string `json:"name"`
	ControlType  string `json:"control_type"`
	AutomationID string `json:"automation_id"`
	Rect         Rect   `json:"rect"`
	Path         string `json:"path"`
	Enabled      bool   `json:"is_enabled"`
	Visible      bool   `json:"is_visible"`
}

type Window struct {
	Title   string `json:"title"`
	Process string `json:"process,omitempty"`
	Rect    Rect   `json:"rect"`
}

// MaxDumpNodes bounds the size of a tree dump.
const MaxDumpNodes = 200
