package capability

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"sync"
	"time"
)

type MockCall struct {
	Method string
	Args   []any
}

// MockDesktop records calls instead of touching a real screen. Captures write
// a 1x1 PNG so downstream artifact handling sees a real file.
type MockDesktop struct {
	mu       sync.Mutex
	calls    []MockCall
	failures map[string]error
	delays   map[string]time.Duration

	Windows []string
	Tree    []UINode
	Active  Window
}

func NewMockDesktop() *MockDesktop {
	return &MockDesktop{
		failures: make(map[string]error),
		delays:   make(map[string]time.Duration),
		Windows:  []string{"Desktop"},
		Active:   Window{Title: "Desktop"},
	}
}

// FailOn makes every later call of method return err.
func (m *MockDesktop) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = err
}

// DelayOn makes method block for d, or until its context is done.
func (m *MockDesktop) DelayOn(method string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[method] = d
}

func (m *MockDesktop) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockDesktop) CallCount(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockDesktop) record(ctx context.Context, method string, args ...any) error {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Method: method, Args: args})
	err := m.failures[method]
	delay := m.delays[method]
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (m *MockDesktop) Capture(ctx context.Context, path string, monitor int) error {
	if err := m.record(ctx, "capture", path, monitor); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create screenshot: %w", err)
	}
	defer f.Close()
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.RGBA{R: 0x20, G: 0x40, B: 0x80, A: 0xff})
	if err := png.Encode(f, img); err != nil {
		return fmt.Errorf("encode screenshot: %w", err)
	}
	return nil
}

func (m *MockDesktop) Click(ctx context.Context, x, y int) error {
	return m.record(ctx, "click", x, y)
}

func (m *MockDesktop) TypeText(ctx context.Context, text string) error {
	return m.record(ctx, "type", text)
}

func (m *MockDesktop) Hotkey(ctx context.Context, keys []string) error {
	return m.record(ctx, "hotkey", strings.Join(keys, "+"))
}

func (m *MockDesktop) FocusWindow(ctx context.Context, titleSubstring string) (bool, error) {
	if err := m.record(ctx, "focus_window", titleSubstring); err != nil {
		return false, err
	}
	needle := strings.ToLower(titleSubstring)
	for _, title := range m.Windows {
		if strings.Contains(strings.ToLower(title), needle) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockDesktop) DumpTree(ctx context.Context) ([]UINode, error) {
	if err := m.record(ctx, "dump"); err != nil {
		return nil, err
	}
	out := make([]UINode, len(m.Tree))
	copy(out, m.Tree)
	return out, nil
}

func (m *MockDesktop) ClickText(ctx context.Context, text, controlType string) error {
	return m.record(ctx, "click_text", text, controlType)
}

func (m *MockDesktop) ClickAutomationID(ctx context.Context, automationID string) error {
	return m.record(ctx, "click_automation_id", automationID)
}

func (m *MockDesktop) ClickPath(ctx context.Context, path []int) error {
	return m.record(ctx, "click_path", path)
}

func (m *MockDesktop) ActiveWindow(ctx context.Context) (Window, error) {
	if err := m.record(ctx, "active_window"); err != nil {
		return Window{}, err
	}
	return m.Active, nil
}
