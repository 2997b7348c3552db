package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrEmptyName   = errors.New("capability name is required")
	ErrDuplicate   = errors.New("capability already registered")
	ErrInvalidArgs = errors.New("invalid capability arguments")
	ErrUnsupported = errors.New("capability not supported by desktop backend")
)

// Invocation identifies the step a capability runs for.
type Invocation struct {
	TaskID string
	StepID int
}

// Output is what a capability hands back. Artifact is set by capture
// capabilities to the path of the file they produced.
type Output struct {
	Value    any
	Artifact string
}

type Capability interface {
	Invoke(ctx context.Context, inv Invocation, args map[string]any) (Output, error)
}

// Registry maps action names to capabilities. It is populated once at
// startup and only read afterwards.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

func (r *Registry) Register(name string, c Capability) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if c == nil {
		return fmt.Errorf("capability %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.caps[name] = c
	return nil
}

func (r *Registry) Resolve(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Names returns the registered action names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.caps))
	for name := range r.caps {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
