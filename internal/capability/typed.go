package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Validator is implemented by argument structs with constraints beyond
// their field types.
type Validator interface {
	Validate() error
}

// Action adapts a typed function to Capability. Unknown argument keys are
// rejected.
type Action[A any] struct {
	Fn func(ctx context.Context, inv Invocation, args A) (any, error)
}

func (a Action[A]) Invoke(ctx context.Context, inv Invocation, raw map[string]any) (Output, error) {
	args, err := DecodeArgs[A](raw)
	if err != nil {
		return Output{}, err
	}
	v, err := a.Fn(ctx, inv, args)
	if err != nil {
		return Output{}, err
	}
	return Output{Value: v}, nil
}

// Capture adapts a typed function that produces a file. The returned path is
// reported both as the output value and as the artifact.
type Capture[A any] struct {
	Fn func(ctx context.Context, inv Invocation, args A) (string, error)
}

func (c Capture[A]) Invoke(ctx context.Context, inv Invocation, raw map[string]any) (Output, error) {
	args, err := DecodeArgs[A](raw)
	if err != nil {
		return Output{}, err
	}
	path, err := c.Fn(ctx, inv, args)
	if err != nil {
		return Output{}, err
	}
	return Output{Value: path, Artifact: path}, nil
}

// DecodeArgs converts a step's argument map into A.
func DecodeArgs[A any](raw map[string]any) (A, error) {
	var args A
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	if v, ok := any(&args).(Validator); ok {
		if err := v.Validate(); err != nil {
			return args, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
	}
	return args, nil
}
