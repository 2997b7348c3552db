package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/observability"
	"github.com/antoniostano/deskpilot/internal/plan"
	"github.com/antoniostano/deskpilot/internal/tasks"
	"github.com/antoniostano/deskpilot/internal/telemetry"
)

const diagnosticCaptureTimeout = 10 * time.Second

type Options struct {
	AuditDir       string
	AuditMaxSizeMB int
	Metrics        *observability.Metrics
	Steps          *observability.StepWindow
	Tracer         trace.Tracer
}

// Executor walks a plan step by step against the capability registry.
type Executor struct {
	registry *capability.Registry
	opts     Options
	tracer   trace.Tracer
	now      func() time.Time
}

// Run describes one execution. The callbacks are best effort sinks and may
// be nil.
type Run struct {
	TaskID         string
	Plan           plan.Plan
	TimeoutSeconds int
	Notify         func(text string)
	EmitArtifact   func(path string)
	IsCancelled    func() bool
}

func New(registry *capability.Registry, opts Options) *Executor {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return &Executor{registry: registry, opts: opts, tracer: tracer, now: time.Now}
}

func (e *Executor) AuditPath(taskID string) string {
	return AuditPath(e.opts.AuditDir, taskID)
}

// Execute runs the plan's steps in ascending id order. Cancellation, shutdown
// (ctx done) and the time budget are checked before every step. Capabilities
// get a context that carries only the budget deadline, so a shutdown never
// interrupts a step mid-call. On any abort the returned *RunError holds the
// partial result.
func (e *Executor) Execute(ctx context.Context, run Run) (tasks.Result, error) {
	timeout := run.TimeoutSeconds
	if timeout <= 0 {
		timeout = tasks.DefaultTimeoutSeconds
	}
	budget := time.Duration(timeout) * time.Second
	started := e.now()

	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("task.id", run.TaskID),
		attribute.Int("plan.steps", len(run.Plan.Steps)),
		attribute.Int("task.timeout_seconds", timeout),
	))
	defer span.End()

	audit := openAudit(e.opts.AuditDir, run.TaskID, e.opts.AuditMaxSizeMB)
	defer audit.close()
	audit.event("run_started", "task", run.Plan.TaskDescription, "steps", len(run.Plan.Steps), "timeout_seconds", timeout)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
	defer cancel()

	result := tasks.Result{
		TaskDescription: run.Plan.TaskDescription,
		StepResults:     make([]tasks.StepResult, 0, len(run.Plan.Steps)),
	}

	finish := func(err error) (tasks.Result, error) {
		elapsed := e.now().Sub(started)
		e.opts.Metrics.ObserveRun(elapsed)
		if err == nil {
			audit.event("run_finished", "outcome", "completed", "elapsed_ms", elapsed.Milliseconds())
			span.SetStatus(codes.Ok, "")
			return result, nil
		}
		result.Error = err.Error()
		audit.event("run_finished", "outcome", outcomeOf(err), "elapsed_ms", elapsed.Milliseconds(), "error", err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, &RunError{Result: result.Clone(), Err: err}
	}

	for _, step := range run.Plan.Ordered() {
		if run.IsCancelled != nil && run.IsCancelled() {
			return finish(fmt.Errorf("%w before step %d", ErrCancelled, step.ID))
		}
		if ctx.Err() != nil {
			return finish(fmt.Errorf("%w before step %d", ErrInterrupted, step.ID))
		}
		if e.now().Sub(started) >= budget || runCtx.Err() != nil {
			return finish(fmt.Errorf("%w before step %d", ErrTimeout, step.ID))
		}

		callSink(audit, "notify", run.Notify, fmt.Sprintf("Executing step %d: %s", step.ID, step.Action))
		audit.stepDispatched(step.ID, step.Action, step.Args)

		sr, failure := e.runStep(ctx, runCtx, run, step, &result, audit)
		result.StepResults = append(result.StepResults, sr)
		if failure == nil {
			audit.event("step_succeeded", "step_id", step.ID, "action", step.Action)
			continue
		}

		audit.event("step_failed", "step_id", step.ID, "action", step.Action, "kind", failure.Kind, "error", failure.Err.Error())
		e.captureDiagnostic(ctx, run, &result, audit)
		if failure.Kind == KindTimeout {
			return finish(fmt.Errorf("%w during step %d: %w", ErrTimeout, step.ID, failure))
		}
		return finish(failure)
	}
	return finish(nil)
}

func (e *Executor) runStep(parent, runCtx context.Context, run Run, step plan.Step, result *tasks.Result, audit *auditLog) (tasks.StepResult, *StepFailure) {
	_, span := e.tracer.Start(parent, "execution.step", trace.WithAttributes(
		attribute.String("task.id", run.TaskID),
		attribute.Int("step.id", step.ID),
		attribute.String("step.action", step.Action),
	))
	defer span.End()

	sr := tasks.StepResult{StepID: step.ID, Action: step.Action, Args: copyArgs(step.Args)}
	began := e.now()

	fail := func(kind string, err error) (tasks.StepResult, *StepFailure) {
		e.observeStep(step.Action, kind, e.now().Sub(began))
		sr.OK = false
		sr.Error = &tasks.StepError{Kind: kind, Message: err.Error(), Trace: errorTrace(err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		return sr, &StepFailure{StepID: step.ID, Action: step.Action, Kind: kind, Err: err}
	}

	c, ok := e.registry.Resolve(step.Action)
	if !ok {
		return fail(KindNotPermitted, fmt.Errorf("%w: %s", ErrNotPermitted, step.Action))
	}

	out, err := invoke(runCtx, c, capability.Invocation{TaskID: run.TaskID, StepID: step.ID}, copyArgs(step.Args))
	if err != nil {
		var pe *PanicError
		switch {
		case errors.As(err, &pe):
			return fail(KindCapabilityError, err)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return fail(KindTimeout, err)
		case errors.Is(err, capability.ErrInvalidArgs):
			return fail(KindInvalidArgs, err)
		default:
			return fail(KindCapabilityError, err)
		}
	}

	if out.Artifact != "" {
		result.Artifacts = append(result.Artifacts, out.Artifact)
		callSink(audit, "artifact", run.EmitArtifact, out.Artifact)
		sr.Output = out.Artifact
	} else if !emptyOutput(out.Value) {
		sr.Output = out.Value
	}
	sr.OK = true
	e.observeStep(step.Action, "ok", e.now().Sub(began))
	return sr, nil
}

// captureDiagnostic takes one "error" screenshot after a failed step. It runs
// on a context detached from the run deadline so a timed out run still gets
// its picture.
func (e *Executor) captureDiagnostic(ctx context.Context, run Run, result *tasks.Result, audit *auditLog) {
	c, ok := e.registry.Resolve(plan.ActionScreenCapture)
	if !ok {
		audit.event("diagnostic_capture_failed", "error", "screen capture not registered")
		return
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticCaptureTimeout)
	defer cancel()

	out, err := invoke(dctx, c, capability.Invocation{TaskID: run.TaskID}, map[string]any{"label": "error"})
	if err != nil {
		audit.event("diagnostic_capture_failed", "error", err.Error())
		return
	}
	if out.Artifact == "" {
		return
	}
	result.Artifacts = append(result.Artifacts, out.Artifact)
	callSink(audit, "artifact", run.EmitArtifact, out.Artifact)
}

func (e *Executor) observeStep(action, outcome string, d time.Duration) {
	e.opts.Metrics.ObserveStep(action, outcome, d)
	e.opts.Steps.Observe(action, outcome, d)
}

// invoke calls the capability and turns a panic into a *PanicError.
func invoke(ctx context.Context, c capability.Capability, inv capability.Invocation, args map[string]any) (out capability.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = capability.Output{}
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return c.Invoke(ctx, inv, args)
}

// callSink delivers to a best effort sink. A panicking sink is recorded in
// the audit log and otherwise ignored.
func callSink(audit *auditLog, sink string, fn func(string), arg string) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			audit.event("sink_panicked", "sink", sink, "panic", fmt.Sprint(r))
		}
	}()
	fn(arg)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	default:
		return "failed"
	}
}

func copyArgs(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func emptyOutput(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	default:
		return false
	}
}

// errorTrace renders every layer of the wrap chain, outermost first, as
// "<type>: <message>". A panic layer is followed by its goroutine stack.
func errorTrace(err error) string {
	var b strings.Builder
	for err != nil {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %v", err, err)
		if pe, ok := err.(*PanicError); ok && len(pe.Stack) > 0 {
			b.WriteByte('\n')
			b.Write(pe.Stack)
		}
		err = errors.Unwrap(err)
	}
	return b.String()
}
