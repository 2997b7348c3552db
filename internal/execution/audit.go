package execution

import (
	"io"
	"log"
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/policy"
)

// auditLog is the per-task JSON lines trail. Writes never fail the run.
type auditLog struct {
	logger *slog.Logger
	sink   io.Closer
}

func openAudit(dir, taskID string, maxSizeMB int) *auditLog {
	if maxSizeMB <= 0 {
		maxSizeMB = 1
	}
	if dir == "" {
		return &auditLog{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
	}
	w := &lumberjack.Logger{
		Filename:   AuditPath(dir, taskID),
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
	}
	logger := slog.New(slog.NewJSONHandler(w, nil)).With("task_id", taskID)
	return &auditLog{logger: logger, sink: w}
}

// AuditPath is where the trail for taskID is written.
func AuditPath(dir, taskID string) string {
	name := capability.SafeName(taskID)
	if name == "" {
		name = "manual"
	}
	return filepath.Join(dir, name+".log")
}

func (a *auditLog) event(name string, attrs ...any) {
	a.logger.Info(name, attrs...)
}

func (a *auditLog) stepDispatched(stepID int, action string, args map[string]any) {
	a.logger.Info("step_dispatched", "step_id", stepID, "action", action, "args", policy.RedactArgs(args))
}

func (a *auditLog) close() {
	if a.sink == nil {
		return
	}
	if err := a.sink.Close(); err != nil {
		log.Printf("audit log close failed: %v", err)
	}
}
