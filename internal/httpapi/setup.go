package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/config"
)

type setupCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type setupStatusResponse struct {
	DesktopBackend string       `json:"desktop_backend"`
	TaskStoreMode  string       `json:"task_store_mode"`
	Capabilities   []string     `json:"capabilities"`
	Checks         []setupCheck `json:"checks"`
}

func (s *Server) handleSetupStatus(w http.ResponseWriter, _ *http.Request) {
	mode := s.taskService.StoreMode()
	checks := make([]setupCheck, 0, 12)

	switch mode {
	case "memory":
		checks = append(checks, setupCheck{
			ID:     "task_store",
			Status: "warn",
			Label:  "Task ledger",
			Detail: "in-memory only",
			Fix:    "Unset DATABASE_URL=memory to use SQLite, or point it at Postgres.",
		})
	default:
		checks = append(checks, setupCheck{ID: "task_store", Status: "ok", Label: "Task ledger", Detail: mode})
	}

	checks = append(checks, auditDirCheck(s.cfg.AuditDir))

	if len(s.cfg.AllowedUserIDs) == 0 || len(s.cfg.AllowedChatIDs) == 0 {
		checks = append(checks, setupCheck{
			ID:     "allow_list",
			Status: "error",
			Label:  "Requester allow-list",
			Detail: "no requester can use the API",
			Fix:    "Set ALLOWED_USER_IDS and ALLOWED_CHAT_IDS.",
		})
	} else {
		checks = append(checks, setupCheck{
			ID:     "allow_list",
			Status: "ok",
			Label:  "Requester allow-list",
			Detail: fmt.Sprintf("%d user(s), %d chat(s)", len(s.cfg.AllowedUserIDs), len(s.cfg.AllowedChatIDs)),
		})
	}

	switch s.cfg.DesktopBackend {
	case config.DesktopBackendExec:
		checks = append(checks, execCommandChecks(capability.NewExecDesktop(nil, s.cfg.DesktopCommands).Commands())...)
	default:
		checks = append(checks, setupCheck{
			ID:     "desktop_backend",
			Status: "warn",
			Label:  "Desktop backend is mock",
			Detail: "Steps are recorded but nothing on screen changes.",
			Fix:    "Set DESKTOP_BACKEND=exec and install xdotool and ImageMagick.",
		})
	}

	checks = append(checks, tracingCheck(s.cfg.OTLPEndpoint))

	respondJSON(w, http.StatusOK, setupStatusResponse{
		DesktopBackend: s.cfg.DesktopBackend,
		TaskStoreMode:  mode,
		Capabilities:   s.registry.Names(),
		Checks:         checks,
	})
}

func auditDirCheck(dir string) setupCheck {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return setupCheck{ID: "audit_dir", Status: "error", Label: "Audit directory", Detail: err.Error(), Fix: "Point AUDIT_DIR at a writable directory."}
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return setupCheck{ID: "audit_dir", Status: "error", Label: "Audit directory", Detail: err.Error(), Fix: "Point AUDIT_DIR at a writable directory."}
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	abs, _ := filepath.Abs(dir)
	return setupCheck{ID: "audit_dir", Status: "ok", Label: "Audit directory", Detail: abs}
}

func execCommandChecks(commands map[string][]string) []setupCheck {
	keys := make([]string, 0, len(commands))
	for k := range commands {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]setupCheck, 0, len(keys))
	for _, key := range keys {
		argv := commands[key]
		if len(argv) == 0 {
			continue
		}
		check := setupCheck{ID: "exec_" + key, Label: "Desktop command " + key}
		if p, err := exec.LookPath(argv[0]); err != nil {
			check.Status = "error"
			check.Detail = argv[0] + " not found in PATH"
			check.Fix = "Install " + argv[0] + " or override desktop.commands." + key + " in DESKPILOT_CONFIG."
		} else {
			check.Status = "ok"
			check.Detail = p
		}
		out = append(out, check)
	}
	return out
}

func tracingCheck(endpoint string) setupCheck {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return setupCheck{ID: "tracing", Status: "warn", Label: "Tracing", Detail: "disabled", Fix: "Set OTEL_EXPORTER_OTLP_ENDPOINT to export run traces."}
	}
	addr := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		addr = u.Host
		if u.Port() == "" {
			addr = net.JoinHostPort(u.Hostname(), "4318")
		}
	}
	c, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
	if err != nil {
		return setupCheck{ID: "tracing", Status: "warn", Label: "Tracing", Detail: "collector unreachable at " + addr}
	}
	_ = c.Close()
	return setupCheck{ID: "tracing", Status: "ok", Label: "Tracing", Detail: addr}
}
