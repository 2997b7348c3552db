package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.TaskTimeoutSeconds != 300 {
		t.Fatalf("TaskTimeoutSeconds = %d, want 300", cfg.TaskTimeoutSeconds)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
	if cfg.AuditDir != "data/audit" || cfg.AuditMaxSizeMB != 1 {
		t.Fatalf("audit = %q/%d, want data/audit/1", cfg.AuditDir, cfg.AuditMaxSizeMB)
	}
	if cfg.DesktopBackend != DesktopBackendMock {
		t.Fatalf("DesktopBackend = %q, want mock", cfg.DesktopBackend)
	}
	if cfg.MetricsNamespace != "deskpilot" {
		t.Fatalf("MetricsNamespace = %q, want deskpilot", cfg.MetricsNamespace)
	}
	if len(cfg.AllowedUserIDs) != 0 || len(cfg.AllowedChatIDs) != 0 {
		t.Fatalf("allow lists = %v/%v, want empty", cfg.AllowedUserIDs, cfg.AllowedChatIDs)
	}
}

func TestLoadParsesAllowListsAndDurations(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("ALLOWED_USER_IDS", "1, 2")
	t.Setenv("ALLOWED_CHAT_IDS", "-100")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("TASK_TIMEOUT_SECONDS", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.AllowedUserIDs) != 2 || cfg.AllowedUserIDs[1] != 2 {
		t.Fatalf("AllowedUserIDs = %v", cfg.AllowedUserIDs)
	}
	if len(cfg.AllowedChatIDs) != 1 || cfg.AllowedChatIDs[0] != -100 {
		t.Fatalf("AllowedChatIDs = %v", cfg.AllowedChatIDs)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.TaskTimeoutSeconds != 60 {
		t.Fatalf("PollInterval/Timeout = %v/%d", cfg.PollInterval, cfg.TaskTimeoutSeconds)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TASK_TIMEOUT_SECONDS": "0",
		"POLL_INTERVAL":        "soon",
		"ALLOWED_USER_IDS":     "bob",
		"DESKTOP_BACKEND":      "vnc",
		"APP_ALLOW_ANY_ORIGIN": "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil for %s=%q", key, value)
			}
		})
	}
}

func TestLoadAppliesTOMLOverlay(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "deskpilot.toml")
	body := `
[desktop]
backend = "exec"

[desktop.commands]
click = ["ydotool", "click", "{x}", "{y}"]
dump = []
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("DESKPILOT_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DesktopBackend != DesktopBackendExec {
		t.Fatalf("DesktopBackend = %q, want exec", cfg.DesktopBackend)
	}
	if got := cfg.DesktopCommands["click"]; len(got) != 4 || got[0] != "ydotool" {
		t.Fatalf("click command = %v", got)
	}
	if got, ok := cfg.DesktopCommands["dump"]; !ok || len(got) != 0 {
		t.Fatalf("dump command = %v, %v; want present and empty", got, ok)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
}

func TestLoadEnvBackendWinsOverFile(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "deskpilot.toml")
	if err := os.WriteFile(path, []byte("[desktop]\nbackend = \"exec\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("DESKPILOT_CONFIG", path)
	t.Setenv("DESKTOP_BACKEND", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DesktopBackend != DesktopBackendMock {
		t.Fatalf("DesktopBackend = %q, want mock", cfg.DesktopBackend)
	}
}

func TestLoadReadsDotEnvWithoutOverriding(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("AUDIT_DIR=/var/deskpilot/audit\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("DESKPILOT_ENV_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("AUDIT_DIR", "")
	os.Unsetenv("AUDIT_DIR")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want :9191", cfg.BindAddr)
	}
	if cfg.AuditDir != "/var/deskpilot/audit" {
		t.Fatalf("AuditDir = %q", cfg.AuditDir)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"SQLITE_PATH",
		"AUDIT_DIR",
		"AUDIT_MAX_SIZE_MB",
		"TASK_TIMEOUT_SECONDS",
		"POLL_INTERVAL",
		"ALLOWED_USER_IDS",
		"ALLOWED_CHAT_IDS",
		"DESKTOP_BACKEND",
		"DESKPILOT_CONFIG",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_SERVICE_NAME",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	t.Setenv("DESKPILOT_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
}
