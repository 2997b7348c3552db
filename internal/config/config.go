package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/antoniostano/deskpilot/internal/policy"
)

const (
	DesktopBackendMock = "mock"
	DesktopBackendExec = "exec"
)

// Config contains all runtime settings for the desktop automation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string
	SQLitePath  string

	AuditDir       string
	AuditMaxSizeMB int

	TaskTimeoutSeconds int
	PollInterval       time.Duration

	AllowedUserIDs []int64
	AllowedChatIDs []int64

	DesktopBackend  string
	DesktopCommands map[string][]string

	OTLPEndpoint string
	ServiceName  string

	// ConfigFile is the TOML file that was applied, if any.
	ConfigFile string
}

// FileConfig is the optional TOML overlay named by DESKPILOT_CONFIG. It holds
// the settings that are awkward to express as environment variables.
type FileConfig struct {
	Desktop DesktopFileConfig `toml:"desktop"`
}

type DesktopFileConfig struct {
	Backend  string              `toml:"backend"`
	Commands map[string][]string `toml:"commands"`
}

// Load reads an optional .env file, then environment variables with safe
// defaults, then the TOML overlay.
func Load() (Config, error) {
	envFile := envOrDefault("DESKPILOT_ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		ShutdownTimeout:    15 * time.Second,
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "deskpilot"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		SQLitePath:         envOrDefault("SQLITE_PATH", "data/deskpilot.sqlite"),
		AuditDir:           envOrDefault("AUDIT_DIR", "data/audit"),
		AuditMaxSizeMB:     1,
		TaskTimeoutSeconds: 300,
		PollInterval:       2 * time.Second,
		DesktopBackend:     strings.ToLower(envOrDefault("DESKTOP_BACKEND", DesktopBackendMock)),
		OTLPEndpoint:       stringsTrimSpace("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ServiceName:        envOrDefault("OTEL_SERVICE_NAME", "deskpilot"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PollInterval, err = durationFromEnv("POLL_INTERVAL", cfg.PollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.AuditMaxSizeMB, err = intFromEnv("AUDIT_MAX_SIZE_MB", cfg.AuditMaxSizeMB)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeoutSeconds, err = intFromEnv("TASK_TIMEOUT_SECONDS", cfg.TaskTimeoutSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowedUserIDs, err = policy.ParseIDList(os.Getenv("ALLOWED_USER_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("ALLOWED_USER_IDS parse error: %w", err)
	}
	cfg.AllowedChatIDs, err = policy.ParseIDList(os.Getenv("ALLOWED_CHAT_IDS"))
	if err != nil {
		return Config{}, fmt.Errorf("ALLOWED_CHAT_IDS parse error: %w", err)
	}

	if path := stringsTrimSpace("DESKPILOT_CONFIG"); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
		if fc.Desktop.Backend != "" && os.Getenv("DESKTOP_BACKEND") == "" {
			cfg.DesktopBackend = strings.ToLower(fc.Desktop.Backend)
		}
		cfg.DesktopCommands = fc.Desktop.Commands
	}

	if cfg.ShutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.PollInterval < 10*time.Millisecond {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 10ms")
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		return Config{}, fmt.Errorf("TASK_TIMEOUT_SECONDS must be positive")
	}
	if cfg.AuditMaxSizeMB <= 0 {
		return Config{}, fmt.Errorf("AUDIT_MAX_SIZE_MB must be positive")
	}
	switch cfg.DesktopBackend {
	case DesktopBackendMock, DesktopBackendExec:
	default:
		return Config{}, fmt.Errorf("DESKTOP_BACKEND must be %q or %q, got %q", DesktopBackendMock, DesktopBackendExec, cfg.DesktopBackend)
	}

	return cfg, nil
}

// LoadFile parses the TOML overlay at path.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
