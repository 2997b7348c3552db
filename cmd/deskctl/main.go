package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/deskpilot/internal/policy"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

type options struct {
	baseURL        string
	userID         int64
	chatID         int64
	requestTimeout time.Duration
	retries        int
	observe        bool
	approve        bool
	wait           bool
	command        string
	args           []string
}

const usage = `usage: deskctl [flags] <command> [args]

commands:
  do <request...>   plan a task and print it for review
  approve <id>      approve a pending task
  cancel <id>       cancel a task that has not finished
  status [limit]    list recent tasks
  show <id>         print one task with its plan and result
  events <id>       print a task's event history
  shot [label]      take a screenshot now
  watch [id]        stream events, optionally until one task finishes
`

func main() {
	cfg, err := parseArgs(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deskctl: %v\n", err)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "deskctl: %v\n", err)
		os.Exit(1)
	}
}

func parseArgs(args []string, getenv func(string) string) (options, error) {
	var cfg options
	var userRaw, chatRaw string

	fs := flag.NewFlagSet("deskctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&cfg.baseURL, "base-url", envOr(getenv, "DESKCTL_URL", "http://127.0.0.1:8080"), "deskpilot base URL")
	fs.StringVar(&userRaw, "user", getenv("DESKCTL_USER"), "requester user id")
	fs.StringVar(&chatRaw, "chat", getenv("DESKCTL_CHAT"), "requester chat id")
	fs.DurationVar(&cfg.requestTimeout, "timeout", 15*time.Second, "per-request timeout")
	fs.IntVar(&cfg.retries, "retries", 3, "retries for transport errors and 429/5xx responses")
	fs.BoolVar(&cfg.observe, "observe", false, "do: include the active window in the plan")
	fs.BoolVar(&cfg.approve, "yes", false, "do: approve the task right after planning")
	fs.BoolVar(&cfg.wait, "wait", false, "do/approve: stream events until the task finishes")
	if err := fs.Parse(args); err != nil {
		return options{}, fmt.Errorf("%v\n\n%s", err, usage)
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, errors.New("base-url is required")
	}
	if cfg.retries < 0 {
		cfg.retries = 0
	}
	var err error
	if cfg.userID, err = parseID("user", userRaw); err != nil {
		return options{}, err
	}
	if cfg.chatID, err = parseID("chat", chatRaw); err != nil {
		return options{}, err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return options{}, errors.New("missing command\n\n" + usage)
	}
	cfg.command = strings.ToLower(rest[0])
	cfg.args = rest[1:]

	switch cfg.command {
	case "do":
		if strings.TrimSpace(strings.Join(cfg.args, " ")) == "" {
			return options{}, errors.New("do: request text is required")
		}
	case "approve", "cancel", "show", "events":
		if len(cfg.args) != 1 || strings.TrimSpace(cfg.args[0]) == "" {
			return options{}, fmt.Errorf("%s: exactly one task id is required", cfg.command)
		}
	case "status", "shot", "watch":
	default:
		return options{}, fmt.Errorf("unknown command %q\n\n%s", cfg.command, usage)
	}
	return cfg, nil
}

func parseID(name, raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("-%s (or DESKCTL_%s) is required", name, strings.ToUpper(name))
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q", name, raw)
	}
	return id, nil
}

func envOr(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, cfg options, w io.Writer) error {
	c := newClient(cfg)
	switch cfg.command {
	case "do":
		return runDo(ctx, c, cfg, w)
	case "approve":
		return runApprove(ctx, c, cfg.args[0], cfg.wait, w)
	case "cancel":
		var out struct {
			TaskID string `json:"task_id"`
		}
		if _, err := c.call(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(cfg.args[0])+"/cancel", nil, &out); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Fprintf(w, "Task %s cancelled.\n", out.TaskID)
		return nil
	case "status":
		return runStatus(ctx, c, cfg.args, w)
	case "show":
		var task tasks.Task
		if _, err := c.call(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(cfg.args[0]), nil, &task); err != nil {
			return fmt.Errorf("show: %w", err)
		}
		printTask(w, task)
		return nil
	case "events":
		var out struct {
			Events []tasks.Event `json:"events"`
		}
		if _, err := c.call(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(cfg.args[0])+"/events", nil, &out); err != nil {
			return fmt.Errorf("events: %w", err)
		}
		for _, evt := range out.Events {
			fmt.Fprintln(w, formatEvent(evt))
		}
		return nil
	case "shot":
		label := "shot"
		if len(cfg.args) > 0 {
			label = strings.Join(cfg.args, "_")
		}
		var out struct {
			Path string `json:"path"`
			URL  string `json:"url"`
		}
		if _, err := c.call(ctx, http.MethodPost, "/v1/shot", map[string]any{"label": label}, &out); err != nil {
			return fmt.Errorf("shot: %w", err)
		}
		fmt.Fprintf(w, "%s\n%s%s\n", out.Path, cfg.baseURL, out.URL)
		return nil
	case "watch":
		conn, err := c.stream(ctx)
		if err != nil {
			return err
		}
		defer conn.Close()
		taskID := ""
		if len(cfg.args) > 0 {
			taskID = cfg.args[0]
		}
		_, err = watch(ctx, conn, taskID, w)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown command %q", cfg.command)
}

type createTaskResponse struct {
	TaskID   string             `json:"task_id"`
	Status   string             `json:"status"`
	PlanText string             `json:"plan_text"`
	Risk     policy.CommandRisk `json:"risk"`
}

func runDo(ctx context.Context, c *client, cfg options, w io.Writer) error {
	req := map[string]any{
		"command": strings.Join(cfg.args, " "),
		"task_id": uuid.NewString(),
		"observe": cfg.observe,
	}
	var created createTaskResponse
	if _, err := c.call(ctx, http.MethodPost, "/v1/tasks", req, &created, http.StatusCreated); err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	fmt.Fprintf(w, "Task %s (%s)\n", created.TaskID, created.Status)
	fmt.Fprintf(w, "Risk: %s", created.Risk.Level)
	if created.Risk.Reason != "" {
		fmt.Fprintf(w, " (%s)", created.Risk.Reason)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.TrimRight(created.PlanText, "\n"))

	if !cfg.approve {
		fmt.Fprintf(w, "Approve with: deskctl approve %s\n", created.TaskID)
		return nil
	}
	return runApprove(ctx, c, created.TaskID, cfg.wait, w)
}

func runApprove(ctx context.Context, c *client, taskID string, wait bool, w io.Writer) error {
	// Subscribe first so no event between approval and the first read is lost.
	var conn *websocket.Conn
	if wait {
		var err error
		if conn, err = c.stream(ctx); err != nil {
			return err
		}
		defer conn.Close()
	}

	if _, err := c.call(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(taskID)+"/approve", nil, nil); err != nil {
		return fmt.Errorf("approve: %w", err)
	}
	fmt.Fprintf(w, "Task %s approved.\n", taskID)
	if conn == nil {
		return nil
	}
	status, err := watch(ctx, conn, taskID, w)
	if err != nil {
		return err
	}
	if status != tasks.TaskStatusCompleted {
		return fmt.Errorf("task %s %s", taskID, status)
	}
	return nil
}

func runStatus(ctx context.Context, c *client, args []string, w io.Writer) error {
	path := "/v1/tasks"
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("status: invalid limit %q", args[0])
		}
		path += "?limit=" + strconv.Itoa(n)
	}
	var out struct {
		Tasks []tasks.Task `json:"tasks"`
	}
	if _, err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if len(out.Tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return nil
	}
	for _, t := range out.Tasks {
		fmt.Fprintf(w, "%s  %-16s  %s\n", t.ID, t.Status, t.Command)
	}
	return nil
}

func printTask(w io.Writer, t tasks.Task) {
	fmt.Fprintf(w, "Task %s\n", t.ID)
	fmt.Fprintf(w, "Status: %s\n", t.Status)
	fmt.Fprintf(w, "Command: %s\n", t.Command)
	fmt.Fprintf(w, "Created: %s\n", t.CreatedAt.Local().Format(time.RFC3339))
	fmt.Fprintln(w, "Plan:")
	for _, s := range t.Plan.Ordered() {
		fmt.Fprintf(w, "  %d. %s\n", s.ID, s.Action)
	}
	if t.Result == nil {
		return
	}
	fmt.Fprintln(w, "Result:")
	for _, r := range t.Result.StepResults {
		mark := "ok"
		if !r.OK {
			mark = "FAILED"
			if r.Error != nil {
				mark += " (" + r.Error.Kind + "): " + r.Error.Message
			}
		}
		fmt.Fprintf(w, "  %d. %s %s\n", r.StepID, r.Action, mark)
	}
	for _, a := range t.Result.Artifacts {
		fmt.Fprintf(w, "  artifact: %s\n", a)
	}
	if t.Result.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", t.Result.Error)
	}
}
