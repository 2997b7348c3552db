package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/deskpilot/internal/httpapi"
	"github.com/antoniostano/deskpilot/internal/reliability"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

type client struct {
	baseURL    string
	userID     int64
	chatID     int64
	http       *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

func newClient(cfg options) *client {
	return &client{
		baseURL:    cfg.baseURL,
		userID:     cfg.userID,
		chatID:     cfg.chatID,
		http:       &http.Client{Timeout: cfg.requestTimeout},
		maxRetries: cfg.retries,
		retryBase:  200 * time.Millisecond,
		retryCap:   2 * time.Second,
	}
}

func (c *client) identify(h http.Header) {
	h.Set(httpapi.HeaderUserID, strconv.FormatInt(c.userID, 10))
	h.Set(httpapi.HeaderChatID, strconv.FormatInt(c.chatID, 10))
}

// call sends one API request, retrying transport failures and retryable
// statuses. Task creation carries a client-chosen id so a retried create is
// absorbed by the ledger.
func (c *client) call(ctx context.Context, method, path string, body any, out any, okStatus ...int) (int, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = b
	}
	if len(okStatus) == 0 {
		okStatus = []int{http.StatusOK}
	}

	var status int
	var raw []byte
	err := reliability.Retry(ctx, c.maxRetries, c.retryBase, c.retryCap, retryable, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.identify(req.Header)

		res, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		raw, err = io.ReadAll(io.LimitReader(res.Body, 4<<20))
		if err != nil {
			return err
		}
		status = res.StatusCode
		for _, code := range okStatus {
			if status == code {
				return nil
			}
		}
		return &statusError{Code: status, Body: errorMessage(raw)}
	})
	if err != nil {
		return status, err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return status, fmt.Errorf("decode response: %w", err)
		}
	}
	return status, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return reliability.IsRetryableHTTPStatus(se.Code)
	}
	return true
}

func errorMessage(raw []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}

// stream opens the caller's event websocket.
func (c *client) stream(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := streamURL(c.baseURL)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	c.identify(h)
	conn, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, h)
	if err != nil {
		if res != nil {
			return nil, fmt.Errorf("open stream: HTTP %d", res.StatusCode)
		}
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return conn, nil
}

func streamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream"
	return u.String(), nil
}

// watch prints stream events until ctx ends or, when taskID is set, until
// that task reaches a terminal status.
func watch(ctx context.Context, conn *websocket.Conn, taskID string, w io.Writer) (tasks.TaskStatus, error) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	for {
		var evt tasks.Event
		if err := conn.ReadJSON(&evt); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("stream read: %w", err)
		}
		if taskID != "" && evt.TaskID != taskID {
			continue
		}
		fmt.Fprintln(w, formatEvent(evt))
		if taskID != "" && evt.Status.Terminal() && isTerminalEvent(evt.Type) {
			return evt.Status, nil
		}
	}
}

func isTerminalEvent(t tasks.EventType) bool {
	switch t {
	case tasks.EventTaskCompleted, tasks.EventTaskFailed, tasks.EventTaskCancelled:
		return true
	}
	return false
}

func formatEvent(evt tasks.Event) string {
	var b strings.Builder
	if !evt.At.IsZero() {
		b.WriteString(evt.At.Local().Format("15:04:05"))
		b.WriteByte(' ')
	}
	b.WriteString(shortID(evt.TaskID))
	b.WriteByte(' ')
	b.WriteString(string(evt.Type))
	for _, part := range []string{evt.Text, evt.Detail, evt.Artifact} {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteString(": ")
			b.WriteString(part)
		}
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
