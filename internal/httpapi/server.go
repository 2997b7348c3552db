package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/config"
	"github.com/antoniostano/deskpilot/internal/observability"
	"github.com/antoniostano/deskpilot/internal/policy"
	"github.com/antoniostano/deskpilot/internal/taskruntime"
	"github.com/antoniostano/deskpilot/internal/tasks"
)

const (
	HeaderUserID = "X-Deskpilot-User"
	HeaderChatID = "X-Deskpilot-Chat"
)

type Server struct {
	cfg         config.Config
	taskService *taskruntime.Service
	registry    *capability.Registry
	metrics     *observability.Metrics
	steps       *observability.StepWindow
	allow       policy.AllowList
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, taskService *taskruntime.Service, registry *capability.Registry, metrics *observability.Metrics, steps *observability.StepWindow) *Server {
	return &Server{
		cfg:         cfg,
		taskService: taskService,
		registry:    registry,
		metrics:     metrics,
		steps:       steps,
		allow:       policy.AllowList{Users: cfg.AllowedUserIDs, Chats: cfg.AllowedChatIDs},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireRequester)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/approve", s.handleApproveTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)
		r.Get("/tasks/{id}/events", s.handleListTaskEvents)
		r.Get("/tasks/{id}/audit", s.handleTaskAudit)

		r.Post("/shot", s.handleShot)
		r.Get("/artifacts/{task_id}/{name}", s.handleArtifact)
		r.Get("/stream", s.handleStream)

		r.Get("/perf/steps", s.handlePerfSteps)
		r.Get("/setup/status", s.handleSetupStatus)
	})

	return r
}

type requesterKey struct{}

// requireRequester authenticates the identity headers against the
// allow-lists and stores the requester on the request context.
func (s *Server) requireRequester(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, uerr := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderUserID)), 10, 64)
		chatID, cerr := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderChatID)), 10, 64)
		if uerr != nil || cerr != nil {
			respondError(w, http.StatusUnauthorized, "missing_identity", HeaderUserID+" and "+HeaderChatID+" headers are required")
			return
		}
		decision := policy.Authorize(policy.Requester{UserID: userID, ChatID: chatID}, s.allow)
		if !decision.Allowed {
			respondError(w, http.StatusForbidden, "not_authorized", decision.Reason)
			return
		}
		ctx := context.WithValue(r.Context(), requesterKey{}, tasks.Requester{ChatID: chatID, UserID: userID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requesterFrom(ctx context.Context) tasks.Requester {
	req, _ := ctx.Value(requesterKey{}).(tasks.Requester)
	return req
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"task_store_mode": s.taskService.StoreMode(),
		"running_task":    s.taskService.Running(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.taskService.ListTasks(ctx, 1); err != nil {
		respondError(w, http.StatusServiceUnavailable, "ledger_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"task_store_mode": s.taskService.StoreMode(),
		"capabilities":    s.registry.Names(),
	})
}

// handleStream forwards the caller's chat events over a websocket until the
// client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req := requesterFrom(r.Context())
	// Subscribe before the handshake completes so a client that acts right
	// after dialing sees its own events.
	events, unsubscribe := s.taskService.Subscribe(req.ChatID)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		conn.SetPongHandler(func(string) error {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
writeLoop:
	for {
		select {
		case <-ctx.Done():
			break writeLoop
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				break writeLoop
			}
		case evt, ok := <-events:
			if !ok {
				break writeLoop
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				s.metrics.ObserveNotifyError("stream")
				break writeLoop
			}
		}
	}
	cancel()
	_ = conn.Close()
	<-readerDone
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func limitParam(r *http.Request, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
