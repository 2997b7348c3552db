package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/deskpilot/internal/capability"
	"github.com/antoniostano/deskpilot/internal/plan"
)

type shotRequest struct {
	Label   string `json:"label"`
	Monitor int    `json:"monitor"`
}

// handleShot takes an immediate screenshot outside of any task.
func (s *Server) handleShot(w http.ResponseWriter, r *http.Request) {
	var req shotRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Label) == "" {
		req.Label = "shot"
	}
	c, ok := s.registry.Resolve(plan.ActionScreenCapture)
	if !ok {
		respondError(w, http.StatusNotImplemented, "capture_unavailable", "screen capture is not registered")
		return
	}
	out, err := c.Invoke(r.Context(), capability.Invocation{}, map[string]any{"label": req.Label, "monitor": req.Monitor})
	if err != nil {
		respondError(w, http.StatusBadGateway, "capture_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"path": out.Artifact,
		"url":  s.artifactURL(out.Artifact),
	})
}

// artifactURL maps a path under the audit dir to its download route.
func (s *Server) artifactURL(path string) string {
	rel, err := filepath.Rel(s.cfg.AuditDir, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return ""
	}
	return "/v1/artifacts/" + parts[0] + "/" + parts[1]
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	name := chi.URLParam(r, "name")
	if !safeElement(taskID) || !safeElement(name) || filepath.Ext(name) != ".png" {
		respondError(w, http.StatusBadRequest, "invalid_artifact", "invalid artifact path")
		return
	}
	path := filepath.Join(s.cfg.AuditDir, taskID, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "artifact_not_found", "artifact not found")
		return
	}
	s.metrics.ObserveArtifactServed()
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

// safeElement accepts a single path element made of the characters artifact
// names are built from.
func safeElement(v string) bool {
	if v == "" || v == "." || v == ".." {
		return false
	}
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return !strings.Contains(v, "..")
}
