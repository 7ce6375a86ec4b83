package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/steveyegge/sandboxd/internal/broadcast"
	"github.com/steveyegge/sandboxd/internal/events"
	"github.com/steveyegge/sandboxd/internal/provider"
	"github.com/steveyegge/sandboxd/internal/provisioning"
	"github.com/steveyegge/sandboxd/internal/storage"
	"github.com/steveyegge/sandboxd/internal/types"
)

const maxBody = 1 << 20

type provisionRequest struct {
	OwnerID string `json:"owner_id"`
	Title   string `json:"title"`
}

type provisionResponse struct {
	ProjectID string              `json:"project_id"`
	SandboxID string              `json:"sandbox_id"`
	Status    types.SandboxStatus `json:"status"`
}

type statusResponse struct {
	ProjectID string `json:"project_id"`
	events.StatusPayload
}

type nodeCreatedRequest struct {
	OwnerID string          `json:"owner_id"`
	Node    json.RawMessage `json:"node"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleProvision creates the project row if needed, enqueues provisioning
// and answers once the sandbox exists. Setup continues in the background
// and is reported over /ws/events.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req provisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := s.ensureProject(ctx, id, req)
	if err != nil {
		writeErr(w, err)
		return
	}
	if project.HasSandbox() && project.SandboxStatus != types.SandboxStatusFailed {
		writeError(w, http.StatusConflict, fmt.Sprintf("project %s already has sandbox %s (%s); start it instead",
			id, project.SandboxIDOrEmpty(), project.SandboxStatus))
		return
	}

	job, sandboxID, err := s.orch.Provision(ctx, provisioning.ProjectRef{
		ID:      project.ID,
		Title:   project.Title,
		OwnerID: project.OwnerID,
	})
	if err != nil {
		if job != nil {
			// enqueued, but creation failed; the job already recorded it
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, provisionResponse{
		ProjectID: project.ID,
		SandboxID: sandboxID,
		Status:    types.SandboxStatusCreated,
	})
}

func (s *Server) ensureProject(ctx context.Context, id string, req provisionRequest) (*types.Project, error) {
	if req.OwnerID == "" {
		project, err := s.store.GetProject(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: owner_id is required for a new project", errBadRequest)
		}
		return project, err
	}
	project, err := s.store.EnsureProject(ctx, &types.Project{ID: id, OwnerID: req.OwnerID, Title: req.Title})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return project, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	u, err := s.orch.StartSandbox(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ProjectID: u.ProjectID, StatusPayload: u.Payload()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	u, err := s.orch.StopSandbox(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{ProjectID: u.ProjectID, StatusPayload: u.Payload()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.GetStatus(r.Context(), id))
}

// handleNodeCreated relays an editor node to the project's viewers and the
// owner's dashboards.
func (s *Server) handleNodeCreated(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req nodeCreatedRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Node) == 0 || string(req.Node) == "null" {
		writeError(w, http.StatusBadRequest, "node is required")
		return
	}

	owner := req.OwnerID
	if owner == "" {
		if project, err := s.store.GetProject(r.Context(), id); err == nil {
			owner = project.OwnerID
		}
	}
	s.hub.PublishNodeCreated(id, owner, req.Node)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, s.cfg.HistoryLimit)
	}

	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("node"), r.PathValue("id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if msgs == nil {
		msgs = []*types.TurnMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleUserProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjectsByOwner(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if projects == nil {
		projects = []*types.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

// handleEvents subscribes a websocket to a project's group, a user's group
// or both.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, userID := q.Get("projectId"), q.Get("userId")
	if projectID == "" && userID == "" {
		writeError(w, http.StatusBadRequest, "projectId or userId is required")
		return
	}

	var groups []string
	if projectID != "" {
		groups = append(groups, broadcast.ProjectGroup(projectID))
	}
	if userID != "" {
		groups = append(groups, broadcast.UserGroup(userID))
	}
	if err := s.hub.ServeWS(w, r, groups...); err != nil {
		s.log.Warn("event subscription failed", "project_id", projectID, "user_id", userID, "error", err)
	}
}

var errBadRequest = errors.New("bad request")

// statusFor maps component errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, provisioning.ErrJobActive), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, provisioning.ErrQueueFull), errors.Is(err, provisioning.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
