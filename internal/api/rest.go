package api

import (
	"context"
	"net/http"
	"time"

	"conduit/internal/logging"
	"conduit/internal/session"
	"conduit/internal/status"
	"conduit/internal/store"
	"conduit/internal/version"

	"github.com/google/uuid"
)

// StatusService is the workspace status surface served over REST.
type StatusService interface {
	GetStatus(id uuid.UUID) (status.WorkspaceStatus, bool)
	RegisterWorkspace(id uuid.UUID, path string)
	RefreshWorkspace(id uuid.UUID) bool
	SetActiveWorkspace(id *uuid.UUID)
	ActiveWorkspace() *uuid.UUID
}

// WorkspaceLookup resolves persisted workspaces.
type WorkspaceLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (store.Workspace, error)
}

// SessionLister lists live sessions.
type SessionLister interface {
	List() []session.Info
}

type RestHandler struct {
	Status     StatusService
	Workspaces WorkspaceLookup
	Sessions   SessionLister
	Logger     *logging.Logger
}

type healthResponse struct {
	Status string `json:"status"`
}

type activeWorkspaceRequest struct {
	WorkspaceID *uuid.UUID `json:"workspace_id"`
}

type activeWorkspaceResponse struct {
	WorkspaceID *uuid.UUID `json:"workspace_id"`
}

type refreshResponse struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Queued      bool      `json:"queued"`
}

type sessionsResponse struct {
	Sessions   []session.Info `json:"sessions"`
	ServerTime time.Time      `json:"server_time"`
}

type clientLogRequest struct {
	Level   string            `json:"level"`
	Message string            `json:"message"`
	Context map[string]string `json:"context"`
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

const workspaceLookupTimeout = 5 * time.Second

func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	return nil
}

func (h *RestHandler) handleVersion(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, version.GetVersionInfo())
	return nil
}

func (h *RestHandler) handleSessions(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Sessions == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "session registry unavailable"}
	}
	sessions := h.Sessions.List()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: sessions, ServerTime: time.Now().UTC()})
	return nil
}

func (h *RestHandler) requireStatus() *apiError {
	if h.Status == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "status manager unavailable"}
	}
	return nil
}

func (h *RestHandler) requireLogger() *apiError {
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "log buffer unavailable"}
	}
	return nil
}

func parseWorkspaceID(r *http.Request) (uuid.UUID, *apiError) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &apiError{Status: http.StatusBadRequest, Message: "invalid workspace id"}
	}
	return id, nil
}
