package api

import (
	"context"
	"encoding/json"
	"net/http"

	"conduit/internal/status"

	"github.com/google/uuid"
)

// handleWorkspaceStatus returns the cached snapshot. A workspace the manager
// has not seen yet is loaded from the store, registered and refreshed, and
// its empty snapshot is returned.
func (h *RestHandler) handleWorkspaceStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if err := h.requireStatus(); err != nil {
		return err
	}
	id, apiErr := parseWorkspaceID(r)
	if apiErr != nil {
		return apiErr
	}

	snapshot, ok := h.Status.GetStatus(id)
	if !ok {
		if apiErr := h.registerFromStore(r.Context(), id); apiErr != nil {
			return apiErr
		}
		h.Status.RefreshWorkspace(id)
		snapshot = status.WorkspaceStatus{WorkspaceID: id}
	}
	writeJSON(w, http.StatusOK, snapshot)
	return nil
}

func (h *RestHandler) handleWorkspaceRefresh(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodPost {
		return methodNotAllowed(w, "POST")
	}
	if err := h.requireStatus(); err != nil {
		return err
	}
	id, apiErr := parseWorkspaceID(r)
	if apiErr != nil {
		return apiErr
	}

	if !h.Status.RefreshWorkspace(id) {
		if apiErr := h.registerFromStore(r.Context(), id); apiErr != nil {
			return apiErr
		}
		h.Status.RefreshWorkspace(id)
	}
	writeJSON(w, http.StatusAccepted, refreshResponse{WorkspaceID: id, Queued: true})
	return nil
}

func (h *RestHandler) handleActiveWorkspace(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireStatus(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, activeWorkspaceResponse{WorkspaceID: h.Status.ActiveWorkspace()})
		return nil
	case http.MethodPut:
	default:
		return methodNotAllowed(w, "GET, PUT")
	}

	if r.Body == nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	var request activeWorkspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: "invalid request body"}
	}
	if request.WorkspaceID != nil {
		id := *request.WorkspaceID
		if _, ok := h.Status.GetStatus(id); !ok {
			if apiErr := h.registerFromStore(r.Context(), id); apiErr != nil {
				return apiErr
			}
		}
	}
	h.Status.SetActiveWorkspace(request.WorkspaceID)
	writeJSON(w, http.StatusOK, activeWorkspaceResponse{WorkspaceID: h.Status.ActiveWorkspace()})
	return nil
}

func (h *RestHandler) registerFromStore(ctx context.Context, id uuid.UUID) *apiError {
	if h.Workspaces == nil {
		return &apiError{Status: http.StatusNotFound, Message: "workspace not found"}
	}
	lookupCtx, cancel := context.WithTimeout(ctx, workspaceLookupTimeout)
	defer cancel()
	workspace, err := h.Workspaces.GetByID(lookupCtx, id)
	if err != nil {
		apiErr := apiErrorFrom(err)
		if apiErr.Status == http.StatusNotFound {
			apiErr.Message = "workspace not found"
		}
		return apiErr
	}
	h.Status.RegisterWorkspace(workspace.ID, workspace.Path)
	return nil
}
