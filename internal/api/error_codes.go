package api

import (
	"errors"
	"net/http"

	"conduit/internal/agent"
	"conduit/internal/session"
	"conduit/internal/store"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, agent.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrUnsupported), errors.Is(err, agent.ErrUnknownVendor):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func apiErrorFrom(err error) *apiError {
	return &apiError{Status: statusForError(err), Message: err.Error()}
}
