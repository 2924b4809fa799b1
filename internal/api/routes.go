package api

import (
	"net/http"

	"conduit/internal/logging"
	"conduit/internal/metrics"
)

type RouteOptions struct {
	AuthToken string
	Gateway   *Gateway
	Rest      *RestHandler
	Metrics   *metrics.Registry
	Logger    *logging.Logger
}

func RegisterRoutes(mux *http.ServeMux, opts RouteOptions) {
	rest := opts.Rest
	if rest == nil {
		rest = &RestHandler{Logger: opts.Logger}
	}
	wrap := func(handler http.Handler) http.Handler {
		return loggingMiddleware(opts.Logger, handler)
	}
	api := func(handler apiHandler) http.Handler {
		return wrap(restHandler(opts.AuthToken, handler))
	}

	if opts.Gateway != nil {
		mux.Handle(gatewayRoute, opts.Gateway)
	}

	mux.Handle("/api/workspaces/active", api(rest.handleActiveWorkspace))
	mux.Handle("/api/workspaces/{id}/status", api(rest.handleWorkspaceStatus))
	mux.Handle("/api/workspaces/{id}/refresh", api(rest.handleWorkspaceRefresh))
	mux.Handle("/api/sessions", api(rest.handleSessions))
	mux.Handle("/api/logs", api(rest.handleLogs))
	mux.Handle("/api/version", api(rest.handleVersion))
	mux.Handle("/api/", api(func(w http.ResponseWriter, r *http.Request) *apiError {
		return &apiError{Status: http.StatusNotFound, Message: "not found"}
	}))

	registry := opts.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	mux.Handle("/metrics", wrap(restHandlerRaw(opts.AuthToken, registry.Handler())))
	mux.Handle("/healthz", wrap(securityHeadersHandler(cacheControlNoStore, jsonErrorMiddleware(rest.handleHealth))))
}

// restHandlerRaw guards a plain handler with the token check.
func restHandlerRaw(token string, next http.Handler) http.HandlerFunc {
	return restHandler(token, func(w http.ResponseWriter, r *http.Request) *apiError {
		next.ServeHTTP(w, r)
		return nil
	})
}
