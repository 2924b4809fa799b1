package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"conduit/internal/agent"
	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/session"
	"conduit/internal/status"
	"conduit/internal/store"

	"github.com/google/uuid"
)

type fakeStatus struct {
	mu         sync.Mutex
	snapshots  map[uuid.UUID]status.WorkspaceStatus
	registered map[uuid.UUID]string
	refreshed  []uuid.UUID
	active     *uuid.UUID
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		snapshots:  make(map[uuid.UUID]status.WorkspaceStatus),
		registered: make(map[uuid.UUID]string),
	}
}

func (f *fakeStatus) GetStatus(id uuid.UUID) (status.WorkspaceStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[id]; !ok {
		return status.WorkspaceStatus{}, false
	}
	snapshot, ok := f.snapshots[id]
	if !ok {
		snapshot = status.WorkspaceStatus{WorkspaceID: id}
	}
	return snapshot, true
}

func (f *fakeStatus) RegisterWorkspace(id uuid.UUID, path string) {
	f.mu.Lock()
	f.registered[id] = path
	f.mu.Unlock()
}

func (f *fakeStatus) RefreshWorkspace(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.registered[id]; !ok {
		return false
	}
	f.refreshed = append(f.refreshed, id)
	return true
}

func (f *fakeStatus) SetActiveWorkspace(id *uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == nil {
		f.active = nil
		return
	}
	copied := *id
	f.active = &copied
}

func (f *fakeStatus) ActiveWorkspace() *uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeStatus) refreshCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, refreshed := range f.refreshed {
		if refreshed == id {
			total++
		}
	}
	return total
}

type fakeWorkspaces map[uuid.UUID]store.Workspace

func (f fakeWorkspaces) GetByID(ctx context.Context, id uuid.UUID) (store.Workspace, error) {
	workspace, ok := f[id]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return workspace, nil
}

type fakeSessions []session.Info

func (f fakeSessions) List() []session.Info { return f }

type restHarness struct {
	status     *fakeStatus
	workspaces fakeWorkspaces
	logger     *logging.Logger
	mux        *http.ServeMux
}

func newRestHarness(t *testing.T, token string, sessions SessionLister) *restHarness {
	t.Helper()
	statusService := newFakeStatus()
	workspaces := fakeWorkspaces{}
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(50), logging.LevelDebug, io.Discard)
	mux := http.NewServeMux()
	RegisterRoutes(mux, RouteOptions{
		AuthToken: token,
		Rest: &RestHandler{
			Status:     statusService,
			Workspaces: workspaces,
			Sessions:   sessions,
			Logger:     logger,
		},
		Metrics: metrics.NewRegistry(),
		Logger:  logger,
	})
	return &restHarness{status: statusService, workspaces: workspaces, logger: logger, mux: mux}
}

func (h *restHarness) do(method, target string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	recorder := httptest.NewRecorder()
	h.mux.ServeHTTP(recorder, req)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var value T
	if err := json.Unmarshal(recorder.Body.Bytes(), &value); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return value
}

func TestWorkspaceStatusReturnsCachedSnapshot(t *testing.T) {
	h := newRestHarness(t, "", nil)
	id := uuid.New()
	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.status.RegisterWorkspace(id, "/work/repo")
	h.status.snapshots[id] = status.WorkspaceStatus{
		WorkspaceID: id,
		GitStats:    &status.GitStats{Additions: 3, Deletions: 1, FilesChanged: 2},
		UpdatedAt:   &updated,
	}

	res := h.do(http.MethodGet, "/api/workspaces/"+id.String()+"/status", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody[status.WorkspaceStatus](t, res)
	if body.WorkspaceID != id || body.GitStats == nil || body.GitStats.Additions != 3 {
		t.Fatalf("unexpected snapshot: %#v", body)
	}
	if body.PRStatus != nil {
		t.Fatalf("expected no pr status, got %#v", body.PRStatus)
	}
	if h.status.refreshCount(id) != 0 {
		t.Fatal("expected reading a snapshot not to refresh")
	}
	if res.Header().Get("Cache-Control") != cacheControlNoStore {
		t.Fatalf("expected no-store cache control, got %q", res.Header().Get("Cache-Control"))
	}
}

func TestWorkspaceStatusFallsBackToStore(t *testing.T) {
	h := newRestHarness(t, "", nil)
	id := uuid.New()
	h.workspaces[id] = store.Workspace{ID: id, Name: "repo", Path: "/work/repo"}

	res := h.do(http.MethodGet, "/api/workspaces/"+id.String()+"/status", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody[map[string]any](t, res)
	if body["workspace_id"] != id.String() || body["git_stats"] != nil || body["updated_at"] != nil {
		t.Fatalf("expected empty snapshot, got %#v", body)
	}
	if h.status.registered[id] != "/work/repo" {
		t.Fatalf("expected workspace registered, got %#v", h.status.registered)
	}
	if h.status.refreshCount(id) != 1 {
		t.Fatalf("expected one forced refresh, got %d", h.status.refreshCount(id))
	}
}

func TestWorkspaceStatusErrors(t *testing.T) {
	h := newRestHarness(t, "", nil)

	res := h.do(http.MethodGet, "/api/workspaces/"+uuid.NewString()+"/status", "")
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	body := decodeBody[errorResponse](t, res)
	if body.Code != "not_found" || body.Message != "workspace not found" {
		t.Fatalf("unexpected error body: %#v", body)
	}

	if res := h.do(http.MethodGet, "/api/workspaces/nope/status", ""); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad id, got %d", res.Code)
	}
	res = h.do(http.MethodDelete, "/api/workspaces/"+uuid.NewString()+"/status", "")
	if res.Code != http.StatusMethodNotAllowed || res.Header().Get("Allow") != "GET" {
		t.Fatalf("expected 405 with Allow, got %d %q", res.Code, res.Header().Get("Allow"))
	}
}

func TestWorkspaceRefreshQueuesForceRefresh(t *testing.T) {
	h := newRestHarness(t, "", nil)
	known := uuid.New()
	h.status.RegisterWorkspace(known, "/work/a")
	stored := uuid.New()
	h.workspaces[stored] = store.Workspace{ID: stored, Path: "/work/b"}

	for _, id := range []uuid.UUID{known, stored} {
		res := h.do(http.MethodPost, "/api/workspaces/"+id.String()+"/refresh", "")
		if res.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
		}
		if h.status.refreshCount(id) != 1 {
			t.Fatalf("expected one refresh for %s, got %d", id, h.status.refreshCount(id))
		}
	}

	if res := h.do(http.MethodPost, "/api/workspaces/"+uuid.NewString()+"/refresh", ""); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestActiveWorkspaceSetAndClear(t *testing.T) {
	h := newRestHarness(t, "", nil)
	id := uuid.New()
	h.workspaces[id] = store.Workspace{ID: id, Path: "/work/repo"}

	res := h.do(http.MethodPut, "/api/workspaces/active", `{"workspace_id":"`+id.String()+`"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if active := h.status.ActiveWorkspace(); active == nil || *active != id {
		t.Fatalf("expected active %s, got %v", id, active)
	}
	if _, ok := h.status.registered[id]; !ok {
		t.Fatal("expected focused workspace to be registered")
	}

	res = h.do(http.MethodGet, "/api/workspaces/active", "")
	if body := decodeBody[map[string]any](t, res); body["workspace_id"] != id.String() {
		t.Fatalf("unexpected active body: %#v", body)
	}

	res = h.do(http.MethodPut, "/api/workspaces/active", `{"workspace_id":null}`)
	if res.Code != http.StatusOK || h.status.ActiveWorkspace() != nil {
		t.Fatalf("expected focus cleared, got %d %v", res.Code, h.status.ActiveWorkspace())
	}

	if res := h.do(http.MethodPut, "/api/workspaces/active", `{"workspace_id":"`+uuid.NewString()+`"}`); res.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown workspace, got %d", res.Code)
	}
	if res := h.do(http.MethodPut, "/api/workspaces/active", `{"workspace_id":`); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", res.Code)
	}
}

func TestSessionsListsLiveSessions(t *testing.T) {
	id := uuid.New()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	h := newRestHarness(t, "", fakeSessions{{
		SessionID:   id,
		AgentType:   agent.VendorCodex,
		PID:         4242,
		StartedAt:   started,
		Subscribers: 2,
	}})

	res := h.do(http.MethodGet, "/api/sessions", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	body := decodeBody[sessionsResponse](t, res)
	if len(body.Sessions) != 1 {
		t.Fatalf("expected one session, got %#v", body.Sessions)
	}
	info := body.Sessions[0]
	if info.SessionID != id || info.AgentType != agent.VendorCodex || info.PID != 4242 || info.Subscribers != 2 {
		t.Fatalf("unexpected session info: %#v", info)
	}

	empty := newRestHarness(t, "", nil)
	if res := empty.do(http.MethodGet, "/api/sessions", ""); res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without registry, got %d", res.Code)
	}
}

func TestLogsRoundTrip(t *testing.T) {
	h := newRestHarness(t, "", nil)

	res := h.do(http.MethodPost, "/api/logs", `{"level":"warning","message":"client saw a hiccup","context":{"view":"status"}}`)
	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", res.Code, res.Body.String())
	}
	h.logger.Info("quiet info", nil)

	res = h.do(http.MethodGet, "/api/logs?level=warning&limit=5", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	entries := decodeBody[[]logging.LogEntry](t, res)
	if len(entries) != 1 || entries[0].Message != "client saw a hiccup" {
		t.Fatalf("unexpected entries: %#v", entries)
	}
	if entries[0].Context["source"] != "client" || entries[0].Context["view"] != "status" {
		t.Fatalf("unexpected context: %#v", entries[0].Context)
	}

	for _, query := range []string{"limit=0", "limit=x", "level=loud", "since=yesterday"} {
		if res := h.do(http.MethodGet, "/api/logs?"+query, ""); res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, res.Code)
		}
	}
	if res := h.do(http.MethodPost, "/api/logs", `{"message":"  "}`); res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", res.Code)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	h := newRestHarness(t, "secret", fakeSessions{})

	res := h.do(http.MethodGet, "/api/sessions", "")
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	recorder := httptest.NewRecorder()
	h.mux.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", recorder.Code)
	}

	if res := h.do(http.MethodGet, "/metrics", ""); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected metrics to require token, got %d", res.Code)
	}
	if res := h.do(http.MethodGet, "/healthz", ""); res.Code != http.StatusOK {
		t.Fatalf("expected healthz to be public, got %d", res.Code)
	}
}

func TestHealthVersionMetricsAndUnknownRoutes(t *testing.T) {
	h := newRestHarness(t, "", nil)

	res := h.do(http.MethodGet, "/healthz", "")
	if body := decodeBody[healthResponse](t, res); res.Code != http.StatusOK || body.Status != "ok" {
		t.Fatalf("unexpected health response: %d %#v", res.Code, body)
	}

	res = h.do(http.MethodGet, "/api/version", "")
	if body := decodeBody[map[string]any](t, res); res.Code != http.StatusOK || body["version"] == nil {
		t.Fatalf("unexpected version response: %d %#v", res.Code, body)
	}

	res = h.do(http.MethodGet, "/metrics", "")
	if res.Code != http.StatusOK || !bytes.Contains(res.Body.Bytes(), []byte("conduit_")) {
		t.Fatalf("expected prometheus exposition, got %d", res.Code)
	}

	res = h.do(http.MethodGet, "/api/unknown", "")
	if body := decodeBody[errorResponse](t, res); res.Code != http.StatusNotFound || body.Code != "not_found" {
		t.Fatalf("unexpected unknown route response: %d %#v", res.Code, body)
	}
}

func TestStatusForError(t *testing.T) {
	cases := map[error]int{
		session.ErrNotFound:       http.StatusNotFound,
		store.ErrNotFound:         http.StatusNotFound,
		session.ErrAlreadyRunning: http.StatusConflict,
		agent.ErrUnavailable:      http.StatusServiceUnavailable,
		session.ErrUnsupported:    http.StatusBadRequest,
		session.ErrInternal:       http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusForError(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}
