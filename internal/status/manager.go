// Package status keeps a best-effort cache of per-workspace git and pull
// request status, refreshed in the background with bounded concurrency.
package status

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/store"
	"conduit/internal/watcher"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

const (
	defaultSelectedRefreshInterval = 10 * time.Second
	defaultPRRefreshInterval       = 2 * time.Minute
	defaultWatchDebounce           = 500 * time.Millisecond
)

type Config struct {
	InitialScan bool
	// Concurrency sizes the admission pool shared by every workspace.
	Concurrency int
	// SelectedRefreshInterval is both the git facet interval and the active
	// tick period. Zero disables the ticker.
	SelectedRefreshInterval time.Duration
	PRRefreshInterval       time.Duration
	WatchGit                bool
	WatchDebounce           time.Duration
}

func DefaultConfig() Config {
	return Config{
		InitialScan:             true,
		Concurrency:             4,
		SelectedRefreshInterval: defaultSelectedRefreshInterval,
		PRRefreshInterval:       defaultPRRefreshInterval,
		WatchDebounce:           defaultWatchDebounce,
	}
}

type Options struct {
	Config  Config
	Git     GitSource
	PR      PRSource
	Watcher watcher.Watch
	Logger  *logging.Logger
	Metrics *metrics.Registry
	Now     func() time.Time
}

type entry struct {
	mu         sync.Mutex
	id         uuid.UUID
	path       string
	gitStats   *GitStats
	prStatus   *PRStatus
	updatedAt  *time.Time
	lastGitAt  time.Time
	lastPRAt   time.Time
	generation uint64
	cancel     context.CancelFunc
	watch      watcher.Handle
}

type dispatch struct {
	generation uint64
	path       string
	git        bool
	pr         bool
}

// Manager schedules status refreshes. mu guards the entry map and closed;
// each entry has its own lock so unrelated workspaces never serialize.
type Manager struct {
	config  Config
	git     GitSource
	pr      PRSource
	watcher watcher.Watch
	logger  *logging.Logger
	metrics *metrics.Registry
	now     func() time.Time
	pool    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
	closed  bool

	active     atomic.Pointer[uuid.UUID]
	scanned    atomic.Bool
	dispatches sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	config := opts.Config
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.WatchDebounce <= 0 {
		config.WatchDebounce = defaultWatchDebounce
	}
	if opts.Git == nil {
		opts.Git = CommandGitSource{}
	}
	if opts.PR == nil {
		opts.PR = NewGitHubPRSource(GitHubOptions{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		git:     opts.Git,
		pr:      opts.PR,
		watcher: opts.Watcher,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		pool:    semaphore.NewWeighted(int64(config.Concurrency)),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Start runs the active tick loop until ctx ends or the manager closes.
func (m *Manager) Start(ctx context.Context) {
	interval := m.config.SelectedRefreshInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.activeTick()
		}
	}
}

func (m *Manager) activeTick() {
	if id := m.active.Load(); id != nil {
		m.scheduleRefresh(*id, ActiveTick)
	}
}

// Close cancels every in-flight dispatch and waits for them to return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.cancel()
	for _, e := range entries {
		e.mu.Lock()
		watch := e.watch
		e.watch = nil
		e.mu.Unlock()
		if watch != nil {
			_ = watch.Close()
		}
	}
	m.dispatches.Wait()
}

// KickInitialScan registers and force refreshes every workspace once per
// manager lifetime. It is a no-op when the initial scan is disabled.
func (m *Manager) KickInitialScan(workspaces []store.Workspace) {
	if !m.config.InitialScan {
		return
	}
	if !m.scanned.CompareAndSwap(false, true) {
		return
	}
	for _, workspace := range workspaces {
		if workspace.ArchivedAt != nil {
			continue
		}
		m.RegisterWorkspace(workspace.ID, workspace.Path)
		m.scheduleRefresh(workspace.ID, ForceAll)
	}
	m.logger.Info("status initial scan dispatched", map[string]string{
		"workspaces": strconv.Itoa(len(workspaces)),
	})
}

// RegisterWorkspace adds a workspace or updates its path.
func (m *Manager) RegisterWorkspace(id uuid.UUID, path string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	e, ok := m.entries[id]
	if !ok {
		e = &entry{id: id}
		m.entries[id] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	changed := e.path != path
	e.path = path
	e.mu.Unlock()

	if changed && m.config.WatchGit {
		m.watchGitDir(e, path)
	}
}

// RemoveWorkspace drops a workspace and cancels its in-flight refresh.
func (m *Manager) RemoveWorkspace(id uuid.UUID) {
	m.mu.Lock()
	e, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.generation++
	watch := e.watch
	e.watch = nil
	e.mu.Unlock()
	if watch != nil {
		_ = watch.Close()
	}
	if active := m.active.Load(); active != nil && *active == id {
		m.active.CompareAndSwap(active, nil)
	}
}

// SetActiveWorkspace records focus. A non-nil id is force refreshed.
func (m *Manager) SetActiveWorkspace(id *uuid.UUID) {
	if id == nil {
		m.active.Store(nil)
		return
	}
	focused := *id
	m.active.Store(&focused)
	m.scheduleRefresh(focused, ForceAll)
}

func (m *Manager) ActiveWorkspace() *uuid.UUID {
	active := m.active.Load()
	if active == nil {
		return nil
	}
	id := *active
	return &id
}

// RefreshWorkspace force refreshes a workspace. It reports false when the
// workspace is not registered.
func (m *Manager) RefreshWorkspace(id uuid.UUID) bool {
	m.mu.RLock()
	_, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	m.scheduleRefresh(id, ForceAll)
	return true
}

// GetStatus returns the last committed snapshot without triggering work.
func (m *Manager) GetStatus(id uuid.UUID) (WorkspaceStatus, bool) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return WorkspaceStatus{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return WorkspaceStatus{
		WorkspaceID: id,
		GitStats:    e.gitStats,
		PRStatus:    e.prStatus,
		UpdatedAt:   e.updatedAt,
	}, true
}

// scheduleRefresh dispatches the due facets of a workspace, superseding any
// refresh still in flight for it. It reports whether work was dispatched.
func (m *Manager) scheduleRefresh(id uuid.UUID, plan Plan) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	e, ok := m.entries[id]
	if !ok {
		return false
	}

	now := m.now()
	e.mu.Lock()
	next := dispatch{
		path: e.path,
		git:  plan.Git || due(e.lastGitAt, m.config.SelectedRefreshInterval, now),
		pr:   plan.PR || due(e.lastPRAt, m.config.PRRefreshInterval, now),
	}
	if !next.git && !next.pr {
		e.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.generation++
	next.generation = e.generation
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.mu.Unlock()

	m.dispatches.Add(1)
	go m.run(ctx, cancel, e, next)
	return true
}

func due(last time.Time, interval time.Duration, now time.Time) bool {
	return last.IsZero() || now.Sub(last) >= interval
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, e *entry, work dispatch) {
	defer m.dispatches.Done()
	defer cancel()

	if err := m.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer m.pool.Release(1)
	if ctx.Err() != nil {
		return
	}

	var (
		gitStats    *GitStats
		prStatus    *PRStatus
		gitOK, prOK bool
		gitAt, prAt time.Time
	)
	if work.git {
		gitStats, gitOK = m.computeGit(ctx, e.id, work.path)
		gitAt = m.now()
		if ctx.Err() != nil {
			return
		}
	}
	if work.pr {
		prStatus, prOK = m.computePR(ctx, e.id, work.path)
		prAt = m.now()
		if ctx.Err() != nil {
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ctx.Err() != nil || e.generation != work.generation {
		m.logger.Debug("status refresh discarded", map[string]string{
			"workspace_id": e.id.String(),
			"generation":   strconv.FormatUint(work.generation, 10),
		})
		return
	}
	committed := false
	if gitOK {
		e.gitStats = gitStats
		e.lastGitAt = gitAt
		committed = true
	}
	if prOK {
		e.prStatus = prStatus
		e.lastPRAt = prAt
		committed = true
	}
	if committed {
		updatedAt := m.now().UTC()
		e.updatedAt = &updatedAt
	}
	e.cancel = nil
}

func (m *Manager) computeGit(ctx context.Context, id uuid.UUID, path string) (*GitStats, bool) {
	started := time.Now()
	stats, err := m.git.DiffStats(ctx, path)
	return stats, m.observe(ctx, id, facetGit, started, err)
}

func (m *Manager) computePR(ctx context.Context, id uuid.UUID, path string) (*PRStatus, bool) {
	started := time.Now()
	status, err := m.pr.PullRequest(ctx, path)
	return status, m.observe(ctx, id, facetPR, started, err)
}

// observe records a facet computation and reports whether its result should
// be committed. Failed computations keep the cached value.
func (m *Manager) observe(ctx context.Context, id uuid.UUID, facet string, started time.Time, err error) bool {
	elapsed := time.Since(started)
	switch {
	case err == nil:
		m.metrics.ObserveStatusRefresh(facet, "ok", elapsed)
		return true
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		m.metrics.ObserveStatusRefresh(facet, "cancelled", elapsed)
		return false
	default:
		m.metrics.ObserveStatusRefresh(facet, "error", elapsed)
		m.logger.Warn("status refresh failed", map[string]string{
			"workspace_id": id.String(),
			"facet":        facet,
			"error":        err.Error(),
		})
		return false
	}
}
