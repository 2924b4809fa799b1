// Package session keeps at most one live agent process per session id and
// fans its event stream out to any number of subscribers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"conduit/internal/agent"
	"conduit/internal/event"
	"conduit/internal/logging"
	"conduit/internal/metrics"
	"conduit/internal/process"
	"conduit/internal/store"

	"github.com/google/uuid"
)

const (
	busName                       = "agent_events"
	defaultSubscriberBufferSize   = 256
	defaultSubscriberWriteTimeout = 5 * time.Second
	persistTimeout                = 5 * time.Second
)

// Store is the slice of the session store the registry writes to.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (store.SessionRecord, error)
	Update(ctx context.Context, record store.SessionRecord) error
}

type Options struct {
	Runners map[agent.Vendor]*agent.Runner
	Store   Store
	Logger  *logging.Logger
	Metrics *metrics.Registry
	// SubscriberBufferSize and SubscriberWriteTimeout configure each
	// session's bus. A subscriber that stays full past the timeout is dropped.
	SubscriberBufferSize   int
	SubscriberWriteTimeout time.Duration
}

type StartOptions struct {
	Prompt          string
	WorkingDir      string
	Model           string
	Images          []agent.Image
	ResumeSessionID string
}

type Input struct {
	Text   string
	Images []agent.Image
}

// Info describes a live session.
type Info struct {
	SessionID   uuid.UUID    `json:"session_id"`
	AgentType   agent.Vendor `json:"agent_type"`
	PID         int          `json:"pid"`
	StartedAt   time.Time    `json:"started_at"`
	Subscribers int          `json:"subscribers"`
}

type liveSession struct {
	id      uuid.UUID
	vendor  agent.Vendor
	handle  *agent.Handle
	bus     *event.Bus[agent.Event]
	stopped atomic.Bool
}

// Registry is safe for concurrent use. mu guards live and pending; the
// per-session bus does its own locking.
type Registry struct {
	mu      sync.RWMutex
	live    map[uuid.UUID]*liveSession
	pending map[uuid.UUID]struct{}

	runners      map[agent.Vendor]*agent.Runner
	store        Store
	logger       *logging.Logger
	metrics      *metrics.Registry
	bufferSize   int
	writeTimeout time.Duration
	pumps        sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.SubscriberWriteTimeout <= 0 {
		opts.SubscriberWriteTimeout = defaultSubscriberWriteTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default
	}
	runners := make(map[agent.Vendor]*agent.Runner, len(opts.Runners))
	for vendor, runner := range opts.Runners {
		if runner != nil {
			runners[vendor] = runner
		}
	}
	return &Registry{
		live:         make(map[uuid.UUID]*liveSession),
		pending:      make(map[uuid.UUID]struct{}),
		runners:      runners,
		store:        opts.Store,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		bufferSize:   opts.SubscriberBufferSize,
		writeTimeout: opts.SubscriberWriteTimeout,
	}
}

// StartSession spawns the vendor CLI for id and returns a subscription that
// sees every event from the first one. The slot for id is reserved before
// spawning, so concurrent starts for the same id fail with ErrAlreadyRunning.
func (r *Registry) StartSession(ctx context.Context, id uuid.UUID, vendor agent.Vendor, opts StartOptions) (<-chan agent.Event, func(), error) {
	runner, ok := r.runners[vendor]
	if !vendor.Valid() || !ok {
		return nil, nil, fmt.Errorf("%w: unknown agent type %q", ErrUnsupported, string(vendor))
	}

	r.mu.Lock()
	if _, running := r.live[id]; running {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyRunning
	}
	if _, starting := r.pending[id]; starting {
		r.mu.Unlock()
		return nil, nil, ErrAlreadyRunning
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	handle, err := runner.Start(ctx, agent.RunConfig{
		Prompt:          opts.Prompt,
		WorkingDir:      opts.WorkingDir,
		Model:           opts.Model,
		Images:          opts.Images,
		ResumeSessionID: opts.ResumeSessionID,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.logger.Warn("agent session start failed", map[string]string{
			"session_id": id.String(),
			"vendor":     vendor.String(),
			"error":      err.Error(),
		})
		return nil, nil, err
	}

	entry := &liveSession{
		id:     id,
		vendor: vendor,
		handle: handle,
		bus: event.NewBus[agent.Event](context.Background(), event.BusOptions{
			Name:                 busName,
			SubscriberBufferSize: r.bufferSize,
			WriteTimeout:         r.writeTimeout,
			Registry:             r.metrics,
			Logger:               r.logger,
		}),
	}
	events, cancel := entry.bus.Subscribe()

	r.mu.Lock()
	delete(r.pending, id)
	r.live[id] = entry
	r.mu.Unlock()

	r.metrics.IncSessionStarted(vendor.String())
	r.logger.Info("agent session started", map[string]string{
		"session_id": id.String(),
		"vendor":     vendor.String(),
		"pid":        strconv.Itoa(handle.PID),
	})

	r.pumps.Add(1)
	go r.pump(entry)
	return events, cancel, nil
}

// pump is the only reader of the handle's event source.
func (r *Registry) pump(entry *liveSession) {
	defer r.pumps.Done()

	reason := "completed"
	for ev := range entry.handle.Events() {
		switch ev.Kind {
		case agent.EventSessionInit:
			if ev.SessionID != "" {
				r.persistAgentSessionID(entry.id, ev.SessionID)
			}
		case agent.EventError:
			reason = "error"
		}
		// Publish is a no-op once Stop closed the bus; the loop keeps
		// draining until the process exits.
		entry.bus.Publish(ev)
	}

	r.mu.Lock()
	if current, ok := r.live[entry.id]; ok && current == entry {
		delete(r.live, entry.id)
	}
	r.mu.Unlock()
	entry.bus.Close()

	if entry.stopped.Load() {
		reason = "stopped"
	}
	r.metrics.IncSessionEnded(entry.vendor.String(), reason)
	r.logger.Info("agent session ended", map[string]string{
		"session_id": entry.id.String(),
		"vendor":     entry.vendor.String(),
		"reason":     reason,
	})
}

func (r *Registry) persistAgentSessionID(id uuid.UUID, agentSessionID string) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	fields := map[string]string{
		"session_id":       id.String(),
		"agent_session_id": agentSessionID,
	}
	record, err := r.store.GetByID(ctx, id)
	if err != nil {
		fields["error"] = err.Error()
		r.logger.Warn("agent session id not persisted", fields)
		return
	}
	if record.AgentSessionID == agentSessionID {
		return
	}
	record.AgentSessionID = agentSessionID
	if err := r.store.Update(ctx, record); err != nil {
		fields["error"] = err.Error()
		r.logger.Warn("agent session id not persisted", fields)
		return
	}
	r.logger.Debug("agent session id persisted", fields)
}

func (r *Registry) lookup(id uuid.UUID) (*liveSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.live[id]
	return entry, ok
}

// Subscribe attaches a new receiver to a live session.
func (r *Registry) Subscribe(id uuid.UUID) (<-chan agent.Event, func(), error) {
	entry, ok := r.lookup(id)
	if !ok {
		return nil, nil, ErrNotFound
	}
	events, cancel := entry.bus.Subscribe()
	return events, cancel, nil
}

func (r *Registry) SendInput(id uuid.UUID, input Input) error {
	entry, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if !entry.handle.HasInput() {
		return fmt.Errorf("%w: %s does not accept input after the prompt", ErrUnsupported, entry.vendor)
	}
	return entry.handle.Send(agent.Message{Text: input.Text, Images: input.Images})
}

// RespondToControl answers a control request raised by the agent.
func (r *Registry) RespondToControl(id uuid.UUID, requestID string, response json.RawMessage) error {
	entry, ok := r.lookup(id)
	if !ok {
		return ErrNotFound
	}
	if !entry.vendor.SupportsControl() || !entry.handle.HasInput() {
		return fmt.Errorf("%w: %s has no control channel", ErrUnsupported, entry.vendor)
	}
	line, err := agent.ControlResponse(requestID, response)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return entry.handle.Send(agent.Message{Raw: line})
}

// Stop removes the session and signals its process without waiting for it
// to exit. Subscribers observe the end of their stream.
func (r *Registry) Stop(id uuid.UUID) error {
	r.mu.Lock()
	entry, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	entry.stopped.Store(true)
	if err := entry.handle.Stop(); err != nil && !errors.Is(err, process.ErrProcessNotFound) {
		r.logger.Warn("agent process terminate failed", map[string]string{
			"session_id": id.String(),
			"pid":        strconv.Itoa(entry.handle.PID),
			"error":      err.Error(),
		})
	}
	entry.bus.Close()
	r.logger.Info("agent session stopped", map[string]string{
		"session_id": id.String(),
		"vendor":     entry.vendor.String(),
	})
	return nil
}

func (r *Registry) Vendor(id uuid.UUID) (agent.Vendor, bool) {
	entry, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	return entry.vendor, true
}

// List returns live sessions, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.live))
	for _, entry := range r.live {
		infos = append(infos, Info{
			SessionID:   entry.id,
			AgentType:   entry.vendor,
			PID:         entry.handle.PID,
			StartedAt:   entry.handle.StartedAt,
			Subscribers: entry.bus.SubscriberCount(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].SessionID.String() < infos[j].SessionID.String()
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos
}

// Available reports which vendors resolve to an executable.
func (r *Registry) Available() map[agent.Vendor]bool {
	available := make(map[agent.Vendor]bool, len(agent.Vendors))
	for _, vendor := range agent.Vendors {
		runner, ok := r.runners[vendor]
		available[vendor] = ok && runner.Available()
	}
	return available
}

// StopAll stops every live session and waits for their pumps to finish or
// for ctx to end.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]uuid.UUID, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Stop(id); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
