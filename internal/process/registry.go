package process

import (
	"context"
	"errors"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

var ErrProcessNotFound = errors.New("process not running")

const defaultStopTimeout = 3 * time.Second

type Entry struct {
	PID       int
	PGID      int
	Name      string
	StartedAt time.Time
	Wait      func(context.Context) error
}

// Registry tracks spawned agent processes so they can be reaped on shutdown.
type Registry struct {
	mu      sync.Mutex
	entries map[int]Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int]Entry),
	}
}

func (r *Registry) Register(pid, pgid int, name string) {
	r.RegisterWithWait(pid, pgid, name, nil)
}

func (r *Registry) RegisterWithWait(pid, pgid int, name string, wait func(context.Context) error) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	r.entries[pid] = Entry{
		PID:       pid,
		PGID:      pgid,
		Name:      name,
		StartedAt: time.Now().UTC(),
		Wait:      wait,
	}
	r.mu.Unlock()
}

func (r *Registry) Unregister(pid int) {
	if r == nil || pid <= 0 {
		return
	}
	r.mu.Lock()
	delete(r.entries, pid)
	r.mu.Unlock()
}

func (r *Registry) Lookup(pid int) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[pid]
	return entry, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Terminate signals a registered process, or a bare pid, without waiting.
func (r *Registry) Terminate(pid int) error {
	pgid := 0
	if entry, ok := r.Lookup(pid); ok {
		pgid = entry.PGID
	}
	return terminate(pid, pgid)
}

// StopAll terminates every registered process, escalating to a kill when a
// process outlives ctx or the default stop timeout.
func (r *Registry) StopAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	var stopErr error
	for _, entry := range entries {
		if err := stopProcess(ctx, entry.PID, entry.PGID, entry.Wait); err != nil && !errors.Is(err, ErrProcessNotFound) {
			stopErr = errors.Join(stopErr, err)
		}
	}
	if len(entries) > 0 {
		r.mu.Lock()
		for _, entry := range entries {
			delete(r.entries, entry.PID)
		}
		r.mu.Unlock()
	}
	return stopErr
}

// Terminate sends a best-effort termination signal to pid and returns
// immediately.
func Terminate(pid int) error {
	return terminate(pid, 0)
}

// TerminateGroup is Terminate for a process group leader. On platforms
// without process groups pgid is ignored.
func TerminateGroup(pid, pgid int) error {
	return terminate(pid, pgid)
}

// IsAlive reports whether pid refers to a running process.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	exists, err := gopsprocess.PidExists(int32(pid))
	if err != nil || !exists {
		return false
	}
	proc, err := gopsprocess.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	statuses, err := proc.Status()
	if err != nil {
		return true
	}
	for _, status := range statuses {
		if status == gopsprocess.Zombie {
			return false
		}
	}
	return true
}

func waitForExit(ctx context.Context, pid int, wait func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if wait != nil {
		return wait(ctx)
	}
	timeout := defaultStopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx.Err()
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		if !IsAlive(pid) {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
