package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	timer *time.Timer
	event Event
}

// debouncer coalesces bursts per watched path into the last event. It is
// guarded by the owning Watcher's mutex.
type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

func (debouncer *debouncer) schedule(key string, event Event, flush func(string)) bool {
	if debouncer == nil {
		return false
	}
	entry := debouncer.entries[key]
	coalesced := entry.timer != nil
	entry.event = event
	if entry.timer == nil {
		entry.timer = time.AfterFunc(debouncer.duration, func() {
			flush(key)
		})
	} else {
		entry.timer.Reset(debouncer.duration)
	}
	debouncer.entries[key] = entry
	return coalesced
}

func (debouncer *debouncer) pop(key string) (Event, bool) {
	if debouncer == nil {
		return Event{}, false
	}
	entry, ok := debouncer.entries[key]
	if !ok {
		return Event{}, false
	}
	delete(debouncer.entries, key)
	return entry.event, true
}

func (debouncer *debouncer) stop() {
	if debouncer == nil {
		return
	}
	for _, entry := range debouncer.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	debouncer.entries = nil
}

// handleEvent routes a raw event to the registration for the path itself and
// to the registration for its directory.
func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || watcher.debouncer == nil {
		return
	}

	entry := Event{
		Path:      event.Name,
		Op:        event.Op,
		Timestamp: time.Now().UTC(),
	}
	for _, key := range []string{event.Name, filepath.Dir(event.Name)} {
		if len(watcher.callbacks[key]) == 0 {
			continue
		}
		watcher.debouncer.schedule(key, entry, watcher.flush)
	}
}

func (watcher *Watcher) flush(key string) {
	watcher.mutex.Lock()
	if watcher.closed || watcher.debouncer == nil {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.pop(key)
	if !ok {
		watcher.mutex.Unlock()
		return
	}
	entries := append([]callbackEntry(nil), watcher.callbacks[key]...)
	watcher.mutex.Unlock()

	for _, entry := range entries {
		entry.callback(event)
	}
}
