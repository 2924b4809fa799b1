package watcher

import (
	"errors"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce   = 100 * time.Millisecond
	defaultMaxWatches = 100
)

var ErrMaxWatchesExceeded = errors.New("max watches exceeded")

// New creates a Watcher with default options.
func New() (*Watcher, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a Watcher with custom options.
func NewWithOptions(options Options) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	instance := &Watcher{
		watcher:    watcher,
		callbacks:  make(map[string][]callbackEntry),
		debouncer:  newDebouncer(debounce),
		events:     make(chan fsnotify.Event, 16),
		errors:     make(chan error, 4),
		done:       make(chan struct{}),
		logger:     options.Logger,
		maxWatches: maxWatches,
	}

	instance.startForwarder(watcher)
	go instance.run()
	return instance, nil
}

// Close shuts down the watcher and stops event processing.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	if watcher.debouncer != nil {
		watcher.debouncer.stop()
		watcher.debouncer = nil
	}
	watcher.mutex.Unlock()

	close(watcher.done)
	return watcher.watcher.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.logWarn("watcher error", map[string]string{
				"error": err.Error(),
			})
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	watcher.logger.Warn(message, withWatcherFields(fields))
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	watcher.logger.Debug(message, withWatcherFields(map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	}))
}

func withWatcherFields(fields map[string]string) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	merged["component"] = "watcher"
	for key, value := range fields {
		merged[key] = value
	}
	return merged
}

// ActiveWatches reports how many paths are registered with fsnotify.
func (watcher *Watcher) ActiveWatches() int {
	if watcher == nil {
		return 0
	}
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.activeWatches
}
