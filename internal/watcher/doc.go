// Package watcher wraps fsnotify with per-path callbacks and debouncing.
//
// Events are best effort: bursts are coalesced into the last event per
// watched path, so callers should use callbacks to trigger refreshes rather
// than rely on exact ordering.
package watcher
