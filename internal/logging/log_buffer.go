package logging

import (
	"sync"

	"conduit/internal/buffer"
)

type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.entries == nil {
		return
	}

	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	return b.Recent(0, "")
}

// Recent returns up to limit of the newest entries at or above minLevel,
// oldest first. A limit <= 0 means no limit.
func (b *LogBuffer) Recent(limit int, minLevel Level) []LogEntry {
	b.mu.Lock()
	all := b.entries.List()
	b.mu.Unlock()

	if minLevel == "" {
		if limit > 0 && limit < len(all) {
			return all[len(all)-limit:]
		}
		return all
	}

	filtered := make([]LogEntry, 0, len(all))
	for _, entry := range all {
		if LevelAtLeast(entry.Level, minLevel) {
			filtered = append(filtered, entry)
		}
	}
	if limit > 0 && limit < len(filtered) {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}
