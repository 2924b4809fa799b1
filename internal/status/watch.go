package status

import (
	"path/filepath"
	"strings"

	"conduit/internal/git"
	"conduit/internal/watcher"
)

// watchGitDir replaces the entry's git dir watch. Only HEAD and index
// changes, including their lock files, schedule a refresh.
func (m *Manager) watchGitDir(e *entry, path string) {
	var handle watcher.Handle
	if m.watcher != nil {
		if gitDir := git.ResolveGitDir(path); gitDir != "" {
			id := e.id
			var err error
			handle, err = m.watcher.Watch(gitDir, func(event watcher.Event) {
				if isGitStateChange(event.Path) {
					m.scheduleRefresh(id, GitChanged)
				}
			})
			if err != nil {
				m.logger.Warn("status git watch failed", map[string]string{
					"workspace_id": id.String(),
					"path":         gitDir,
					"error":        err.Error(),
				})
				handle = nil
			}
		}
	}

	e.mu.Lock()
	previous := e.watch
	e.watch = handle
	e.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
}

func isGitStateChange(path string) bool {
	switch strings.TrimSuffix(filepath.Base(path), ".lock") {
	case "HEAD", "ORIG_HEAD", "index", "packed-refs":
		return true
	default:
		return false
	}
}
