package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DiffStats summarizes uncommitted changes against HEAD.
type DiffStats struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`
}

func (s DiffStats) Empty() bool {
	return s.Additions == 0 && s.Deletions == 0 && s.FilesChanged == 0
}

// Numstat runs `git diff --numstat HEAD` in workDir.
func Numstat(ctx context.Context, binary, workDir string) (DiffStats, error) {
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, "diff", "--numstat", "HEAD")
	cmd.Dir = workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		message := strings.TrimSpace(stderr.String())
		if message == "" {
			return DiffStats{}, fmt.Errorf("git diff --numstat: %w", err)
		}
		return DiffStats{}, fmt.Errorf("git diff --numstat: %w: %s", err, message)
	}
	return ParseNumstat(output), nil
}

// ParseNumstat totals numstat output. Binary files report "-" for both
// counts and are counted as changed files without lines.
func ParseNumstat(output []byte) DiffStats {
	var stats DiffStats
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), "\t", 3)
		if len(fields) < 3 {
			continue
		}
		stats.FilesChanged++
		if added, err := strconv.Atoi(fields[0]); err == nil {
			stats.Additions += added
		}
		if deleted, err := strconv.Atoi(fields[1]); err == nil {
			stats.Deletions += deleted
		}
	}
	return stats
}
