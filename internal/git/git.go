package git

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveGitDir resolves the .git directory path for a working directory.
// Worktrees and submodules store a "gitdir:" pointer file instead of a
// directory.
func ResolveGitDir(workDir string) string {
	gitPath := filepath.Join(workDir, ".git")
	info, err := os.Stat(gitPath)
	if err != nil {
		return ""
	}
	if info.IsDir() {
		return gitPath
	}
	if !info.Mode().IsRegular() {
		return ""
	}
	gitDir := readPointer(gitPath, "gitdir:")
	if gitDir == "" {
		return ""
	}
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(workDir, gitDir)
	}
	return gitDir
}

// CommonDir returns the directory holding shared state such as config. For a
// linked worktree this is the main repository's git dir.
func CommonDir(gitDir string) string {
	if gitDir == "" {
		return ""
	}
	contents, err := os.ReadFile(filepath.Join(gitDir, "commondir"))
	if err != nil {
		return gitDir
	}
	common := strings.TrimSpace(string(contents))
	if common == "" {
		return gitDir
	}
	if !filepath.IsAbs(common) {
		common = filepath.Join(gitDir, common)
	}
	return filepath.Clean(common)
}

// CurrentBranch reads the checked out branch of workDir, or "" outside a
// repository.
func CurrentBranch(workDir string) string {
	gitDir := ResolveGitDir(workDir)
	if gitDir == "" {
		return ""
	}
	return ReadGitBranch(filepath.Join(gitDir, "HEAD"))
}

// OriginURL reads the origin remote of workDir, or "" when there is none.
func OriginURL(workDir string) string {
	gitDir := ResolveGitDir(workDir)
	if gitDir == "" {
		return ""
	}
	return ReadGitOrigin(filepath.Join(CommonDir(gitDir), "config"))
}

// IsGitHubRemote reports whether url points at github.com over ssh or https.
func IsGitHubRemote(url string) bool {
	url = strings.ToLower(strings.TrimSpace(url))
	for _, prefix := range []string{"git@github.com:", "https://github.com/", "ssh://git@github.com/", "http://github.com/"} {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

// ReadGitOrigin reads the origin URL from a git config file.
func ReadGitOrigin(configPath string) string {
	file, err := os.Open(configPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		if section != `remote "origin"` {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "url" {
			continue
		}
		return strings.TrimSpace(value)
	}
	return ""
}

// ReadGitBranch reads the branch name or detached HEAD from a git HEAD file.
func ReadGitBranch(headPath string) string {
	contents, err := os.ReadFile(headPath)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(contents))
	if line == "" {
		return ""
	}
	const prefix = "ref: "
	if strings.HasPrefix(line, prefix) {
		ref := strings.TrimSpace(strings.TrimPrefix(line, prefix))
		return strings.TrimPrefix(ref, "refs/heads/")
	}
	short := line
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("detached@%s", short)
}

func readPointer(path, prefix string) string {
	contents, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	line := strings.TrimSpace(string(contents))
	if !strings.HasPrefix(line, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(line, prefix))
}
