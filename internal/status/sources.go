package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"conduit/internal/git"
)

const (
	defaultAuthCacheTTL = 5 * time.Minute
	prViewFields        = "number,state,isDraft,url,mergeable,reviewDecision,statusCheckRollup"
)

// GitSource computes the git facet. A nil result means no changes.
type GitSource interface {
	DiffStats(ctx context.Context, path string) (*GitStats, error)
}

// PRSource computes the PR facet. A nil result means no pull request.
type PRSource interface {
	PullRequest(ctx context.Context, path string) (*PRStatus, error)
}

type GitSourceFunc func(ctx context.Context, path string) (*GitStats, error)

func (fn GitSourceFunc) DiffStats(ctx context.Context, path string) (*GitStats, error) {
	return fn(ctx, path)
}

type PRSourceFunc func(ctx context.Context, path string) (*PRStatus, error)

func (fn PRSourceFunc) PullRequest(ctx context.Context, path string) (*PRStatus, error) {
	return fn(ctx, path)
}

// CommandRunner runs name in dir and returns its stdout.
type CommandRunner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

func execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if message := strings.TrimSpace(stderr.String()); message != "" {
			return output, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, message)
		}
		return output, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return output, nil
}

// CommandGitSource runs `git diff --numstat HEAD` in the workspace.
type CommandGitSource struct {
	Binary string
}

func (s CommandGitSource) DiffStats(ctx context.Context, path string) (*GitStats, error) {
	stats, err := git.Numstat(ctx, s.Binary, path)
	if err != nil {
		return nil, err
	}
	if stats.Empty() {
		return nil, nil
	}
	return &stats, nil
}

type GitHubOptions struct {
	Binary   string
	LookPath func(string) (string, error)
	Run      CommandRunner
	// AuthCacheTTL bounds how long a `gh auth status` result is reused.
	AuthCacheTTL time.Duration
	// Origin returns the origin remote for a workspace. Non-GitHub
	// remotes are skipped without invoking gh.
	Origin func(path string) string
	Now    func() time.Time
}

// GitHubPRSource reads the branch's pull request with the gh CLI.
type GitHubPRSource struct {
	binary   string
	lookPath func(string) (string, error)
	run      CommandRunner
	ttl      time.Duration
	origin   func(string) string
	now      func() time.Time

	authMu        sync.Mutex
	authCheckedAt time.Time
	authOK        bool
	resolved      string
}

func NewGitHubPRSource(opts GitHubOptions) *GitHubPRSource {
	if opts.Binary == "" {
		opts.Binary = "gh"
	}
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	if opts.Run == nil {
		opts.Run = execCommand
	}
	if opts.AuthCacheTTL <= 0 {
		opts.AuthCacheTTL = defaultAuthCacheTTL
	}
	if opts.Origin == nil {
		opts.Origin = git.OriginURL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &GitHubPRSource{
		binary:   opts.Binary,
		lookPath: opts.LookPath,
		run:      opts.Run,
		ttl:      opts.AuthCacheTTL,
		origin:   opts.Origin,
		now:      opts.Now,
	}
}

func (s *GitHubPRSource) PullRequest(ctx context.Context, path string) (*PRStatus, error) {
	if origin := s.origin(path); origin != "" && !git.IsGitHubRemote(origin) {
		return nil, nil
	}
	binary, ok := s.authenticated(ctx)
	if !ok {
		return nil, nil
	}
	output, err := s.run(ctx, path, binary, "pr", "view", "--json", prViewFields)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// gh exits non-zero when the branch has no pull request.
		return nil, nil
	}
	if len(bytes.TrimSpace(output)) == 0 {
		return nil, nil
	}
	return parsePRView(output)
}

func (s *GitHubPRSource) authenticated(ctx context.Context) (string, bool) {
	s.authMu.Lock()
	defer s.authMu.Unlock()
	now := s.now()
	if !s.authCheckedAt.IsZero() && now.Sub(s.authCheckedAt) < s.ttl {
		return s.resolved, s.authOK
	}
	s.authOK = false
	resolved, err := s.lookPath(s.binary)
	if err == nil {
		s.resolved = resolved
		if _, err := s.run(ctx, "", resolved, "auth", "status"); err == nil {
			s.authOK = true
		} else if ctx.Err() != nil {
			return "", false
		}
	}
	s.authCheckedAt = now
	return s.resolved, s.authOK
}

type prView struct {
	Number            int           `json:"number"`
	State             string        `json:"state"`
	IsDraft           bool          `json:"isDraft"`
	URL               string        `json:"url"`
	Mergeable         string        `json:"mergeable"`
	ReviewDecision    string        `json:"reviewDecision"`
	StatusCheckRollup []checkRollup `json:"statusCheckRollup"`
}

// checkRollup covers both CheckRun (status/conclusion) and StatusContext
// (state) entries.
type checkRollup struct {
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	State      string `json:"state"`
}

func parsePRView(output []byte) (*PRStatus, error) {
	var view prView
	if err := json.Unmarshal(output, &view); err != nil {
		return nil, fmt.Errorf("decode gh pr view: %w", err)
	}
	if view.Number == 0 {
		return nil, errors.New("gh pr view returned no number")
	}
	status := &PRStatus{
		Number:         view.Number,
		State:          prState(view.State, view.IsDraft),
		URL:            view.URL,
		Mergeable:      lowerOr(view.Mergeable, "unknown"),
		ReviewDecision: lowerOr(view.ReviewDecision, "none"),
	}
	for _, check := range view.StatusCheckRollup {
		status.ChecksTotal++
		switch checkOutcome(check) {
		case "passed":
			status.ChecksPassed++
		case "failed":
			status.ChecksFailed++
		case "skipped":
			status.ChecksSkipped++
		default:
			status.ChecksPending++
		}
	}
	status.ChecksPassing = status.ChecksTotal > 0 && status.ChecksFailed == 0 && status.ChecksPending == 0
	status.MergeReadiness = mergeReadiness(status)
	return status, nil
}

func prState(state string, draft bool) PRState {
	switch strings.ToUpper(state) {
	case "OPEN":
		if draft {
			return PRStateDraft
		}
		return PRStateOpen
	case "MERGED":
		return PRStateMerged
	case "CLOSED":
		return PRStateClosed
	default:
		return PRStateUnknown
	}
}

func checkOutcome(check checkRollup) string {
	if check.State != "" && check.Status == "" {
		switch strings.ToUpper(check.State) {
		case "SUCCESS":
			return "passed"
		case "FAILURE", "ERROR":
			return "failed"
		default:
			return "pending"
		}
	}
	if !strings.EqualFold(check.Status, "COMPLETED") {
		return "pending"
	}
	switch strings.ToUpper(check.Conclusion) {
	case "SUCCESS":
		return "passed"
	case "NEUTRAL", "SKIPPED":
		return "skipped"
	case "":
		return "pending"
	default:
		return "failed"
	}
}

func mergeReadiness(status *PRStatus) string {
	switch status.Mergeable {
	case "conflicting":
		return "has_conflicts"
	case "mergeable":
		if status.ChecksFailed > 0 || status.ChecksPending > 0 {
			return "blocked"
		}
		if status.ReviewDecision == "changes_requested" || status.ReviewDecision == "review_required" {
			return "blocked"
		}
		return "ready"
	default:
		return "unknown"
	}
}

func lowerOr(value, fallback string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return fallback
	}
	return value
}
