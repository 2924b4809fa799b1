package status

import (
	"time"

	"conduit/internal/git"

	"github.com/google/uuid"
)

// GitStats is the uncommitted diff summary of a workspace.
type GitStats = git.DiffStats

type PRState string

const (
	PRStateOpen    PRState = "open"
	PRStateMerged  PRState = "merged"
	PRStateClosed  PRState = "closed"
	PRStateDraft   PRState = "draft"
	PRStateUnknown PRState = "unknown"
)

// PRStatus is the pull request attached to a workspace's branch.
type PRStatus struct {
	Number         int     `json:"number"`
	State          PRState `json:"state"`
	ChecksPassing  bool    `json:"checks_passing"`
	URL            string  `json:"url,omitempty"`
	MergeReadiness string  `json:"merge_readiness,omitempty"`
	ChecksTotal    int     `json:"checks_total"`
	ChecksPassed   int     `json:"checks_passed"`
	ChecksFailed   int     `json:"checks_failed"`
	ChecksPending  int     `json:"checks_pending"`
	ChecksSkipped  int     `json:"checks_skipped"`
	Mergeable      string  `json:"mergeable,omitempty"`
	ReviewDecision string  `json:"review_decision,omitempty"`
}

// WorkspaceStatus is the last committed snapshot for a workspace. Nil facets
// have either never been computed or had no data.
type WorkspaceStatus struct {
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	GitStats    *GitStats  `json:"git_stats"`
	PRStatus    *PRStatus  `json:"pr_status"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// Plan forces facets regardless of their refresh interval. Facets that are
// not forced still run when their interval has elapsed.
type Plan struct {
	Git bool
	PR  bool
}

var (
	// ActiveTick is issued by the ticker for the focused workspace.
	ActiveTick = Plan{Git: true}
	ForceAll   = Plan{Git: true, PR: true}
	// GitChanged is issued when the git dir reports a HEAD or index change.
	GitChanged = Plan{Git: true}
)

const (
	facetGit = "git"
	facetPR  = "pr"
)
