package store

import "time"

// RunStatus is the lifecycle state of a PRRun.
type RunStatus string

const (
	StatusBuilding          RunStatus = "building"
	StatusRunning           RunStatus = "running"
	StatusCompleted         RunStatus = "completed"
	StatusBuildError        RunStatus = "build_error"
	StatusContainerRunError RunStatus = "container_run_error"
	StatusCloneError        RunStatus = "clone_error"
)

// Terminal reports whether the status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusBuildError, StatusContainerRunError, StatusCloneError:
		return true
	}
	return false
}

// Event kinds recorded in the pr_events audit log.
const (
	EventPROpened          = "PR_OPENED"
	EventConfigModified    = "SADGUARD_CONFIG_MODIFIED"
	EventCloneError        = "clone_error"
	EventBuildError        = "build_error"
	EventContainerRunError = "container_run_error"
	EventTestsComplete     = "TESTS_COMPLETE"
)

// CommentRole selects one of the three comment-id slots on a PRRun.
type CommentRole string

const (
	CommentProgress      CommentRole = "progress"
	CommentCodeReview    CommentRole = "code_review"
	CommentSandboxReview CommentRole = "sandbox_review"
)

// PREvent is one append-only audit row.
type PREvent struct {
	ID           int64
	RepoFullName string
	EventKind    string
	PRNumber     int
	Extra        map[string]any
	Timestamp    time.Time
}

// PRRun is the unit of work: one sandbox run for one webhook delivery.
type PRRun struct {
	ID                     int64
	RepoFullName           string
	PRNumber               int
	RunStatus              RunStatus
	ImageName              string
	ProgressCommentID      *int64
	CodeReviewCommentID    *int64
	SandboxReviewCommentID *int64
	CreatedAt              time.Time
	FinishedAt             *time.Time
	ExitCode               *int
	Notes                  *string
}

// AIReview is one LLM turn within a run, ordered by ID.
type AIReview struct {
	ID        int64
	PRRunID   int64
	Role      string
	Content   string
	CreatedAt time.Time
}
