// Package platform abstracts the pull-request hosting platform. The
// orchestrator talks to the Client interface; the GitHub implementation
// authenticates as a GitHub App and mints short-lived installation
// tokens per operation.
package platform

import (
	"context"
	"fmt"
	"strings"
)

// Client is the platform surface the run orchestrator depends on.
type Client interface {
	// InstallationToken mints a short-lived token scoped to the repo's
	// App installation. Tokens are minted per call, never cached.
	InstallationToken(ctx context.Context, owner, repo string) (string, error)

	// ListPRFiles returns the files changed by a pull request.
	ListPRFiles(ctx context.Context, owner, repo string, number int) ([]PRFile, error)

	// FileContent fetches the raw content behind a file's contents URL.
	// Used for files whose diff carries no patch (binary or too large).
	FileContent(ctx context.Context, contentsURL, token string) (string, error)

	// CreateComment posts an issue comment and returns its id.
	CreateComment(ctx context.Context, owner, repo string, number int, body string) (int64, error)

	// EditComment replaces the body of an existing issue comment.
	EditComment(ctx context.Context, owner, repo string, commentID int64, body string) error

	// UpsertMarkedComment edits the comment identified by knownID when
	// possible, otherwise edits the first comment containing marker,
	// otherwise creates a new one. Returns the id of the comment that
	// now holds body. Callers embed marker in body themselves.
	UpsertMarkedComment(ctx context.Context, owner, repo string, number int, body, marker string, knownID int64) (int64, error)

	// PullRequest fetches PR metadata for triggers that carry no
	// webhook payload, such as the manual CLI run.
	PullRequest(ctx context.Context, owner, repo string, number int) (*PRSummary, error)

	// ResolveCloneURL embeds an installation token into an HTTPS clone
	// URL for the repository.
	ResolveCloneURL(owner, repo, token string) string
}

// PRFile is one changed file in a pull request diff.
type PRFile struct {
	Filename    string
	Status      string // "added", "modified", "removed", ...
	Patch       string // unified diff hunk; empty for binary/large files
	ContentsURL string
}

// PRSummary is the PR metadata the orchestrator needs to start a run.
type PRSummary struct {
	Number  int
	Title   string
	Body    string
	HeadRef string
	HeadSHA string
	Author  string
	URL     string
}

// Error wraps a platform API failure with the HTTP status when one is
// available. Callers decide recovery; comment failures are usually
// logged and swallowed while token failures abort the run.
type Error struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports whether the error is a 404 from the platform.
func (e *Error) NotFound() bool {
	return e.StatusCode == 404
}

// SplitFullName splits "owner/repo" into its two parts.
func SplitFullName(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q", fullName)
	}
	return parts[0], parts[1], nil
}
