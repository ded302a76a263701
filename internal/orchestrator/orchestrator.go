// Package orchestrator runs one pull request through the full sandbox
// pipeline: clone the head branch, resolve the build recipe, build and
// run the sandbox image with streaming observers, extract the wrapper's
// report sections, drive the iterative LLM reviews, and keep the run
// record and the PR's comments current throughout.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sadguard/sadguard/internal/llm"
	"github.com/sadguard/sadguard/internal/platform"
	"github.com/sadguard/sadguard/internal/recipe"
	"github.com/sadguard/sadguard/internal/review"
	"github.com/sadguard/sadguard/internal/sandbox"
	"github.com/sadguard/sadguard/internal/sections"
	"github.com/sadguard/sadguard/internal/store"
	"github.com/sadguard/sadguard/internal/workspace"
)

// Runtime is the container engine surface a run needs. *sandbox.Driver
// implements it; tests substitute a fake.
type Runtime interface {
	BuildImage(ctx context.Context, image, contextDir, dockerfile string) error
	Run(ctx context.Context, image string, opts sandbox.RunOptions) (*sandbox.RunResult, error)
}

// Cloner checks a branch out into a workspace directory.
type Cloner interface {
	CloneBranch(ctx context.Context, repoURL, branch, dest string) error
}

// GitCloner clones with the git CLI.
type GitCloner struct{}

func (GitCloner) CloneBranch(ctx context.Context, repoURL, branch, dest string) error {
	return workspace.CloneBranch(ctx, repoURL, branch, dest)
}

// Config tunes a run. Zero values select the defaults.
type Config struct {
	// RunDeadline bounds the sandbox container run.
	RunDeadline time.Duration

	// MaxIterations bounds each review loop.
	MaxIterations int

	// LogInterval and StatInterval throttle progress-comment updates
	// from the two streaming observers.
	LogInterval  time.Duration
	StatInterval time.Duration

	// TailChunks is how many trailing log chunks the progress comment
	// shows.
	TailChunks int
}

const (
	defaultLogInterval  = 10 * time.Second
	defaultStatInterval = 30 * time.Second
	defaultTailChunks   = 50
)

func (c Config) withDefaults() Config {
	if c.RunDeadline <= 0 {
		c.RunDeadline = sandbox.DefaultStreamingDeadline
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = review.DefaultMaxIterations
	}
	if c.LogInterval <= 0 {
		c.LogInterval = defaultLogInterval
	}
	if c.StatInterval <= 0 {
		c.StatInterval = defaultStatInterval
	}
	if c.TailChunks <= 0 {
		c.TailChunks = defaultTailChunks
	}
	return c
}

// Orchestrator wires the platform, the container runtime, the LLM and
// the store into the PR run pipeline.
type Orchestrator struct {
	platform platform.Client
	runtime  Runtime
	llm      llm.Client
	store    *store.Store
	cloner   Cloner
	cfg      Config
}

// New assembles an orchestrator. A nil cloner selects the git CLI.
func New(pc platform.Client, rt Runtime, lc llm.Client, st *store.Store, cloner Cloner, cfg Config) *Orchestrator {
	if cloner == nil {
		cloner = GitCloner{}
	}
	return &Orchestrator{
		platform: pc,
		runtime:  rt,
		llm:      lc,
		store:    st,
		cloner:   cloner,
		cfg:      cfg.withDefaults(),
	}
}

// Event is one pull_request webhook delivery reduced to the fields a
// run needs.
type Event struct {
	Action       string
	RepoFullName string
	CloneURL     string
	PRNumber     int
	Title        string
	Body         string
	URL          string
	HeadRef      string
	HeadSHA      string
	Sender       string
}

// ShouldHandle reports whether a pull_request action starts a run. Only
// newly opened PRs and new pushes to existing ones do; label, review
// and assignment churn is acknowledged without work.
func ShouldHandle(action string) bool {
	return action == "opened" || action == "synchronize"
}

// run accumulates one PR's state across pipeline phases.
type run struct {
	ev       Event
	owner    string
	repo     string
	runID    int64
	diffs    []review.FileDiff
	progress *progressReporter
}

// phaseError tags a pipeline failure with the terminal status and audit
// event kind it maps to.
type phaseError struct {
	status store.RunStatus
	event  string
	err    error
}

func (e *phaseError) Error() string { return e.err.Error() }
func (e *phaseError) Unwrap() error { return e.err }

func clonePhaseErr(err error) *phaseError {
	return &phaseError{status: store.StatusCloneError, event: store.EventCloneError, err: err}
}

func buildPhaseErr(err error) *phaseError {
	return &phaseError{status: store.StatusBuildError, event: store.EventBuildError, err: err}
}

func runPhaseErr(err error) *phaseError {
	return &phaseError{status: store.StatusContainerRunError, event: store.EventContainerRunError, err: err}
}

// HandlePullRequest runs one pull request event end to end. By the time
// it returns, the run record, the audit events and the PR comments all
// reflect the outcome; the returned error only reports why a run
// stopped early.
func (o *Orchestrator) HandlePullRequest(ctx context.Context, ev Event) error {
	owner, repoName, err := platform.SplitFullName(ev.RepoFullName)
	if err != nil {
		return fmt.Errorf("parsing repository name: %w", err)
	}

	slog.Info("starting PR run",
		"repo", ev.RepoFullName,
		"pr", ev.PRNumber,
		"action", ev.Action,
		"branch", ev.HeadRef)

	// Audit the trigger, then open the run record in building state.
	if _, err := o.store.RecordEvent(ctx, store.PREvent{
		RepoFullName: ev.RepoFullName,
		EventKind:    store.EventPROpened,
		PRNumber:     ev.PRNumber,
		Extra: map[string]any{
			"action":   ev.Action,
			"branch":   ev.HeadRef,
			"head_sha": ev.HeadSHA,
			"sender":   ev.Sender,
		},
	}); err != nil {
		return fmt.Errorf("recording trigger event: %w", err)
	}

	runID, err := o.store.CreateRun(ctx, store.PRRun{
		RepoFullName: ev.RepoFullName,
		PRNumber:     ev.PRNumber,
	})
	if err != nil {
		return fmt.Errorf("creating run record: %w", err)
	}

	r := &run{ev: ev, owner: owner, repo: repoName, runID: runID}
	r.progress = o.newProgressReporter(ctx, r)

	// Fetch the diff set. The sandbox can still run without it, so a
	// listing failure only degrades the reviews.
	files, err := o.platform.ListPRFiles(ctx, owner, repoName, ev.PRNumber)
	if err != nil {
		slog.Warn("failed to list PR files", "repo", ev.RepoFullName, "pr", ev.PRNumber, "error", err)
	}
	r.diffs = o.collectDiffs(ctx, r, files)
	o.flagRecipeChanges(ctx, r, files)

	// Clone, build and run inside a throwaway workspace.
	var result *sandbox.RunResult
	werr := workspace.With(func(dir string) error {
		var err error
		result, err = o.executeSandbox(ctx, r, dir)
		return err
	})
	if werr != nil {
		var perr *phaseError
		if !errors.As(werr, &perr) {
			// Workspace acquisition failed before the pipeline started.
			perr = clonePhaseErr(werr)
		}
		return o.failRun(ctx, r, perr)
	}

	report := sections.Parse(result.Logs)

	// Network captures get their own single-shot reviews when the
	// sandbox recorded enough traffic to be worth a prompt.
	mitmReview := o.analyzeMitm(ctx, report.Mitmproxy)
	tcpdumpReview := o.analyzeTcpdump(ctx, report.Tcpdump)

	// Two iterative reviews: the first sees only the diffs, the second
	// additionally sees what the sandbox observed.
	codeIters := o.codeReview(ctx, r)
	o.postCodeReview(ctx, r, codeIters)

	sandboxIters := o.sandboxReview(ctx, r, report, mitmReview, tcpdumpReview)
	o.postSandboxReview(ctx, r, sandboxIters, result, report, mitmReview, tcpdumpReview)

	// Finalize the run record and the audit trail.
	exit := result.ExitCode
	if err := o.store.FinishRun(ctx, runID, store.StatusCompleted, &exit); err != nil {
		slog.Warn("failed to finalize run record", "run", runID, "error", err)
	}
	if _, err := o.store.RecordEvent(ctx, store.PREvent{
		RepoFullName: ev.RepoFullName,
		EventKind:    store.EventTestsComplete,
		PRNumber:     ev.PRNumber,
		Extra: map[string]any{
			"exit_code": exit,
			"timed_out": result.TimedOut,
		},
	}); err != nil {
		slog.Warn("failed to record completion event", "run", runID, "error", err)
	}

	slog.Info("PR run complete",
		"repo", ev.RepoFullName,
		"pr", ev.PRNumber,
		"run", runID,
		"exit_code", exit,
		"timed_out", result.TimedOut)
	return nil
}

// executeSandbox carries the run through clone, recipe resolution,
// image build and container run inside the workspace at dir. Failures
// come back tagged with the terminal state they map to.
func (o *Orchestrator) executeSandbox(ctx context.Context, r *run, dir string) (*sandbox.RunResult, error) {
	token, err := o.platform.InstallationToken(ctx, r.owner, r.repo)
	if err != nil {
		return nil, clonePhaseErr(fmt.Errorf("minting clone token: %w", err))
	}
	cloneURL := o.platform.ResolveCloneURL(r.owner, r.repo, token)
	if err := o.cloner.CloneBranch(ctx, cloneURL, r.ev.HeadRef, dir); err != nil {
		return nil, clonePhaseErr(err)
	}
	slog.Info("cloned PR head", "repo", r.ev.RepoFullName, "pr", r.ev.PRNumber, "branch", r.ev.HeadRef)

	rec, err := recipe.Resolve(dir)
	if err != nil {
		return nil, buildPhaseErr(err)
	}
	slog.Info("resolved sandbox recipe",
		"repo", r.ev.RepoFullName,
		"pr", r.ev.PRNumber,
		"generated", rec.Generated,
		"language", rec.Language)

	image := imageName(r.owner, r.repo, r.ev.PRNumber)
	if err := o.store.SetRunImage(ctx, r.runID, image); err != nil {
		slog.Warn("failed to record image name", "run", r.runID, "error", err)
	}
	if err := o.runtime.BuildImage(ctx, image, dir, rec.DockerfilePath()); err != nil {
		return nil, buildPhaseErr(err)
	}

	if err := o.store.UpdateRunStatus(ctx, r.runID, store.StatusRunning, ""); err != nil {
		slog.Warn("failed to mark run as running", "run", r.runID, "error", err)
	}
	result, err := o.runtime.Run(ctx, image, sandbox.RunOptions{
		Name:     containerName(image),
		BindDir:  dir,
		Deadline: o.cfg.RunDeadline,
		OnLog:    r.progress.Log,
		OnStat:   r.progress.Stat,
	})
	if err != nil {
		return nil, runPhaseErr(err)
	}
	r.progress.Finish(result.ExitCode, result.TimedOut)
	return result, nil
}

// collectDiffs turns the platform's file listing into review inputs.
// Files the platform returns without a patch (binary or oversized) fall
// back to the full head-revision content so the reviewer still sees
// something.
func (o *Orchestrator) collectDiffs(ctx context.Context, r *run, files []platform.PRFile) []review.FileDiff {
	var (
		token     string
		tokenLost bool
	)
	diffs := make([]review.FileDiff, 0, len(files))
	for _, f := range files {
		diff := f.Patch
		if diff == "" && f.ContentsURL != "" && !tokenLost {
			if token == "" {
				t, err := o.platform.InstallationToken(ctx, r.owner, r.repo)
				if err != nil {
					slog.Warn("failed to mint token for file contents", "repo", r.ev.RepoFullName, "error", err)
					tokenLost = true
				}
				token = t
			}
			if token != "" {
				content, err := o.platform.FileContent(ctx, f.ContentsURL, token)
				if err != nil {
					slog.Warn("failed to fetch file content", "file", f.Filename, "error", err)
				} else {
					diff = content
				}
			}
		}
		diffs = append(diffs, review.FileDiff{Filename: f.Filename, Diff: diff})
	}
	return diffs
}

// Repo-relative paths of the two sandbox recipe files.
var (
	recipeDockerfile = path.Join(recipe.DirName, recipe.DockerfileName)
	recipeWrapper    = path.Join(recipe.DirName, recipe.WrapperName)
)

// flagRecipeChanges warns when a PR touches both sandbox recipe files
// at once: such a PR fully controls the sandbox its own tests run in.
// The run still proceeds; the warning gives reviewers the context.
func (o *Orchestrator) flagRecipeChanges(ctx context.Context, r *run, files []platform.PRFile) {
	var dockerfile, wrapper bool
	for _, f := range files {
		switch f.Filename {
		case recipeDockerfile:
			dockerfile = true
		case recipeWrapper:
			wrapper = true
		}
	}
	if !dockerfile || !wrapper {
		return
	}

	slog.Warn("PR modifies both sandbox recipe files", "repo", r.ev.RepoFullName, "pr", r.ev.PRNumber)

	if _, err := o.store.RecordEvent(ctx, store.PREvent{
		RepoFullName: r.ev.RepoFullName,
		EventKind:    store.EventConfigModified,
		PRNumber:     r.ev.PRNumber,
		Extra: map[string]any{
			"files": []string{recipeDockerfile, recipeWrapper},
		},
	}); err != nil {
		slog.Warn("failed to record config-modified event", "run", r.runID, "error", err)
	}

	body := fmt.Sprintf("**Warning:** this pull request modifies both `%s` and `%s`. "+
		"The sandbox its tests run in is therefore fully under the author's control; "+
		"review both files before trusting the results below.",
		recipeDockerfile, recipeWrapper)
	if _, err := o.platform.CreateComment(ctx, r.owner, r.repo, r.ev.PRNumber, body); err != nil {
		slog.Warn("failed to post recipe warning", "run", r.runID, "error", err)
	}
}

// failRun finalizes a run that died before producing results: the
// matching terminal status and audit event, plus one plain PR comment
// carrying the error text.
func (o *Orchestrator) failRun(ctx context.Context, r *run, perr *phaseError) error {
	slog.Error("PR run failed",
		"repo", r.ev.RepoFullName,
		"pr", r.ev.PRNumber,
		"run", r.runID,
		"status", string(perr.status),
		"error", perr.err)

	if err := o.store.FinishRun(ctx, r.runID, perr.status, nil); err != nil {
		slog.Warn("failed to record terminal status", "run", r.runID, "error", err)
	}
	if _, err := o.store.RecordEvent(ctx, store.PREvent{
		RepoFullName: r.ev.RepoFullName,
		EventKind:    perr.event,
		PRNumber:     r.ev.PRNumber,
		Extra:        map[string]any{"error": perr.err.Error()},
	}); err != nil {
		slog.Warn("failed to record failure event", "run", r.runID, "error", err)
	}
	if _, err := o.platform.CreateComment(ctx, r.owner, r.repo, r.ev.PRNumber, failureBody(perr)); err != nil {
		slog.Error("failed to post failure comment", "run", r.runID, "error", err)
	}
	return perr
}

// imageName returns a unique image reference for one run's sandbox
// build. Image references must be lowercase.
func imageName(owner, repo string, number int) string {
	base := strings.ToLower(fmt.Sprintf("sadguard-%s-%s-pr%d", owner, repo, number))
	return base + ":" + uuid.NewString()[:8]
}

// containerName derives a valid container name from an image reference.
func containerName(image string) string {
	return strings.NewReplacer(":", "-", "/", "-").Replace(image)
}
