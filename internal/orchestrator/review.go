package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sadguard/sadguard/internal/prompts"
	"github.com/sadguard/sadguard/internal/review"
	"github.com/sadguard/sadguard/internal/sandbox"
	"github.com/sadguard/sadguard/internal/sections"
	"github.com/sadguard/sadguard/internal/store"
)

// Markers identifying the three comments each run owns. Every body
// embeds its marker so the upsert protocol can find the comment again
// when the cached id is lost.
const (
	progressMarker      = "<!-- sadguard-progress -->"
	codeReviewMarker    = "<!-- sadguard-code-review -->"
	sandboxReviewMarker = "<!-- sadguard-sandbox-review -->"
)

// codeReview runs the diff-only iterative review. Iterations are
// persisted as they complete; an LLM failure ends the loop, not the
// run.
func (o *Orchestrator) codeReview(ctx context.Context, r *run) []review.Iteration {
	p, err := prompts.Load("code-review.md")
	if err != nil {
		slog.Error("failed to load code review prompt", "error", err)
		return nil
	}
	preamble, err := p.Render(nil)
	if err != nil {
		slog.Error("failed to render code review prompt", "error", err)
		return nil
	}

	iters, err := review.Run(ctx, o.llm, review.Input{
		Preamble:      preamble,
		Title:         r.ev.Title,
		Body:          r.ev.Body,
		Files:         r.diffs,
		Questions:     p.Questions,
		MaxIterations: o.cfg.MaxIterations,
		Store: func(_ int, content string) error {
			_, err := o.store.AddReview(ctx, r.runID, content)
			return err
		},
	})
	if err != nil {
		slog.Warn("code review loop ended early", "run", r.runID, "iterations", len(iters), "error", err)
	}
	return iters
}

// sandboxReview runs the post-run iterative review over the same diffs
// plus what the sandbox actually observed.
func (o *Orchestrator) sandboxReview(ctx context.Context, r *run, report sections.Report, mitmReview, tcpdumpReview string) []review.Iteration {
	p, err := prompts.Load("sandbox-review.md")
	if err != nil {
		slog.Error("failed to load sandbox review prompt", "error", err)
		return nil
	}
	preamble, err := p.Render(nil)
	if err != nil {
		slog.Error("failed to render sandbox review prompt", "error", err)
		return nil
	}

	iters, err := review.Run(ctx, o.llm, review.Input{
		Preamble:        preamble,
		Title:           r.ev.Title,
		Body:            r.ev.Body,
		Files:           r.diffs,
		RunResults:      report.CodeOutput,
		AnalysisResults: joinAnalyses(mitmReview, tcpdumpReview),
		Questions:       p.Questions,
		MaxIterations:   o.cfg.MaxIterations,
		Store: func(_ int, content string) error {
			_, err := o.store.AddReview(ctx, r.runID, content)
			return err
		},
	})
	if err != nil {
		slog.Warn("sandbox review loop ended early", "run", r.runID, "iterations", len(iters), "error", err)
	}
	return iters
}

// analyzeMitm sends the mitmproxy capture for a single-shot review when
// it holds enough flows to be worth a prompt. Failures degrade to an
// empty review.
func (o *Orchestrator) analyzeMitm(ctx context.Context, capture string) string {
	if !sections.UsefulMitm(capture) {
		slog.Debug("skipping mitmproxy analysis", "lines", sections.LineCount(capture))
		return ""
	}
	prompt, err := prompts.Execute("mitm-analysis.md", map[string]string{"Output": capture})
	if err != nil {
		slog.Error("failed to render mitm analysis prompt", "error", err)
		return ""
	}
	out, err := o.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Warn("mitmproxy analysis failed", "error", err)
		return ""
	}
	return out
}

// analyzeTcpdump is the packet-capture counterpart of analyzeMitm.
func (o *Orchestrator) analyzeTcpdump(ctx context.Context, capture string) string {
	if !sections.UsefulTcpdump(capture) {
		slog.Debug("skipping tcpdump analysis", "lines", sections.LineCount(capture))
		return ""
	}
	prompt, err := prompts.Execute("tcpdump-analysis.md", map[string]string{"Output": capture})
	if err != nil {
		slog.Error("failed to render tcpdump analysis prompt", "error", err)
		return ""
	}
	out, err := o.llm.Complete(ctx, prompt)
	if err != nil {
		slog.Warn("tcpdump analysis failed", "error", err)
		return ""
	}
	return out
}

// joinAnalyses concatenates the non-empty network reviews for the
// post-run loop's analysis_results input.
func joinAnalyses(mitmReview, tcpdumpReview string) string {
	var parts []string
	if mitmReview != "" {
		parts = append(parts, "### Mitmproxy Review\n"+mitmReview)
	}
	if tcpdumpReview != "" {
		parts = append(parts, "### Tcpdump Review\n"+tcpdumpReview)
	}
	return strings.Join(parts, "\n\n")
}

// postCodeReview upserts the consolidated code-review comment and
// caches its id on the run record.
func (o *Orchestrator) postCodeReview(ctx context.Context, r *run, iters []review.Iteration) {
	body := codeReviewBody(iters)
	id, err := o.platform.UpsertMarkedComment(ctx, r.owner, r.repo, r.ev.PRNumber, body, codeReviewMarker, 0)
	if err != nil {
		slog.Warn("failed to upsert code review comment", "run", r.runID, "error", err)
		o.fallbackComment(ctx, r, body)
		return
	}
	if err := o.store.SetRunCommentID(ctx, r.runID, store.CommentCodeReview, id); err != nil {
		slog.Warn("failed to cache code review comment id", "run", r.runID, "error", err)
	}
}

// postSandboxReview upserts the consolidated sandbox-review comment and
// caches its id on the run record.
func (o *Orchestrator) postSandboxReview(ctx context.Context, r *run, iters []review.Iteration, result *sandbox.RunResult, report sections.Report, mitmReview, tcpdumpReview string) {
	body := sandboxReviewBody(iters, result, report, mitmReview, tcpdumpReview)
	id, err := o.platform.UpsertMarkedComment(ctx, r.owner, r.repo, r.ev.PRNumber, body, sandboxReviewMarker, 0)
	if err != nil {
		slog.Warn("failed to upsert sandbox review comment", "run", r.runID, "error", err)
		o.fallbackComment(ctx, r, body)
		return
	}
	if err := o.store.SetRunCommentID(ctx, r.runID, store.CommentSandboxReview, id); err != nil {
		slog.Warn("failed to cache sandbox review comment id", "run", r.runID, "error", err)
	}
}

// fallbackComment posts body as a plain comment when the upsert path
// failed; losing the consolidated review entirely is worse than losing
// idempotency.
func (o *Orchestrator) fallbackComment(ctx context.Context, r *run, body string) {
	if _, err := o.platform.CreateComment(ctx, r.owner, r.repo, r.ev.PRNumber, body); err != nil {
		slog.Error("failed to post fallback comment", "run", r.runID, "error", err)
	}
}

// codeReviewBody consolidates the loop iterations under the standing
// review heading.
func codeReviewBody(iters []review.Iteration) string {
	var sb strings.Builder
	sb.WriteString(codeReviewMarker + "\n")
	sb.WriteString("## Iterative LLM Code Review\n\n")
	writeIterations(&sb, iters)
	return sb.String()
}

// sandboxReviewBody combines the iterative review with the structured
// sandbox report so the PR shows both the judgement and the evidence.
func sandboxReviewBody(iters []review.Iteration, result *sandbox.RunResult, report sections.Report, mitmReview, tcpdumpReview string) string {
	var sb strings.Builder
	sb.WriteString(sandboxReviewMarker + "\n")
	sb.WriteString("## Iterative LLM Sandbox Review\n\n")
	writeIterations(&sb, iters)

	sb.WriteString("\n## Sandbox Analysis\n\n")
	fmt.Fprintf(&sb, "Exit code: %d\n", result.ExitCode)
	if result.TimedOut {
		sb.WriteString("\nThe run hit its deadline and was stopped.\n")
	}
	writeSection(&sb, "Mitmproxy Review", mitmReview)
	writeSection(&sb, "Tcpdump Review", tcpdumpReview)
	writeFenced(&sb, "Unit Test Output", report.CodeOutput)
	writeFenced(&sb, "Error Output", report.CodeError)
	return sb.String()
}

func writeIterations(sb *strings.Builder, iters []review.Iteration) {
	if len(iters) == 0 {
		sb.WriteString("_No review was produced for this run._\n")
		return
	}
	for i, it := range iters {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		fmt.Fprintf(sb, "### Iteration %d\n\n%s\n", it.Index, it.Content)
	}
}

func writeSection(sb *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(sb, "\n### %s\n\n%s\n", title, body)
}

func writeFenced(sb *strings.Builder, title, body string) {
	if body == "" {
		return
	}
	fmt.Fprintf(sb, "\n### %s\n\n```\n%s\n```\n", title, body)
}

// failureBody renders the plain comment for a run that died
// mid-pipeline.
func failureBody(perr *phaseError) string {
	var what string
	switch perr.status {
	case store.StatusCloneError:
		what = "cloning the pull request head"
	case store.StatusBuildError:
		what = "building the sandbox image"
	default:
		what = "running the sandbox container"
	}
	return fmt.Sprintf("**Sandbox run failed** while %s:\n\n```\n%s\n```", what, perr.err.Error())
}
