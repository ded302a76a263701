// Package review drives the bounded iterative LLM review loop. Each
// reply must end with an ACTION line that decides whether the loop
// continues; anything unparseable counts as "none" so a confused model
// can never spin the loop.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sadguard/sadguard/internal/llm"
)

// Action is the continuation token parsed from the tail of a reply.
type Action string

const (
	ActionRerun        Action = "re-run"
	ActionRerunSandbox Action = "re-run-sandbox"
	ActionRerunCode    Action = "re-run-code"
	ActionNone         Action = "none"
	ActionEscalate     Action = "escalate"
)

// DefaultMaxIterations bounds a loop when the caller does not.
const DefaultMaxIterations = 3

var actionRe = regexp.MustCompile(`ACTION:\s*(\S+)`)

// ParseAction extracts the last ACTION token from text. Missing or
// unknown tokens parse as ActionNone.
func ParseAction(text string) Action {
	matches := actionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ActionNone
	}
	token := Action(strings.TrimSpace(matches[len(matches)-1][1]))
	switch token {
	case ActionRerun, ActionRerunSandbox, ActionRerunCode, ActionNone, ActionEscalate:
		return token
	}
	return ActionNone
}

// Continues reports whether the loop should run another iteration after
// this action.
func (a Action) Continues() bool {
	switch a {
	case ActionRerun, ActionRerunSandbox, ActionRerunCode:
		return true
	}
	return false
}

// FileDiff is one changed file and its unified diff.
type FileDiff struct {
	Filename string
	Diff     string
}

// Iteration is one completed LLM turn.
type Iteration struct {
	Index   int
	Content string
	Action  Action
}

// Input configures one loop invocation.
type Input struct {
	// Preamble is the fixed role text prepended to every prompt.
	Preamble string
	Title    string
	Body     string
	Files    []FileDiff
	// RunResults and AnalysisResults are set for post-run reviews only.
	RunResults      string
	AnalysisResults string
	Questions       []string
	MaxIterations   int
	// Store persists each completed iteration before the loop moves on.
	Store func(iteration int, content string) error
}

const iterationSeparator = "\n\n----- previous iteration -----\n\n"

const actionInstruction = "End your reply with a single line of the form `ACTION: <token>` " +
	"where <token> is one of: re-run, re-run-sandbox, re-run-code, none, escalate. " +
	"Use none when no further iteration is needed and escalate when a human must step in."

// Run executes the loop. It returns the iterations that completed; the
// error is non-nil when the LLM or the store failed mid-loop, in which
// case the returned slice holds everything that finished before the
// failure.
func Run(ctx context.Context, client llm.Client, in Input) ([]Iteration, error) {
	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var (
		iterations []Iteration
		history    []string
	)
	for i := 1; i <= maxIter; i++ {
		prompt := buildPrompt(in, history)

		content, err := client.Complete(ctx, prompt)
		if err != nil {
			slog.Warn("review loop stopped early", "iteration", i, "error", err)
			return iterations, fmt.Errorf("iteration %d: %w", i, err)
		}

		if in.Store != nil {
			if err := in.Store(i, content); err != nil {
				return iterations, fmt.Errorf("storing iteration %d: %w", i, err)
			}
		}

		history = append(history, content)
		action := ParseAction(content)
		iterations = append(iterations, Iteration{Index: i, Content: content, Action: action})
		slog.Debug("review iteration complete", "iteration", i, "action", string(action))

		if !action.Continues() {
			break
		}
	}
	return iterations, nil
}

// buildPrompt assembles the iteration prompt: preamble, PR info, prior
// iterations, diffs, optional run and analysis results, numbered
// questions, and the ACTION instruction.
func buildPrompt(in Input, history []string) string {
	var sb strings.Builder

	sb.WriteString(in.Preamble)
	sb.WriteString("\n\n===== PULL REQUEST INFORMATION =====\n")
	fmt.Fprintf(&sb, "PR Title: %s\nPR Body: %s\n", in.Title, in.Body)

	if len(history) > 0 {
		sb.WriteString("\n===== PRIOR REVIEW ITERATIONS =====\n")
		sb.WriteString(strings.Join(history, iterationSeparator))
		sb.WriteString("\n")
	}

	sb.WriteString("\n===== CODE DIFFS =====\n")
	for _, f := range in.Files {
		fmt.Fprintf(&sb, "\n----- %s -----\n%s\n", f.Filename, f.Diff)
	}

	if in.RunResults != "" {
		sb.WriteString("\n===== SANDBOX RUN RESULTS =====\n")
		sb.WriteString(in.RunResults)
		sb.WriteString("\n")
	}
	if in.AnalysisResults != "" {
		sb.WriteString("\n===== NETWORK ANALYSIS RESULTS =====\n")
		sb.WriteString(in.AnalysisResults)
		sb.WriteString("\n")
	}

	sb.WriteString("\n===== QUESTIONS =====\n")
	for i, q := range in.Questions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}

	sb.WriteString("\n")
	sb.WriteString(actionInstruction)
	return sb.String()
}
