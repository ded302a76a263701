package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadguard/sadguard/internal/llm"
)

func TestParseAction(t *testing.T) {
	assert.Equal(t, ActionNone, ParseAction("looks fine\nACTION: none"))
	assert.Equal(t, ActionRerun, ParseAction("needs work\nACTION: re-run"))
	assert.Equal(t, ActionRerunSandbox, ParseAction("ACTION: re-run-sandbox"))
	assert.Equal(t, ActionRerunCode, ParseAction("ACTION: re-run-code"))
	assert.Equal(t, ActionEscalate, ParseAction("ACTION: escalate"))
}

func TestParseActionMissing(t *testing.T) {
	assert.Equal(t, ActionNone, ParseAction("no trailing token here"))
	assert.Equal(t, ActionNone, ParseAction(""))
}

func TestParseActionUnknownToken(t *testing.T) {
	assert.Equal(t, ActionNone, ParseAction("ACTION: reboot-the-world"))
}

func TestParseActionUsesLastLine(t *testing.T) {
	text := "I considered ACTION: re-run earlier, but concluded:\nACTION: none"
	assert.Equal(t, ActionNone, ParseAction(text))
}

func TestActionContinues(t *testing.T) {
	assert.True(t, ActionRerun.Continues())
	assert.True(t, ActionRerunSandbox.Continues())
	assert.True(t, ActionRerunCode.Continues())
	assert.False(t, ActionNone.Continues())
	assert.False(t, ActionEscalate.Continues())
}

func TestRunStopsOnNone(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{"all good\nACTION: none"}

	iters, err := Run(context.Background(), client, Input{
		Preamble:      "review this",
		Title:         "t",
		MaxIterations: 3,
	})
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, 1, iters[0].Index)
	assert.Equal(t, ActionNone, iters[0].Action)
	assert.Equal(t, 1, client.Calls())
}

func TestRunBoundedByMaxIterations(t *testing.T) {
	client := llm.NewMockClient()
	client.DefaultResult = "keep going\nACTION: re-run"

	iters, err := Run(context.Background(), client, Input{MaxIterations: 3})
	require.NoError(t, err)
	assert.Len(t, iters, 3)
	assert.Equal(t, 3, client.Calls())
}

func TestRunStopsOnEscalate(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{"needs a human\nACTION: escalate"}

	iters, err := Run(context.Background(), client, Input{MaxIterations: 5})
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, ActionEscalate, iters[0].Action)
}

func TestRunStopsOnUnparseableReply(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{"rambling with no token"}

	iters, err := Run(context.Background(), client, Input{MaxIterations: 5})
	require.NoError(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, ActionNone, iters[0].Action)
	assert.Equal(t, 1, client.Calls())
}

func TestRunLLMFailureMidLoop(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{"first pass\nACTION: re-run"}
	client.Err = &llm.Error{Err: errors.New("rate limited")}
	client.ErrOnCall = 2

	var stored []int
	iters, err := Run(context.Background(), client, Input{
		MaxIterations: 3,
		Store: func(i int, content string) error {
			stored = append(stored, i)
			return nil
		},
	})
	require.Error(t, err)
	require.Len(t, iters, 1)
	assert.Equal(t, ActionRerun, iters[0].Action)
	assert.Equal(t, []int{1}, stored)

	var llmErr *llm.Error
	assert.ErrorAs(t, err, &llmErr)
}

func TestRunStoresDenseIterationIndices(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{
		"one\nACTION: re-run",
		"two\nACTION: re-run-code",
		"three\nACTION: none",
	}

	var stored []int
	iters, err := Run(context.Background(), client, Input{
		MaxIterations: 5,
		Store: func(i int, content string) error {
			stored = append(stored, i)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, iters, 3)
	assert.Equal(t, []int{1, 2, 3}, stored)
}

func TestRunStoreFailureStopsLoop(t *testing.T) {
	client := llm.NewMockClient()
	client.DefaultResult = "x\nACTION: re-run"

	iters, err := Run(context.Background(), client, Input{
		MaxIterations: 3,
		Store: func(i int, content string) error {
			return errors.New("db down")
		},
	})
	require.Error(t, err)
	assert.Empty(t, iters)
}

func TestPromptComposition(t *testing.T) {
	client := llm.NewMockClient()
	client.Responses = []string{
		"first\nACTION: re-run",
		"second\nACTION: none",
	}

	_, err := Run(context.Background(), client, Input{
		Preamble: "PREAMBLE-TEXT",
		Title:    "Add feature",
		Body:     "does things",
		Files: []FileDiff{
			{Filename: "app.py", Diff: "+print('hi')"},
		},
		RunResults:      "tests passed",
		AnalysisResults: "no odd traffic",
		Questions:       []string{"is it safe?", "is it tested?"},
		MaxIterations:   3,
	})
	require.NoError(t, err)

	history := client.GetPromptHistory()
	require.Len(t, history, 2)

	first := history[0].Prompt
	assert.Contains(t, first, "PREAMBLE-TEXT")
	assert.Contains(t, first, "PR Title: Add feature")
	assert.Contains(t, first, "----- app.py -----")
	assert.Contains(t, first, "tests passed")
	assert.Contains(t, first, "no odd traffic")
	assert.Contains(t, first, "1. is it safe?")
	assert.Contains(t, first, "2. is it tested?")
	assert.Contains(t, first, "ACTION: <token>")
	assert.NotContains(t, first, "PRIOR REVIEW ITERATIONS")

	// Preamble precedes diffs, diffs precede questions.
	assert.Less(t, strings.Index(first, "PREAMBLE-TEXT"), strings.Index(first, "CODE DIFFS"))
	assert.Less(t, strings.Index(first, "CODE DIFFS"), strings.Index(first, "QUESTIONS"))

	second := history[1].Prompt
	assert.Contains(t, second, "PRIOR REVIEW ITERATIONS")
	assert.Contains(t, second, "first\nACTION: re-run")
}
