package llm

import "context"

// Client abstracts text completion for testability. Implementations apply
// their own request timeout; callers pass a context for cancellation.
type Client interface {
	// Complete sends a single prompt and returns the model's text reply.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Error wraps a provider failure. Review loops treat it as soft: the loop
// records what it has and stops instead of failing the run.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return "llm: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
