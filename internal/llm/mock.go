package llm

import (
	"context"
	"sync"
)

// MockClient is a test double for Client. Responses are consumed in order;
// once exhausted, DefaultResult is returned. ErrOnCall fails the Nth call
// (1-based) with Err; when ErrOnCall is zero and Err is set, every call
// fails.
type MockClient struct {
	mu            sync.Mutex
	Responses     []string
	DefaultResult string
	Err           error
	ErrOnCall     int
	PromptHistory []PromptCall
	calls         int
}

// PromptCall records a call to Complete.
type PromptCall struct {
	Prompt string
}

// NewMockClient creates a MockClient with sensible defaults.
func NewMockClient() *MockClient {
	return &MockClient{
		DefaultResult: "Mock LLM response\nACTION: none",
	}
}

func (m *MockClient) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.PromptHistory = append(m.PromptHistory, PromptCall{Prompt: prompt})

	if m.Err != nil && (m.ErrOnCall == 0 || m.ErrOnCall == m.calls) {
		return "", m.Err
	}

	if len(m.Responses) > 0 {
		r := m.Responses[0]
		m.Responses = m.Responses[1:]
		return r, nil
	}
	return m.DefaultResult, nil
}

// Calls returns how many times Complete was invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GetPromptHistory returns a copy of all prompts sent to this mock.
func (m *MockClient) GetPromptHistory() []PromptCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]PromptCall, len(m.PromptHistory))
	copy(result, m.PromptHistory)
	return result
}
