package platform

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockClient is a hand-written in-memory Client for tests. Comments
// live in a map keyed by id so tests can assert on upsert behavior.
type MockClient struct {
	mu sync.Mutex

	Token    string
	TokenErr error

	Files    []PRFile
	FilesErr error

	// FileContents maps a contents URL to the body FileContent returns.
	FileContents map[string]string

	Summary    *PRSummary
	SummaryErr error

	// FixedCloneURL overrides ResolveCloneURL; tests point it at a local
	// git repository.
	FixedCloneURL string

	CreateErr error
	EditErr   error

	nextID   int64
	order    []int64
	comments map[int64]string

	UpsertCalls []UpsertCall
	tokenCalls  int
}

// UpsertCall records one UpsertMarkedComment invocation.
type UpsertCall struct {
	Number  int
	Body    string
	Marker  string
	KnownID int64
}

func NewMockClient() *MockClient {
	return &MockClient{comments: map[int64]string{}}
}

func (m *MockClient) InstallationToken(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenCalls++
	if m.TokenErr != nil {
		return "", m.TokenErr
	}
	if m.Token != "" {
		return m.Token, nil
	}
	return "mock-token", nil
}

func (m *MockClient) ListPRFiles(_ context.Context, _, _ string, _ int) ([]PRFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FilesErr != nil {
		return nil, m.FilesErr
	}
	return append([]PRFile(nil), m.Files...), nil
}

func (m *MockClient) FileContent(_ context.Context, contentsURL, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.FileContents[contentsURL]
	if !ok {
		return "", &Error{Op: "fetching file content", StatusCode: 404}
	}
	return body, nil
}

func (m *MockClient) CreateComment(_ context.Context, _, _ string, _ int, body string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	return m.create(body), nil
}

func (m *MockClient) EditComment(_ context.Context, _, _ string, commentID int64, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.edit(commentID, body)
}

func (m *MockClient) UpsertMarkedComment(_ context.Context, _, _ string, number int, body, marker string, knownID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertCalls = append(m.UpsertCalls, UpsertCall{Number: number, Body: body, Marker: marker, KnownID: knownID})

	if knownID > 0 {
		if err := m.edit(knownID, body); err == nil {
			return knownID, nil
		}
	}
	for _, id := range m.order {
		if strings.Contains(m.comments[id], marker) {
			if err := m.edit(id, body); err != nil {
				return 0, err
			}
			return id, nil
		}
	}
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	return m.create(body), nil
}

func (m *MockClient) PullRequest(_ context.Context, _, _ string, number int) (*PRSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SummaryErr != nil {
		return nil, m.SummaryErr
	}
	if m.Summary != nil {
		return m.Summary, nil
	}
	return &PRSummary{Number: number, Title: fmt.Sprintf("PR #%d", number), HeadRef: "main"}, nil
}

func (m *MockClient) ResolveCloneURL(owner, repo, token string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FixedCloneURL != "" {
		return m.FixedCloneURL
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, owner, repo)
}

// CommentBody returns the current body of a comment, or "" if absent.
func (m *MockClient) CommentBody(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.comments[id]
}

// CommentCount returns how many comments exist.
func (m *MockClient) CommentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.comments)
}

// CommentIDs returns comment ids in creation order.
func (m *MockClient) CommentIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.order...)
}

// TokenCalls returns how many installation tokens were minted.
func (m *MockClient) TokenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCalls
}

func (m *MockClient) create(body string) int64 {
	if m.comments == nil {
		m.comments = map[int64]string{}
	}
	m.nextID++
	m.comments[m.nextID] = body
	m.order = append(m.order, m.nextID)
	return m.nextID
}

func (m *MockClient) edit(id int64, body string) error {
	if m.EditErr != nil {
		return m.EditErr
	}
	if _, ok := m.comments[id]; !ok {
		return &Error{Op: "editing comment", StatusCode: 404}
	}
	m.comments[id] = body
	return nil
}

// Verify MockClient implements Client at compile time.
var _ Client = (*MockClient)(nil)
