package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sadguard/sadguard/internal/orchestrator"
)

const testSecret = "test-secret"

const prOpenedPayload = `{
	"action": "opened",
	"pull_request": {
		"number": 7,
		"url": "https://api.github.com/repos/octo/widgets/pulls/7",
		"title": "Add payment client",
		"body": "Adds the payment client.",
		"head": {"ref": "feature/payments", "sha": "abc1234"}
	},
	"repository": {
		"full_name": "octo/widgets",
		"clone_url": "https://github.com/octo/widgets.git"
	},
	"sender": {"login": "octodev"}
}`

type mockDispatcher struct {
	mu     sync.Mutex
	events []orchestrator.Event
}

func (m *mockDispatcher) HandlePullRequest(ctx context.Context, ev orchestrator.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockDispatcher) Events() []orchestrator.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]orchestrator.Event(nil), m.events...)
}

func newTestServer() (*Server, *mockDispatcher) {
	disp := &mockDispatcher{}
	return New(disp, []byte(testSecret)), disp
}

func signedRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", SignBody([]byte(testSecret), []byte(body)))
	return req
}

func decodeMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["message"]
}

func TestVerifySignature(t *testing.T) {
	secret := []byte(testSecret)
	body := []byte(`{"zen":"Design for failure."}`)

	assert.NoError(t, VerifySignature(secret, body, SignBody(secret, body)))
	assert.ErrorIs(t, VerifySignature(secret, body, "sha256=deadbeef"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, body, ""), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, body, "sha1=0123abcd"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(secret, body, "sha256=zznothex"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature([]byte("other-secret"), body, SignBody(secret, body)), ErrInvalidSignature)
}

func TestHandleWebhook_Accepted(t *testing.T) {
	srv, disp := newTestServer()

	req := signedRequest(http.MethodPost, "/webhook/", prOpenedPayload)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event received", decodeMessage(t, rec))

	// The run is dispatched asynchronously.
	srv.wg.Wait()
	events := disp.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "opened", ev.Action)
	assert.Equal(t, "octo/widgets", ev.RepoFullName)
	assert.Equal(t, "https://github.com/octo/widgets.git", ev.CloneURL)
	assert.Equal(t, 7, ev.PRNumber)
	assert.Equal(t, "Add payment client", ev.Title)
	assert.Equal(t, "https://api.github.com/repos/octo/widgets/pulls/7", ev.URL)
	assert.Equal(t, "feature/payments", ev.HeadRef)
	assert.Equal(t, "abc1234", ev.HeadSHA)
	assert.Equal(t, "octodev", ev.Sender)
}

func TestHandleWebhook_BadSignature(t *testing.T) {
	srv, disp := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/", strings.NewReader(prOpenedPayload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid signature", decodeMessage(t, rec))

	srv.wg.Wait()
	assert.Empty(t, disp.Events())
}

func TestHandleWebhook_MissingSignature(t *testing.T) {
	srv, disp := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/", strings.NewReader(prOpenedPayload))
	req.Header.Set("X-GitHub-Event", "pull_request")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, disp.Events())
}

func TestHandleWebhook_IgnoredAction(t *testing.T) {
	srv, disp := newTestServer()

	body := strings.Replace(prOpenedPayload, `"opened"`, `"closed"`, 1)
	req := signedRequest(http.MethodPost, "/webhook/", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// Acknowledged but no run dispatched.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event received", decodeMessage(t, rec))

	srv.wg.Wait()
	assert.Empty(t, disp.Events())
}

func TestHandleWebhook_SynchronizeDispatches(t *testing.T) {
	srv, disp := newTestServer()

	body := strings.Replace(prOpenedPayload, `"opened"`, `"synchronize"`, 1)
	req := signedRequest(http.MethodPost, "/webhook/", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	srv.wg.Wait()
	require.Len(t, disp.Events(), 1)
	assert.Equal(t, "synchronize", disp.Events()[0].Action)
}

func TestHandleWebhook_NonPullRequestEvent(t *testing.T) {
	srv, disp := newTestServer()

	body := `{"ref":"refs/heads/main"}`
	req := signedRequest(http.MethodPost, "/webhook/", body)
	req.Header.Set("X-GitHub-Event", "push")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Event received", decodeMessage(t, rec))

	srv.wg.Wait()
	assert.Empty(t, disp.Events())
}

func TestHandleWebhook_MalformedPayload(t *testing.T) {
	srv, disp := newTestServer()

	// Valid signature over a body that is not valid JSON: the event
	// is acknowledged and dropped.
	req := signedRequest(http.MethodPost, "/webhook/", "{not json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	srv.wg.Wait()
	assert.Empty(t, disp.Events())
}

func TestHandleWebhookTest(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/webhook/test", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Webhook is working!", decodeMessage(t, rec))
}

func TestHandleStatus(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "running", resp.Status)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHandlerUnknownPath(t *testing.T) {
	srv, _ := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
