package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sadguard/sadguard/internal/orchestrator"
)

// ErrInvalidSignature rejects a webhook delivery whose signature header
// is missing, malformed, or does not match the body.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks that header carries a valid sha256=<hex> HMAC
// of body under secret. The digest comparison is constant time.
func VerifySignature(secret, body []byte, header string) error {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(digest)
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// SignBody computes the sha256=<hex> header value for body. Used by
// tests and the manual trigger path.
func SignBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// webhookPayload is the subset of the pull_request event body we act
// on.
type webhookPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
		CloneURL string `json:"clone_url"`
	} `json:"repository"`
	PullRequest struct {
		Number int    `json:"number"`
		URL    string `json:"url"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

func (p webhookPayload) event() orchestrator.Event {
	return orchestrator.Event{
		Action:       p.Action,
		RepoFullName: p.Repository.FullName,
		CloneURL:     p.Repository.CloneURL,
		PRNumber:     p.PullRequest.Number,
		Title:        p.PullRequest.Title,
		Body:         p.PullRequest.Body,
		URL:          p.PullRequest.URL,
		HeadRef:      p.PullRequest.Head.Ref,
		HeadSHA:      p.PullRequest.Head.SHA,
		Sender:       p.Sender.Login,
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := VerifySignature(s.secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		slog.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "Invalid signature"})
		return
	}

	// Only pull_request events trigger work; everything else is
	// acknowledged and dropped.
	if r.Header.Get("X-GitHub-Event") == "pull_request" {
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			slog.Warn("unparseable pull_request payload", "error", err)
		} else if orchestrator.ShouldHandle(payload.Action) {
			slog.Info("accepted pull_request event",
				"repo", payload.Repository.FullName,
				"pr", payload.PullRequest.Number,
				"action", payload.Action)
			s.dispatch(payload.event())
		} else {
			slog.Debug("ignoring pull_request action", "action", payload.Action)
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Event received"})
}

func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Webhook is working!"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}
