// Package server hosts the webhook HTTP endpoint. It validates event
// signatures, filters for pull request events worth running, and hands
// each accepted event to the orchestrator in its own goroutine.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sadguard/sadguard/internal/orchestrator"
)

// Dispatcher runs a single accepted pull request event to completion.
type Dispatcher interface {
	HandlePullRequest(ctx context.Context, ev orchestrator.Event) error
}

// Server is the webhook HTTP server.
type Server struct {
	dispatcher Dispatcher
	secret     []byte

	base      context.Context
	startTime time.Time
	wg        sync.WaitGroup
}

// New returns a Server that verifies webhooks against secret and hands
// accepted events to dispatcher.
func New(dispatcher Dispatcher, secret []byte) *Server {
	return &Server{
		dispatcher: dispatcher,
		secret:     secret,
		base:       context.Background(),
		startTime:  time.Now(),
	}
}

// Handler returns the route table. Split out from Run so tests can
// drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleStatus)
	mux.HandleFunc("POST /webhook/{$}", s.handleWebhook)
	mux.HandleFunc("GET /webhook/test", s.handleWebhookTest)
	return mux
}

// Run starts the HTTP server and blocks until the context is
// cancelled. Dispatched runs inherit ctx and are drained before Run
// returns.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.base = ctx
	s.startTime = time.Now()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		slog.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP server shutdown error", "error", err)
		}
	}()

	slog.Info("starting webhook server", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	// Wait for in-flight PR runs to finish.
	s.wg.Wait()
	return nil
}

// StatusResponse is the JSON response for GET /.
type StatusResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Status: "running",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// dispatch hands an accepted event to the orchestrator without holding
// up the webhook response.
func (s *Server) dispatch(ev orchestrator.Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dispatcher.HandlePullRequest(s.base, ev); err != nil {
			slog.Error("PR run failed", "repo", ev.RepoFullName, "pr", ev.PRNumber, "error", err)
		}
	}()
}
