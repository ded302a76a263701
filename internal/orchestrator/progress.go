package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sadguard/sadguard/internal/sandbox"
	"github.com/sadguard/sadguard/internal/store"
)

// progressReporter maintains the single in-progress comment for a run.
// Both streaming observers funnel through it: log chunks land in a
// bounded tail, each stats sample replaces the previous one, and a
// shared timestamp throttles how often either side may edit the
// comment. The timestamp is advanced under the mutex before the
// platform call so concurrent observers never race an edit.
type progressReporter struct {
	platform platformPoster
	store    *store.Store

	owner  string
	repo   string
	number int
	runID  int64

	logEvery  time.Duration
	statEvery time.Duration
	tailSize  int

	// ctx is captured at construction because observer callbacks carry
	// no context of their own.
	ctx context.Context

	mu         sync.Mutex
	chunks     []string
	total      int
	stat       sandbox.Stat
	haveStat   bool
	lastUpsert time.Time
	commentID  int64
}

// platformPoster is the slice of platform.Client the reporter uses.
type platformPoster interface {
	UpsertMarkedComment(ctx context.Context, owner, repo string, number int, body, marker string, knownID int64) (int64, error)
}

func (o *Orchestrator) newProgressReporter(ctx context.Context, r *run) *progressReporter {
	return &progressReporter{
		platform:  o.platform,
		store:     o.store,
		owner:     r.owner,
		repo:      r.repo,
		number:    r.ev.PRNumber,
		runID:     r.runID,
		logEvery:  o.cfg.LogInterval,
		statEvery: o.cfg.StatInterval,
		tailSize:  o.cfg.TailChunks,
		ctx:       ctx,
	}
}

// Log receives one container log chunk from the sandbox driver.
func (p *progressReporter) Log(chunk string) {
	p.mu.Lock()
	p.total++
	p.chunks = append(p.chunks, chunk)
	if len(p.chunks) > p.tailSize {
		p.chunks = p.chunks[len(p.chunks)-p.tailSize:]
	}
	if time.Since(p.lastUpsert) < p.logEvery {
		p.mu.Unlock()
		return
	}
	p.lastUpsert = time.Now()
	body := p.body("")
	p.mu.Unlock()

	p.post(body)
}

// Stat receives one decoded stats sample from the sandbox driver.
func (p *progressReporter) Stat(s sandbox.Stat) {
	p.mu.Lock()
	p.stat = s
	p.haveStat = true
	if time.Since(p.lastUpsert) < p.statEvery {
		p.mu.Unlock()
		return
	}
	p.lastUpsert = time.Now()
	body := p.body("")
	p.mu.Unlock()

	p.post(body)
}

// Finish pushes one last update so the comment reflects the final tail
// and exit state instead of whatever the throttle last allowed.
func (p *progressReporter) Finish(exitCode int, timedOut bool) {
	status := fmt.Sprintf("Finished with exit code %d.", exitCode)
	if timedOut {
		status = fmt.Sprintf("Stopped at the run deadline; exit code %d.", exitCode)
	}

	p.mu.Lock()
	p.lastUpsert = time.Now()
	body := p.body(status)
	p.mu.Unlock()

	p.post(body)
}

// body renders the comment from the current tail and stats. Callers
// hold the mutex.
func (p *progressReporter) body(status string) string {
	if status == "" {
		status = "Container is running."
	}

	var sb strings.Builder
	sb.WriteString(progressMarker + "\n")
	sb.WriteString("## Sandbox Run Progress\n\n")
	sb.WriteString(status + "\n")
	if p.haveStat {
		fmt.Fprintf(&sb, "\nCPU %.1f%% | memory %s / %s | network rx %s tx %s\n",
			p.stat.CPUPercent,
			formatBytes(p.stat.MemUsage), formatBytes(p.stat.MemLimit),
			formatBytes(p.stat.NetRx), formatBytes(p.stat.NetTx))
	}
	if p.total > 0 {
		fmt.Fprintf(&sb, "\nLog tail (last %d of %d chunks):\n\n```\n", len(p.chunks), p.total)
		for _, c := range p.chunks {
			sb.WriteString(c)
		}
		if !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
	}
	return sb.String()
}

// post performs the upsert. Failures here never disturb the run; the
// next tick tries again.
func (p *progressReporter) post(body string) {
	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	p.mu.Lock()
	known := p.commentID
	p.mu.Unlock()

	id, err := p.platform.UpsertMarkedComment(ctx, p.owner, p.repo, p.number, body, progressMarker, known)
	if err != nil {
		slog.Warn("failed to update progress comment", "run", p.runID, "error", err)
		return
	}

	p.mu.Lock()
	first := p.commentID == 0
	p.commentID = id
	p.mu.Unlock()

	if first {
		if err := p.store.SetRunCommentID(ctx, p.runID, store.CommentProgress, id); err != nil {
			slog.Warn("failed to cache progress comment id", "run", p.runID, "error", err)
		}
	}
}

// formatBytes renders a byte count in binary units.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
