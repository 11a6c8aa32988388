// Package approval blocks pipeline progression until an authorized
// decision arrives or the deadline elapses. The gate is fail-closed: a
// deadline that passes with no decision is recorded as TimedOut and
// never treated as consent.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
)

// DefaultDeadline is applied when the config does not set one.
const DefaultDeadline = 24 * time.Hour

var (
	// ErrTokenUnknown is returned for a token the gate never issued or
	// has already forgotten.
	ErrTokenUnknown = errors.New("approval token unknown")

	// ErrTokenClosed is returned when a decision already exists.
	ErrTokenClosed = errors.New("approval token already decided")

	// ErrRevisionSuperseded is returned when the open token no longer
	// matches the run's current revision.
	ErrRevisionSuperseded = errors.New("approval token invalidated by a newer revision")
)

// Authorizer decides whether an approver may act on a target. It is an
// injectable capability rather than an ambient administrative grant.
type Authorizer interface {
	Authorize(approver, target string) error
}

// AllowAll authorizes every approver.
type AllowAll struct{}

func (AllowAll) Authorize(approver, target string) error { return nil }

// AllowList authorizes only the named approvers. An empty list allows
// everyone, matching AllowAll.
type AllowList []string

func (a AllowList) Authorize(approver, target string) error {
	if len(a) == 0 {
		return nil
	}
	for _, name := range a {
		if name == approver {
			return nil
		}
	}
	return errors.New("approver is not in the allow list")
}

// PendingToken is one open approval request, persisted so a restart
// does not lose it. The verdict stored here is exactly what the
// approver was shown.
type PendingToken struct {
	Token       string            `json:"token"`
	RunID       int64             `json:"run_id"`
	Target      string            `json:"target"`
	RevisionID  string            `json:"revision_id"`
	Verdict     model.ScanVerdict `json:"verdict"`
	RequestedAt time.Time         `json:"requested_at"`
	Deadline    time.Time         `json:"deadline"`
}

// Gate issues, resolves, and expires approval tokens.
type Gate struct {
	mu       sync.Mutex
	dir      string
	deadline time.Duration
	auth     Authorizer
	pending  map[string]*PendingToken
	decided  map[string]model.ApprovalDecision
}

func NewGate(dir string, deadline time.Duration, auth Authorizer) (*Gate, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if auth == nil {
		auth = AllowAll{}
	}
	g := &Gate{
		dir:      dir,
		deadline: deadline,
		auth:     auth,
		pending:  make(map[string]*PendingToken),
		decided:  make(map[string]model.ApprovalDecision),
	}
	if err := g.load(); err != nil {
		return nil, err
	}
	return g, nil
}

// Request opens a token for run bound to the verdict the approver will
// be shown. Any previously open token for the run is invalidated, so a
// superseding revision always forces a fresh decision.
func (g *Gate) Request(run *model.PipelineRun, verdict model.ScanVerdict) (*PendingToken, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for token, p := range g.pending {
		if p.RunID == run.ID {
			delete(g.pending, token)
			g.removePendingFile(token)
		}
	}

	now := time.Now().UTC()
	p := &PendingToken{
		Token:       uuid.NewString(),
		RunID:       run.ID,
		Target:      run.Target,
		RevisionID:  run.Revision.ID,
		Verdict:     verdict,
		RequestedAt: now,
		Deadline:    now.Add(g.deadline),
	}
	if err := g.persistPending(p); err != nil {
		return nil, err
	}
	g.pending[p.Token] = p

	logging.Info("approval requested", "run", run.ID, "target", run.Target,
		"revision", run.Revision.ID, "deadline", p.Deadline.Format(time.RFC3339))
	return p, nil
}

// Decide records an explicit decision for an open token. Only
// Approved and Rejected are accepted from outside; TimedOut is
// produced by the gate itself.
func (g *Gate) Decide(token string, decision model.Decision, approver string) (model.ApprovalDecision, error) {
	if decision != model.DecisionApproved && decision != model.DecisionRejected {
		return model.ApprovalDecision{}, fmt.Errorf("decision must be approved or rejected, got %s", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.pending[token]
	if !ok {
		if _, decided := g.decided[token]; decided {
			return model.ApprovalDecision{}, ErrTokenClosed
		}
		return model.ApprovalDecision{}, ErrTokenUnknown
	}

	if err := g.auth.Authorize(approver, p.Target); err != nil {
		return model.ApprovalDecision{}, fmt.Errorf("approver %s not authorized for target %s: %w", approver, p.Target, err)
	}

	// Deadline is checked before accepting: a late decision cannot
	// reopen a timed-out gate.
	if time.Now().After(p.Deadline) {
		return g.closeLocked(p, model.DecisionTimedOut, ""), nil
	}

	return g.closeLocked(p, decision, approver), nil
}

// Resolve reports the state of a token, expiring it when the deadline
// has passed. The pending return is true while the token stays open.
func (g *Gate) Resolve(token string, revisionID string) (model.ApprovalDecision, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if d, ok := g.decided[token]; ok {
		return d, false, nil
	}
	p, ok := g.pending[token]
	if !ok {
		return model.ApprovalDecision{}, false, ErrTokenUnknown
	}
	if revisionID != "" && p.RevisionID != revisionID {
		delete(g.pending, token)
		g.removePendingFile(token)
		return model.ApprovalDecision{}, false, ErrRevisionSuperseded
	}
	if time.Now().After(p.Deadline) {
		return g.closeLocked(p, model.DecisionTimedOut, ""), false, nil
	}
	return model.ApprovalDecision{}, true, nil
}

// closeLocked finalizes a token. Callers hold g.mu.
func (g *Gate) closeLocked(p *PendingToken, decision model.Decision, approver string) model.ApprovalDecision {
	d := model.ApprovalDecision{
		Token:      p.Token,
		RunID:      p.RunID,
		RevisionID: p.RevisionID,
		Decision:   decision,
		Approver:   approver,
		Verdict:    p.Verdict,
		DecidedAt:  time.Now().UTC(),
	}
	delete(g.pending, p.Token)
	g.removePendingFile(p.Token)
	g.decided[p.Token] = d
	g.appendDecision(d)

	logging.Info("approval decided", "run", p.RunID, "target", p.Target,
		"decision", decision, "approver", approver)
	return d
}

// Withdraw invalidates any open token for a run without recording a
// decision. Used when the run is cancelled, so a late approval of the
// stale token is rejected instead of entering the audit trail.
func (g *Gate) Withdraw(runID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for token, p := range g.pending {
		if p.RunID == runID {
			delete(g.pending, token)
			g.removePendingFile(token)
			logging.Info("approval token withdrawn", "run", runID, "target", p.Target)
		}
	}
}

// Pending lists open tokens, oldest first. Used by the CLI.
func (g *Gate) Pending() []PendingToken {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PendingToken, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p)
	}
	return out
}

func (g *Gate) persistPending(p *PendingToken) error {
	dir := filepath.Join(g.dir, "pending")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create approval directory: %w", err)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending approval: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, p.Token+".json"), data, 0644); err != nil {
		return fmt.Errorf("failed to persist pending approval: %w", err)
	}
	return nil
}

func (g *Gate) removePendingFile(token string) {
	os.Remove(filepath.Join(g.dir, "pending", token+".json"))
}

// appendDecision writes the decision to the JSONL audit trail. Audit
// write failures are logged but never block the decision.
func (g *Gate) appendDecision(d model.ApprovalDecision) {
	data, err := json.Marshal(d)
	if err != nil {
		logging.Warn("failed to marshal approval decision", "error", err)
		return
	}
	f, err := os.OpenFile(filepath.Join(g.dir, "decisions.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logging.Warn("failed to open approval audit log", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		logging.Warn("failed to append approval decision", "error", err)
	}
}

// load restores open tokens and past decisions after a restart, so a
// decision made by one process is visible to the next.
func (g *Gate) load() error {
	dir := filepath.Join(g.dir, "pending")
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read approval directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read pending approval %s: %w", entry.Name(), err)
		}
		var p PendingToken
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to parse pending approval %s: %w", entry.Name(), err)
		}
		g.pending[p.Token] = &p
	}

	log, err := os.ReadFile(filepath.Join(g.dir, "decisions.log"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read approval decision log: %w", err)
	}
	for _, line := range bytes.Split(log, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var d model.ApprovalDecision
		if err := json.Unmarshal(line, &d); err != nil {
			logging.Warn("skipping malformed approval decision entry", "error", err)
			continue
		}
		g.decided[d.Token] = d
	}
	return nil
}

// WaitDecision blocks until the token is decided, the deadline
// elapses, or ctx is cancelled. Useful for single-process runs that
// drive the pipeline to completion.
func (g *Gate) WaitDecision(ctx context.Context, token, revisionID string, poll time.Duration) (model.ApprovalDecision, error) {
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		d, pending, err := g.Resolve(token, revisionID)
		if err != nil {
			return model.ApprovalDecision{}, err
		}
		if !pending {
			return d, nil
		}
		select {
		case <-ctx.Done():
			return model.ApprovalDecision{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
