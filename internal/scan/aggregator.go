package scan

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gatecrane-io/gatecrane/internal/logging"
	"github.com/gatecrane-io/gatecrane/internal/model"
)

// DefaultCheckerTimeout bounds a single checker's execution.
const DefaultCheckerTimeout = 5 * time.Minute

// TimeoutReason marks a checker that exceeded its deadline.
const TimeoutReason = "Timeout"

// Aggregator fans checkers out concurrently over an immutable snapshot
// and waits for all of them. Pass requires unanimous pass; any Fail or
// Error makes the aggregate Fail, and no finding is ever suppressed.
type Aggregator struct {
	checkerTimeout time.Duration
}

func NewAggregator(checkerTimeout time.Duration) *Aggregator {
	if checkerTimeout <= 0 {
		checkerTimeout = DefaultCheckerTimeout
	}
	return &Aggregator{checkerTimeout: checkerTimeout}
}

// Evaluate runs every checker against rev and aggregates the results.
// Checkers run concurrently; results keep registration order.
func (a *Aggregator) Evaluate(ctx context.Context, rev model.Revision, checkers []Checker) model.ScanVerdict {
	results := make([]model.CheckerResult, len(checkers))

	var wg sync.WaitGroup
	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = a.runChecker(ctx, rev, c)
		}(i, checker)
	}
	wg.Wait()

	verdict := model.ScanVerdict{
		RevisionID:  rev.ID,
		Outcome:     model.OutcomePass,
		Results:     results,
		EvaluatedAt: time.Now().UTC(),
	}
	for _, res := range results {
		if res.Outcome != model.OutcomePass {
			verdict.Outcome = model.OutcomeFail
		}
		findings := append([]model.Finding{}, res.Findings...)
		model.SortFindingsBySeverity(findings)
		verdict.Findings = append(verdict.Findings, findings...)
	}

	logging.Debug("scan evaluated", "revision", rev.ID, "outcome", verdict.Outcome,
		"checkers", len(checkers), "findings", len(verdict.Findings))
	return verdict
}

// runChecker executes one checker with its own deadline. A checker
// that errors or times out is recorded as Error and contributes to
// Fail, never silently ignored.
func (a *Aggregator) runChecker(ctx context.Context, rev model.Revision, c Checker) model.CheckerResult {
	ctx, cancel := context.WithTimeout(ctx, a.checkerTimeout)
	defer cancel()

	type outcome struct {
		result model.CheckerResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Check(ctx, rev)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return model.CheckerResult{
				Checker: c.Name(),
				Outcome: model.OutcomeError,
				Reason:  o.err.Error(),
			}
		}
		res := o.result
		res.Checker = c.Name()
		for i := range res.Findings {
			res.Findings[i].Checker = c.Name()
		}
		return res
	case <-ctx.Done():
		return model.CheckerResult{
			Checker: c.Name(),
			Outcome: model.OutcomeError,
			Reason:  TimeoutReason,
		}
	}
}

// CheckerFunc adapts a function into a Checker.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context, rev model.Revision) (model.CheckerResult, error)
}

func (c CheckerFunc) Name() string { return c.CheckerName }

func (c CheckerFunc) Check(ctx context.Context, rev model.Revision) (model.CheckerResult, error) {
	if c.Fn == nil {
		return model.CheckerResult{}, fmt.Errorf("checker %s has no implementation", c.CheckerName)
	}
	return c.Fn(ctx, rev)
}
