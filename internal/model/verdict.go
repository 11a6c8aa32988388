package model

import (
	"sort"
	"time"
)

// Severity ranks a finding. Lower values sort first.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// severityRank orders findings within one checker's output.
func severityRank(s Severity) int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarning:
		return 1
	default:
		return 2
	}
}

// SortFindingsBySeverity stable-sorts findings so higher severities
// come first. The aggregator applies it per checker, keeping the
// overall order: checker registration order, then severity.
func SortFindingsBySeverity(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return severityRank(findings[i].Severity) < severityRank(findings[j].Severity)
	})
}

// Finding is a single issue reported by a checker.
type Finding struct {
	Checker  string   `json:"checker"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Resource string   `json:"resource,omitempty"`
}

// CheckerResult is the output of one checker over a snapshot.
type CheckerResult struct {
	Checker  string    `json:"checker"`
	Outcome  Outcome   `json:"outcome"`
	Findings []Finding `json:"findings,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// ScanVerdict aggregates checker results for one revision. Pass
// requires every checker to pass; an erroring checker counts as a
// failure, never as a pass.
type ScanVerdict struct {
	RevisionID  string          `json:"revision_id"`
	Outcome     Outcome         `json:"outcome"`
	Results     []CheckerResult `json:"results"`
	Findings    []Finding       `json:"findings,omitempty"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}
