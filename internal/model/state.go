package model

import "time"

// DeploymentState is a versioned snapshot of the deployment target's
// resource graph. The orchestrator never interprets Desired; it only
// tracks which version is live and which run produced it.
type DeploymentState struct {
	Target    string    `json:"target"`
	Version   int64     `json:"version"`
	RunID     int64     `json:"run_id"`
	Desired   []byte    `json:"desired,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}

// LockEntry describes the current holder of a target's state lock.
type LockEntry struct {
	Target     string    `json:"target"`
	LeaseID    string    `json:"lease_id"`
	RunID      int64     `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed and the lock is
// eligible for reclamation.
func (e LockEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}
