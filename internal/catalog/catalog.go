// Package catalog is the typed client for the shared document-database
// catalog every agent coordinates through. No method here ever takes a
// central lock; every mutation that must be race-free against peers is a
// single atomic find-and-update against the backing store.
package catalog

import (
	"context"
	"time"
)

// Scope is the {user_group, instance} pair spec.md §3 requires every query
// to be filtered by ("all queries are scoped by this pair"): two agents
// pointed at the same catalog but configured with different scopes must
// never see, claim, or report on each other's cases.
type Scope struct {
	UserGroup string
	Instance  string
}

// Catalog is the full set of operations spec.md §4.A exposes. Implementations
// must make ClaimStalled/ClaimNew atomic find-and-update operations: the
// returned Case is the pre-update document, so callers can inspect the prior
// attempt count before their own attempt was appended.
type Catalog interface {
	// ClaimStalled atomically finds a case with status=processing and
	// last_heartbeat older than deadThreshold in one of apps within scope,
	// appends an attempt for (user, machine), and sets last_heartbeat=now.
	// Returns (nil, false, nil) if no such case exists.
	ClaimStalled(ctx context.Context, scope Scope, apps []string, deadThreshold time.Duration, user, machine string) (*Case, bool, error)

	// ClaimNew atomically finds the oldest case with status="to process" in
	// one of apps within scope, appends an attempt for (user, machine), sets
	// status=processing, last_heartbeat=now, processors.started_at=now.
	// Returns (nil, false, nil) if the catalog has no such case.
	ClaimNew(ctx context.Context, scope Scope, apps []string, user, machine string) (*Case, bool, error)

	// RecordAttemptFailure pops the most recent attempt entry and restores
	// the case to status="to process" so another agent (or this one) may
	// retry it. The processing daemon does not call it: a failed worker
	// pipeline leaves the case in "processing" until its heartbeat goes
	// stale and claim_stalled picks it up.
	RecordAttemptFailure(ctx context.Context, id string) error

	// AbortAttempt pops the most recent attempt entry and transitions the
	// case directly to a terminal errorStatus with finished_at=now — used
	// when claim_stalled observes a pre-update attempt count already at
	// the 3-attempt cap (invariant: at-most-three executions).
	AbortAttempt(ctx context.Context, id string, errorStatus Status) error

	// MarkTerminal sets a terminal errorStatus and processors.finished_at=now
	// without touching processors.attempts — used when a file the pipeline
	// expects to find is simply missing (file_input_not_found,
	// file_output_not_found), which is not a claim to undo.
	MarkTerminal(ctx context.Context, id string, errorStatus Status) error

	// CommitProcessed marks a case processed: status=processed,
	// path=outPath, processors.finished_at=now. This is the commit point
	// after which a crash cannot cause reprocessing (invariant 3).
	CommitProcessed(ctx context.Context, id, outPath string) error

	// CommitReceived marks a case received: status=received, path="",
	// origin.received_at=now.
	CommitReceived(ctx context.Context, id string) error

	// Heartbeat refreshes last_heartbeat=now for a case this agent still
	// owns.
	Heartbeat(ctx context.Context, id string) error

	// InsertCase stores c as a new case record and returns its id, setting
	// last_heartbeat to the zero time when c has none. Status and
	// processors.attempts are stored as given; the submission pipeline
	// passes status="to process" and no attempts.
	InsertCase(ctx context.Context, c *Case) (string, error)

	// FindMyOpenCases returns cases within scope whose origin is
	// (user, machine) and whose status is "processing", whichever agent
	// holds the current attempt. The processing daemon logs their count at
	// startup.
	FindMyOpenCases(ctx context.Context, scope Scope, user, machine string) ([]Case, error)

	// FindMyProcessed returns the oldest case within scope with
	// status=processed whose origin is (user, machine) and whose
	// application is in apps.
	FindMyProcessed(ctx context.Context, scope Scope, apps []string, user, machine string) (*Case, bool, error)

	// ScanAll returns every case belonging to scope, for reporting.
	ScanAll(ctx context.Context, scope Scope) ([]Case, error)

	// VersionPolicy looks up the policy document for a version string.
	VersionPolicy(ctx context.Context, version string) (*VersionPolicy, error)
}

// ErrNotFound is returned by single-document lookups that found nothing,
// distinct from a (nil, false, nil) "no matching case" claim result: claim
// misses are a normal empty-catalog outcome, not an error.
type ErrNotFound struct {
	ID string
}

func (e *ErrNotFound) Error() string {
	if e.ID == "" {
		return "catalog: not found"
	}
	return "catalog: case " + e.ID + " not found"
}
