// Package transaction holds the identity, status and per-transaction context
// shared by the manager, the agent and the participants.
package transaction

import (
	"fmt"
	"time"
)

// ID identifies a transaction. IDs are assigned by the manager from a single
// counter and are never reused.
type ID uint64

// Version is the committed version of a resource. It starts at 0 and grows by
// exactly one with every commit that writes the resource.
type Version uint64

// ResourceRef addresses one actor's state cell cluster-wide, e.g. "account/42".
type ResourceRef string

// Status is the lifecycle state of a transaction.
type Status int

const (
	StatusActive    Status = iota // Started, operations are being recorded
	StatusResolving               // Submitted to the manager, waiting for a decision
	StatusCommitted               // Writes are durable and applied
	StatusAborted                 // Discarded, see AbortReason
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "Active"
	case StatusResolving:
		return "Resolving"
	case StatusCommitted:
		return "Committed"
	case StatusAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// AbortReason explains why a transaction was aborted.
type AbortReason int

const (
	ReasonNone               AbortReason = iota
	ReasonVersionConflict                // OCC validation lost
	ReasonTimeout                        // deadline passed before resolution
	ReasonUserRequested                  // explicit abort
	ReasonSystemFailure                  // the commit log append failed
	ReasonUnavailable                    // transactions are disabled
	ReasonUnknownTransaction             // id was never issued or was already resolved
)

func (r AbortReason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonVersionConflict:
		return "VersionConflict"
	case ReasonTimeout:
		return "Timeout"
	case ReasonUserRequested:
		return "UserRequested"
	case ReasonSystemFailure:
		return "SystemFailure"
	case ReasonUnavailable:
		return "Unavailable"
	case ReasonUnknownTransaction:
		return "UnknownTransaction"
	default:
		return fmt.Sprintf("AbortReason(%d)", int(r))
	}
}

// Started is one entry of a StartTransactions response.
type Started struct {
	ID        ID        `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Outcome is the manager's decision for one transaction.
type Outcome struct {
	ID     ID          `json:"id"`
	Status Status      `json:"status"`
	Reason AbortReason `json:"reason,omitempty"`
	// CommitLSN is the log position of the commit record, 0 for aborts and
	// read-only commits.
	CommitLSN uint64 `json:"commit_lsn,omitempty"`
	// Versions holds the version each written resource reached.
	Versions map[ResourceRef]Version `json:"versions,omitempty"`
}

// Committed returns a commit outcome.
func Committed(id ID, lsn uint64, versions map[ResourceRef]Version) Outcome {
	return Outcome{ID: id, Status: StatusCommitted, CommitLSN: lsn, Versions: versions}
}

// Aborted returns an abort outcome with the given reason.
func Aborted(id ID, reason AbortReason) Outcome {
	return Outcome{ID: id, Status: StatusAborted, Reason: reason}
}

// Retryable reports whether running the whole transaction again may succeed.
func (o Outcome) Retryable() bool {
	return o.Status == StatusAborted && (o.Reason == ReasonVersionConflict || o.Reason == ReasonTimeout)
}

func (o Outcome) String() string {
	if o.Status == StatusAborted {
		return fmt.Sprintf("txn %d Aborted(%s)", o.ID, o.Reason)
	}
	return fmt.Sprintf("txn %d %s", o.ID, o.Status)
}
