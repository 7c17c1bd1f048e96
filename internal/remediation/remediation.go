// Package remediation rotates a leaked secret and reports the leak.
//
// A remediation walks a fixed sequence of steps for one detected path:
//
//	Detected -> Rotating -> Updated -> Refreshing -> Notified -> Suppressed
//
// Any failure up to and including the store write ends in Failed with the
// store untouched or unchanged. Once the write succeeds the rotation is
// committed; later steps may fail but never undo it.
package remediation

import (
	"errors"
	"time"

	"github.com/hfi/leakguard/internal/storage"
)

// State is a step of the remediation workflow
type State string

const (
	StateDetected   State = "detected"
	StateRotating   State = "rotating"
	StateUpdated    State = "updated"
	StateRefreshing State = "refreshing"
	StateNotified   State = "notified"
	StateSuppressed State = "suppressed"
	StateFailed     State = "failed"
)

// Outcome summarizes how a remediation ended
type Outcome string

const (
	// OutcomeRotated means the store holds a new value
	OutcomeRotated Outcome = "rotated"
	// OutcomeDuplicate means another remediation already rotated the value
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeFailed means nothing was written
	OutcomeFailed Outcome = "failed"
)

var (
	// ErrStoreUnavailable and ErrStoreConflict are the store errors that abort a rotation
	ErrStoreUnavailable = storage.ErrStoreUnavailable
	ErrStoreConflict    = storage.ErrStoreConflict

	// ErrGenerationFailed is returned when no usable replacement could be generated
	ErrGenerationFailed = errors.New("replacement generation failed")
	// ErrCacheRefreshFailed marks a committed rotation whose cache refresh failed
	ErrCacheRefreshFailed = errors.New("cache refresh failed")
	// ErrNotifyFailed marks a failed admin alert
	ErrNotifyFailed = errors.New("admin notification failed")
	// ErrSuppressFailed marks a failed message deletion
	ErrSuppressFailed = errors.New("message suppression failed")
)

// LeakEvent describes one detection. It is never persisted.
type LeakEvent struct {
	ID        string
	ChatID    int64
	SenderID  int64
	MessageID int64
	Path      string
	OldValue  string
	Timestamp time.Time
}

// Result is the outcome of one remediation
type Result struct {
	Event      LeakEvent
	Path       string
	NewValue   string
	Rotated    bool
	Notified   bool
	Suppressed bool
	Outcome    Outcome

	// State is the last state reached
	State State
	// FailedStep is the step that aborted the workflow, if any
	FailedStep State
	// Transitions lists every state entered, in order
	Transitions []State

	// Err is the error that aborted the workflow
	Err error
	// Warnings are the non-fatal failures after the rotation committed
	Warnings []error
}

// Errors joins the fatal error and all warnings
func (r *Result) Errors() error {
	errs := make([]error, 0, len(r.Warnings)+1)
	if r.Err != nil {
		errs = append(errs, r.Err)
	}
	errs = append(errs, r.Warnings...)
	return errors.Join(errs...)
}

func (r *Result) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}
