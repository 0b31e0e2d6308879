package services

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"example.com/backstage/services/eventflo/internal/repositories"
)

// ErrorKind classifies why a processor run did not complete
type ErrorKind string

const (
	KindNotFound       ErrorKind = "not_found"
	KindInvalidState   ErrorKind = "invalid_state"
	KindClassification ErrorKind = "classification"
	KindPersistence    ErrorKind = "persistence"
)

var (
	// ErrAlreadyTerminal rejects a run against a completed or failed event
	ErrAlreadyTerminal = errors.New("event already reached a terminal state")
	// ErrInFlight rejects a run against an event another run has already claimed
	ErrInFlight = errors.New("event is already being processed")
	// ErrInvalidEvent is returned for creation input that cannot form an event
	ErrInvalidEvent = errors.New("invalid event")
	// ErrSearchDisabled is returned when no search backend is configured
	ErrSearchDisabled = errors.New("result search is disabled")
)

// ProcessError is the outcome of a processor run that did not complete
type ProcessError struct {
	EventID uuid.UUID
	Kind    ErrorKind
	Step    string
	Err     error
	// MarkErr is set when recording the failed state itself failed
	MarkErr error
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("process event %s: %s failed (%s): %v", e.EventID, e.Step, e.Kind, e.Err)
	if e.MarkErr != nil {
		msg += fmt.Sprintf("; marking event failed: %v", e.MarkErr)
	}
	return msg
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a processor error, or "" for other errors
func KindOf(err error) ErrorKind {
	var perr *ProcessError
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return ""
}

// IsNotFound reports whether err means the event does not exist
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound || errors.Is(err, repositories.ErrNotFound)
}

// IsRejected reports whether a run was refused without touching the event.
// Retrying such a run can never succeed.
func IsRejected(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindInvalidState:
		return true
	}
	return false
}
