package coordinator

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a Coordinator.
type State int

const (
	// StateUninitialized: no identity, no subscriptions.
	StateUninitialized State = iota
	// StateLoading: subscribed, waiting for the first snapshot of both collections.
	StateLoading
	// StateReady: a derived view has been published and is kept current.
	StateReady
	// StateError: a fetch or subscribe failed. Subscriptions are released
	// until Refresh is called.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorCode classifies the cause of StateError.
type ErrorCode string

const (
	CodeTransport ErrorCode = "transport"
	CodeSubscribe ErrorCode = "subscribe"
)

var (
	ErrNoIdentity = errors.New("no identity")
	ErrDisposed   = errors.New("coordinator disposed")
)

// SyncError is the structured cause carried by StateError.
type SyncError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s error: %s", e.Code, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// asError keeps a nil *SyncError from becoming a non-nil error.
func (e *SyncError) asError() error {
	if e == nil {
		return nil
	}
	return e
}
