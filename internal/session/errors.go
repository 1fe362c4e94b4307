package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrValidation        = errors.New("invalid request")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionBusy       = errors.New("session is busy")
	ErrTimeout           = errors.New("execution timed out")
	ErrProcessCrash      = errors.New("runtime process crashed")
	ErrStorage           = errors.New("blob storage unavailable")
	ErrSecurityViolation = errors.New("security violation detected")
)

// SessionError wraps errors with session context.
type SessionError struct {
	SessionID string
	Op        string // The operation that failed
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Kind maps an error to its wire-level kind string.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrSessionBusy):
		return "session_busy"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProcessCrash):
		return "process_crash"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrSecurityViolation):
		return "security_violation"
	default:
		return "internal"
	}
}
