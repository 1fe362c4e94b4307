// Package session owns the lifecycle of interpreter sessions: creation,
// execution history, busy arbitration, idle eviction, and teardown.
package session

import (
	"fmt"
	"sync"
	"time"

	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/proc"
)

// Session states.
const (
	StateInitializing = "initializing"
	StateReady        = "ready"
	StateBusy         = "busy"
	StateCrashed      = "crashed"
	StateClosed       = "closed"
)

// Execution record statuses. Terminal statuses never change.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// ExecutionRecord is one submitted code unit and its outcome. Index is
// assigned at submit, strictly monotonic from 0, and never reused.
type ExecutionRecord struct {
	Index      int           `json:"index"`
	CodeHash   string        `json:"code_hash"`
	Status     string        `json:"status"`
	Outputs    []output.Item `json:"outputs,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// Session is one live interpreter with its execution history. All fields
// behind mu; the handle itself is internally synchronized.
type Session struct {
	id         string
	name       string
	runtime    string
	scratchDir string

	mu           sync.Mutex
	state        string
	createdAt    time.Time
	lastActivity time.Time
	handle       *proc.Handle
	records      []*ExecutionRecord
}

// Info is a point-in-time snapshot of a session for callers.
type Info struct {
	ID           string    `json:"session_id"`
	Name         string    `json:"name,omitempty"`
	Runtime      string    `json:"runtime"`
	State        string    `json:"state"`
	PID          int       `json:"pid,omitempty"`
	Executions   int       `json:"executions"`
	ScratchDir   string    `json:"scratch_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func newSession(id, name, runtimeName, scratchDir string) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		name:         name,
		runtime:      runtimeName,
		scratchDir:   scratchDir,
		state:        StateInitializing,
		createdAt:    now,
		lastActivity: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ScratchDir returns the session's private working directory.
func (s *Session) ScratchDir() string { return s.scratchDir }

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:           s.id,
		Name:         s.name,
		Runtime:      s.runtime,
		State:        s.state,
		Executions:   len(s.records),
		ScratchDir:   s.scratchDir,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
	if s.handle != nil && s.state != StateClosed {
		info.PID = s.handle.PID()
	}
	return info
}

// ready installs the spawned handle and moves initializing -> ready.
func (s *Session) ready(h *proc.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
	s.state = StateReady
	s.lastActivity = time.Now()
}

// begin reserves the session for one execution, appending a running record.
// It fails fast rather than queueing when the session is already occupied.
func (s *Session) begin(codeHash string) (*ExecutionRecord, *proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBusy:
		return nil, nil, ErrSessionBusy
	case StateCrashed:
		return nil, nil, fmt.Errorf("%w: session is no longer usable", ErrProcessCrash)
	case StateClosed, StateInitializing:
		return nil, nil, ErrSessionNotFound
	}

	rec := &ExecutionRecord{
		Index:     len(s.records),
		CodeHash:  codeHash,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	s.records = append(s.records, rec)
	s.state = StateBusy
	s.lastActivity = rec.StartedAt
	return rec, s.handle, nil
}

// acquire reserves the session without appending a record, for installs and
// uploads that need exclusivity but are not executions.
func (s *Session) acquire() (*proc.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateBusy:
		return nil, ErrSessionBusy
	case StateCrashed:
		return nil, fmt.Errorf("%w: session is no longer usable", ErrProcessCrash)
	case StateClosed, StateInitializing:
		return nil, ErrSessionNotFound
	}
	s.state = StateBusy
	s.lastActivity = time.Now()
	return s.handle, nil
}

// finish records the outcome and releases the busy reservation. crashed
// marks the session unusable; its history stays readable until eviction.
func (s *Session) finish(rec *ExecutionRecord, status string, outputs []output.Item, duration time.Duration, crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec != nil {
		rec.Status = status
		rec.Outputs = outputs
		rec.DurationMS = duration.Milliseconds()
		rec.FinishedAt = time.Now()
	}
	if crashed {
		s.state = StateCrashed
	} else {
		s.state = StateReady
	}
	s.lastActivity = time.Now()
}

// release clears a busy reservation taken with acquire.
func (s *Session) release(crashed bool) {
	s.finish(nil, "", nil, 0, crashed)
}

// idleSince reports how long the session has been inactive and whether it is
// safe to evict (never while an execution is running).
func (s *Session) idleSince(now time.Time) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateBusy {
		return 0, false
	}
	return now.Sub(s.lastActivity), true
}

// close terminates the handle and marks the session closed. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	h := s.handle
	s.mu.Unlock()

	if h != nil {
		h.Terminate()
	}
}

// executions returns a copy of the record list.
func (s *Session) executions() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ExecutionRecord, len(s.records))
	for i, rec := range s.records {
		out[i] = *rec
	}
	return out
}

// execution returns a copy of one record by index.
func (s *Session) execution(index int) (ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.records) {
		return ExecutionRecord{}, fmt.Errorf("%w: no execution with index %d", ErrValidation, index)
	}
	return *s.records[index], nil
}

// touch refreshes the activity clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
