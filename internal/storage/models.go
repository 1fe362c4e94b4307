package storage

import "time"

// ExecutionAudit is one finished execution as persisted to the audit log.
type ExecutionAudit struct {
	SessionID      string    `json:"session_id" db:"session_id"`
	ExecIndex      int       `json:"exec_index" db:"exec_index"`
	Runtime        string    `json:"runtime" db:"runtime"`
	CodeHash       string    `json:"code_hash" db:"code_hash"`
	Status         string    `json:"status" db:"status"` // succeeded, failed, timed_out
	DurationMS     int64     `json:"duration_ms" db:"duration_ms"`
	OutputBytes    int64     `json:"output_bytes" db:"output_bytes"`
	ImageCount     int       `json:"image_count" db:"image_count"`
	Spilled        bool      `json:"spilled" db:"spilled"`
	SecurityEvents int       `json:"security_events" db:"security_events"`
	StartedAt      time.Time `json:"started_at" db:"started_at"`
	FinishedAt     time.Time `json:"finished_at" db:"finished_at"`
}

// AuditFilter provides criteria for querying the audit log.
type AuditFilter struct {
	SessionID string
	Status    string
	Limit     int
	Offset    int
}
