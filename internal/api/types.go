package api

import (
	"encoding/json"

	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/session"
	"sandbox-sessions/internal/storage"
)

// RPCRequest is the envelope every call arrives in.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError carries a machine-readable kind plus a human message.
type RPCError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// RPCResponse is the envelope every call returns in. Exactly one of Result
// and Error is set.
type RPCResponse struct {
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

type CreateSessionParams struct {
	Name    string `json:"name,omitempty"`
	Runtime string `json:"runtime,omitempty"` // defaults to python
}

type CreateSessionResult struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type ExecuteParams struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

type ExecuteResult struct {
	Index      int           `json:"index"`
	Status     string        `json:"status"`
	Outputs    []output.Item `json:"outputs"`
	DurationMS int64         `json:"duration_ms"`
}

type ListExecutionsParams struct {
	SessionID string `json:"session_id"`
}

type ExecutionSummary struct {
	Index      int    `json:"index"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

type ListExecutionsResult struct {
	Executions []ExecutionSummary `json:"executions"`
}

type GetOutputParams struct {
	SessionID string `json:"session_id"`
	Index     int    `json:"index"`
}

type GetOutputResult struct {
	Outputs []output.Item `json:"outputs"`
}

type InstallPackageParams struct {
	SessionID   string `json:"session_id"`
	PackageName string `json:"package_name"`
	TimeoutMS   int64  `json:"timeout_ms,omitempty"`
}

type InstallPackageResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type UploadFileParams struct {
	SessionID     string `json:"session_id"`
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
}

type UploadFileResult struct {
	Path string `json:"path"`
}

type DescribeSessionParams struct {
	SessionID string `json:"session_id"`
}

type CloseSessionParams struct {
	SessionID string `json:"session_id"`
}

type CloseSessionResult struct {
	Closed bool `json:"closed"`
}

// ListSessionsResult is returned by list_sessions.
type ListSessionsResult struct {
	Sessions []session.Info `json:"sessions"`
}

// ListAuditsResult is returned by the GET /executions audit endpoint.
type ListAuditsResult struct {
	Executions []storage.ExecutionAudit `json:"executions"`
	Count      int                      `json:"count"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Database bool   `json:"database"`
	Uptime   string `json:"uptime"`
}
