package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/session"
)

// Handlers implements the RPC envelope endpoint on top of the session
// registry.
type Handlers struct {
	registry *session.Registry
}

func NewHandlers(registry *session.Registry) *Handlers {
	return &Handlers{registry: registry}
}

// HandleRPC decodes the {method, params} envelope and dispatches.
func (h *Handlers) HandleRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, r, http.StatusBadRequest, "validation", "invalid JSON: "+err.Error())
		return
	}

	switch req.Method {
	case "create_session":
		h.createSession(w, r, req.Params)
	case "execute":
		h.execute(w, r, req.Params)
	case "list_executions":
		h.listExecutions(w, r, req.Params)
	case "get_output":
		h.getOutput(w, r, req.Params)
	case "install_package":
		h.installPackage(w, r, req.Params)
	case "upload_file":
		h.uploadFile(w, r, req.Params)
	case "describe_session":
		h.describeSession(w, r, req.Params)
	case "list_sessions":
		h.listSessions(w, r)
	case "close_session":
		h.closeSession(w, r, req.Params)
	case "":
		writeRPCError(w, r, http.StatusBadRequest, "validation", "method is required")
	default:
		writeRPCError(w, r, http.StatusBadRequest, "validation", fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p CreateSessionParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	info, err := h.registry.Create(r.Context(), p.Name, p.Runtime)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeResult(w, CreateSessionResult{SessionID: info.ID, State: info.State})
}

func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p ExecuteParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	rec, err := h.registry.Execute(r.Context(), p.SessionID, p.Code, time.Duration(p.TimeoutMS)*time.Millisecond)
	if err != nil {
		// Timeouts and crashes of a running unit still carry a record with
		// partial output; everything else is a plain error.
		terminal := errors.Is(err, session.ErrTimeout) ||
			(errors.Is(err, session.ErrProcessCrash) && rec.Status != "")
		if !terminal {
			writeSessionError(w, r, err)
			return
		}
	}
	writeResult(w, ExecuteResult{
		Index:      rec.Index,
		Status:     rec.Status,
		Outputs:    rec.Outputs,
		DurationMS: rec.DurationMS,
	})
}

func (h *Handlers) listExecutions(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p ListExecutionsParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	records, err := h.registry.ListExecutions(p.SessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	summaries := make([]ExecutionSummary, len(records))
	for i, rec := range records {
		summaries[i] = ExecutionSummary{Index: rec.Index, Status: rec.Status, DurationMS: rec.DurationMS}
	}
	writeResult(w, ListExecutionsResult{Executions: summaries})
}

func (h *Handlers) getOutput(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p GetOutputParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	items, err := h.registry.Outputs(p.SessionID, p.Index)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeResult(w, GetOutputResult{Outputs: items})
}

func (h *Handlers) installPackage(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p InstallPackageParams
	if !decodeParams(w, r, raw, &p) {
		return
	}
	if p.PackageName == "" {
		writeRPCError(w, r, http.StatusBadRequest, "validation", "package_name is required")
		return
	}

	res, err := h.registry.Install(r.Context(), p.SessionID, p.PackageName, time.Duration(p.TimeoutMS)*time.Millisecond)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	msg := res.Reason
	if res.Success {
		msg = fmt.Sprintf("installed %s in %s", res.Package, res.Duration.Round(time.Millisecond))
	}
	writeResult(w, InstallPackageResult{Success: res.Success, Message: msg})
}

func (h *Handlers) uploadFile(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p UploadFileParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	content, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		writeRPCError(w, r, http.StatusBadRequest, "validation", "content_base64 is not valid base64")
		return
	}

	path, err := h.registry.UploadFile(p.SessionID, p.Filename, content)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeResult(w, UploadFileResult{Path: path})
}

func (h *Handlers) describeSession(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p DescribeSessionParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	info, err := h.registry.Describe(p.SessionID)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeResult(w, info)
}

func (h *Handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, ListSessionsResult{Sessions: h.registry.List()})
}

func (h *Handlers) closeSession(w http.ResponseWriter, r *http.Request, raw json.RawMessage) {
	var p CloseSessionParams
	if !decodeParams(w, r, raw, &p) {
		return
	}

	if err := h.registry.Close(p.SessionID); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeResult(w, CloseSessionResult{Closed: true})
}

func decodeParams(w http.ResponseWriter, r *http.Request, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeRPCError(w, r, http.StatusBadRequest, "validation", "invalid params: "+err.Error())
		return false
	}
	return true
}

func httpStatus(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "session_not_found":
		return http.StatusNotFound
	case "session_busy":
		return http.StatusConflict
	case "security_violation":
		return http.StatusForbidden
	case "timeout":
		return http.StatusRequestTimeout
	case "storage":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	kind := session.Kind(err)
	if kind == "internal" {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
	}
	writeRPCError(w, r, httpStatus(kind), kind, err.Error())
}

func writeRPCError(w http.ResponseWriter, r *http.Request, status int, kind, msg string) {
	writeJSON(w, status, RPCResponse{Error: &RPCError{
		Kind:      kind,
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	}})
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, RPCResponse{Result: result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
