package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sandbox-sessions/internal/blob"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/session"
)

// shRuntime is a /bin/sh-backed runtime for handler tests; units are single
// lines evaluated in one persistent shell.
type shRuntime struct{}

const shBootstrap = `while read code; do
  eval "$code"
  echo "$SESSION_SENTINEL DONE ok"
  echo "$SESSION_SENTINEL DONE" 1>&2
done`

func (shRuntime) Name() string             { return "sh" }
func (shRuntime) Command() []string        { return []string{"/bin/sh", "-c", shBootstrap} }
func (shRuntime) Frame(code string) []byte { return []byte(code + "\n") }
func (shRuntime) Env() map[string]string   { return nil }
func (shRuntime) InstallUnit(pkg string, _ time.Duration) (string, error) {
	return "echo installing " + pkg, nil
}

func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()

	runtimes := runtime.NewRegistry()
	runtimes.Register(shRuntime{})
	ser := output.NewSerializer(blob.NewMemoryStore(), output.Options{})
	reg, err := session.NewRegistry(session.Config{ScratchRoot: t.TempDir()}, runtimes, ser, monitor.NewMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Shutdown)
	return NewHandlers(reg)
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func callRPC(t *testing.T, h *Handlers, method string, params any) (int, rpcEnvelope) {
	t.Helper()

	body, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleRPC(rec, req)

	var env rpcEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, env
}

func mustResult(t *testing.T, h *Handlers, method string, params, into any) {
	t.Helper()
	code, env := callRPC(t, h, method, params)
	if code != http.StatusOK || env.Error != nil {
		t.Fatalf("%s: status %d, error %+v", method, code, env.Error)
	}
	if err := json.Unmarshal(env.Result, into); err != nil {
		t.Fatal(err)
	}
}

func TestRPC_SessionLifecycle(t *testing.T) {
	h := newTestHandlers(t)

	var created CreateSessionResult
	mustResult(t, h, "create_session", CreateSessionParams{Runtime: "sh"}, &created)
	if created.SessionID == "" || created.State != session.StateReady {
		t.Fatalf("create_session = %+v", created)
	}

	var execRes ExecuteResult
	mustResult(t, h, "execute", ExecuteParams{SessionID: created.SessionID, Code: "echo hi"}, &execRes)
	if execRes.Status != session.StatusSucceeded || execRes.Index != 0 {
		t.Errorf("execute = %+v", execRes)
	}
	if len(execRes.Outputs) != 1 || !bytes.Equal(execRes.Outputs[0].Inline, []byte("hi\n")) {
		t.Errorf("outputs = %+v", execRes.Outputs)
	}

	var list ListExecutionsResult
	mustResult(t, h, "list_executions", ListExecutionsParams{SessionID: created.SessionID}, &list)
	if len(list.Executions) != 1 || list.Executions[0].Status != session.StatusSucceeded {
		t.Errorf("list_executions = %+v", list)
	}

	var got GetOutputResult
	mustResult(t, h, "get_output", GetOutputParams{SessionID: created.SessionID, Index: 0}, &got)
	if len(got.Outputs) != 1 {
		t.Errorf("get_output = %+v", got)
	}

	var info session.Info
	mustResult(t, h, "describe_session", DescribeSessionParams{SessionID: created.SessionID}, &info)
	if info.Executions != 1 || info.Runtime != "sh" {
		t.Errorf("describe_session = %+v", info)
	}

	var closed CloseSessionResult
	mustResult(t, h, "close_session", CloseSessionParams{SessionID: created.SessionID}, &closed)

	code, env := callRPC(t, h, "execute", ExecuteParams{SessionID: created.SessionID, Code: "true"})
	if code != http.StatusNotFound || env.Error == nil || env.Error.Kind != "session_not_found" {
		t.Errorf("execute after close: status %d, error %+v", code, env.Error)
	}
}

func TestRPC_ExecuteTimeoutReturnsPartialResult(t *testing.T) {
	h := newTestHandlers(t)

	var created CreateSessionResult
	mustResult(t, h, "create_session", CreateSessionParams{Runtime: "sh"}, &created)

	var res ExecuteResult
	mustResult(t, h, "execute", ExecuteParams{
		SessionID: created.SessionID,
		Code:      "echo partial; sleep 30",
		TimeoutMS: 200,
	}, &res)
	if res.Status != session.StatusTimedOut {
		t.Errorf("status = %q, want %q", res.Status, session.StatusTimedOut)
	}
	if len(res.Outputs) == 0 || !bytes.Contains(res.Outputs[0].Inline, []byte("partial")) {
		t.Errorf("partial output lost: %+v", res.Outputs)
	}

	code, env := callRPC(t, h, "execute", ExecuteParams{SessionID: created.SessionID, Code: "true"})
	if code != http.StatusInternalServerError || env.Error == nil || env.Error.Kind != "process_crash" {
		t.Errorf("execute on crashed session: status %d, error %+v", code, env.Error)
	}
}

func TestRPC_InstallPackage(t *testing.T) {
	h := newTestHandlers(t)

	var created CreateSessionResult
	mustResult(t, h, "create_session", CreateSessionParams{Runtime: "sh"}, &created)

	var res InstallPackageResult
	mustResult(t, h, "install_package", InstallPackageParams{
		SessionID:   created.SessionID,
		PackageName: "leftpad",
	}, &res)
	if !res.Success {
		t.Errorf("install = %+v", res)
	}

	code, env := callRPC(t, h, "install_package", InstallPackageParams{SessionID: created.SessionID})
	if code != http.StatusBadRequest || env.Error.Kind != "validation" {
		t.Errorf("missing package_name: status %d, error %+v", code, env.Error)
	}
}

func TestRPC_UploadFile(t *testing.T) {
	h := newTestHandlers(t)

	var created CreateSessionResult
	mustResult(t, h, "create_session", CreateSessionParams{Runtime: "sh"}, &created)

	var res UploadFileResult
	mustResult(t, h, "upload_file", UploadFileParams{
		SessionID:     created.SessionID,
		Filename:      "input.txt",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("payload")),
	}, &res)
	if res.Path == "" {
		t.Error("upload returned empty path")
	}

	var execRes ExecuteResult
	mustResult(t, h, "execute", ExecuteParams{SessionID: created.SessionID, Code: "cat input.txt"}, &execRes)
	if len(execRes.Outputs) == 0 || !bytes.Contains(execRes.Outputs[0].Inline, []byte("payload")) {
		t.Errorf("uploaded file not visible: %+v", execRes.Outputs)
	}

	code, env := callRPC(t, h, "upload_file", UploadFileParams{
		SessionID:     created.SessionID,
		Filename:      "x.txt",
		ContentBase64: "!!!not-base64!!!",
	})
	if code != http.StatusBadRequest || env.Error.Kind != "validation" {
		t.Errorf("bad base64: status %d, error %+v", code, env.Error)
	}

	code, env = callRPC(t, h, "upload_file", UploadFileParams{
		SessionID:     created.SessionID,
		Filename:      "../escape.txt",
		ContentBase64: "",
	})
	if code != http.StatusBadRequest || env.Error.Kind != "validation" {
		t.Errorf("traversal filename: status %d, error %+v", code, env.Error)
	}
}

func TestRPC_BadEnvelope(t *testing.T) {
	h := newTestHandlers(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing method", `{"params":{}}`},
		{"unknown method", `{"method":"reticulate_splines"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.HandleRPC(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			var env rpcEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatal(err)
			}
			if env.Error == nil || env.Error.Kind != "validation" {
				t.Errorf("error = %+v", env.Error)
			}
		})
	}
}

func TestRPC_UnknownSessionKinds(t *testing.T) {
	h := newTestHandlers(t)

	code, env := callRPC(t, h, "describe_session", DescribeSessionParams{SessionID: "ghost"})
	if code != http.StatusNotFound || env.Error.Kind != "session_not_found" {
		t.Errorf("describe ghost: status %d, error %+v", code, env.Error)
	}
	code, env = callRPC(t, h, "close_session", CloseSessionParams{SessionID: "ghost"})
	if code != http.StatusNotFound || env.Error.Kind != "session_not_found" {
		t.Errorf("close ghost: status %d, error %+v", code, env.Error)
	}
}
