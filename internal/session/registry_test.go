package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sandbox-sessions/internal/blob"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/runtime"
)

// shRuntime drives /bin/sh through the framed protocol. Units must be a
// single line; eval keeps stateful tests honest (variables persist across
// units within the one shell process).
type shRuntime struct{}

const shBootstrap = `while read code; do
  eval "$code"
  echo "$SESSION_SENTINEL DONE ok"
  echo "$SESSION_SENTINEL DONE" 1>&2
done`

func (shRuntime) Name() string      { return "sh" }
func (shRuntime) Command() []string { return []string{"/bin/sh", "-c", shBootstrap} }
func (shRuntime) Frame(code string) []byte {
	return []byte(code + "\n")
}
func (shRuntime) InstallUnit(pkg string, _ time.Duration) (string, error) {
	return "echo installing " + pkg, nil
}
func (shRuntime) Env() map[string]string { return nil }

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()

	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = t.TempDir()
	}
	runtimes := runtime.NewRegistry()
	runtimes.Register(shRuntime{})

	ser := output.NewSerializer(blob.NewMemoryStore(), output.Options{})
	r, err := NewRegistry(cfg, runtimes, ser, monitor.NewMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Shutdown)
	return r
}

func mustCreate(t *testing.T, r *Registry) Info {
	t.Helper()
	info, err := r.Create(context.Background(), "", "sh")
	if err != nil {
		t.Fatal(err)
	}
	return info
}

func firstText(t *testing.T, items []output.Item) []byte {
	t.Helper()
	for _, it := range items {
		if it.Kind == output.KindText {
			return it.Inline
		}
	}
	t.Fatalf("no text item in %v", items)
	return nil
}

func TestCreateExecuteClose(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	if info.State != StateReady {
		t.Errorf("state = %q, want %q", info.State, StateReady)
	}
	if info.PID == 0 {
		t.Error("no pid for live session")
	}

	rec, err := r.Execute(context.Background(), info.ID, "echo hello", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Errorf("status = %q, want %q", rec.Status, StatusSucceeded)
	}
	if got := firstText(t, rec.Outputs); !bytes.Equal(got, []byte("hello\n")) {
		t.Errorf("output = %q, want %q", got, "hello\n")
	}

	records, err := r.ListExecutions(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Index != 0 {
		t.Errorf("records = %+v", records)
	}

	if err := r.Close(info.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Describe(info.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Describe after close = %v, want ErrSessionNotFound", err)
	}
	if _, err := os.Stat(info.ScratchDir); !os.IsNotExist(err) {
		t.Error("scratch dir survived close")
	}
}

func TestExecute_StatePersistsAcrossUnits(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	if _, err := r.Execute(context.Background(), info.ID, "X=41", 0); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Execute(context.Background(), info.ID, "echo $((X+1))", 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := firstText(t, rec.Outputs); !bytes.Equal(got, []byte("42\n")) {
		t.Errorf("output = %q, want %q", got, "42\n")
	}
}

func TestExecute_GaplessIndices(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	for i := 0; i < 3; i++ {
		rec, err := r.Execute(context.Background(), info.ID, "true", 0)
		if err != nil {
			t.Fatal(err)
		}
		if rec.Index != i {
			t.Errorf("execution %d got index %d", i, rec.Index)
		}
	}
}

func TestExecute_Validation(t *testing.T) {
	r := newTestRegistry(t, Config{MaxTimeout: time.Second})
	info := mustCreate(t, r)

	if _, err := r.Execute(context.Background(), info.ID, "", 0); Kind(err) != "validation" {
		t.Errorf("empty code: kind = %q", Kind(err))
	}
	if _, err := r.Execute(context.Background(), info.ID, "true", time.Minute); Kind(err) != "validation" {
		t.Errorf("oversized timeout: kind = %q", Kind(err))
	}
	if _, err := r.Execute(context.Background(), "no-such-id", "true", 0); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown session: %v", err)
	}
}

func TestExecute_BusyRejectsOverlap(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Execute(context.Background(), info.ID, "sleep 1", 5*time.Second)
	}()

	// Wait until the first unit holds the session.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := r.Describe(info.ID); s.State == StateBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never became busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_, err := r.Execute(context.Background(), info.ID, "true", 0)
	if !errors.Is(err, ErrSessionBusy) {
		t.Errorf("overlapping submit: %v, want ErrSessionBusy", err)
	}
	if Kind(err) != "session_busy" {
		t.Errorf("kind = %q", Kind(err))
	}
	<-done
}

func TestExecute_TimeoutCrashesSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	start := time.Now()
	rec, err := r.Execute(context.Background(), info.ID, "sleep 30", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout enforcement took %s", elapsed)
	}
	if rec.Status != StatusTimedOut {
		t.Errorf("status = %q, want %q", rec.Status, StatusTimedOut)
	}

	if s, _ := r.Describe(info.ID); s.State != StateCrashed {
		t.Errorf("state = %q, want %q", s.State, StateCrashed)
	}

	// The session is dead; later submits fail with a crash error, and the
	// history stays readable.
	if _, err := r.Execute(context.Background(), info.ID, "true", 0); !errors.Is(err, ErrProcessCrash) {
		t.Errorf("submit to crashed session: %v, want ErrProcessCrash", err)
	}
	records, err := r.ListExecutions(info.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("history has %d records", len(records))
	}
}

func TestCreate_EnforcesSessionCap(t *testing.T) {
	r := newTestRegistry(t, Config{MaxSessions: 1})
	mustCreate(t, r)

	_, err := r.Create(context.Background(), "", "sh")
	if Kind(err) != "validation" {
		t.Errorf("over-cap create: kind = %q (%v)", Kind(err), err)
	}
}

func TestCreate_UnknownRuntime(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, err := r.Create(context.Background(), "", "cobol"); Kind(err) != "validation" {
		t.Errorf("unknown runtime: %v", err)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	r := newTestRegistry(t, Config{})
	a := mustCreate(t, r)
	b := mustCreate(t, r)

	if a.ScratchDir == b.ScratchDir {
		t.Error("sessions share a scratch dir")
	}
	if a.PID == b.PID {
		t.Error("sessions share a process")
	}

	if _, err := r.Execute(context.Background(), a.ID, "echo private > note.txt", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(a.ScratchDir, "note.txt")); err != nil {
		t.Error("file missing from own scratch dir")
	}
	if _, err := os.Stat(filepath.Join(b.ScratchDir, "note.txt")); !os.IsNotExist(err) {
		t.Error("file leaked into sibling session")
	}
}

func TestUploadFile(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	path, err := r.UploadFile(info.ID, "data/input.csv", []byte("a,b\n1,2\n"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("a,b\n1,2\n")) {
		t.Errorf("uploaded content = %q", got)
	}

	// The uploaded file is visible to executed code.
	rec, err := r.Execute(context.Background(), info.ID, "cat data/input.csv", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(firstText(t, rec.Outputs), []byte("a,b")) {
		t.Error("executed code cannot see the upload")
	}

	for _, bad := range []string{"", "../evil.txt", "/etc/passwd", "a/../../b"} {
		if _, err := r.UploadFile(info.ID, bad, nil); Kind(err) != "validation" {
			t.Errorf("filename %q: kind = %q", bad, Kind(err))
		}
	}
}

func TestInstall_ThroughDispatchPath(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	res, err := r.Install(context.Background(), info.ID, "leftpad", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Errorf("install failed: %s", res.Reason)
	}

	// The session remains usable afterwards.
	if _, err := r.Execute(context.Background(), info.ID, "true", 0); err != nil {
		t.Fatal(err)
	}
}

func TestOutputs_ByIndex(t *testing.T) {
	r := newTestRegistry(t, Config{})
	info := mustCreate(t, r)

	if _, err := r.Execute(context.Background(), info.ID, "echo first", 0); err != nil {
		t.Fatal(err)
	}
	items, err := r.Outputs(info.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(firstText(t, items), []byte("first\n")) {
		t.Errorf("outputs = %v", items)
	}

	if _, err := r.Outputs(info.ID, 7); Kind(err) != "validation" {
		t.Errorf("out-of-range index: kind = %q", Kind(err))
	}
}

func TestSweep_EvictsIdleSkipsBusy(t *testing.T) {
	r := newTestRegistry(t, Config{Retention: 50 * time.Millisecond})
	idle := mustCreate(t, r)
	busy := mustCreate(t, r)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Execute(context.Background(), busy.ID, "sleep 1", 5*time.Second)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := r.Describe(busy.ID); s.State == StateBusy {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never became busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)
	r.sweep(time.Now())

	if _, err := r.Describe(idle.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Error("idle session survived the sweep")
	}
	if _, err := r.Describe(busy.ID); err != nil {
		t.Error("busy session was evicted mid-execution")
	}
	<-done
}

func TestNewRegistry_CleansOrphanScratchDirs(t *testing.T) {
	root := t.TempDir()
	orphan := filepath.Join(root, "session_deadbeef")
	if err := os.MkdirAll(orphan, 0o700); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(root, "keepme")
	if err := os.MkdirAll(unrelated, 0o700); err != nil {
		t.Fatal(err)
	}

	newTestRegistry(t, Config{ScratchRoot: root})

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan scratch dir survived startup")
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Error("unrelated dir removed")
	}
}

func TestExecute_SecurityEnforcement(t *testing.T) {
	r := newTestRegistry(t, Config{EnforceDetections: true})
	info := mustCreate(t, r)

	_, err := r.Execute(context.Background(), info.ID, "cat /proc/self/environ", 0)
	if !errors.Is(err, ErrSecurityViolation) {
		t.Fatalf("err = %v, want ErrSecurityViolation", err)
	}
	if Kind(err) != "security_violation" {
		t.Errorf("kind = %q", Kind(err))
	}

	// Flagged-but-not-enforced mode still runs the code.
	r2 := newTestRegistry(t, Config{})
	info2 := mustCreate(t, r2)
	if _, err := r2.Execute(context.Background(), info2.ID, "echo $AWS_SECRET_ACCESS_KEY", 0); err != nil {
		t.Errorf("non-enforcing registry rejected flagged code: %v", err)
	}
}
