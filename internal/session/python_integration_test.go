package session

import (
	"bytes"
	"context"
	"errors"
	osexec "os/exec"
	"testing"
	"time"

	"sandbox-sessions/internal/blob"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/runtime"
)

func newPythonRegistry(t *testing.T) *Registry {
	t.Helper()
	if _, err := osexec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}

	ser := output.NewSerializer(blob.NewMemoryStore(), output.Options{})
	r, err := NewRegistry(Config{ScratchRoot: t.TempDir()}, runtime.NewRegistry(), ser, monitor.NewMetrics(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(r.Shutdown)
	return r
}

func TestPython_NamespacePersistsAcrossUnits(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.Execute(context.Background(), info.ID, "x = 2 + 2", 0); err != nil {
		t.Fatal(err)
	}
	rec, err := r.Execute(context.Background(), info.ID, "print(x)", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %q, outputs = %v", rec.Status, rec.Outputs)
	}
	if got := firstText(t, rec.Outputs); !bytes.Equal(got, []byte("4\n")) {
		t.Errorf("output = %q, want %q", got, "4\n")
	}
}

func TestPython_CredentialsStrippedFromEnvironment(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "super-secret")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAFAKE")

	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	code := `import os
print(os.environ.get("AWS_SECRET_ACCESS_KEY", "ABSENT"))
print(os.environ.get("AWS_ACCESS_KEY_ID", "ABSENT"))`
	rec, err := r.Execute(context.Background(), info.ID, code, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := firstText(t, rec.Outputs); !bytes.Equal(got, []byte("ABSENT\nABSENT\n")) {
		t.Errorf("output = %q, credentials leaked into the session", got)
	}
}

func TestPython_FailedUnitKeepsSessionAlive(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := r.Execute(context.Background(), info.ID, "1/0", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", rec.Status, StatusFailed)
	}
	found := false
	for _, it := range rec.Outputs {
		if it.Kind == output.KindError && bytes.Contains(it.Inline, []byte("ZeroDivisionError")) {
			found = true
		}
	}
	if !found {
		t.Errorf("no traceback in outputs %v", rec.Outputs)
	}

	// The namespace survives the failed unit.
	rec, err = r.Execute(context.Background(), info.ID, "print('still alive')", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Errorf("follow-up status = %q", rec.Status)
	}
}

func TestPython_InfiniteLoopTimesOut(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	rec, err := r.Execute(context.Background(), info.ID, "while True: pass", 500*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if rec.Status != StatusTimedOut {
		t.Errorf("status = %q", rec.Status)
	}
	if _, err := r.Execute(context.Background(), info.ID, "print(1)", 0); !errors.Is(err, ErrProcessCrash) {
		t.Errorf("submit after timeout: %v, want ErrProcessCrash", err)
	}
}

// A unit whose output ends without a trailing newline must still complete
// promptly: the completion marker goes on its own line, never glued onto the
// partial one.
func TestPython_OutputWithoutTrailingNewline(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	rec, err := r.Execute(context.Background(), info.ID, `import sys
sys.stdout.write("partial-out")`, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %q, want %q", rec.Status, StatusSucceeded)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("unit took %s, should not wait out the deadline", elapsed)
	}
	if got := firstText(t, rec.Outputs); !bytes.Equal(got, []byte("partial-out\n")) {
		t.Errorf("output = %q, want %q", got, "partial-out\n")
	}

	// Same on stderr: a failed unit with an unterminated write keeps its
	// traceback readable and leaves the session usable.
	rec, err = r.Execute(context.Background(), info.ID, `import sys
sys.stderr.write("partial-err")
raise ValueError("boom")`, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", rec.Status, StatusFailed)
	}
	found := false
	for _, it := range rec.Outputs {
		if it.Kind == output.KindError && bytes.Contains(it.Inline, []byte("partial-err")) && bytes.Contains(it.Inline, []byte("ValueError")) {
			found = true
		}
	}
	if !found {
		t.Errorf("stderr lost around the completion marker: %v", rec.Outputs)
	}

	if got, err := r.Describe(info.ID); err != nil || got.State != StateReady {
		t.Errorf("session state = %q (%v), want %q", got.State, err, StateReady)
	}
}

// The completion token is removed from the environment before user code
// runs, so code cannot read it back and fake an early completion.
func TestPython_SentinelHiddenFromUserCode(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	code := `import os, sys
token = os.environ.get("SESSION_SENTINEL", "ABSENT")
print(token)
sys.stdout.write(token + " DONE ok\n")
sys.stderr.write(token + " DONE\n")
print("after-forgery-attempt")`
	rec, err := r.Execute(context.Background(), info.ID, code, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %q, outputs = %v", rec.Status, rec.Outputs)
	}
	// The forged lines are ordinary output and the unit's tail is still
	// attributed to this record, not the next one.
	got := firstText(t, rec.Outputs)
	if !bytes.HasPrefix(got, []byte("ABSENT\n")) {
		t.Errorf("sentinel token visible to user code: %q", got)
	}
	if !bytes.Contains(got, []byte("after-forgery-attempt")) {
		t.Errorf("output after forged marker lost: %q", got)
	}
}

func TestPython_LargeOutputSpills(t *testing.T) {
	r := newPythonRegistry(t)
	info, err := r.Create(context.Background(), "", "python")
	if err != nil {
		t.Fatal(err)
	}

	// ~1 MB of output against the default 64 KiB inline threshold.
	rec, err := r.Execute(context.Background(), info.ID, `print("y" * (1 << 20))`, 20*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != StatusSucceeded {
		t.Fatalf("status = %q", rec.Status)
	}
	if len(rec.Outputs) != 1 || rec.Outputs[0].Ref == nil {
		t.Fatalf("large output not spilled: %+v", rec.Outputs)
	}
	if rec.Outputs[0].Kind != output.KindText {
		t.Errorf("spill changed kind to %q", rec.Outputs[0].Kind)
	}
}
