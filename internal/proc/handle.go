// Package proc owns the live interpreter subprocess behind one session: its
// stdin/stdout/stderr channels, its sanitized environment snapshot, and kill
// control.
package proc

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os/exec"
	stdruntime "runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/envsafe"
	"sandbox-sessions/internal/runtime"
)

// lineBuffer is the channel depth for each output stream. Readers block the
// pipe once it fills, which is fine: the dispatcher drains continuously
// while a unit runs.
const lineBuffer = 1024

// Handle wraps one live interpreter process. It is created when a session
// becomes ready and destroyed when the session closes or crashes; it is
// never shared between sessions.
type Handle struct {
	id       string
	rt       runtime.Runtime
	cmd      *exec.Cmd
	pid      int
	env      map[string]string
	sentinel string

	stdin   io.WriteCloser
	stdout  chan string
	stderr  chan string
	done    chan struct{}
	writeMu sync.Mutex

	killOnce sync.Once
}

// Spawn starts rt's interpreter in workDir with the given sanitized
// environment. The runtime's own additions and the sentinel token are merged
// in after sanitization.
func Spawn(rt runtime.Runtime, sanitized map[string]string, workDir string) (*Handle, error) {
	token, err := newSentinelToken()
	if err != nil {
		return nil, fmt.Errorf("generating sentinel token: %w", err)
	}

	env := make(map[string]string, len(sanitized)+4)
	for k, v := range sanitized {
		env[k] = v
	}
	for k, v := range rt.Env() {
		env[k] = v
	}
	env[runtime.SentinelEnv] = token

	argv := rt.Command()
	cmd := exec.Command(argv[0], argv[1:]...) // #nosec G204 -- argv comes from the runtime registry, not callers
	cmd.Dir = workDir
	cmd.Env = envsafe.Environ(env)
	// Own process group, so Terminate can kill the interpreter and anything
	// it forked in one signal.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s runtime: %w", rt.Name(), err)
	}

	h := &Handle{
		id:       token,
		rt:       rt,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		env:      env,
		sentinel: token,
		stdin:    stdin,
		stdout:   make(chan string, lineBuffer),
		stderr:   make(chan string, lineBuffer),
		done:     make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(stdoutPipe, h.stdout, &pumps)
	go pumpLines(stderrPipe, h.stderr, &pumps)

	// Reap the process exactly once, after both pumps hit EOF — Wait closes
	// the pipes, so reaping first could drop tail output. The goroutine
	// captures cmd and done directly, not h, so an abandoned handle stays
	// collectable.
	done := h.done
	go func() {
		pumps.Wait()
		_ = cmd.Wait()
		close(done)
	}()

	// A handle dropped without Terminate must not leak its process.
	stdruntime.SetFinalizer(h, func(leaked *Handle) {
		select {
		case <-leaked.done:
		default:
			log.Warn().Int("pid", leaked.pid).Msg("finalizing leaked runtime handle")
			leaked.Terminate()
		}
	})

	log.Debug().Int("pid", h.pid).Str("runtime", rt.Name()).Str("dir", workDir).Msg("runtime process spawned")
	return h, nil
}

// pumpLines forwards pipe output line by line and closes the channel on EOF,
// so a pending read observes end-of-stream instead of blocking after the
// process dies.
func pumpLines(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out <- strings.TrimSuffix(line, "\n")
		}
		if err != nil {
			return
		}
	}
}

// Submit frames one code unit and writes it to the interpreter's stdin.
func (h *Handle) Submit(code string) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	select {
	case <-h.done:
		return fmt.Errorf("runtime process %d has exited", h.pid)
	default:
	}

	if _, err := h.stdin.Write(h.rt.Frame(code)); err != nil {
		return fmt.Errorf("writing code unit: %w", err)
	}
	return nil
}

// Stdout returns the stdout line channel. Closed on process exit.
func (h *Handle) Stdout() <-chan string { return h.stdout }

// Stderr returns the stderr line channel. Closed on process exit.
func (h *Handle) Stderr() <-chan string { return h.stderr }

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Sentinel returns the completion token the bootstrap prints after each unit.
func (h *Handle) Sentinel() string { return h.sentinel }

// PID returns the interpreter's process ID.
func (h *Handle) PID() int { return h.pid }

// Runtime returns the runtime driving this process.
func (h *Handle) Runtime() runtime.Runtime { return h.rt }

// Env returns a copy of the environment snapshot the process was launched
// with.
func (h *Handle) Env() map[string]string {
	out := make(map[string]string, len(h.env))
	for k, v := range h.env {
		out[k] = v
	}
	return out
}

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Terminate kills the interpreter's process group. It is safe to call any
// number of times, from session closure or from timeout enforcement.
func (h *Handle) Terminate() {
	h.killOnce.Do(func() {
		_ = h.stdin.Close()
		// Negative pid signals the whole group, catching children the
		// interpreter forked.
		if err := syscall.Kill(-h.pid, syscall.SIGKILL); err != nil {
			_ = h.cmd.Process.Kill()
		}
		// Nobody is dispatching anymore; drain the pumps so they can reach
		// EOF and the reaper can close done.
		go drainLines(h.stdout)
		go drainLines(h.stderr)
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			log.Warn().Int("pid", h.pid).Msg("timed out waiting for runtime process to be reaped")
		}
		log.Debug().Int("pid", h.pid).Msg("runtime process terminated")
	})
}

func drainLines(ch <-chan string) {
	for range ch {
	}
}

func newSentinelToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "u" + hex.EncodeToString(b), nil
}
