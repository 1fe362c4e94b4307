// Package exec drives single code units through a live interpreter process:
// submit, drain output until the completion sentinel, enforce the deadline.
package exec

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/runtime"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout = errors.New("execution timed out")
	ErrCrash   = errors.New("runtime process exited during execution")
)

// Unit statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timed_out"
	StatusCrashed   = "crashed"
)

// DefaultMaxCapture bounds how much of each stream is buffered in memory.
// Payloads under the cap still spill to blob storage downstream; the cap only
// protects the server from a runaway print loop.
const DefaultMaxCapture = 32 << 20

// Process is the slice of a runtime handle the dispatcher needs. Satisfied
// by *proc.Handle.
type Process interface {
	Submit(code string) error
	Stdout() <-chan string
	Stderr() <-chan string
	Done() <-chan struct{}
	Sentinel() string
	Terminate()
	PID() int
}

// Result is the raw outcome of one dispatched unit.
type Result struct {
	Status   string
	Stdout   []byte
	ErrText  []byte
	Images   [][]byte
	Duration time.Duration
	CodeHash string
}

// Dispatcher serializes units onto a handle and enforces per-unit deadlines.
// Callers guarantee one unit at a time per handle; the dispatcher itself is
// stateless across calls.
type Dispatcher struct {
	maxCapture int
}

// NewDispatcher creates a dispatcher. maxCapture <= 0 uses the default.
func NewDispatcher(maxCapture int) *Dispatcher {
	if maxCapture <= 0 {
		maxCapture = DefaultMaxCapture
	}
	return &Dispatcher{maxCapture: maxCapture}
}

// Dispatch runs one code unit on h and collects its output. workDir is where
// the runtime writes rendered figures. On timeout the process is killed and
// partial output is returned alongside ErrTimeout; on process death the
// partial output comes back with ErrCrash.
func (d *Dispatcher) Dispatch(ctx context.Context, h Process, workDir, code string, timeout time.Duration) (*Result, error) {
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
	logger := log.With().
		Int("pid", h.PID()).
		Str("code_hash", codeHash[:16]).
		Logger()

	start := time.Now()
	res := &Result{CodeHash: codeHash}

	if err := h.Submit(code); err != nil {
		h.Terminate()
		res.Status = StatusCrashed
		res.Duration = time.Since(start)
		return res, fmt.Errorf("%w: %v", ErrCrash, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := h.Sentinel()
	var stdout, errText capped
	stdout.max = d.maxCapture
	errText.max = d.maxCapture

	var (
		outStatus string // "ok" or "err" once stdout's sentinel arrives
		outDone   bool
		errDone   bool
	)

	stdoutCh := h.Stdout()
	stderrCh := h.Stderr()

	for !(outDone && errDone) {
		select {
		case line, ok := <-stdoutCh:
			if !ok {
				stdoutCh = nil
				if !outDone {
					return d.crashed(res, &stdout, &errText, start, logger)
				}
				continue
			}
			verb, arg, sentinel := parseSentinel(token, line)
			if !sentinel {
				stdout.appendLine(line)
				continue
			}
			switch verb {
			case runtime.VerbImage:
				img, err := loadImage(workDir, arg)
				if err != nil {
					logger.Warn().Err(err).Str("path", arg).Msg("dropping unreadable figure")
					continue
				}
				res.Images = append(res.Images, img)
			case runtime.VerbDone:
				outStatus = arg
				outDone = true
			}

		case line, ok := <-stderrCh:
			if !ok {
				stderrCh = nil
				if !errDone {
					return d.crashed(res, &stdout, &errText, start, logger)
				}
				continue
			}
			if verb, _, sentinel := parseSentinel(token, line); sentinel && verb == runtime.VerbDone {
				errDone = true
				continue
			}
			errText.appendLine(line)

		case <-timer.C:
			logger.Warn().Dur("timeout", timeout).Msg("unit deadline exceeded, killing runtime")
			h.Terminate()
			res.Status = StatusTimeout
			res.Stdout = stdout.bytes()
			res.ErrText = errText.bytes()
			res.Duration = time.Since(start)
			return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)

		case <-ctx.Done():
			h.Terminate()
			res.Status = StatusTimeout
			res.Stdout = stdout.bytes()
			res.ErrText = errText.bytes()
			res.Duration = time.Since(start)
			return res, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
	}

	res.Stdout = stdout.bytes()
	res.Duration = time.Since(start)
	if outStatus == "ok" {
		res.Status = StatusSucceeded
	} else {
		res.Status = StatusFailed
		res.ErrText = errText.bytes()
	}

	logger.Info().
		Str("status", res.Status).
		Dur("duration", res.Duration).
		Int("stdout_bytes", len(res.Stdout)).
		Int("images", len(res.Images)).
		Msg("unit completed")
	return res, nil
}

func (d *Dispatcher) crashed(res *Result, stdout, errText *capped, start time.Time, logger zerolog.Logger) (*Result, error) {
	logger.Error().Msg("runtime process exited mid-unit")
	res.Status = StatusCrashed
	res.Stdout = stdout.bytes()
	res.ErrText = errText.bytes()
	res.Duration = time.Since(start)
	return res, ErrCrash
}

// parseSentinel splits a "<token> VERB [arg]" line. Lines not starting with
// the token are ordinary output.
func parseSentinel(token, line string) (verb, arg string, ok bool) {
	rest, found := strings.CutPrefix(line, token+" ")
	if !found {
		return "", "", false
	}
	verb, arg, _ = strings.Cut(rest, " ")
	return verb, arg, true
}

// loadImage reads and removes a rendered figure. The path comes from the
// bootstrap, but it is still confined to the scratch directory.
func loadImage(workDir, path string) ([]byte, error) {
	if filepath.IsAbs(path) || !filepath.IsLocal(path) {
		return nil, fmt.Errorf("figure path %q escapes the work directory", path)
	}
	full := filepath.Join(workDir, path)
	data, err := os.ReadFile(full) // #nosec G304 -- confined to workDir above
	if err != nil {
		return nil, err
	}
	_ = os.Remove(full)
	return data, nil
}

// capped accumulates lines up to a byte limit, marking truncation once.
type capped struct {
	buf       []byte
	max       int
	truncated bool
}

func (c *capped) appendLine(line string) {
	if c.truncated {
		return
	}
	if len(c.buf)+len(line)+1 > c.max {
		c.buf = append(c.buf, "\n... [output truncated]"...)
		c.truncated = true
		return
	}
	c.buf = append(c.buf, line...)
	c.buf = append(c.buf, '\n')
}

func (c *capped) bytes() []byte { return c.buf }
