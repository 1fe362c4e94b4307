package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/envsafe"
	"sandbox-sessions/internal/exec"
	"sandbox-sessions/internal/monitor"
	"sandbox-sessions/internal/output"
	"sandbox-sessions/internal/proc"
	"sandbox-sessions/internal/runtime"
	"sandbox-sessions/internal/storage"
)

// MaxCodeBytes bounds one submitted code unit.
const MaxCodeBytes = 1 << 20

// Config tunes the registry.
type Config struct {
	ScratchRoot       string
	MaxSessions       int
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	InstallTimeout    time.Duration
	MaxInstallTimeout time.Duration
	Retention         time.Duration // idle time before eviction
	SweepInterval     time.Duration
	MaxCaptureBytes   int
	EnforceDetections bool // reject flagged code instead of just logging it
}

func (c *Config) withDefaults() {
	if c.ScratchRoot == "" {
		c.ScratchRoot = filepath.Join(os.TempDir(), "sandbox-sessions")
	}
	if c.MaxSessions < 1 {
		c.MaxSessions = 50
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 30 * time.Second
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 2 * time.Minute
	}
	if c.MaxInstallTimeout <= 0 {
		c.MaxInstallTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Registry owns all live sessions. The table lock covers only the map; it is
// never held across spawn, dispatch, or file I/O.
type Registry struct {
	cfg        Config
	runtimes   *runtime.Registry
	dispatcher *exec.Dispatcher
	serializer *output.Serializer
	detector   *monitor.ProbeDetector
	metrics    *monitor.Metrics
	tracer     *monitor.Tracer
	audit      *storage.AuditWriter // optional

	mu       sync.Mutex
	sessions map[string]*Session

	stop      chan struct{}
	stopOnce  sync.Once
	sweeperWG sync.WaitGroup
}

// NewRegistry creates the registry and cleans up scratch directories left by
// previous runs. audit may be nil.
func NewRegistry(cfg Config, runtimes *runtime.Registry, serializer *output.Serializer, metrics *monitor.Metrics, audit *storage.AuditWriter) (*Registry, error) {
	cfg.withDefaults()

	if err := os.MkdirAll(cfg.ScratchRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch root: %w", err)
	}

	r := &Registry{
		cfg:        cfg,
		runtimes:   runtimes,
		dispatcher: exec.NewDispatcher(cfg.MaxCaptureBytes),
		serializer: serializer,
		detector:   monitor.NewProbeDetector(),
		metrics:    metrics,
		tracer:     monitor.NewTracer(),
		audit:      audit,
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
	}

	if n := r.cleanOrphans(); n > 0 {
		log.Info().Int("count", n).Msg("removed orphaned scratch directories")
	}
	return r, nil
}

// cleanOrphans removes session scratch directories left over from previous
// runs.
func (r *Registry) cleanOrphans() int {
	entries, err := os.ReadDir(r.cfg.ScratchRoot)
	if err != nil {
		log.Warn().Err(err).Str("root", r.cfg.ScratchRoot).Msg("scanning scratch root failed")
		return 0
	}

	var cleaned int
	for _, e := range entries {
		if !e.IsDir() || !isScratchName(e.Name()) {
			continue
		}
		path := filepath.Join(r.cfg.ScratchRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("dir", path).Msg("removing orphaned scratch dir failed")
			continue
		}
		cleaned++
	}
	return cleaned
}

func isScratchName(name string) bool {
	const prefix = "session_"
	return len(name) > len(prefix) && name[:len(prefix)] == prefix
}

// Create spawns a new session with the named runtime ("" means python).
func (r *Registry) Create(ctx context.Context, name, runtimeName string) (Info, error) {
	if runtimeName == "" {
		runtimeName = "python"
	}
	rt, err := r.runtimes.Get(runtimeName)
	if err != nil {
		return Info{}, &SessionError{Op: "create", Err: fmt.Errorf("%w: %v", ErrValidation, err)}
	}

	id := uuid.New().String()
	scratchDir := filepath.Join(r.cfg.ScratchRoot, "session_"+id)
	s := newSession(id, name, runtimeName, scratchDir)

	// Reserve the slot under the cap before the (slow) spawn.
	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return Info{}, &SessionError{Op: "create", Err: fmt.Errorf("%w: session limit %d reached", ErrValidation, r.cfg.MaxSessions)}
	}
	r.sessions[id] = s
	r.mu.Unlock()

	abort := func(err error) (Info, error) {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
		_ = os.RemoveAll(scratchDir)
		return Info{}, &SessionError{SessionID: id, Op: "create", Err: err}
	}

	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return abort(fmt.Errorf("creating scratch dir: %w", err))
	}

	sanitized := envsafe.Sanitize(envsafe.FromEnviron(os.Environ()))
	handle, err := proc.Spawn(rt, sanitized, scratchDir)
	if err != nil {
		return abort(fmt.Errorf("spawning runtime: %w", err))
	}
	s.ready(handle)

	r.metrics.ActiveSessions.Inc()
	r.metrics.RecordSessionEvent("created")
	log.Info().
		Str("session_id", id).
		Str("runtime", runtimeName).
		Int("pid", handle.PID()).
		Msg("session created")
	return s.snapshot(), nil
}

// get looks a session up by id.
func (r *Registry) get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Describe returns a snapshot of one session.
func (r *Registry) Describe(id string) (Info, error) {
	s, err := r.get(id)
	if err != nil {
		return Info{}, &SessionError{SessionID: id, Op: "describe", Err: err}
	}
	return s.snapshot(), nil
}

// List returns snapshots of all live sessions.
func (r *Registry) List() []Info {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	infos := make([]Info, len(all))
	for i, s := range all {
		infos[i] = s.snapshot()
	}
	return infos
}

// Execute dispatches one code unit on the session. Timeouts and crashes
// still return the execution record with whatever output was captured; the
// session is unusable afterwards.
func (r *Registry) Execute(ctx context.Context, id, code string, timeout time.Duration) (ExecutionRecord, error) {
	fail := func(err error) (ExecutionRecord, error) {
		r.metrics.RecordError(Kind(err))
		return ExecutionRecord{}, &SessionError{SessionID: id, Op: "execute", Err: err}
	}

	s, err := r.get(id)
	if err != nil {
		return fail(err)
	}

	if code == "" {
		return fail(fmt.Errorf("%w: code is empty", ErrValidation))
	}
	if len(code) > MaxCodeBytes {
		return fail(fmt.Errorf("%w: code exceeds %d bytes", ErrValidation, MaxCodeBytes))
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if timeout > r.cfg.MaxTimeout {
		return fail(fmt.Errorf("%w: timeout exceeds %s maximum", ErrValidation, r.cfg.MaxTimeout))
	}

	detections := r.detector.AnalyzeCode(id, code)
	for _, det := range detections {
		r.metrics.RecordSecurityEvent(det.Pattern)
	}
	if len(detections) > 0 && r.cfg.EnforceDetections {
		return fail(fmt.Errorf("%w: %s", ErrSecurityViolation, detections[0].Detail))
	}

	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(code)))
	rec, handle, err := s.begin(codeHash)
	if err != nil {
		return fail(err)
	}

	r.metrics.ActiveExecutions.Inc()
	defer r.metrics.ActiveExecutions.Dec()
	r.metrics.CodeSizeBytes.Observe(float64(len(code)))

	ctx, span := r.tracer.StartSpan(ctx, "execute",
		monitor.AttrSessionID.String(id),
		monitor.AttrExecIndex.Int(rec.Index),
		monitor.AttrRuntime.String(s.runtime),
		monitor.AttrCodeHash.String(codeHash[:16]),
	)
	defer span.End()

	res, derr := r.dispatcher.Dispatch(ctx, handle, s.scratchDir, code, timeout)

	items := r.serializer.Build(ctx, output.Capture{
		SessionID: id,
		Index:     rec.Index,
		Stdout:    res.Stdout,
		ErrText:   res.ErrText,
		Images:    res.Images,
	})

	status := res.Status
	crashed := false
	switch {
	case errors.Is(derr, exec.ErrTimeout):
		status = StatusTimedOut
		crashed = true
	case errors.Is(derr, exec.ErrCrash):
		status = StatusFailed
		crashed = true
	}
	s.finish(rec, status, items, res.Duration, crashed)
	if crashed {
		r.metrics.RecordSessionEvent("crashed")
	}

	span.SetAttributes(
		monitor.AttrStatus.String(status),
		monitor.AttrDurationMS.Int64(res.Duration.Milliseconds()),
	)
	r.metrics.RecordExecution(s.runtime, status, res.Duration.Seconds())
	r.metrics.OutputSizeBytes.Observe(float64(len(res.Stdout) + len(res.ErrText)))

	if r.audit != nil {
		r.audit.Log(&storage.ExecutionAudit{
			SessionID:      id,
			ExecIndex:      rec.Index,
			Runtime:        s.runtime,
			CodeHash:       codeHash,
			Status:         status,
			DurationMS:     res.Duration.Milliseconds(),
			OutputBytes:    int64(len(res.Stdout) + len(res.ErrText)),
			ImageCount:     len(res.Images),
			Spilled:        anySpilled(items),
			SecurityEvents: len(detections),
			StartedAt:      rec.StartedAt,
			FinishedAt:     time.Now(),
		})
	}

	snapshot, _ := s.execution(rec.Index)
	switch {
	case errors.Is(derr, exec.ErrTimeout):
		return snapshot, &SessionError{SessionID: id, Op: "execute", Err: fmt.Errorf("%w: %v", ErrTimeout, derr)}
	case errors.Is(derr, exec.ErrCrash):
		return snapshot, &SessionError{SessionID: id, Op: "execute", Err: fmt.Errorf("%w: %v", ErrProcessCrash, derr)}
	}
	return snapshot, nil
}

func anySpilled(items []output.Item) bool {
	for _, it := range items {
		if it.Ref != nil {
			return true
		}
	}
	return false
}

// Install runs a package install inside the session. A failed install is a
// normal result, not an error; only a wedged or dead interpreter is fatal.
func (r *Registry) Install(ctx context.Context, id, pkg string, timeout time.Duration) (*exec.InstallResult, error) {
	fail := func(err error) (*exec.InstallResult, error) {
		r.metrics.RecordError(Kind(err))
		return nil, &SessionError{SessionID: id, Op: "install", Err: err}
	}

	s, err := r.get(id)
	if err != nil {
		return fail(err)
	}
	if timeout <= 0 {
		timeout = r.cfg.InstallTimeout
	}
	if timeout > r.cfg.MaxInstallTimeout {
		return fail(fmt.Errorf("%w: install timeout exceeds %s maximum", ErrValidation, r.cfg.MaxInstallTimeout))
	}

	rt, err := r.runtimes.Get(s.runtime)
	if err != nil {
		return fail(err)
	}

	handle, err := s.acquire()
	if err != nil {
		return fail(err)
	}

	res, derr := r.dispatcher.Install(ctx, handle, rt, s.scratchDir, pkg, timeout)
	if derr != nil {
		s.release(errors.Is(derr, exec.ErrTimeout) || errors.Is(derr, exec.ErrCrash))
		switch {
		case errors.Is(derr, exec.ErrTimeout):
			r.metrics.RecordInstall("crash")
			r.metrics.RecordSessionEvent("crashed")
			return fail(fmt.Errorf("%w: %v", ErrTimeout, derr))
		case errors.Is(derr, exec.ErrCrash):
			r.metrics.RecordInstall("crash")
			r.metrics.RecordSessionEvent("crashed")
			return fail(fmt.Errorf("%w: %v", ErrProcessCrash, derr))
		default:
			return fail(fmt.Errorf("%w: %v", ErrValidation, derr))
		}
	}
	s.release(false)

	if res.Success {
		r.metrics.RecordInstall("success")
	} else {
		r.metrics.RecordInstall("failure")
	}
	return res, nil
}

// UploadFile writes content into the session's scratch directory. The
// filename must stay inside it.
func (r *Registry) UploadFile(id, filename string, content []byte) (string, error) {
	fail := func(err error) (string, error) {
		r.metrics.RecordError(Kind(err))
		return "", &SessionError{SessionID: id, Op: "upload_file", Err: err}
	}

	s, err := r.get(id)
	if err != nil {
		return fail(err)
	}
	if filename == "" {
		return fail(fmt.Errorf("%w: filename is empty", ErrValidation))
	}
	if filepath.IsAbs(filename) || !filepath.IsLocal(filename) {
		return fail(fmt.Errorf("%w: filename %q escapes the session directory", ErrValidation, filename))
	}

	full := filepath.Join(s.scratchDir, filename)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return fail(fmt.Errorf("creating upload directory: %w", err))
	}
	if err := os.WriteFile(full, content, 0o600); err != nil {
		return fail(fmt.Errorf("writing upload: %w", err))
	}
	s.touch()

	log.Debug().Str("session_id", id).Str("file", filename).Int("bytes", len(content)).Msg("file uploaded")
	return full, nil
}

// ListExecutions returns the session's execution history, oldest first.
func (r *Registry) ListExecutions(id string) ([]ExecutionRecord, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, &SessionError{SessionID: id, Op: "list_executions", Err: err}
	}
	return s.executions(), nil
}

// Outputs returns the stored output items of one execution.
func (r *Registry) Outputs(id string, index int) ([]output.Item, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, &SessionError{SessionID: id, Op: "get_output", Err: err}
	}
	rec, err := s.execution(index)
	if err != nil {
		return nil, &SessionError{SessionID: id, Op: "get_output", Err: err}
	}
	return rec.Outputs, nil
}

// Close terminates the session's process and removes its scratch directory.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return &SessionError{SessionID: id, Op: "close", Err: ErrSessionNotFound}
	}

	s.close()
	if err := os.RemoveAll(s.scratchDir); err != nil {
		log.Warn().Err(err).Str("session_id", id).Msg("removing scratch dir failed")
	}

	r.metrics.ActiveSessions.Dec()
	r.metrics.RecordSessionEvent("closed")
	log.Info().Str("session_id", id).Msg("session closed")
	return nil
}

// Shutdown stops the sweeper and closes every session.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.sweeperWG.Wait()

	for _, info := range r.List() {
		_ = r.Close(info.ID)
	}
}
