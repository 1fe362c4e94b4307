// Package runtime defines the interpreter runtimes a session can host and
// the stdin framing / completion-sentinel protocol the dispatcher speaks
// with them.
package runtime

import (
	"fmt"
	"time"
)

// SentinelEnv is the environment variable carrying the per-process sentinel
// token. The token is random per spawn so user code cannot forge a
// completion marker.
const SentinelEnv = "SESSION_SENTINEL"

// Sentinel line verbs, emitted by the runtime bootstrap after the token.
const (
	VerbDone  = "DONE" // unit finished; followed by "ok" or "err" on stdout
	VerbImage = "IMG"  // a rendered figure was written; followed by its path
)

// Runtime defines how to start and drive one interactive interpreter.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Command returns the argv that starts the interpreter in interactive
	// protocol mode. The process reads framed code units from stdin.
	Command() []string

	// Frame encodes one code unit for the stdin protocol.
	Frame(code string) []byte

	// InstallUnit returns a code unit that installs the named package into
	// the live interpreter, bounding the install itself by timeout so a
	// stuck download fails the unit instead of wedging the session.
	InstallUnit(pkg string, timeout time.Duration) (string, error)

	// Env returns runtime-specific environment additions (e.g., a headless
	// plotting backend selector). These are merged after sanitization.
	Env() map[string]string
}

// Registry maps runtime names to their implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
func NewRegistry() *Registry {
	r := &Registry{runtimes: make(map[string]Runtime)}
	r.Register(NewPythonRuntime(""))
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q", name)
	}
	return rt, nil
}

// Names returns all registered runtime names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	return names
}
