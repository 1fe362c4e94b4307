package exec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/runtime"
)

// InstallGrace is added on top of the in-unit install timeout before the
// dispatcher hard-kills the process. The unit enforces its own deadline, so
// the hard kill only fires if the interpreter itself is wedged.
const InstallGrace = 15 * time.Second

// InstallResult reports the outcome of a package install. A failed install
// leaves the session usable; Reason carries the pip output when it isn't.
type InstallResult struct {
	Package  string        `json:"package"`
	Success  bool          `json:"success"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Install runs a package install as a regular unit on h. The install command
// is bounded inside the unit by timeout, so a slow or failing download fails
// the unit without killing the interpreter.
func (d *Dispatcher) Install(ctx context.Context, h Process, rt runtime.Runtime, workDir, pkg string, timeout time.Duration) (*InstallResult, error) {
	unit, err := rt.InstallUnit(pkg, timeout)
	if err != nil {
		return nil, err
	}

	log.Info().Str("package", pkg).Dur("timeout", timeout).Msg("installing package")

	res, err := d.Dispatch(ctx, h, workDir, unit, timeout+InstallGrace)
	if err != nil {
		// Timeout or crash here means the interpreter is gone, not just the
		// install.
		return nil, err
	}

	out := &InstallResult{Package: pkg, Duration: res.Duration}
	if res.Status == StatusSucceeded {
		out.Success = true
		return out, nil
	}

	out.Reason = installReason(res)
	log.Warn().Str("package", pkg).Str("reason", firstLine(out.Reason)).Msg("package install failed")
	return out, nil
}

func installReason(res *Result) string {
	if len(res.ErrText) > 0 {
		return string(res.ErrText)
	}
	if len(res.Stdout) > 0 {
		return string(res.Stdout)
	}
	return fmt.Sprintf("install unit finished with status %s", res.Status)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
