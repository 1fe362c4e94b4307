package runtime

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// DefaultPythonInterpreter is used when the config does not name one.
const DefaultPythonInterpreter = "python3"

// pythonBootstrap is the protocol loop run inside the interpreter. It keeps
// one namespace alive across units, prints tracebacks to stderr, saves any
// open matplotlib figures to the working directory, and marks the end of
// each unit on both streams with the sentinel token. The token is popped
// from the environment before any user code runs, so user code cannot read
// it back and forge a completion marker. Both streams are wrapped so the
// marker always starts on a fresh line even when user output ends without a
// trailing newline.
//
// Framing: one decimal byte-length line, then exactly that many bytes of
// UTF-8 code.
const pythonBootstrap = `
import os, sys, traceback

_sentinel = os.environ.pop("SESSION_SENTINEL", "")
_globals = {"__name__": "__main__"}
_stdin = sys.stdin.buffer

class _Stream(object):
    def __init__(self, raw):
        self._raw = raw
        self._nl = True
    def write(self, s):
        if s:
            self._nl = s.endswith("\n")
        return self._raw.write(s)
    def flush(self):
        self._raw.flush()
    def __getattr__(self, name):
        return getattr(self._raw, name)
    def _mark(self, line):
        if not self._nl:
            self._raw.write("\n")
        self._raw.write(line)
        self._raw.flush()
        self._nl = True

_out = sys.stdout = _Stream(sys.stdout)
_err = sys.stderr = _Stream(sys.stderr)

while True:
    _header = _stdin.readline()
    if not _header:
        break
    try:
        _n = int(_header)
    except ValueError:
        continue
    _code = _stdin.read(_n).decode("utf-8", "replace")
    _status = "ok"
    try:
        exec(compile(_code, "<session>", "exec"), _globals)
    except BaseException:
        traceback.print_exc(file=_err)
        _status = "err"
    try:
        if "matplotlib" in sys.modules:
            import matplotlib.pyplot as _plt
            for _num in _plt.get_fignums():
                _path = "figure_%d.png" % _num
                _plt.figure(_num).savefig(_path, format="png")
                _out._mark("%s IMG %s\n" % (_sentinel, _path))
            _plt.close("all")
    except Exception:
        pass
    _out.flush()
    _err.flush()
    _out._mark("%s DONE %s\n" % (_sentinel, _status))
    _err._mark("%s DONE\n" % _sentinel)
`

// installUnitTemplate bounds the pip subprocess by its own timeout so a
// stuck download fails the unit instead of forcing a hard kill of the
// session.
const installUnitTemplate = `
import subprocess, sys
try:
    _r = subprocess.run(
        [sys.executable, "-m", "pip", "install", "--no-input", %s],
        capture_output=True, text=True, timeout=%d,
    )
except subprocess.TimeoutExpired:
    raise RuntimeError("pip install timed out after %ds")
sys.stdout.write(_r.stdout)
sys.stderr.write(_r.stderr)
if _r.returncode != 0:
    raise RuntimeError("pip install exited with code %%d" %% _r.returncode)
`

// packageNamePattern accepts PEP 508-style requirements (name, extras,
// version pins) and rejects anything that could escape the string literal
// the requirement is embedded in.
var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\[\],<>=!~*+-]*$`)

// PythonRuntime drives a CPython interpreter in protocol mode.
type PythonRuntime struct {
	interpreter string
}

// NewPythonRuntime creates a Python runtime. An empty interpreter selects
// the default python3 from PATH.
func NewPythonRuntime(interpreter string) *PythonRuntime {
	if interpreter == "" {
		interpreter = DefaultPythonInterpreter
	}
	return &PythonRuntime{interpreter: interpreter}
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Command() []string {
	return []string{
		p.interpreter,
		"-u", // unbuffered output
		"-B", // don't write .pyc files
		"-c", pythonBootstrap,
	}
}

func (p *PythonRuntime) Frame(code string) []byte {
	framed := make([]byte, 0, len(code)+12)
	framed = append(framed, strconv.Itoa(len(code))...)
	framed = append(framed, '\n')
	framed = append(framed, code...)
	return framed
}

func (p *PythonRuntime) InstallUnit(pkg string, timeout time.Duration) (string, error) {
	if !packageNamePattern.MatchString(pkg) {
		return "", fmt.Errorf("invalid package spec: %q", pkg)
	}
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(installUnitTemplate, strconv.Quote(pkg), secs, secs), nil
}

func (p *PythonRuntime) Env() map[string]string {
	return map[string]string{
		// Headless plotting: render to PNG without a display server.
		"MPLBACKEND":              "Agg",
		"PYTHONDONTWRITEBYTECODE": "1",
	}
}
