// Package envsafe builds credential-free environments for spawned
// interpreter processes. The service typically runs under an execution role
// whose credentials are injected through the process environment; user code
// must never be able to read them back out.
package envsafe

import (
	"sort"
	"strings"
)

// denylist contains variable names that must never reach a spawned
// interpreter. Matching is case-insensitive: a duplicated lowercase copy of
// a credential is just as dangerous as the canonical spelling.
var denylist = map[string]struct{}{
	"AWS_ACCESS_KEY_ID":               {},
	"AWS_SECRET_ACCESS_KEY":           {},
	"AWS_SESSION_TOKEN":               {},
	"AWS_SECURITY_TOKEN":              {},
	"AWS_LAMBDA_FUNCTION_NAME":        {},
	"AWS_LAMBDA_FUNCTION_VERSION":     {},
	"AWS_LAMBDA_LOG_GROUP_NAME":       {},
	"AWS_LAMBDA_LOG_STREAM_NAME":      {},
	"AWS_LAMBDA_FUNCTION_MEMORY_SIZE": {},
	"AWS_LAMBDA_RUNTIME_API":          {},
	"AWS_XRAY_DAEMON_ADDRESS":         {},
	"_AWS_XRAY_DAEMON_ADDRESS":        {},
	"_AWS_XRAY_DAEMON_PORT":           {},
}

// allowlist contains variable names the interpreter needs to function.
// Matching is exact-name and the value passes through verbatim, even when
// the name would otherwise trip the denylist.
var allowlist = map[string]struct{}{
	"PATH":       {},
	"HOME":       {},
	"LANG":       {},
	"LC_ALL":     {},
	"TZ":         {},
	"TMPDIR":     {},
	"PYTHONPATH": {},
	"PYTHONHOME": {},
	"MPLBACKEND": {},
}

// Sanitize returns a new environment map containing every entry of env that
// is not denylisted, plus all allowlisted entries verbatim. It is pure: it
// never reads the ambient process environment and never mutates its input.
func Sanitize(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if _, ok := allowlist[k]; ok {
			out[k] = v
			continue
		}
		if _, ok := denylist[strings.ToUpper(k)]; ok {
			continue
		}
		out[k] = v
	}
	return out
}

// Denied reports whether name is on the denylist. Exposed so the security
// detector can flag code that probes for sanitized-out variables.
func Denied(name string) bool {
	if _, ok := allowlist[name]; ok {
		return false
	}
	_, ok := denylist[strings.ToUpper(name)]
	return ok
}

// DeniedNames returns the denylisted variable names in sorted order.
func DeniedNames() []string {
	names := make([]string, 0, len(denylist))
	for k := range denylist {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// FromEnviron converts an os.Environ-style slice into a map. Later
// duplicates win, matching the way execve resolves duplicate entries.
func FromEnviron(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}
	return env
}

// Environ flattens a map into a sorted KEY=VALUE slice for exec.Cmd.Env.
func Environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
