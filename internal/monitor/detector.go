package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"sandbox-sessions/internal/envsafe"
)

// ProbeDetector analyzes submitted code for attempts to recover the
// credentials and platform identity the sanitizer strips. Detection is a
// signal, not a sandbox: flagged code is logged and counted, and optionally
// rejected when enforcement is on.
type ProbeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detections.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents one matched pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewProbeDetector creates a detector with the default pattern set.
func NewProbeDetector() *ProbeDetector {
	return &ProbeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks a code unit for credential probes before dispatch.
func (d *ProbeDetector) AnalyzeCode(sessionID, code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("session_id", sessionID).
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("credential probe detected in code")
			}
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	patterns := []DetectionPattern{
		{
			Name:        "environ_dump",
			Description: "Dumping the whole process environment",
			Regex:       regexp.MustCompile(`os\.environ\s*$|dict\(os\.environ\)|os\.environ\.items\(\)|\bprintenv\b|\benv\s*\|`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "proc_environ_read",
			Description: "Reading the raw environment from procfs",
			Regex:       regexp.MustCompile(`/proc/(self|\d+)/environ`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Reaching for the cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws|\bimds\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "credential_file_read",
			Description: "Reading stored cloud credential files",
			Regex:       regexp.MustCompile(`\.aws/credentials|\.aws/config|/var/run/secrets`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "boto_session_probe",
			Description: "Extracting credentials from an SDK session",
			Regex:       regexp.MustCompile(`get_credentials\(\)|get_frozen_credentials\(\)`),
			Severity:    SeverityHigh,
		},
	}

	// One pattern per denylisted name, so the metric shows which variable was
	// probed.
	for _, name := range envsafe.DeniedNames() {
		patterns = append(patterns, DetectionPattern{
			Name:        "denied_var_" + strings.ToLower(name),
			Description: "Referencing the stripped variable " + name,
			Regex:       regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`),
			Severity:    SeverityMedium,
		})
	}

	return patterns
}
