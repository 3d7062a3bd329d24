package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector analyzes submitted JavaScript and its console output for
// attempts to reach beyond the isolate. The isolate does not depend on it;
// detections feed metrics, the audit trail and optional request blocking.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
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

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// Critical reports whether the detection has critical severity.
func (d Detection) Critical() bool {
	return d.Severity == SeverityCritical.String()
}

// HasCritical reports whether any detection is critical.
func HasCritical(dets []Detection) bool {
	for _, d := range dets {
		if d.Critical() {
			return true
		}
	}
	return false
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
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
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("escape attempt detected in code")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks console output for host data that should never be
// visible from inside an isolate.
func (d *EscapeDetector) AnalyzeOutput(lines []string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"host_info_leak", "host:", SeverityMedium},
		{"kernel_leak", "Linux version", SeverityHigh},
		{"root_access", "root:x:0:0", SeverityCritical},
		{"go_runtime_leak", "goroutine ", SeverityHigh},
		{"host_env_leak", "JSBOX_", SeverityHigh},
	}

	output := strings.Join(lines, "\n")
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "host_module_load",
			Description: "Loading a host module (require/import of node builtins)",
			Regex:       regexp.MustCompile(`\brequire\s*\(\s*['"\x60](node:)?(fs|child_process|net|http|https|os|vm|worker_threads|process|dgram|cluster)['"\x60]`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_global_probe",
			Description: "Probing for host-only globals",
			Regex:       regexp.MustCompile(`\b(process\.(env|binding|mainModule|exit)|globalThis\.process|Deno\.|Bun\.)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "constructor_escape",
			Description: "Reaching Function through a constructor chain",
			Regex:       regexp.MustCompile(`constructor\s*(\.|\[\s*['"]constructor['"]\s*\])\s*constructor|\.constructor\s*\(\s*['"\x60]return\s+this`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "prototype_pollution",
			Description: "Writing to a shared prototype",
			Regex:       regexp.MustCompile(`__proto__|Object\.prototype\.\w+\s*=|Object\.setPrototypeOf\s*\(\s*(Object|Function)\.prototype`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "dynamic_code",
			Description: "Compiling code at runtime",
			Regex:       regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\s*\(|\bFunction\s*\(\s*['"\x60]`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "dynamic_import",
			Description: "Dynamic module import",
			Regex:       regexp.MustCompile(`\bimport\s*\(`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "busy_loop",
			Description: "Unbounded loop",
			Regex:       regexp.MustCompile(`while\s*\(\s*(true|1|!0)\s*\)|for\s*\(\s*;\s*;\s*\)`),
			Severity:    SeverityLow,
		},
		{
			Name:        "memory_bomb",
			Description: "Allocation sized to exhaust the heap",
			Regex:       regexp.MustCompile(`new\s+(Array|ArrayBuffer|Uint8Array)\s*\(\s*(1e[7-9]|\d{8,})|\.repeat\s*\(\s*(1e[7-9]|\d{8,})`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "fs_probe",
			Description: "Referencing host filesystem paths",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow)|/proc/self/|/var/run/docker\.sock`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight|hashrate)`),
			Severity:    SeverityMedium,
		},
	}
}
