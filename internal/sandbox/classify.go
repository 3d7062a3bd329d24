package sandbox

import (
	"regexp"
	"strings"
)

var namedKindPattern = regexp.MustCompile(`SyntaxError|ReferenceError|TypeError`)

// errorNamePrefix matches the "Name: " prefix the engine puts on rendered
// errors, e.g. "RangeError: Maximum call stack size exceeded".
var errorNamePrefix = regexp.MustCompile(`^([A-Za-z_$][\w$]*Error): `)

const stackExhausted = "Maximum call stack size exceeded"

// classify maps a thrown error to its kind. The name is authoritative; the
// message is only consulted when the name is not one of the named kinds.
func classify(name, message string) ErrorKind {
	switch kind := ErrorKind(name); kind {
	case KindSyntaxError, KindReferenceError, KindTypeError:
		return kind
	}
	if m := namedKindPattern.FindString(message); m != "" {
		return ErrorKind(m)
	}
	if strings.Contains(message, stackExhausted) {
		return KindMemoryError
	}
	return KindExecutionError
}

// splitErrorText splits "TypeError: x is not a function" into its name and
// message. Text without a recognizable prefix is returned whole.
func splitErrorText(text string) (name, message string) {
	m := errorNamePrefix.FindStringSubmatch(text)
	if m == nil {
		return "", text
	}
	return m[1], strings.TrimPrefix(text, m[0])
}

// firstLine trims engine-appended stack lines from an error rendering.
func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		return text[:i]
	}
	return text
}
