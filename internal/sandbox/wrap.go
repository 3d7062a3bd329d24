package sandbox

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/dop251/goja"
)

// ScriptName is the filename reported in stack traces of submitted code.
const ScriptName = "user-code"

// The wrapper evaluates to a promise that always resolves to a JSON
// envelope, so errors thrown by the script stay values. The head has no
// newline so line numbers in the submitted code are reported unchanged.
const (
	wrapperHead = `(async function () { try { const __jsbox_value = await (async function () {`
	wrapperTail = `
    })();
    return JSON.stringify({ returned: __jsbox_value });
  } catch (__jsbox_err) {
    const __jsbox_obj = __jsbox_err !== null && typeof __jsbox_err === "object";
    return JSON.stringify({
      error: {
        name: __jsbox_obj && __jsbox_err.name ? String(__jsbox_err.name) : "Error",
        message: __jsbox_obj && "message" in __jsbox_err ? String(__jsbox_err.message) : String(__jsbox_err),
        stack: __jsbox_obj && __jsbox_err.stack ? String(__jsbox_err.stack) : null,
      },
    });
  }
})()`
)

func wrapSource(code string) string {
	return wrapperHead + code + wrapperTail
}

var firstLinePosition = regexp.MustCompile(`\bLine 1:(\d+)`)

// unwrapPosition shifts first-line columns in an engine message back to the
// submitted code's own columns.
func unwrapPosition(message string) string {
	return firstLinePosition.ReplaceAllStringFunc(message, func(m string) string {
		col, err := strconv.Atoi(firstLinePosition.FindStringSubmatch(m)[1])
		if err != nil || col <= len(wrapperHead) {
			return m
		}
		return fmt.Sprintf("Line 1:%d", col-len(wrapperHead))
	})
}

// envelope is the JSON shape produced by the wrapper.
type envelope struct {
	Returned json.RawMessage `json:"returned"`
	Error    *thrownError    `json:"error"`
}

type thrownError struct {
	Name    string  `json:"name"`
	Message string  `json:"message"`
	Stack   *string `json:"stack"`
}

func decodeEnvelope(raw string) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("decoding result envelope: %w", err)
	}
	return &env, nil
}

// compiledScript is a compiled, wrapped program. Release drops the handle
// so the program can be collected.
type compiledScript struct {
	program *goja.Program
}

func compileScript(code string) (*compiledScript, error) {
	program, err := goja.Compile(ScriptName, wrapSource(code), false)
	if err != nil {
		return nil, err
	}
	return &compiledScript{program: program}, nil
}

func (s *compiledScript) Release() {
	s.program = nil
}
