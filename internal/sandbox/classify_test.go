package sandbox

import (
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		errName string
		message string
		want    ErrorKind
	}{
		{"syntax by name", "SyntaxError", "Unexpected token", KindSyntaxError},
		{"reference by name", "ReferenceError", "x is not defined", KindReferenceError},
		{"type by name", "TypeError", "x is not a function", KindTypeError},
		{"type by message", "Error", "TypeError: wrapped", KindTypeError},
		{"reference by message", "", "ReferenceError: y", KindReferenceError},
		{"name wins over message", "ReferenceError", "TypeError mentioned", KindReferenceError},
		{"stack exhausted", "RangeError", "Maximum call stack size exceeded", KindMemoryError},
		{"plain error", "Error", "boom", KindExecutionError},
		{"range error", "RangeError", "Invalid array length", KindExecutionError},
		{"empty", "", "", KindExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.errName, tt.message); got != tt.want {
				t.Errorf("classify(%q, %q) = %s, want %s", tt.errName, tt.message, got, tt.want)
			}
		})
	}
}

func TestSplitErrorText(t *testing.T) {
	tests := []struct {
		text        string
		wantName    string
		wantMessage string
	}{
		{"TypeError: x is not a function", "TypeError", "x is not a function"},
		{"RangeError: Maximum call stack size exceeded", "RangeError", "Maximum call stack size exceeded"},
		{"boom", "", "boom"},
		{"not an Error: prefix", "", "not an Error: prefix"},
	}
	for _, tt := range tests {
		name, message := splitErrorText(tt.text)
		if name != tt.wantName || message != tt.wantMessage {
			t.Errorf("splitErrorText(%q) = (%q, %q), want (%q, %q)", tt.text, name, message, tt.wantName, tt.wantMessage)
		}
	}
}

func TestReduce_Envelope(t *testing.T) {
	tests := []struct {
		name     string
		envelope string
		wantOK   bool
		wantKind ErrorKind
	}{
		{"returned", `{"returned":[1,2]}`, true, ""},
		{"undefined", `{}`, true, ""},
		{"thrown", `{"error":{"name":"TypeError","message":"bad","stack":null}}`, false, KindTypeError},
		{"malformed", `not json`, false, KindExecutionError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reduce(runOutcome{envelope: tt.envelope})
			if err != nil {
				t.Fatalf("reduce() error = %v", err)
			}
			if res.OK() != tt.wantOK {
				t.Fatalf("OK() = %v, want %v", res.OK(), tt.wantOK)
			}
			if !tt.wantOK && res.Failure.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", res.Failure.Kind, tt.wantKind)
			}
		})
	}
}

func TestReduce_AbandonedRun(t *testing.T) {
	res, err := reduce(runOutcome{abandoned: true, fault: errIsolateBusy})
	if err != nil {
		t.Fatalf("reduce() error = %v", err)
	}
	if res.Failure == nil || res.Failure.Kind != KindExecutionError {
		t.Errorf("Failure = %+v, want ExecutionError", res.Failure)
	}
}

func TestCompileFailure(t *testing.T) {
	_, err := compileScript("return (")
	if err == nil {
		t.Fatal("compileScript() error = nil, want syntax error")
	}
	res := compileFailure(err)
	if res.Failure.Kind != KindSyntaxError {
		t.Errorf("Kind = %s, want SyntaxError", res.Failure.Kind)
	}
	if res.Failure.Message == "" {
		t.Error("Message is empty")
	}
}

func TestCompileFailure_ReportsSubmittedPosition(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"first line", "let a = ;", "Line 1:9"},
		{"third line", "const x = 1;\nconst y = 2;\nlet a = ;", "Line 3:9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compileScript(tt.code)
			if err == nil {
				t.Fatal("compileScript() error = nil, want syntax error")
			}
			res := compileFailure(err)
			if res.Failure.Kind != KindSyntaxError {
				t.Errorf("Kind = %s, want SyntaxError", res.Failure.Kind)
			}
			if !strings.Contains(res.Failure.Message, tt.want) {
				t.Errorf("Message = %q, want it to contain %q", res.Failure.Message, tt.want)
			}
		})
	}
}

func TestUnwrapPosition(t *testing.T) {
	col := len(wrapperHead) + 4
	in := fmt.Sprintf("user-code: Line 1:%d Unexpected token", col)
	if got, want := unwrapPosition(in), "user-code: Line 1:4 Unexpected token"; got != want {
		t.Errorf("unwrapPosition() = %q, want %q", got, want)
	}
	if got := unwrapPosition("user-code: Line 12:3 x"); got != "user-code: Line 12:3 x" {
		t.Errorf("unwrapPosition() changed a later line: %q", got)
	}
}
