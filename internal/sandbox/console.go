package sandbox

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// ErrorLinePrefix marks lines written through console.error.
const ErrorLinePrefix = "ERROR: "

// ConsoleBuffer collects the console lines of one Execute call.
type ConsoleBuffer struct {
	mu    sync.Mutex
	lines []string
	sink  func(line string)
}

func NewConsoleBuffer() *ConsoleBuffer {
	return &ConsoleBuffer{}
}

func (b *ConsoleBuffer) Append(line string) {
	b.mu.Lock()
	b.lines = append(b.lines, line)
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink(line)
	}
}

// Snapshot returns a copy of the lines captured so far, never nil.
func (b *ConsoleBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}

func (b *ConsoleBuffer) Reset() {
	b.mu.Lock()
	b.lines = nil
	b.mu.Unlock()
}

func (b *ConsoleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}

// setSink installs a per-call listener that sees each line as it is written.
func (b *ConsoleBuffer) setSink(fn func(line string)) {
	b.mu.Lock()
	b.sink = fn
	b.mu.Unlock()
}

// consoleBridge holds the native console callbacks installed in a Context.
// Values cross into the host only as strings.
type consoleBridge struct {
	buf       atomic.Pointer[ConsoleBuffer]
	stringify goja.Callable
}

var normalConsoleMethods = []string{"log", "info", "debug", "warn"}

func bindConsole(vm *goja.Runtime, buf *ConsoleBuffer) (*consoleBridge, error) {
	jsonObj := vm.Get("JSON")
	if jsonObj == nil || goja.IsUndefined(jsonObj) {
		return nil, errMissingJSON
	}
	stringify, ok := goja.AssertFunction(jsonObj.ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errMissingJSON
	}

	b := &consoleBridge{stringify: stringify}
	b.buf.Store(buf)

	console := vm.NewObject()
	for _, name := range normalConsoleMethods {
		if err := console.Set(name, b.entry("")); err != nil {
			return nil, err
		}
	}
	if err := console.Set("error", b.entry(ErrorLinePrefix)); err != nil {
		return nil, err
	}
	if err := vm.Set("console", console); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *consoleBridge) entry(prefix string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		buf := b.buf.Load()
		if buf == nil {
			return goja.Undefined()
		}

		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = b.format(arg)
		}
		buf.Append(prefix + strings.Join(parts, " "))
		return goja.Undefined()
	}
}

// format renders one console argument: objects through JSON.stringify,
// everything else through String(x).
func (b *consoleBridge) format(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		s, err := b.stringify(goja.Undefined(), obj)
		if err == nil && s != nil && !goja.IsUndefined(s) {
			return s.String()
		}
	}
	return v.String()
}

// detach stops the callbacks from writing anywhere.
func (b *consoleBridge) detach() {
	b.buf.Store(nil)
}
