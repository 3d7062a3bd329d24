package sandbox

import (
	"errors"
	"sync/atomic"

	"github.com/dop251/goja"
)

var errMissingJSON = errors.New("runtime has no JSON.stringify")

// hostGlobals must never be reachable from submitted code. goja does not
// define them, but a Context removes them explicitly in case an embedder
// registered any on the runtime.
var hostGlobals = []string{
	"require", "process", "module", "exports", "global",
	"setTimeout", "setInterval", "setImmediate", "clearTimeout", "clearInterval",
	"fetch", "XMLHttpRequest", "WebSocket",
}

// Context is the single global scope of an isolate. It is created once,
// released once, and never recreated.
type Context struct {
	console  *consoleBridge
	released atomic.Bool
}

func newContext(vm *goja.Runtime, buf *ConsoleBuffer) (*Context, error) {
	global := vm.GlobalObject()
	for _, name := range hostGlobals {
		if err := global.Delete(name); err != nil {
			return nil, err
		}
	}

	console, err := bindConsole(vm, buf)
	if err != nil {
		return nil, err
	}
	return &Context{console: console}, nil
}

// Release detaches the console bridge. Safe to call more than once.
func (c *Context) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.console.detach()
	}
}

func (c *Context) Released() bool {
	return c.released.Load()
}
