// Package funcs is the worker's name-keyed function table. Per
// spec.md §9's design note (b), a statically-typed port cannot ship
// arbitrary user source to a worker and import it by basename; instead
// functions are registered ahead of time under the same
// <source_file>:<function_name> wire identifier the master pools by.
package funcs

import (
	"fmt"
	"sync"

	"github.com/cuemby/clupy/pkg/types"
)

// Func is a registered remote function. args is keyed "arg0", "arg1",
// ... per SPEC_FULL.md §6's positional wire convention.
type Func func(args map[string]any) (any, error)

// Table is a worker's function registry, safe for concurrent lookup
// and registration.
type Table struct {
	mu  sync.RWMutex
	fns map[string]Func
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{fns: make(map[string]Func)}
}

// Register adds fn under <sourceFile>:<functionName>.
func (t *Table) Register(sourceFile, functionName string, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns[types.FunctionKey(sourceFile, functionName)] = fn
}

// Lookup returns the function registered for sourceFile:functionName.
func (t *Table) Lookup(sourceFile, functionName string) (Func, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.fns[types.FunctionKey(sourceFile, functionName)]
	return fn, ok
}

// Invoke looks up and calls the function, wrapping a miss as a
// RemoteExecutionError so it surfaces the same way a user-code
// exception would.
func (t *Table) Invoke(sourceFile, functionName string, args map[string]any) (any, error) {
	fn, ok := t.Lookup(sourceFile, functionName)
	if !ok {
		return nil, &types.RemoteExecutionError{
			Message: fmt.Sprintf("no function registered for %s", types.FunctionKey(sourceFile, functionName)),
		}
	}
	return fn(args)
}
