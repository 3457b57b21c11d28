// Package recovery converts goroutine panics into reportable errors.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Name  string
	Value interface{}
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// Guard recovers from a panic in the calling goroutine, logs it and hands
// the resulting *PanicError to report. It must be deferred directly.
//
// Example:
//
//	go func() {
//	    defer wg.Done()
//	    defer recovery.Guard(logger, "purge", func(err error) { errs[i] = err })
//	    // ... goroutine work
//	}()
func Guard(logger *slog.Logger, name string, report func(error)) {
	r := recover()
	if r == nil {
		return
	}

	perr := &PanicError{
		Name:  name,
		Value: r,
		Stack: string(debug.Stack()),
	}
	if logger != nil {
		logger.Error("panic recovered",
			"goroutine", name,
			"panic", fmt.Sprintf("%v", r),
			"stack", perr.Stack)
	}
	if report != nil {
		report(perr)
	}
}
