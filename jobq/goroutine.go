package jobq

import (
	"fmt"
	"runtime/debug"
)

// Go runs the given function in a separate goroutine and recovers from any
// panic, logging the panic message and stack trace with logger.
//
// Usage:
//
//	Go(logger, func() {
//	    // Your code here
//	})
func Go(logger Logger, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(fmt.Errorf("Panic recovered: %v\n%s", r, debug.Stack()))
			}
		}()
		f()
	}()
}
