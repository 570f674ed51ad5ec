package goutil

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine and writes any panic (with stack) to the
// logger before re-panicking. The console UI eats stderr, so without this a
// crashing goroutine leaves no trace in the log file.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
