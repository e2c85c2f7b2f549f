// Package goroutine runs background work with panic recovery and provides
// leak checks for tests that start it.
package goroutine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"
)

// StackTraceBufferSize is the buffer size for stack trace collection
const StackTraceBufferSize = 4096

// Recover recovers from a panic in the calling goroutine and logs it with its stack.
// With a nil logger the panic is written to stderr.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		logPanic(name, r, logger)
	}
}

// Go runs fn in a new goroutine tracked by wg. A panic in fn is recovered
// and logged, and wg is released either way.
func Go(wg *sync.WaitGroup, name string, logger *zap.SugaredLogger, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(name, logger)
		fn()
	}()
}

// GoErr is like Go but delivers the result of fn, or a panic turned into an
// error, on the returned channel. The channel is buffered and closed afterwards.
func GoErr(wg *sync.WaitGroup, name string, logger *zap.SugaredLogger, fn func() error) <-chan error {
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(errCh)
		defer func() {
			if r := recover(); r != nil {
				logPanic(name, r, logger)
				errCh <- fmt.Errorf("goroutine %s panicked: %v", name, r)
			}
		}()
		if err := fn(); err != nil {
			errCh <- err
		}
	}()
	return errCh
}

func logPanic(name string, r interface{}, logger *zap.SugaredLogger) {
	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}
