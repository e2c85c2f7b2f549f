package goroutine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecover_NoPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("quiet", logger)
	}()

	assert.Empty(t, logs.All())
}

func TestRecover_LogsPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	func() {
		defer Recover("index-build", logger)
		panic("test panic message")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "index-build", fields["goroutine"])
	assert.Equal(t, "test panic message", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("falls back to stderr")
	})
}

func TestGo_RecoversAndReleasesWaitGroup(t *testing.T) {
	AssertNoLeaks(t)
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	ran := make(chan struct{})
	Go(&wg, "ok", logger, func() { close(ran) })
	Go(&wg, "boom", logger, func() { panic("boom") })
	wg.Wait()

	<-ran
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["goroutine"])
}

func TestGoErr(t *testing.T) {
	AssertNoLeaks(t)
	logger := zaptest.NewLogger(t).Sugar()
	var wg sync.WaitGroup

	errCh := GoErr(&wg, "nil", logger, func() error { return nil })
	_, open := <-errCh
	assert.False(t, open, "A nil result closes the channel without a value")

	want := errors.New("listen failed")
	errCh = GoErr(&wg, "fails", logger, func() error { return want })
	assert.ErrorIs(t, <-errCh, want)

	errCh = GoErr(&wg, "panics", logger, func() error { panic("kaboom") })
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	wg.Wait()
}

func TestWaitForGoroutineCount(t *testing.T) {
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-release
	}()

	close(release)
	<-done
	assert.True(t, WaitForGoroutineCount(1<<20, 0, 0))
}
