package goroutine

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
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
		defer Recover("sweeper", logger)
		panic("boom")
	}()

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Goroutine panic recovered", entries[0].Message)

	fields := entries[0].ContextMap()
	assert.Equal(t, "sweeper", fields["goroutine"])
	assert.Equal(t, "boom", fields["panic"])
	assert.Contains(t, fields["stack"], "goroutine")
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("still recovered")
	})
}

func TestGo_TracksAndRecovers(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := zap.New(core).Sugar()

	var wg sync.WaitGroup
	ran := make(chan struct{}, 1)
	Go("worker", &wg, logger, func() { ran <- struct{}{} })
	Go("panicker", &wg, logger, func() { panic("worker died") })
	wg.Wait()

	assert.Len(t, ran, 1)
	assert.Len(t, logs.All(), 1)
}

func TestCall(t *testing.T) {
	assert.NoError(t, Call(func() error { return nil }))

	sentinelErr := errors.New("failed")
	assert.ErrorIs(t, Call(func() error { return sentinelErr }), sentinelErr)

	err := Call(func() error { panic("bad input") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad input")
}
