package memutils_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheapguard/sheapguard/memutils"
)

func TestTimedMutexAcquireRelease(t *testing.T) {
	mutex := memutils.NewTimedMutex()
	require.NoError(t, mutex.Acquire(time.Second))
	require.NoError(t, mutex.Release())
}

func TestTimedMutexTimesOut(t *testing.T) {
	mutex := memutils.NewTimedMutex()
	require.NoError(t, mutex.Acquire(-1))

	err := mutex.Acquire(10 * time.Millisecond)
	require.ErrorIs(t, err, memutils.ErrMutexAcquireFailed)

	require.NoError(t, mutex.Release())
}

func TestTimedMutexTryAcquire(t *testing.T) {
	mutex := memutils.NewTimedMutex()
	require.NoError(t, mutex.Acquire(0))
	require.ErrorIs(t, mutex.Acquire(0), memutils.ErrMutexAcquireFailed)
	require.NoError(t, mutex.Release())
}

func TestTimedMutexReleaseWithoutAcquire(t *testing.T) {
	mutex := memutils.NewTimedMutex()
	require.ErrorIs(t, mutex.Release(), memutils.ErrMutexReleaseFailed)
}

func TestNoOpMutex(t *testing.T) {
	var mutex memutils.NoOpMutex
	require.NoError(t, mutex.Acquire(0))
	require.NoError(t, mutex.Release())
}
