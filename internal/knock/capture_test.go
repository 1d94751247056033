package knock

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendAndDrain(t *testing.T) {
	var b Buffer
	assert.Nil(t, b.Drain())

	require.NoError(t, b.Append(10))
	require.NoError(t, b.Append(10))
	require.NoError(t, b.Append(25))
	assert.Equal(t, 3, b.Len())

	assert.ErrorIs(t, b.Append(24), ErrOutOfOrder)
	assert.Equal(t, 3, b.Len())

	assert.Equal(t, RawSequence{10, 10, 25}, b.Drain())
	assert.Zero(t, b.Len())
	assert.Nil(t, b.Drain())

	require.NoError(t, b.Append(1), "a drained buffer accepts any start time")
}

func TestDebounceTimer_OnlyLastFires(t *testing.T) {
	timer := NewDebounceTimer(20 * time.Millisecond)

	var first, last atomic.Int32
	timer.Reset(func() { first.Add(1) })
	timer.Reset(func() { last.Add(1) })

	require.Eventually(t, func() bool { return last.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestDebounceTimer_Stop(t *testing.T) {
	timer := NewDebounceTimer(20 * time.Millisecond)

	var fired atomic.Int32
	timer.Reset(func() { fired.Add(1) })
	timer.Stop()

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, fired.Load())
}
