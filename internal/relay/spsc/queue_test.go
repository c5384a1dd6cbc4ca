package spsc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsInvalidCapacity(t *testing.T) {
	for _, capacity := range []uint32{0, 1, 3, 6, 100} {
		_, err := New[int](capacity)
		assert.ErrorIs(t, err, ErrInvalidCapacity, "capacity %d", capacity)
	}

	for _, capacity := range []uint32{2, 4, 8, 1024} {
		q, err := New[int](capacity)
		require.NoError(t, err, "capacity %d", capacity)
		assert.Equal(t, capacity, q.Cap())
	}
}

func TestFIFORoundTrip(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		assert.True(t, q.TryEnqueue(i))
	}

	// Queue is full: the 9th enqueue fails and leaves state untouched.
	assert.False(t, q.TryEnqueue(99))
	assert.Equal(t, uint32(8), q.Len())

	for i := 0; i < 8; i++ {
		got, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "queue must be empty after draining")
	assert.True(t, q.IsEmpty())
}

func TestDequeueEmptyReturnsZeroValue(t *testing.T) {
	q, err := New[*string](4)
	require.NoError(t, err)

	got, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestWrapAroundReuse(t *testing.T) {
	q, err := New[int](4)
	require.NoError(t, err)

	// Cycle many times past the physical capacity to exercise index
	// wrapping within the ring.
	next := 0
	for round := 0; round < 100; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, q.TryEnqueue(next+i))
		}
		for i := 0; i < 3; i++ {
			got, ok := q.TryDequeue()
			require.True(t, ok)
			require.Equal(t, next+i, got)
		}
		next += 3
	}
	assert.True(t, q.IsEmpty())
}

func TestClear(t *testing.T) {
	q, err := New[int](8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		q.TryEnqueue(i)
	}
	q.Clear()

	assert.True(t, q.IsEmpty())
	assert.True(t, q.TryEnqueue(42), "queue usable after Clear")
}

// TestConcurrentHandoff runs one producer and one consumer goroutine and
// verifies every item arrives exactly once, in order, with no loss.
func TestConcurrentHandoff(t *testing.T) {
	const total = 200000

	q, err := New[int](256)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		expected := 0
		for expected < total {
			item, ok := q.TryDequeue()
			if !ok {
				continue
			}
			if item != expected {
				done <- assert.AnError
				return
			}
			expected++
		}
		done <- nil
	}()

	for i := 0; i < total; {
		if q.TryEnqueue(i) {
			i++
		}
	}

	require.NoError(t, <-done, "consumer observed out-of-order or missing items")
	assert.True(t, q.IsEmpty())
}
