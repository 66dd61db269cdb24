package udpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConcurrentQueue_PushPopFIFO(t *testing.T) {
	var q concurrentQueue[int]
	q.Push(1)
	q.Push(2)
	q.Push(3)
	require.Equal(t, 3, q.Len())

	v, ok := q.PopFront()
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = q.PopFront()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestConcurrentQueue_PopEmpty(t *testing.T) {
	var q concurrentQueue[string]
	_, ok := q.PopFront()
	require.False(t, ok)
}

func TestConcurrentQueue_ProcessInPlaceSelectiveRemoval(t *testing.T) {
	var q concurrentQueue[int]
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	// Remove only even values.
	q.ProcessInPlace(func(v int) bool {
		return v%2 == 0
	})
	require.Equal(t, 2, q.Len())

	remaining := []int{}
	for {
		v, ok := q.PopFront()
		if !ok {
			break
		}
		remaining = append(remaining, v)
	}
	require.Equal(t, []int{1, 3}, remaining)
}
