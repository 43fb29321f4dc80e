package ring

import (
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_ReservePushPeekRemove(t *testing.T) {
	b := New[int](3)
	require.True(t, b.Empty())
	require.Nil(t, b.Peek())

	for i := 1; i <= 3; i++ {
		slot := b.Reserve()
		require.NotNil(t, slot)
		*slot = i
		b.Push()
	}
	assert.True(t, b.Full())
	assert.Equal(t, 3, b.Size())
	assert.Nil(t, b.Reserve(), "reserve on a full buffer must fail")

	for i := 1; i <= 3; i++ {
		v := b.Peek()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
		b.Remove()
	}
	assert.True(t, b.Empty())
	assert.Nil(t, b.Peek())
}

func TestBuffer_ReserveWithoutPushReturnsSameSlot(t *testing.T) {
	b := New[int](2)
	first := b.Reserve()
	second := b.Reserve()
	assert.Same(t, first, second)
	assert.True(t, b.Empty())
}

func TestBuffer_WrapAround(t *testing.T) {
	b := New[int](2)
	for i := 0; i < 10; i++ {
		slot := b.Reserve()
		require.NotNil(t, slot)
		*slot = i
		b.Push()

		v := b.Peek()
		require.NotNil(t, v)
		assert.Equal(t, i, *v)
		b.Remove()
	}
	assert.Equal(t, 0, b.Size())
}

func TestBuffer_ZeroCapacity(t *testing.T) {
	b := New[int](0)
	assert.True(t, b.Full())
	assert.True(t, b.Empty())
	assert.Nil(t, b.Reserve())
	assert.Nil(t, b.Peek())
}

func TestBuffer_SingleProducerSingleConsumer(t *testing.T) {
	const n = 10000
	b := New[int](16)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if slot := b.Reserve(); slot != nil {
				*slot = i
				b.Push()
				i++
			}
		}
	}()

	got := make([]int, 0, n)
	for len(got) < n {
		if v := b.Peek(); v != nil {
			got = append(got, *v)
			b.Remove()
		}
	}
	wg.Wait()

	for i, v := range got {
		require.Equal(t, i, v, "FIFO order broken at %d", i)
	}
}

func TestQueue_PushBackOverwriteKeepsLastN(t *testing.T) {
	for _, capacity := range []int{1, 2, 3, 7, 16} {
		for _, pushes := range []int{capacity + 1, capacity * 2, capacity*3 + 1} {
			q := NewQueue[int](capacity)
			for i := 0; i < pushes; i++ {
				q.PushBack(i)
			}

			require.Equal(t, capacity, q.Size())
			want := make([]int, 0, capacity)
			for i := pushes - capacity; i < pushes; i++ {
				want = append(want, i)
			}
			assert.Equal(t, want, slices.Collect(q.All()), "capacity=%d pushes=%d", capacity, pushes)
		}
	}
}

func TestQueue_PushFrontEvictsNewest(t *testing.T) {
	q := NewQueue[string](3)
	q.PushBack("a")
	q.PushBack("b")
	q.PushBack("c")

	q.PushFront("x")

	assert.Equal(t, []string{"x", "a", "b"}, slices.Collect(q.All()))
	assert.Equal(t, 3, q.Size())
}

func TestQueue_PushFrontNotFull(t *testing.T) {
	q := NewQueue[int](4)
	q.PushBack(2)
	q.PushFront(1)
	q.PushBack(3)

	assert.Equal(t, []int{1, 2, 3}, slices.Collect(q.All()))
	assert.Equal(t, 2, q.At(1))
}

func TestQueue_PopFront(t *testing.T) {
	q := NewQueue[int](2)
	_, ok := q.PopFront()
	assert.False(t, ok)

	q.PushBack(1)
	q.PushBack(2)
	q.PushBack(3)

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, 2, front)

	v, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, 2, v)
	v, ok = q.PopFront()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.True(t, q.Empty())
}

func TestQueue_ZeroCapacityIgnoresPushes(t *testing.T) {
	q := NewQueue[int](0)
	q.PushBack(1)
	q.PushFront(2)
	assert.Equal(t, 0, q.Size())
	assert.True(t, q.Empty())
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue[*int](2)
	x, y := 1, 2
	q.PushBack(&x)
	q.PushBack(&y)
	q.Clear()

	assert.True(t, q.Empty())
	assert.Equal(t, 2, q.Cap())
	q.PushBack(&x)
	assert.Equal(t, 1, q.Size())
}

func TestQueue_AtOutOfRangePanics(t *testing.T) {
	q := NewQueue[int](2)
	q.PushBack(1)
	assert.Panics(t, func() { q.At(1) })
}
