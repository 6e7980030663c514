package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadOrder(t *testing.T) {
	buf := NewCircularBuffer[int](4)

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	assert.Equal(t, 3, buf.Size())

	for i := 1; i <= 3; i++ {
		got, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, got)
	}
	assert.True(t, buf.IsEmpty())

	_, ok := buf.Read()
	assert.False(t, ok)
}

func TestDropOldestOverflow(t *testing.T) {
	var dropped []string
	buf := NewCircularBuffer(2,
		WithOverflowPolicy[string](DropOldest),
		WithDropCallback(func(item string) { dropped = append(dropped, item) }),
	)

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c"))

	assert.Equal(t, []string{"a"}, dropped)
	assert.Equal(t, int64(1), buf.Stats().Drops())

	got := buf.ReadBatch(10)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestDropNewestOverflow(t *testing.T) {
	var dropped []int
	buf := NewCircularBuffer(2,
		WithOverflowPolicy[int](DropNewest),
		WithDropCallback(func(item int) { dropped = append(dropped, item) }),
	)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	assert.Equal(t, []int{3}, dropped)
	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
}

func TestBlockPolicyWaitsForSpace(t *testing.T) {
	buf := NewCircularBuffer(1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() {
		done <- buf.Write(2)
	}()

	select {
	case <-done:
		t.Fatal("write should block while buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	got, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked write never completed")
	}

	got, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestCloseUnblocksWriter(t *testing.T) {
	buf := NewCircularBuffer(1, WithOverflowPolicy[int](Block))
	require.NoError(t, buf.Write(1))

	done := make(chan error, 1)
	go func() {
		done <- buf.Write(2)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock writer")
	}

	assert.Error(t, buf.Write(3))
}

func TestClearReportsDrops(t *testing.T) {
	var dropped []int
	buf := NewCircularBuffer(4, WithDropCallback(func(item int) { dropped = append(dropped, item) }))

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, []int{1, 2}, dropped)
}

func TestPeekDoesNotConsume(t *testing.T) {
	buf := NewCircularBuffer[int](2)
	require.NoError(t, buf.Write(7))

	got, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, 7, got)
	assert.Equal(t, 1, buf.Size())
}

func TestConcurrentWritersAndReader(t *testing.T) {
	buf := NewCircularBuffer(128, WithOverflowPolicy[int](Block))

	const writers = 4
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base*perWriter + i)
			}
		}(w)
	}

	read := 0
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for read < writers*perWriter {
			if _, ok := buf.Read(); ok {
				read++
			} else {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	wg.Wait()
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not drain buffer")
	}

	assert.Equal(t, writers*perWriter, read)
	assert.Equal(t, int64(writers*perWriter), buf.Stats().Writes())
}
