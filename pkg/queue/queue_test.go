package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New[string]()

	assert.Equal(t, 1, q.Push("a"))
	assert.Equal(t, 2, q.Push("b"))
	assert.Equal(t, 3, q.Push("c"))

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestQueue_SuspendsUntilPush(t *testing.T) {
	q := New[string]()

	got := make(chan string, 1)
	go func() {
		item, err := q.Next(context.Background())
		if err == nil {
			got <- item
		}
	}()

	// The consumer should be suspended, not returning.
	select {
	case <-got:
		t.Fatal("Next returned before any push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("m1")

	select {
	case item := <-got:
		assert.Equal(t, "m1", item)
	case <-time.After(time.Second):
		t.Fatal("Next did not resume after push")
	}

	// Nothing else is buffered.
	assert.Equal(t, 0, q.Len())
}

func TestQueue_PushToWaiterReturnsDepthZero(t *testing.T) {
	q := New[int]()

	got := make(chan int, 1)
	go func() {
		item, err := q.Next(context.Background())
		if err == nil {
			got <- item
		}
	}()

	// Give the consumer time to register its waiter.
	time.Sleep(50 * time.Millisecond)

	depth := q.Push(7)
	assert.Equal(t, 0, depth)
	select {
	case item := <-got:
		assert.Equal(t, 7, item)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the pushed item")
	}
}

func TestQueue_ConcurrentPushesNoneLost(t *testing.T) {
	q := New[int]()

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Push(i)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		item, err := q.Next(ctx)
		require.NoError(t, err)
		assert.False(t, seen[item], "item %d delivered twice", item)
		seen[item] = true
	}
	assert.Len(t, seen, n)
}

func TestQueue_NextCancellation(t *testing.T) {
	q := New[string]()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The queue still works after a cancelled wait.
	q.Push("after")
	item, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "after", item)
}

func TestQueue_CloseWakesWaiter(t *testing.T) {
	q := New[string]()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the waiter")
	}

	assert.Equal(t, -1, q.Push("dropped"))
}

func TestQueue_Drain(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")

	items := q.Drain()
	assert.Equal(t, []string{"a", "b"}, items)
	assert.Equal(t, 0, q.Len())
}
