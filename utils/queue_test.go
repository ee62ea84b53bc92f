package utils

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFDQueueFIFO(t *testing.T) {
	q := NewFDQueue[int](8)
	require.NoError(t, q.Drain(1, 2, 3))
	for want := 1; want <= 3; want++ {
		got, err := q.Feed(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, ok := q.TryFeed()
	assert.False(t, ok)
}

func TestFDQueueBlockingFeed(t *testing.T) {
	q := NewFDQueue[string](8)
	done := make(chan string, 1)
	go func() {
		got, err := q.Feed(context.Background())
		if err == nil {
			done <- got
		}
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Drain("hello"))
	select {
	case got := <-done:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("feed did not wake")
	}
}

func TestFDQueueFeedCancel(t *testing.T) {
	q := NewFDQueue[int](8)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := q.Feed(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFDQueueClose(t *testing.T) {
	q := NewFDQueue[int](8)
	require.NoError(t, q.Drain(7))
	require.NoError(t, q.Close())

	// pending elements are still fed out after close
	got, err := q.Feed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, got)

	_, err = q.Feed(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Drain(8), ErrClosed)
}

func TestFDQueueOverflow(t *testing.T) {
	q := NewFDQueue[int](2)
	require.NoError(t, q.Drain(1, 2))
	assert.ErrorIs(t, q.Drain(3), ErrOverflow)
}

func TestAvgVal(t *testing.T) {
	a := NewAvgVal(1)
	a.Add(3)
	assert.InDelta(t, 2.0, a.Val(), 1e-9)
	a.Add(5)
	assert.InDelta(t, 3.0, a.Val(), 1e-9)
}
