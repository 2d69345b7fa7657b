// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPut_AcceptsUntilCapacity(t *testing.T) {
	q := NewBoundedQueue[int](3, DropOldest)

	assert.True(t, q.Put(1))
	assert.True(t, q.Put(2))
	assert.True(t, q.Put(3))
	assert.Equal(t, 3, q.Len())
}

func TestPut_DropOldest(t *testing.T) {
	q := NewBoundedQueue[int](2, DropOldest)
	q.Put(1)
	q.Put(2)

	accepted := q.Put(3)

	assert.False(t, accepted, "overflow must be surfaced to the caller")
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 1, q.Dropped())

	item, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, item, "head (oldest) should have been discarded")
}

func TestPut_DropNewest(t *testing.T) {
	q := NewBoundedQueue[int](2, DropNewest)
	q.Put(1)
	q.Put(2)

	accepted := q.Put(3)

	assert.False(t, accepted)
	assert.Equal(t, 2, q.Len())

	item, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, item, "queue must be unchanged on DropNewest overflow")
}

func TestGet_BlocksUntilPut(t *testing.T) {
	q := NewBoundedQueue[string](4, DropOldest)

	var wg sync.WaitGroup
	wg.Add(1)
	var got string
	go func() {
		defer wg.Done()
		item, err := q.Get(context.Background())
		require.NoError(t, err)
		got = item
	}()

	time.Sleep(20 * time.Millisecond)
	q.Put("hello")
	wg.Wait()

	assert.Equal(t, "hello", got)
}

func TestGet_ContextCancelled(t *testing.T) {
	q := NewBoundedQueue[int](1, DropOldest)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.Get(ctx)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Get did not return after context cancellation")
	}
}

func TestClear_ReturnsDiscardCount(t *testing.T) {
	q := NewBoundedQueue[int](10, DropOldest)
	for i := 0; i < 7; i++ {
		q.Put(i)
	}

	assert.Equal(t, 7, q.Clear())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Clear(), "clearing an empty queue removes nothing")
}

func TestFIFOOrdering(t *testing.T) {
	q := NewBoundedQueue[int](5, DropNewest)
	for i := 1; i <= 5; i++ {
		q.Put(i)
	}
	for i := 1; i <= 5; i++ {
		item, err := q.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, item)
	}
}

func TestZeroCapacityClampedToOne(t *testing.T) {
	q := NewBoundedQueue[int](0, DropOldest)
	assert.True(t, q.Put(1))
	assert.False(t, q.Put(2))
	assert.Equal(t, 1, q.Len())
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, DropNewest, ParsePolicy("drop_newest"))
	assert.Equal(t, DropOldest, ParsePolicy("drop_oldest"))
	assert.Equal(t, DropOldest, ParsePolicy("bogus"))
}
