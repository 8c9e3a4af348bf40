package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrComputeCachesValue(t *testing.T) {
	c := New(zerolog.Nop())
	ctx := context.Background()

	var computes int64
	compute := func(context.Context) (any, error) {
		atomic.AddInt64(&computes, 1)
		return "result", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute(ctx, TypeBlock, Key(TypeBlock, "100"), time.Minute, compute)
		require.NoError(t, err)
		assert.Equal(t, "result", v)
	}
	assert.EqualValues(t, 1, computes)
}

func TestExpiredEntryIsMiss(t *testing.T) {
	c := New(zerolog.Nop())
	key := Key(TypeBlock, "5")

	c.Set(key, "old", -time.Second)
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, "fresh", time.Minute)
	v, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, "fresh", v)
}

func TestConcurrentCallersShareOneComputation(t *testing.T) {
	c := New(zerolog.Nop())
	ctx := context.Background()

	var computes int64
	release := make(chan struct{})
	compute := func(context.Context) (any, error) {
		atomic.AddInt64(&computes, 1)
		<-release
		return 42, nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(ctx, TypeAddress, Key(TypeAddress, "addr", "100"), time.Minute, compute)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, computes, "in-flight callers must coalesce")
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}

func TestErrorsAreNotCached(t *testing.T) {
	c := New(zerolog.Nop())
	ctx := context.Background()

	var computes int64
	_, err := c.GetOrCompute(ctx, TypeBlock, Key(TypeBlock, "9"), time.Minute, func(context.Context) (any, error) {
		atomic.AddInt64(&computes, 1)
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	v, err := c.GetOrCompute(ctx, TypeBlock, Key(TypeBlock, "9"), time.Minute, func(context.Context) (any, error) {
		atomic.AddInt64(&computes, 1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.EqualValues(t, 2, computes)
}

func TestClearOperations(t *testing.T) {
	c := New(zerolog.Nop())
	c.Set(Key(TypeAddress, "alice", "100"), 1, time.Minute)
	c.Set(Key(TypeAddress, "bob", "100"), 2, time.Minute)
	c.Set(Key(TypeExtrinsic, "0xabc"), 3, time.Minute)
	c.Set(Key(TypeBlock, "7"), 4, time.Minute)

	assert.Equal(t, 1, c.ClearByQuery("alice"))
	assert.Equal(t, 1, c.ClearByType(TypeAddress))
	assert.Equal(t, 0, c.ClearByQuery(""))

	stats := c.Stats()
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.ByType[TypeExtrinsic])
	assert.Equal(t, 1, stats.ByType[TypeBlock])

	assert.Equal(t, 2, c.ClearAll())
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestSweepRemovesExpired(t *testing.T) {
	c := New(zerolog.Nop())
	c.Set(Key(TypeBlock, "1"), 1, -time.Second)
	c.Set(Key(TypeBlock, "2"), 2, time.Minute)

	c.sweep()

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 0, stats.Expired)
}
