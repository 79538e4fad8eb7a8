package business

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SwapAndGet(t *testing.T) {
	pool := newConnectionPool(16)

	conn := NewConnection("u1", "d1", &fakeSender{})
	previous, err := pool.swap(conn)
	require.NoError(t, err)
	assert.Nil(t, previous)
	assert.Equal(t, int32(1), pool.size())

	got, ok := pool.get(conn.Key())
	require.True(t, ok)
	assert.Equal(t, conn.ID(), got.ID())

	_, ok = pool.get("u1:d9")
	assert.False(t, ok)
}

func TestPool_SwapReturnsPredecessor(t *testing.T) {
	pool := newConnectionPool(16)

	first := NewConnection("u1", "d1", &fakeSender{})
	_, err := pool.swap(first)
	require.NoError(t, err)

	second := NewConnection("u1", "d1", &fakeSender{})
	previous, err := pool.swap(second)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, first.ID(), previous.ID())
	assert.Equal(t, int32(1), pool.size(), "replacement does not grow the pool")
}

func TestPool_CapacityLimit(t *testing.T) {
	pool := newConnectionPool(2)

	_, err := pool.swap(NewConnection("u1", "d1", &fakeSender{}))
	require.NoError(t, err)
	_, err = pool.swap(NewConnection("u2", "d1", &fakeSender{}))
	require.NoError(t, err)

	_, err = pool.swap(NewConnection("u3", "d1", &fakeSender{}))
	assert.ErrorIs(t, err, ErrConnectionTableFull)

	// Replacing an existing pair still works at capacity.
	_, err = pool.swap(NewConnection("u1", "d1", &fakeSender{}))
	assert.NoError(t, err)
}

func TestPool_RemoveIfGuardsSuccessor(t *testing.T) {
	pool := newConnectionPool(16)

	first := NewConnection("u1", "d1", &fakeSender{})
	_, err := pool.swap(first)
	require.NoError(t, err)

	second := NewConnection("u1", "d1", &fakeSender{})
	_, err = pool.swap(second)
	require.NoError(t, err)

	// Removing under the stale predecessor's id must not evict the successor.
	assert.False(t, pool.removeIf(first.Key(), first.ID()))
	got, ok := pool.get(second.Key())
	require.True(t, ok)
	assert.Equal(t, second.ID(), got.ID())

	assert.True(t, pool.removeIf(second.Key(), second.ID()))
	assert.Equal(t, int32(0), pool.size())
	assert.False(t, pool.removeIf(second.Key(), second.ID()))
}

func TestPool_ForEachSnapshots(t *testing.T) {
	pool := newConnectionPool(64)

	for i := range 10 {
		_, err := pool.swap(NewConnection(fmt.Sprintf("u%d", i), "d1", &fakeSender{}))
		require.NoError(t, err)
	}

	seen := 0
	pool.forEach(func(*Connection) { seen++ })
	assert.Equal(t, 10, seen)
}

func TestPool_ConcurrentChurn(t *testing.T) {
	pool := newConnectionPool(1024)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				conn := NewConnection(fmt.Sprintf("u%d-%d", g, i), "d1", &fakeSender{})
				if _, err := pool.swap(conn); err != nil {
					continue
				}
				pool.get(conn.Key())
				pool.removeIf(conn.Key(), conn.ID())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), pool.size())
}
