package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

// poolShardCount must be a power of 2 so shard selection is a mask.
const poolShardCount = 32

type poolShard struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// connectionPool is a sharded map from pair key (userID:deviceID) to live
// connection. Sharding keeps lock contention off the hot path; size is
// tracked atomically for lock-free reads.
type connectionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32
}

func newConnectionPool(maxSize int32) *connectionPool {
	pool := &connectionPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 64
	shardCapacity := int(maxSize) / poolShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			connections: make(map[string]*Connection, shardCapacity),
		}
	}

	return pool
}

func (p *connectionPool) getShard(key string) *poolShard {
	h := maphash.String(p.hashSeed, key)
	return p.shards[h&(poolShardCount-1)]
}

// swap installs conn under its pair key and returns the displaced
// predecessor, if any. Returns ErrConnectionTableFull at capacity; replacing
// an existing entry never counts against capacity.
func (p *connectionPool) swap(conn *Connection) (*Connection, error) {
	key := conn.Key()
	shard := p.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	previous, exists := shard.connections[key]
	if !exists && atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return nil, ErrConnectionTableFull
	}

	shard.connections[key] = conn
	if !exists {
		atomic.AddInt32(&p.currentSize, 1)
	}
	return previous, nil
}

func (p *connectionPool) get(key string) (*Connection, bool) {
	shard := p.getShard(key)

	shard.mu.RLock()
	conn, exists := shard.connections[key]
	shard.mu.RUnlock()
	return conn, exists
}

// removeIf deletes the entry for key only while it still points at the
// given connection. A newer connection that superseded it is left alone.
func (p *connectionPool) removeIf(key string, connectionID string) bool {
	shard := p.getShard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	current, exists := shard.connections[key]
	if !exists || current.ID() != connectionID {
		return false
	}

	delete(shard.connections, key)
	atomic.AddInt32(&p.currentSize, -1)
	return true
}

func (p *connectionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach snapshots each shard before calling fn, so callbacks run without
// any pool lock held.
func (p *connectionPool) forEach(fn func(*Connection)) {
	var allConns []*Connection

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, conn := range shard.connections {
			allConns = append(allConns, conn)
		}
		shard.mu.RUnlock()
	}

	for _, conn := range allConns {
		fn(conn)
	}
}
