package internal

// ShardForKey maps a routing key to a stripe in [0, shardCount). The same
// key always lands on the same stripe, so per-pair work such as connection
// add/remove serializes on one stripe lock instead of a global one. It is
// allocation-free and stable across restarts.
//
// shardCount must be > 0.
func ShardForKey(key string, shardCount int) int {
	if shardCount <= 0 {
		panic("shardCount must be > 0")
	}

	// FNV-1a 32-bit
	var hash uint32 = 2166136261
	for i := range len(key) {
		hash ^= uint32(key[i])
		hash *= 16777619
	}

	return int(hash) % shardCount
}
