package detect

import "hash/fnv"

// DefaultShardCount is the number of lock shards used by the correlation store and actor state
const DefaultShardCount = 64

// shardIndex maps a key onto one of n shards
func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
