package sharding

import (
	"encoding/binary"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring points given to each shard.
const DefaultVirtualNodes = 100

// ConsistentHash implements a consistent hashing ring over shard ids.
type ConsistentHash struct {
	mu           sync.RWMutex
	points       map[uint64]int // hash -> shard id
	sortedHashes []uint64
	shards       map[int]struct{}
	vnodes       int
}

// NewConsistentHash creates an empty ring with vnodes points per shard.
func NewConsistentHash(vnodes int) *ConsistentHash {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	return &ConsistentHash{
		points: make(map[uint64]int),
		shards: make(map[int]struct{}),
		vnodes: vnodes,
	}
}

// AddNode places the virtual points of shard on the ring. Points of other
// shards are untouched, so only keys whose successor changes move.
func (c *ConsistentHash) AddNode(shard int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.shards[shard]; ok {
		return
	}
	c.shards[shard] = struct{}{}
	for i := 0; i < c.vnodes; i++ {
		h := pointHash(shard, i)
		if _, taken := c.points[h]; taken {
			continue
		}
		c.points[h] = shard
		c.sortedHashes = append(c.sortedHashes, h)
	}
	sort.Slice(c.sortedHashes, func(i, j int) bool {
		return c.sortedHashes[i] < c.sortedHashes[j]
	})
}

// GetNode returns the shard owning key, or -1 for an empty ring.
func (c *ConsistentHash) GetNode(key uint64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sortedHashes) == 0 {
		return -1
	}
	idx := c.successor(KeyHash(key))
	return c.points[c.sortedHashes[idx]]
}

// successor returns the index of the first point >= h, wrapping to 0.
func (c *ConsistentHash) successor(h uint64) int {
	idx := sort.Search(len(c.sortedHashes), func(i int) bool {
		return c.sortedHashes[i] >= h
	})
	if idx == len(c.sortedHashes) {
		idx = 0
	}
	return idx
}

// KeyHash is the stable 64-bit hash of a key used by every hash placement.
func KeyHash(key uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return xxhash.Sum64(buf[:])
}

func pointHash(shard, replica int) uint64 {
	return xxhash.Sum64String("shard-" + strconv.Itoa(shard) + "#" + strconv.Itoa(replica))
}
