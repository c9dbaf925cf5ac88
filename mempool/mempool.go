// Package mempool implements the sharded slab allocator: a fixed-size
// pool of slots, each shard backed by its own bitmap.Bitmap, so that
// concurrent allocators round-robin across shards instead of
// contending on one lock.
//
// Unlike the C original, Pool hands out integer slot indices rather
// than raw pointers — Go has no analogue of pointer-offset arithmetic
// into an untyped byte arena, and an index-addressed slab is the
// idiomatic Go shape for this pattern (the caller owns a same-length
// slice of its element type and indexes it with the returned slot).
package mempool

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/lihb2113/statis/bitmap"
)

const (
	maxShards   = 64 // MAX_CPUS in the original
	minWaitMS   = 1
	maxWaitMS   = 1024
	recommended = 256 // RECOMMEND_BITS
)

// ErrPoolExhausted is returned by Alloc when no slot frees up before
// its backoff schedule runs out.
var ErrPoolExhausted = errors.New("mempool: exhausted")

// ErrOutOfRange is returned by Free when given a slot index the pool
// did not hand out.
var ErrOutOfRange = errors.New("mempool: slot out of range")

// NumCPU abstracts runtime.NumCPU so tests can exercise specific shard
// counts deterministically; defaults to runtime.NumCPU.
var NumCPU = defaultNumCPU

// Pool is a sharded, fixed-capacity slot allocator.
type Pool struct {
	capacity uint32
	used     atomic.Uint32
	rrIndex  atomic.Uint64

	shardAvg   int
	shards     []*bitmap.Bitmap
	// boundary[i] is the first global slot index owned by shards[i];
	// boundary[len(shards)] == capacity. Resolving a global slot to
	// (shard, bit) is a binary search over this table instead of the
	// div/mod reconstruction the original used, which mishandles the
	// oversized last shard (see DESIGN.md, Open Question 1).
	boundary []int
}

// New creates a Pool of count fixed-size slots, sharded across
// min(MAX_CPUS, ceil(5*cpu/4), ceil(count/recommended)) bitmaps of
// count/shards slots each, the last shard taking the remainder.
func New(count int) (*Pool, error) {
	if count <= 0 {
		return nil, errors.New("mempool: count must be positive")
	}

	cpu := NumCPU()
	if cpu <= 0 {
		cpu = maxShards
	}

	shardCount := (cpu*5 + 3) / 4
	if shardCount > maxShards {
		shardCount = maxShards
	}
	if shardCount == 0 {
		shardCount = 1
	}
	if count/shardCount < recommended {
		shardCount = count / recommended
		if count%recommended != 0 || shardCount == 0 {
			shardCount++
		}
	}

	average := count / shardCount
	sizes := make([]int, shardCount)
	for i := range sizes {
		sizes[i] = average
	}
	if shardCount*average < count {
		sizes[shardCount-1] += count - shardCount*average
	}

	p := &Pool{
		capacity: uint32(count),
		shardAvg: average,
		shards:   make([]*bitmap.Bitmap, shardCount),
		boundary: make([]int, shardCount+1),
	}

	offset := 0
	for i, size := range sizes {
		bm, err := bitmap.New(size)
		if err != nil {
			return nil, err
		}
		p.shards[i] = bm
		p.boundary[i] = offset
		offset += size
	}
	p.boundary[shardCount] = offset

	return p, nil
}

func defaultNumCPU() int { return runtime.NumCPU() }

// TryAlloc attempts a single non-blocking allocation, round-robining
// across shards starting from an atomically advanced index, mirroring
// _mempool_malloc's shard probing.
func (p *Pool) TryAlloc() (int, bool) {
	start := int(p.rrIndex.Add(1) % uint64(len(p.shards)))
	idx := start
	for i := 0; i < len(p.shards); i++ {
		if bit, err := p.shards[idx].Alloc(); err == nil {
			p.used.Add(1)
			return p.boundary[idx] + bit, true
		}
		idx++
		if idx == len(p.shards) {
			idx = 0
		}
	}
	return 0, false
}

// Alloc blocks, retrying with exponential backoff (1ms doubling to
// 1024ms). It returns ErrPoolExhausted if the attempt after the 1024ms
// wait still finds no slot, or ctx.Err() if ctx is done first.
func (p *Pool) Alloc(ctx context.Context) (int, error) {
	for wait := time.Duration(minWaitMS) * time.Millisecond; ; wait <<= 1 {
		if slot, ok := p.TryAlloc(); ok {
			return slot, nil
		}
		if wait > time.Duration(maxWaitMS)*time.Millisecond {
			return 0, ErrPoolExhausted
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}
}

// shardFor resolves a global slot index to (shard index, bit within
// shard) via binary search over the boundary table.
func (p *Pool) shardFor(slot int) (int, int, bool) {
	if slot < 0 || slot >= int(p.capacity) {
		return 0, 0, false
	}
	// last index i such that boundary[i] <= slot
	i := sort.Search(len(p.shards), func(i int) bool {
		return p.boundary[i+1] > slot
	})
	return i, slot - p.boundary[i], true
}

// Free releases a slot previously returned by Alloc/TryAlloc.
func (p *Pool) Free(slot int) error {
	idx, bit, ok := p.shardFor(slot)
	if !ok {
		return ErrOutOfRange
	}
	if err := p.shards[idx].Free(bit); err != nil {
		return err
	}
	p.used.Add(^uint32(0)) // atomic decrement
	return nil
}

// Info mirrors mempool_getinfo.
type Info struct {
	FixedSize uint32 // caller-defined; Pool itself is size-agnostic
	Total     uint32
	Used      uint32
}

func (p *Pool) Info() Info {
	return Info{Total: p.capacity, Used: p.used.Load()}
}

// Cap returns the pool's total slot count.
func (p *Pool) Cap() int { return int(p.capacity) }
