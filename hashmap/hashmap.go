// Package hashmap implements the sharded bucket hash map: a fixed
// number of buckets (rounded up to a power of two), each an
// independently-locked intrusive list, so lookups and mutations only
// ever contend within one bucket.
//
// Entries are inserted at the head of their bucket's list, newest
// first, which is what Eviction relies on to "keep the newest N,
// evict from what's left" without tracking access times.
package hashmap

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/lihb2113/statis/internal/dlist"
)

// avgDepth is the target average chain length used to size the bucket
// array: bucketCount = nextPow2(ceil(scale/avgDepth)).
const avgDepth = 4

// ErrExists is returned by Insert when the key is already present.
var ErrExists = errors.New("hashmap: key already exists")

// ErrNotFound is returned by Search/Delete/Protect when the key is
// absent.
var ErrNotFound = errors.New("hashmap: key not found")

type entry[K comparable, V any] struct {
	node dlist.Node
	key  K
	val  V
}

type bucket[K comparable, V any] struct {
	mu    sync.Mutex
	list  dlist.List
	depth int
}

// Map is a sharded, bucketed hash table keyed by a comparable type K.
type Map[K comparable, V any] struct {
	hash    func(K) uint64
	buckets []bucket[K, V]
	total   atomic.Int64
}

// New creates a Map sized for roughly scale keys, given a hash
// function for K. scale is advisory: the bucket count is rounded up to
// a power of two so masking replaces modulo, matching _adjust_size.
func New[K comparable, V any](scale uint32, hash func(K) uint64) *Map[K, V] {
	if scale == 0 {
		scale = avgDepth
	}
	need := (uint64(scale) + avgDepth - 1) / avgDepth
	count := nextPow2(need)

	m := &Map[K, V]{
		hash:    hash,
		buckets: make([]bucket[K, V], count),
	}
	return m
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return uint64(1) << bits.Len64(n-1)
}

func (m *Map[K, V]) bucketFor(key K) *bucket[K, V] {
	idx := m.hash(key) & uint64(len(m.buckets)-1)
	return &m.buckets[idx]
}

func (b *bucket[K, V]) find(key K) *entry[K, V] {
	for n := b.list.Front(); n != nil; n = b.list.Next(n) {
		e := n.Value.(*entry[K, V])
		if e.key == key {
			return e
		}
	}
	return nil
}

// Insert adds key/value if key is not already present. If it is,
// onFound (if non-nil) is invoked with the existing value and Insert
// returns ErrExists.
func (m *Map[K, V]) Insert(key K, val V, onFound func(existing V)) error {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing := b.find(key); existing != nil {
		if onFound != nil {
			onFound(existing.val)
		}
		return ErrExists
	}

	e := &entry[K, V]{key: key, val: val}
	e.node.Value = e
	b.list.PushFront(&e.node)
	b.depth++
	m.total.Add(1)
	return nil
}

// Replace removes any existing entry for key and inserts val in its
// place. veto, if non-nil, is called with the existing value first;
// returning a non-nil error aborts the replace and that error is
// returned, leaving the old entry in place (mirrors hashmap_replace's
// callback-veto semantics).
func (m *Map[K, V]) Replace(key K, val V, veto func(existing V) error) error {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	existing := b.find(key)
	if existing != nil && veto != nil {
		if err := veto(existing.val); err != nil {
			return err
		}
	}
	if existing != nil {
		b.list.Remove(&existing.node)
		b.depth--
		m.total.Add(-1)
	}

	e := &entry[K, V]{key: key, val: val}
	e.node.Value = e
	b.list.PushFront(&e.node)
	b.depth++
	m.total.Add(1)
	return nil
}

// Search returns the value for key, if present.
func (m *Map[K, V]) Search(key K) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	if e := b.find(key); e != nil {
		return e.val, true
	}
	var zero V
	return zero, false
}

// Protect runs fn with the bucket lock held for key, giving it a
// chance to mutate *val in place in a way that's consistent with
// concurrent lookups (e.g. bumping a refcount).
func (m *Map[K, V]) Protect(key K, fn func(val *V) error) error {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.find(key)
	if e == nil {
		return ErrNotFound
	}
	return fn(&e.val)
}

// Delete removes key's entry if present. veto, if non-nil, decides
// whether to proceed: returning false cancels the delete.
func (m *Map[K, V]) Delete(key K, veto func(val V) bool) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.find(key)
	if e == nil {
		var zero V
		return zero, false
	}
	if veto != nil && !veto(e.val) {
		var zero V
		return zero, false
	}

	b.list.Remove(&e.node)
	b.depth--
	m.total.Add(-1)
	return e.val, true
}

// Foreach visits every entry. If fn returns false and stopOnFalse is
// set, iteration stops early.
func (m *Map[K, V]) Foreach(fn func(key K, val V) bool, stopOnFalse bool) {
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		for n := b.list.Front(); n != nil; n = b.list.Next(n) {
			e := n.Value.(*entry[K, V])
			if !fn(e.key, e.val) && stopOnFalse {
				b.mu.Unlock()
				return
			}
		}
		b.mu.Unlock()
	}
}

// Eviction walks every bucket, skipping the min(total_keys/B, depth)
// newest entries (they're at the head, since inserts are head-first),
// then offers the rest to shouldEvict in list order, newer before older. Entries
// shouldEvict declines to evict are moved to the tail, matching
// hashmap_eviction's "requeue at tail if still needed" behaviour. The
// live average (total_keys/B), not the table's original sizing target
// avgDepth, bounds keep, per hashmap.c:430.
func (m *Map[K, V]) Eviction(depth uint64, shouldEvict func(key K, val V) bool) int {
	evicted := 0
	liveAvg := int(m.total.Load() / int64(len(m.buckets)))
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()

		keep := int(depth)
		if keep > liveAvg {
			keep = liveAvg
		}
		if keep > b.depth {
			keep = b.depth
		}

		n := b.list.Front()
		for j := 0; j < keep && n != nil; j++ {
			n = b.list.Next(n)
		}

		for left := b.depth - keep; left > 0 && n != nil; left-- {
			next := b.list.Next(n)
			e := n.Value.(*entry[K, V])
			if shouldEvict(e.key, e.val) {
				b.list.Remove(n)
				b.depth--
				m.total.Add(-1)
				evicted++
			} else {
				b.list.Remove(n)
				b.list.PushBack(n)
			}
			n = next
		}

		b.mu.Unlock()
	}
	return evicted
}

// Info mirrors hashmap_get_info.
type Info struct {
	TotalKeys uint64
	Buckets   uint64
	MinDepth  uint64
	MaxDepth  uint64
	AvgDepth  float64
}

func (m *Map[K, V]) Info() Info {
	info := Info{Buckets: uint64(len(m.buckets)), TotalKeys: uint64(m.total.Load())}
	if len(m.buckets) == 0 {
		return info
	}
	info.MinDepth = ^uint64(0)
	for i := range m.buckets {
		b := &m.buckets[i]
		b.mu.Lock()
		d := uint64(b.depth)
		b.mu.Unlock()
		if d < info.MinDepth {
			info.MinDepth = d
		}
		if d > info.MaxDepth {
			info.MaxDepth = d
		}
	}
	info.AvgDepth = float64(info.TotalKeys) / float64(len(m.buckets))
	return info
}
