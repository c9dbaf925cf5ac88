// Package mcache implements the bounded, self-evicting keyed cache
// (§4.2): a sharded hashmap.Map composed with a free/in-use item pool
// and two cooperating evictors — a synchronous, wait-gated one invoked
// from Alloc under pressure, and a background sweeper goroutine woken
// whenever occupancy crosses the soft limit.
//
// Unlike mcache.c, items are plain Go values (T), not raw memory: there
// is no isize/ROUND8 byte-size argument, and Free never returns memory
// to a process allocator — the Go garbage collector already owns that.
// What survives the port is the *lifecycle*: an item is either sitting
// free for reuse, parked on the in-use list because it wasn't
// reclaimable yet, resident in the hash table, or handed to the caller
// pending SetKey+Insert, and magic-tagged so cross-cache misuse of a
// pointer is rejected rather than corrupting state.
package mcache

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lihb2113/statis/hashmap"
	"github.com/lihb2113/statis/internal/dlist"
	"github.com/lihb2113/statis/logx"
	"github.com/lihb2113/statis/threadpool"
)

// mcRetry mirrors MC_RETRY: the number of synchronous eviction passes
// Alloc attempts before giving up.
const mcRetry = 3

// ErrInvalidArgument is returned by New when a required callback is
// missing or scale is zero.
var ErrInvalidArgument = errors.New("mcache: invalid argument")

// ErrInvalidItem is returned by SetKey/Insert when the item does not
// belong to this cache (magic mismatch) or is not currently user-held.
var ErrInvalidItem = errors.New("mcache: item does not belong to this cache")

// ErrExists is returned by Insert on a key collision.
var ErrExists = hashmap.ErrExists

// ErrRetryExhausted is returned by Alloc when the cache is at or above
// its hard limit and mcRetry synchronous eviction passes failed to free
// enough room, or scale was reached and no reusable item was found
// (spec.md §9, Open Question: treated as a transient, retryable
// condition — see DESIGN.md).
var ErrRetryExhausted = errors.New("mcache: exhausted after retry")

// FreeableFunc reports whether an in-use item may be reclaimed by an
// evictor. Called without any cache lock held besides the owning list's.
type FreeableFunc[T any] func(item *T) bool

// CleanFunc releases any resources an item holds internally before it
// is returned to the free list. Optional; defaults to a no-op.
type CleanFunc[T any] func(item *T)

// DumpFunc renders a short diagnostic string for an item, used only by
// Destroy when logging items it could not reclaim.
type DumpFunc[T any] func(item *T) string

// Item is one cache slot: either free, parked in-use, hash-resident, or
// held by the caller (FreeOut), carrying a user payload of type T.
type Item[T any] struct {
	node    dlist.Node
	magic   uint64
	freeOut bool
	hasKey  bool
	key     any // set via SetKey; type-asserted back to K on Insert

	Value T
}

type listMgr struct {
	mu    sync.Mutex
	list  dlist.List
	count atomic.Int32
}

func (l *listMgr) push(front bool, n *dlist.Node) {
	l.mu.Lock()
	if front {
		l.list.PushFront(n)
	} else {
		l.list.PushBack(n)
	}
	l.count.Add(1)
	l.mu.Unlock()
}

func (l *listMgr) popFront() *dlist.Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.list.Front()
	if n == nil {
		return nil
	}
	l.list.Remove(n)
	l.count.Add(-1)
	return n
}

// Cache is a bounded, keyed, self-evicting object cache.
type Cache[K comparable, T any] struct {
	name  string
	magic uint64

	scale      uint32
	softLimit  uint32
	allocCount atomic.Uint32

	hmap *hashmap.Map[K, *Item[T]]

	clean     CleanFunc[T]
	dump      DumpFunc[T]
	freeable  FreeableFunc[T]

	free  listMgr
	inuse listMgr

	waitMu   sync.Mutex
	evicting bool
	waiters  dlist.List

	sweeper *threadpool.Raw
	logger  logx.Logger
}

type waiter struct {
	node dlist.Node
	done chan struct{}
}

type options[T any] struct {
	clean  CleanFunc[T]
	dump   DumpFunc[T]
	logger logx.Logger
}

// Option configures Cache construction.
type Option[T any] func(*options[T])

// WithClean installs a CleanFunc invoked before an item is reused or
// explicitly freed. Defaults to a no-op, matching mc_create's NULL
// clean fallback.
func WithClean[T any](fn CleanFunc[T]) Option[T] {
	return func(o *options[T]) { o.clean = fn }
}

// WithDump installs a diagnostic renderer used only when Destroy finds
// an in-use item that freeable still refuses to reclaim.
func WithDump[T any](fn DumpFunc[T]) Option[T] {
	return func(o *options[T]) { o.dump = fn }
}

// WithLogger installs a structured logging collaborator.
func WithLogger[T any](l logx.Logger) Option[T] {
	return func(o *options[T]) { o.logger = l }
}

func resolveOptions[T any](opts []Option[T]) options[T] {
	o := options[T]{clean: func(*T) {}, logger: logx.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a Cache named name (truncated to 8 bytes for its magic
// tag, matching M_NLEN), holding at most scale items. hash must be a
// total function over K (replaces MCfunc_hash/MCfunc_cmp: Go's
// comparable constraint already supplies equality, so no separate cmp
// callback is needed). freeable is mandatory, matching mc_create's
// argument validation.
func New[K comparable, T any](name string, scale uint32, hash func(K) uint64, freeable FreeableFunc[T], opts ...Option[T]) (*Cache[K, T], error) {
	if scale == 0 || hash == nil || freeable == nil {
		return nil, ErrInvalidArgument
	}

	o := resolveOptions(opts)

	tag := name
	if len(tag) > 8 {
		tag = tag[:8]
	}

	c := &Cache[K, T]{
		name:      tag,
		magic:     computeMagic(tag),
		scale:     scale,
		softLimit: scale * 65 / 100,
		hmap:      hashmap.New[K, *Item[T]](scale, hash),
		clean:     o.clean,
		dump:      o.dump,
		freeable:  freeable,
		logger:    o.logger,
	}
	c.waiters.Init()

	c.sweeper = threadpool.NewRaw(c, sweeperMain[K, T], nil, sweeperNeedSleep[K, T])
	return c, nil
}

func computeMagic(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}

func sweeperMain[K comparable, T any](args any) {
	c := args.(*Cache[K, T])
	c.sweepInuse()

	depth := uint64(c.scale)
	for c.evictEnable(c.softLimit) && depth > 0 {
		info := c.hmap.Info()
		if float64(depth) > info.AvgDepth {
			// info.AvgDepth is a float; truncation matches the integer
			// bucket_avg_depth the original compares against.
			depth = uint64(info.AvgDepth)
		}
		depth >>= 1
		c.hmap.Eviction(depth, c.evictCheck)
	}
}

func sweeperNeedSleep[K comparable, T any](args any) bool {
	c := args.(*Cache[K, T])
	return !c.evictEnable(c.softLimit)
}

// holds reports the current hash-resident + in-use count.
func (c *Cache[K, T]) holds() uint64 {
	return c.hmap.Info().TotalKeys + uint64(c.inuse.count.Load())
}

// evictEnable reports whether holds exceeds limit, used for the
// soft-limit sweeper-wakeup check (spec §4.2: "holds > soft_limit").
func (c *Cache[K, T]) evictEnable(limit uint32) bool {
	return c.holds() > uint64(limit)
}

// evictRequired reports whether holds has reached or exceeded scale,
// the hard-limit gate for synchronous eviction in Alloc (spec §4.2:
// "holds ≥ scale").
func (c *Cache[K, T]) evictRequired() bool {
	return c.holds() >= uint64(c.scale)
}

func (c *Cache[K, T]) sweepInuse() {
	c.inuse.mu.Lock()
	for n := c.inuse.list.Front(); n != nil; {
		next := c.inuse.list.Next(n)
		item := n.Value.(*Item[T])
		if c.freeable(&item.Value) {
			c.clean(&item.Value)
			c.inuse.list.Remove(n)
			c.inuse.count.Add(-1)
			c.free.push(true, n)
		}
		n = next
	}
	c.inuse.mu.Unlock()
}

// evictCheck is the hashmap.Eviction predicate: an item the hash map
// offers up is either reclaimed (cleaned and pushed onto the free
// list, then removed from the table) or left alone for another pass.
func (c *Cache[K, T]) evictCheck(_ K, item *Item[T]) bool {
	if !c.freeable(&item.Value) {
		return false
	}
	c.clean(&item.Value)
	c.free.push(true, &item.node)
	return true
}

func (c *Cache[K, T]) evictBegin() bool {
	c.waitMu.Lock()
	if c.evicting {
		w := &waiter{done: make(chan struct{})}
		w.node.Value = w
		c.waiters.PushBack(&w.node)
		c.waitMu.Unlock()
		<-w.done
		return false
	}
	c.evicting = true
	c.waitMu.Unlock()
	return true
}

func (c *Cache[K, T]) evictEnd() {
	c.waitMu.Lock()
	for {
		n := c.waiters.Front()
		if n == nil {
			break
		}
		c.waiters.Remove(n)
		close(n.Value.(*waiter).done)
	}
	c.evicting = false
	c.waitMu.Unlock()
}

// Alloc returns a zeroed, user-held item (FreeOut state). Mirrors
// _alloc_item/mc_item_alloc's four-step free/reuse/allocate ladder.
func (c *Cache[K, T]) Alloc() (*Item[T], error) {
	for retry := 0; c.evictRequired(); {
		if retry == mcRetry {
			c.logger.Log(logx.Entry{Level: logx.LevelError, Category: "mcache", Message: "can't evict item, giving up", Fields: map[string]any{"name": c.name}})
			return nil, ErrRetryExhausted
		}
		retry++

		if c.evictBegin() {
			c.sweepInuse()
			c.hmap.Eviction(0, c.evictCheck)
			c.evictEnd()
		}
	}

	if c.evictEnable(c.softLimit) {
		c.sweeper.Wakeup()
	}

	if n := c.free.popFront(); n != nil {
		item := n.Value.(*Item[T])
		item.magic = c.magic
		item.freeOut = true
		item.hasKey = false
		return item, nil
	}

	c.inuse.mu.Lock()
	for n := c.inuse.list.Front(); n != nil; n = c.inuse.list.Next(n) {
		item := n.Value.(*Item[T])
		if c.freeable(&item.Value) {
			c.clean(&item.Value)
			c.inuse.list.Remove(n)
			c.inuse.count.Add(-1)
			c.inuse.mu.Unlock()

			item.magic = c.magic
			item.freeOut = true
			item.hasKey = false
			return item, nil
		}
	}
	c.inuse.mu.Unlock()

	for {
		cur := c.allocCount.Load()
		if cur >= c.scale {
			return nil, ErrRetryExhausted
		}
		if c.allocCount.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	item := &Item[T]{magic: c.magic, freeOut: true}
	item.node.Value = item
	return item, nil
}

// Free releases a user-held item (FreeOut) back to the process, the Go
// analogue of returning memory to the allocator: it simply drops the
// item from the pool's bookkeeping. Invalid magic or non-user-held
// items are silently ignored, matching mc_item_free's void signature.
func (c *Cache[K, T]) Free(item *Item[T]) {
	if item == nil || item.magic != c.magic || !item.freeOut {
		return
	}
	c.clean(&item.Value)
	item.freeOut = false
	c.allocCount.Add(^uint32(0))
}

// SetKey assigns the hash key an item will be inserted under. Must be
// called before Insert.
func (c *Cache[K, T]) SetKey(item *Item[T], key K) error {
	if item == nil || item.magic != c.magic || !item.freeOut {
		return ErrInvalidItem
	}
	item.key = key
	item.hasKey = true
	return nil
}

// Insert inserts item under its SetKey-assigned key. On collision it
// returns ErrExists, the preexisting item's payload, and (if found is
// non-nil) invokes found with that payload first — mirroring
// mc_item_insert's EEXIST/out-param/callback trio.
func (c *Cache[K, T]) Insert(item *Item[T], found func(existing *T)) (*T, error) {
	if item == nil || item.magic != c.magic || !item.freeOut || !item.hasKey {
		return nil, ErrInvalidItem
	}
	key := item.key.(K)

	var existing *T
	err := c.hmap.Insert(key, item, func(ex *Item[T]) {
		existing = &ex.Value
		if found != nil {
			found(existing)
		}
	})
	if err != nil {
		return existing, ErrExists
	}

	item.freeOut = false
	return nil, nil
}

// Search returns the payload stored under key, invoking found (under
// the owning bucket lock) when present.
func (c *Cache[K, T]) Search(key K, found func(item *T)) (*T, bool) {
	item, ok := c.hmap.Search(key)
	if !ok {
		return nil, false
	}
	if found != nil {
		found(&item.Value)
	}
	return &item.Value, true
}

// Delete removes key's entry if present, subject to cond: passing nil
// always proceeds; a non-nil cond vetoes the delete by returning false.
// A removed item is routed to the free list if freeable, else parked
// on the in-use list for a later sweep — mirrors mc_item_delete's call
// into _free_item.
func (c *Cache[K, T]) Delete(key K, cond func(item *T) bool) bool {
	var veto func(*Item[T]) bool
	if cond != nil {
		veto = func(it *Item[T]) bool { return cond(&it.Value) }
	}

	item, ok := c.hmap.Delete(key, veto)
	if !ok {
		return false
	}
	c.routeRemoved(item)
	return true
}

// routeRemoved places an item just removed from the hash table onto
// the free list (if freeable) or the in-use list (if not), matching
// _free_item's post-removal routing.
func (c *Cache[K, T]) routeRemoved(item *Item[T]) {
	if c.freeable(&item.Value) {
		c.clean(&item.Value)
		c.free.push(true, &item.node)
		return
	}
	c.inuse.push(false, &item.node)
}

// Protect runs fn with key's bucket lock held, for atomic read-modify
// -write on a cached item.
func (c *Cache[K, T]) Protect(key K, fn func(item *T) error) error {
	return c.hmap.Protect(key, func(slot **Item[T]) error {
		return fn(&(*slot).Value)
	})
}

// Foreach visits every resident item; if fn returns false and
// stopOnFalse is set, iteration stops early.
func (c *Cache[K, T]) Foreach(fn func(key K, item *T) bool, stopOnFalse bool) {
	c.hmap.Foreach(func(key K, item *Item[T]) bool {
		return fn(key, &item.Value)
	}, stopOnFalse)
}

// Cleanup wakes the background sweeper, matching mc_cleanup. The woken
// sweeper runs a sweep only if the cache holds more items than its soft
// limit; otherwise it goes back to sleep.
func (c *Cache[K, T]) Cleanup() {
	c.sweeper.Wakeup()
}

// Destroy tears the cache down: stops the sweeper, empties the hash
// table (routing every item through the same free/in-use logic as
// Delete), waits out any in-flight synchronous eviction, then drains
// both lists, logging (via dump, if configured) any in-use item that
// freeable still refuses to reclaim.
func (c *Cache[K, T]) Destroy() {
	c.sweeper.Destroy()

	var resident []*Item[T]
	c.hmap.Foreach(func(_ K, item *Item[T]) bool {
		resident = append(resident, item)
		return true
	}, false)
	for _, item := range resident {
		key := item.key.(K)
		c.hmap.Delete(key, nil)
		c.routeRemoved(item)
	}

	for {
		c.waitMu.Lock()
		idle := !c.evicting && c.waiters.Len() == 0
		c.waitMu.Unlock()
		if idle {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	c.free.mu.Lock()
	for n := c.free.list.Front(); n != nil; n = c.free.list.Front() {
		c.free.list.Remove(n)
		c.allocCount.Add(^uint32(0))
	}
	c.free.mu.Unlock()

	c.inuse.mu.Lock()
	for n := c.inuse.list.Front(); n != nil; n = c.inuse.list.Front() {
		item := n.Value.(*Item[T])
		c.inuse.list.Remove(n)
		if !c.freeable(&item.Value) && c.dump != nil {
			c.logger.Log(logx.Entry{
				Level:    logx.LevelError,
				Category: "mcache",
				Message:  "item not freeable at destroy",
				Fields:   map[string]any{"name": c.name, "item": c.dump(&item.Value)},
			})
		}
		c.clean(&item.Value)
		c.allocCount.Add(^uint32(0))
	}
	c.inuse.mu.Unlock()
}

// Info mirrors mc_get_info.
type Info struct {
	Name       string
	Scale      uint32
	AllocCount uint32
	FreeCount  int32
	InuseCount int32
	HashMap    hashmap.Info
}

func (c *Cache[K, T]) Info() Info {
	return Info{
		Name:       c.name,
		Scale:      c.scale,
		AllocCount: c.allocCount.Load(),
		FreeCount:  c.free.count.Load(),
		InuseCount: c.inuse.count.Load(),
		HashMap:    c.hmap.Info(),
	}
}
