// Package coroutine implements a lightweight-task ("LWT") manager: a
// bounded pool of concurrently running tasks, each dispatched onto a
// goroutine, with per-lane bookkeeping and per-operation latency stats
// matching coroutine.c's comgr_t/_lwt_t/_worker_t trio.
//
// The original multiplexes ucontext-based stackful coroutines onto a
// fixed pool of OS-thread workers by hand, because C has no built-in
// lightweight scheduled unit. Go already has one — the goroutine — so
// this package does not reimplement stack-switching: Run spawns a real
// goroutine per LWT, bounded by a weighted semaphore standing in for
// max_lwt, and "lanes" exist only to preserve the original's
// round-robin worker-affinity bookkeeping for diagnostics (Info),
// not to restrict where an LWT actually executes.
package coroutine

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lihb2113/statis/logx"
)

const (
	minLWT    = 16 // MIN_LWT
	minWorker = 1  // MIN_WORKER
)

// Func is an LWT body. It receives a context carrying the running LWT,
// so that Yield and Sleep (called with the same ctx) can find it.
type Func func(ctx context.Context, args any)

// FiniFunc runs after an LWT's body returns; it does not run in
// coroutine context (matching the original, where fini is invoked by
// the worker thread after the lwt's ucontext has already exited).
type FiniFunc func(args any)

// ErrClosed is returned by Run once the Manager has been destroyed.
var ErrClosed = errors.New("coroutine: manager destroyed")

type options struct {
	logger logx.Logger
}

// Option configures Manager construction.
type Option func(*options)

// WithLogger installs a structured logging collaborator.
func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.logger = l }
}

func resolveOptions(opts []Option) options {
	o := options{logger: logx.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Op identifies one of the four latency categories the original tracks
// per LWT lifecycle transition.
type Op int

const (
	// OpQueue spans from an LWT being spawned by Run to its body
	// starting to run.
	OpQueue Op = iota
	// OpRun spans the time an LWT spends executing its body.
	OpRun
	// OpSche spans a voluntary yield/sleep suspension.
	OpSche
	// OpSemup spans a Cosem.Down call, whether or not it had to wait
	// for an Up.
	OpSemup
	opCount
)

func (o Op) String() string {
	switch o {
	case OpQueue:
		return "queue"
	case OpRun:
		return "run"
	case OpSche:
		return "sche"
	case OpSemup:
		return "semup"
	default:
		return "unknown"
	}
}

type opStat struct {
	begin atomic.Int64
	end   atomic.Int64
	delay atomic.Int64 // microseconds, summed
	max   atomic.Int64 // microseconds
}

func (s *opStat) reset() {
	s.begin.Store(0)
	s.end.Store(0)
	s.delay.Store(0)
	s.max.Store(0)
}

// Stats accumulates per-operation latency counters, feeding
// statis/costat's Prometheus collector.
type Stats struct {
	ops [opCount]opStat
}

func (s *Stats) begin(op Op) time.Time {
	s.ops[op].begin.Add(1)
	return time.Now()
}

func (s *Stats) end(op Op, start time.Time) {
	now := time.Now()
	if now.Before(start) {
		now = start
	}
	s.ops[op].end.Add(1)

	cost := now.Sub(start).Microseconds()
	s.ops[op].delay.Add(cost)
	for {
		old := s.ops[op].max.Load()
		if cost <= old {
			break
		}
		if s.ops[op].max.CompareAndSwap(old, cost) {
			break
		}
	}
}

// OpInfo is a point-in-time snapshot of one Op's counters.
type OpInfo struct {
	Begin int64
	End   int64
	Delay int64 // microseconds, summed across all completed spans
	Max   int64 // microseconds, longest single span
}

func (s *Stats) snapshot() map[string]OpInfo {
	out := make(map[string]OpInfo, opCount)
	for i := range s.ops {
		out[Op(i).String()] = OpInfo{
			Begin: s.ops[i].begin.Load(),
			End:   s.ops[i].end.Load(),
			Delay: s.ops[i].delay.Load(),
			Max:   s.ops[i].max.Load(),
		}
	}
	return out
}

func (s *Stats) resetAll() {
	for i := range s.ops {
		s.ops[i].reset()
	}
}

type lane struct {
	running atomic.Int32
}

// LWT is a running lightweight task, reachable from its own context via
// FromContext.
type LWT struct {
	mgr  *Manager
	lane *lane
	args any
}

type lwtCtxKey struct{}

// FromContext recovers the LWT running on the calling goroutine, if ctx
// was derived from the one passed to its Func.
func FromContext(ctx context.Context) (*LWT, bool) {
	lwt, ok := ctx.Value(lwtCtxKey{}).(*LWT)
	return lwt, ok
}

// Manager is an LWT pool: Run spawns a bounded, stat-tracked goroutine
// per task, the Go analogue of comgr_t.
type Manager struct {
	name string

	sem   *semaphore.Weighted // bounds concurrent LWTs, replacing the mempool of fixed-size lwt slots
	lanes []*lane
	idx   atomic.Uint32

	stats  Stats
	logger logx.Logger

	wg      sync.WaitGroup
	closed  atomic.Bool
	closing chan struct{} // closed by Destroy to fail outstanding Cosem.Down waiters
}

// New creates a Manager named name, allowing up to maxLWT concurrent
// tasks spread bookkeeping-wise across maxWorker lanes (both clamped to
// their original minimums).
func New(name string, maxLWT, maxWorker uint32, opts ...Option) *Manager {
	if maxLWT < minLWT {
		maxLWT = minLWT
	}
	if maxWorker < minWorker {
		maxWorker = minWorker
	}

	o := resolveOptions(opts)
	m := &Manager{
		name:    name,
		sem:     semaphore.NewWeighted(int64(maxLWT)),
		lanes:   make([]*lane, maxWorker),
		logger:  o.logger,
		closing: make(chan struct{}),
	}
	for i := range m.lanes {
		m.lanes[i] = &lane{}
	}
	return m
}

// Run schedules fn(ctx, args) as a new LWT, blocking until a slot is
// free or ctx is cancelled. fini, if non-nil, runs after fn returns,
// outside coroutine context. Mirrors coroutine_run.
func (m *Manager) Run(ctx context.Context, args any, fn Func, fini FiniFunc) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	ln := m.lanes[m.idx.Add(1)%uint32(len(m.lanes))]
	ln.running.Add(1)

	lwt := &LWT{mgr: m, lane: ln, args: args}

	m.wg.Add(1)
	start := m.stats.begin(OpQueue)
	go m.runLWT(ctx, lwt, fn, fini, start)
	return nil
}

func (m *Manager) runLWT(ctx context.Context, lwt *LWT, fn Func, fini FiniFunc, queued time.Time) {
	defer m.wg.Done()
	defer m.sem.Release(1)
	defer lwt.lane.running.Add(-1)

	gid := goroutineID()
	lwtRegistry.Store(gid, lwt)
	defer lwtRegistry.Delete(gid)

	m.stats.end(OpQueue, queued)

	runStart := m.stats.begin(OpRun)
	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Log(logx.Entry{Level: logx.LevelError, Category: "coroutine", Message: "lwt panic", Fields: map[string]any{"recover": r}})
			}
		}()
		fn(context.WithValue(ctx, lwtCtxKey{}, lwt), lwt.args)
	}()
	m.stats.end(OpRun, runStart)

	if fini != nil {
		fini(lwt.args)
	}
}

// Yield suspends the calling LWT so other work gets a chance to run. In
// a goroutine-based scheduler this is advisory (the Go runtime already
// preempts), but it still records scheduling-latency stats the way
// coroutine_yield does around its swapcontext call.
func Yield(ctx context.Context) {
	lwt, ok := FromContext(ctx)
	if !ok {
		return
	}
	start := lwt.mgr.stats.begin(OpSche)
	runtime.Gosched()
	lwt.mgr.stats.end(OpSche, start)
}

// Sleep suspends the calling LWT for d, mirroring cosem_sleep. Unlike
// the original's timer-delta-list implementation (needed because
// ucontext LWTs can't park on a channel by themselves), this parks the
// LWT's own goroutine directly — Go's scheduler already multiplexes
// parked goroutines off real OS threads, which is exactly the property
// the delta list exists to provide in the original.
func Sleep(ctx context.Context, d time.Duration) {
	lwt, ok := FromContext(ctx)
	if !ok {
		time.Sleep(d)
		return
	}
	start := lwt.mgr.stats.begin(OpSche)
	time.Sleep(d)
	lwt.mgr.stats.end(OpSche, start)
}

// Destroy stops accepting new LWTs, wakes any LWT currently blocked in
// Cosem.Down with ErrShuttingDown (mirroring comgr_destroy's
// cosem.ret = -1 path, §4.1 "Worker shutdown"), and waits for every
// in-flight LWT to finish naturally. A parked goroutine cannot be
// safely killed outright, so an LWT still blocked on something other
// than a Cosem (e.g. a channel of its own) must still be unblocked by
// cancelling the context passed to Run.
func (m *Manager) Destroy() {
	m.closed.Store(true)
	close(m.closing)
	m.wg.Wait()
}

// Info mirrors comgr_getinfo.
type Info struct {
	Name  string
	Lanes []int32
	Ops   map[string]OpInfo
}

func (m *Manager) Info() Info {
	lanes := make([]int32, len(m.lanes))
	for i, l := range m.lanes {
		lanes[i] = l.running.Load()
	}
	return Info{
		Name:  m.name,
		Lanes: lanes,
		Ops:   m.stats.snapshot(),
	}
}

// ResetInfo mirrors comgr_resetinfo.
func (m *Manager) ResetInfo() {
	m.stats.resetAll()
}
