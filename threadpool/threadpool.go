// Package threadpool implements a worker pool of goroutines, each with
// its own FIFO job queue, matching threadpool.c's per-thread job list
// plus round-robin/seeded dispatch. Unlike the C original, workers are
// goroutines rather than OS threads — each "worker" here is a
// scheduling unit of the pool, not a kernel thread, which is the
// idiomatic Go substitute for a fixed-size pthread pool.
package threadpool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lihb2113/statis/internal/dlist"
	"github.com/lihb2113/statis/logx"
)

const (
	minWorkers = 1
	maxWorkers = 64
)

// WorkFunc is a unit of work submitted to the pool.
type WorkFunc func(args any)

// ErrNUMAUnsupported is returned by New, when given WithNUMANode, if the
// runtime has no way to honor a pinning request (see Supplemented feature 3 in
// SPEC_FULL.md): this is a documented error, not a silent no-op.
var ErrNUMAUnsupported = errors.New("threadpool: NUMA pinning unsupported on this platform")

type options struct {
	numaNode int // -1 means unset
	logger   logx.Logger
}

// Option configures Pool construction.
type Option func(*options)

// WithNUMANode requests that every worker goroutine's backing OS
// thread be pinned to node. Support is platform-specific; see the
// numa_linux.go/numa_other.go build-tagged implementations.
func WithNUMANode(node int) Option {
	return func(o *options) { o.numaNode = node }
}

// WithLogger installs a structured logging collaborator.
func WithLogger(l logx.Logger) Option {
	return func(o *options) { o.logger = l }
}

func resolveOptions(opts []Option) options {
	o := options{numaNode: -1, logger: logx.NewNoopLogger()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type job struct {
	node dlist.Node
	args any
	fn   WorkFunc
}

type worker struct {
	mu    sync.Mutex
	queue dlist.List
	wake  chan struct{}
	jobs  atomic.Uint32

	stop chan struct{}
	done chan struct{}
}

func newWorker(numaNode int, logger logx.Logger) *worker {
	w := &worker{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.run(numaNode, logger)
	return w
}

func (w *worker) run(numaNode int, logger logx.Logger) {
	defer close(w.done)
	if numaNode >= 0 {
		if err := pinToNUMANode(numaNode); err != nil {
			logger.Log(logx.Entry{Level: logx.LevelWarn, Category: "threadpool", Message: "numa pin failed", Err: err})
		}
	}

	for {
		w.mu.Lock()
		for w.queue.Len() == 0 {
			w.mu.Unlock()
			select {
			case <-w.stop:
				return
			case <-w.wake:
			}
			w.mu.Lock()
		}

		var batch []*job
		for n := w.queue.Front(); n != nil; {
			next := w.queue.Next(n)
			w.queue.Remove(n)
			batch = append(batch, n.Value.(*job))
			n = next
		}
		w.mu.Unlock()

		for _, j := range batch {
			j.fn(j.args)
			w.jobs.Add(^uint32(0))
		}

		select {
		case <-w.stop:
			return
		default:
		}
	}
}

func (w *worker) submit(args any, fn WorkFunc) {
	j := &job{args: args, fn: fn}
	j.node.Value = j

	w.mu.Lock()
	w.queue.PushBack(&j.node)
	w.jobs.Add(1)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) stopAndDrain() {
	close(w.stop)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}

// Pool is a fixed-size set of workers, each with its own job queue.
type Pool struct {
	name    string
	index   atomic.Uint32
	workers []*worker
}

// RecommendedCount estimates a good worker count from CPU count, the
// same shape as threadcount_recommend: a ratio that shrinks as CPU
// count grows, floored at 1x.
func RecommendedCount(cpu int) uint32 {
	const maxRatio, minRatio, delta = 2.0, 1.0, 0.015
	ratio := maxRatio - float64(cpu)*delta
	if ratio < minRatio {
		ratio = minRatio
	}
	return uint32(float64(cpu) * ratio)
}

// New creates a Pool of count workers (clamped to [1,64]).
func New(name string, count uint32, opts ...Option) (*Pool, error) {
	o := resolveOptions(opts)
	if o.numaNode >= 0 {
		if err := checkNUMAAvailable(); err != nil {
			return nil, err
		}
	}

	if count < minWorkers {
		count = minWorkers
	}
	if count > maxWorkers {
		count = maxWorkers
	}

	p := &Pool{name: name, workers: make([]*worker, count)}
	for i := range p.workers {
		p.workers[i] = newWorker(o.numaNode, o.logger)
	}
	return p, nil
}

// Submit dispatches to the next worker in round-robin order.
func (p *Pool) Submit(args any, fn WorkFunc) {
	idx := p.index.Add(1) % uint32(len(p.workers))
	p.workers[idx].submit(args, fn)
}

// SeedSubmit dispatches deterministically based on seed, so repeated
// calls with the same seed always land on the same worker.
func (p *Pool) SeedSubmit(seed uint32, args any, fn WorkFunc) {
	p.workers[seed%uint32(len(p.workers))].submit(args, fn)
}

// Destroy stops every worker, waiting for in-flight jobs to finish and
// dropping anything still queued.
func (p *Pool) Destroy() {
	for _, w := range p.workers {
		w.stopAndDrain()
	}
}

// Info mirrors threadpool_get_info.
type Info struct {
	Name  string
	Total int
	Jobs  []uint32
}

func (p *Pool) Info() Info {
	info := Info{Name: p.name, Total: len(p.workers), Jobs: make([]uint32, len(p.workers))}
	for i, w := range p.workers {
		info.Jobs[i] = w.jobs.Load()
	}
	return info
}
