package threadpool

import (
	"sync"
	"time"
)

// rawPollInterval mirrors threadraw_t's periodic re-check of need_sleep
// even absent an explicit wakeup (spec §6, Thread-raw).
const rawPollInterval = 100 * time.Millisecond

// Raw is a single preemptible worker goroutine driven by a caller
// -supplied predicate (needSleep) instead of a job queue, matching
// threadraw_t: the caller's own func runs in a loop, pausing whenever
// needSleep reports true, until woken or destroyed.
type Raw struct {
	args       any
	fn         WorkFunc
	cleanup    func(args any)
	needSleep  func(args any) bool
	wake       chan struct{}
	stop       chan struct{}
	done       chan struct{}
	once       sync.Once
}

// NewRaw starts a Raw worker immediately.
func NewRaw(args any, fn WorkFunc, cleanup func(args any), needSleep func(args any) bool) *Raw {
	r := &Raw{
		args:      args,
		fn:        fn,
		cleanup:   cleanup,
		needSleep: needSleep,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Raw) run() {
	defer close(r.done)
	for {
		for r.needSleep(r.args) {
			select {
			case <-r.stop:
				return
			case <-r.wake:
			case <-time.After(rawPollInterval):
			}
		}

		select {
		case <-r.stop:
			return
		default:
		}

		r.fn(r.args)
	}
}

// Wakeup interrupts a pending sleep.
func (r *Raw) Wakeup() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Destroy stops the worker, waits for it to exit, then runs cleanup.
func (r *Raw) Destroy() {
	r.once.Do(func() { close(r.stop) })
	select {
	case r.wake <- struct{}{}:
	default:
	}
	<-r.done
	if r.cleanup != nil {
		r.cleanup(r.args)
	}
}
