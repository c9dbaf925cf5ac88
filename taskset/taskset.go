// Package taskset implements the bounded-concurrency sub-job
// orchestrator (§4.6): Process drives a stream of jobs fetched one at a
// time from a caller-supplied source, dispatching each onto its own
// goroutine but never letting more than depth run concurrently, until
// the source runs dry or a job reports failure.
//
// The original hand-rolls this bound with a spinlock-guarded
// cur_depth counter and a "run" flag serializing re-entrant drives of
// the state machine from whichever thread's taskjob_fini happens to
// complete a job. Go already has a library-grade bounded-concurrency
// primitive for exactly this shape — golang.org/x/sync/semaphore.Weighted
// — so Process uses that instead of reimplementing the counter, and
// lets the dispatch loop itself (not a re-entrant completion callback)
// be the only place that fetches jobs, which sidesteps the need for a
// "run" flag entirely: there is only ever one fetcher.
package taskset

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	minDepth = 4
	maxDepth = 128
)

// FetchFunc supplies the next sub-job, or ok=false once the source is
// exhausted. Called serially by Process's dispatch loop — never
// concurrently — so it needs no locking of its own.
type FetchFunc[J any] func() (job J, ok bool)

// HandleFunc runs one sub-job. A non-nil error marks the job (and the
// whole set) as failed.
type HandleFunc[J any] func(ctx context.Context, job J) error

// ReleaseFunc runs after HandleFunc, success or failure, for any
// per-job cleanup. Optional.
type ReleaseFunc[J any] func(job J)

// DoneFunc is invoked exactly once, after every dispatched job has
// finished, with the first error reported by any job (nil if all
// succeeded) — the Go analogue of task_done(retcode, task).
type DoneFunc func(err error)

// clampDepth enforces [minDepth, maxDepth], matching taskset_process's
// own clamp of its depth argument.
func clampDepth(depth uint32) uint32 {
	if depth < minDepth {
		return minDepth
	}
	if depth > maxDepth {
		return maxDepth
	}
	return depth
}

// Process fetches and dispatches jobs until fetch returns ok=false or a
// job fails, never running more than depth concurrently, then calls
// done exactly once. It blocks until every dispatched job has
// completed. Cancelling ctx stops the dispatch loop from starting new
// jobs (Acquire returns early) but does not interrupt jobs already
// running.
func Process[J any](ctx context.Context, depth uint32, done DoneFunc, fetch FetchFunc[J], handle HandleFunc[J], release ReleaseFunc[J]) {
	depth = clampDepth(depth)
	sem := semaphore.NewWeighted(int64(depth))

	var (
		mu      sync.Mutex
		failure error
	)
	var wg sync.WaitGroup

	for {
		mu.Lock()
		halted := failure != nil
		mu.Unlock()
		if halted {
			break
		}

		job, ok := fetch()
		if !ok {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			if failure == nil {
				failure = err
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(job J) {
			defer wg.Done()
			defer sem.Release(1)

			err := handle(ctx, job)
			if release != nil {
				release(job)
			}
			if err != nil {
				mu.Lock()
				if failure == nil {
					failure = err
				}
				mu.Unlock()
			}
		}(job)
	}

	wg.Wait()
	done(failure)
}
