// Package semaphore implements the pluggable semaphore backend: a
// single registration slot chooses, at construction time, between a
// default OS-style binary semaphore and a caller-registered backend
// (coroutine registers itself here so cosem waits suspend an LWT
// instead of blocking its worker's OS thread) — the same double
// dispatch as sema.c's g_sem_ops slot, decided per-instance via a
// "special" probe instead of a single process-wide choice.
package semaphore

import (
	"sync"
	"time"
)

// Instance is a single binary semaphore: Down blocks until a matching
// Up, exactly like sem_wait/sem_post. Down returns a non-nil error only
// for backends with a shutdown-induced failure path (a coroutine-aware
// backend whose owning manager is being destroyed); the default
// OS-style semaphore always returns nil.
type Instance interface {
	Up()
	Down() error
	Close()
}

// Backend constructs Instances for callers that opt in via Special,
// and provides a sleep primitive consistent with its own blocking
// semantics (e.g. a coroutine-aware backend sleeps the calling LWT
// without blocking its worker thread).
type Backend interface {
	New() Instance
	Sleep(d time.Duration)
}

var (
	registryMu sync.RWMutex
	special    func() bool
	backend    Backend
)

// RegisterBackend installs backend as the alternate semaphore
// implementation. special is consulted at New time: when it returns
// true for the calling context, backend.New() is used instead of the
// default OS-style semaphore. Passing a nil special makes backend the
// unconditional choice for every subsequent New call.
func RegisterBackend(specialFn func() bool, be Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	special = specialFn
	backend = be
}

// Reset clears any registered backend, restoring the default OS-style
// semaphore for all subsequent New calls. Exposed for tests.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	special = nil
	backend = nil
}

// New constructs a semaphore Instance, honoring whatever backend is
// currently registered.
func New() Instance {
	registryMu.RLock()
	b, sp := backend, special
	registryMu.RUnlock()

	if b != nil && (sp == nil || sp()) {
		return b.New()
	}
	return newDefault()
}

// Sleep blocks the caller for d, routed through the registered
// backend's Sleep when one applies to the caller, or time.Sleep
// otherwise — mirrors sema_msleep's dispatch.
func Sleep(d time.Duration) {
	registryMu.RLock()
	b, sp := backend, special
	registryMu.RUnlock()

	if b != nil && (sp == nil || sp()) {
		b.Sleep(d)
		return
	}
	time.Sleep(d)
}

// defaultSem is a channel-backed binary semaphore: the Go idiom for a
// blocking handoff, replacing POSIX sem_t.
type defaultSem struct {
	ch chan struct{}
}

func newDefault() *defaultSem {
	return &defaultSem{ch: make(chan struct{}, 1)}
}

func (s *defaultSem) Up() {
	select {
	case s.ch <- struct{}{}:
	default:
		// Matches the original's abort-on-double-up in spirit: a
		// second Up before the matching Down is a programmer error.
		panic("semaphore: up without a pending down (double up)")
	}
}

func (s *defaultSem) Down() error {
	<-s.ch
	return nil
}

func (s *defaultSem) Close() {}
