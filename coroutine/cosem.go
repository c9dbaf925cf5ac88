package coroutine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lihb2113/statis/semaphore"
)

// lwtRegistry maps a running LWT's goroutine id to itself, populated by
// runLWT for the duration of the LWT's body. It exists solely so
// RegisterAsSemaphoreBackend's special probe (and managerBackend.New)
// can answer "is the calling goroutine an LWT" without a context
// parameter, matching the reach of the original's cosem_special.
var lwtRegistry sync.Map // uint64 -> *LWT

// ErrNotCoroutineContext is returned by NewCosem when called from a
// goroutine that is not running as an LWT, matching cosem_init's
// "not coroutine context" failure.
var ErrNotCoroutineContext = errors.New("coroutine: not running as an lwt")

// ErrCosemInUse is returned by Fini when the semaphore still has a
// nonzero value (an Up without a matching Down, or vice versa),
// matching cosem_fini's "still in use" failure.
var ErrCosemInUse = errors.New("coroutine: semaphore still in use")

// ErrShuttingDown is returned by Down when it is woken by the owning
// Manager's Destroy rather than by a matching Up, matching
// cosem_down's cosem.ret == -1 shutdown path (spec §4.1, §7).
var ErrShuttingDown = errors.New("coroutine: manager shutting down")

// Cosem is a coroutine-aware binary-ish semaphore bound to the single
// LWT that created it: Down suspends that LWT (by parking its
// goroutine) until a matching Up, exactly like cosem_down/cosem_up's
// val-counting handoff, but without the ucontext swap — parking a
// goroutine already yields its OS thread to the Go scheduler.
type Cosem struct {
	mu   sync.Mutex
	val  int32
	wake chan struct{}
	lwt  *LWT
}

// NewCosem binds a new Cosem to the LWT reachable from ctx, mirroring
// cosem_init.
func NewCosem(ctx context.Context) (*Cosem, error) {
	lwt, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNotCoroutineContext
	}
	return &Cosem{lwt: lwt, wake: make(chan struct{}, 1)}, nil
}

// Fini releases the Cosem, failing if it still has pending Ups or
// Downs in flight, mirroring cosem_fini.
func (c *Cosem) Fini() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.val != 0 {
		return ErrCosemInUse
	}
	c.lwt = nil
	return nil
}

// Up signals the Cosem. If a Down is currently waiting (or arrives
// before the matching Down is called), it is released; otherwise the
// Up is banked for the next Down. Mirrors cosem_up.
func (c *Cosem) Up() {
	c.mu.Lock()
	c.val--
	wake := c.val == 0
	c.mu.Unlock()

	if wake {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Down waits for a matching Up, returning immediately if one was
// already banked. Mirrors cosem_down: it returns ErrShuttingDown,
// instead of blocking forever, if woken by the owning Manager's
// Destroy rather than a matching Up.
func (c *Cosem) Down() error {
	var stats *Stats
	var start time.Time
	var closing <-chan struct{}
	if c.lwt != nil {
		stats = &c.lwt.mgr.stats
		start = stats.begin(OpSemup)
		closing = c.lwt.mgr.closing
	}

	c.mu.Lock()
	c.val++
	shouldWait := c.val > 0
	c.mu.Unlock()

	var err error
	if shouldWait {
		select {
		case <-c.wake:
		case <-closing:
			err = ErrShuttingDown
		}
	}

	if stats != nil {
		stats.end(OpSemup, start)
	}
	return err
}

// Close satisfies semaphore.Instance; errors from Fini are swallowed
// since the interface has no error return, matching Go's io.Closer
// convention for best-effort cleanup.
func (c *Cosem) Close() {
	_ = c.Fini()
}

// managerBackend adapts the LWT registry to semaphore.Backend, so that
// semaphore.New() called from inside an LWT returns a Cosem bound to it
// instead of the default OS-style semaphore.
type managerBackend struct{}

func (b *managerBackend) New() semaphore.Instance {
	v, ok := lwtRegistry.Load(goroutineID())
	if !ok {
		// special() already gated this; fall through to a plain Cosem
		// bound to no LWT rather than panicking on a benign race
		// between the probe and New (e.g. the LWT finished in between).
		return &Cosem{wake: make(chan struct{}, 1)}
	}
	lwt := v.(*LWT)
	return &Cosem{lwt: lwt, wake: make(chan struct{}, 1)}
}

func (b *managerBackend) Sleep(d time.Duration) {
	time.Sleep(d)
}

// RegisterAsSemaphoreBackend installs m as the process-wide
// coroutine-aware semaphore backend: a call to semaphore.New() made from
// a goroutine currently running as one of m's LWTs returns a Cosem, and
// semaphore.Sleep() from such a goroutine goes through the backend's
// Sleep (a plain time.Sleep) — the same double dispatch sema.c performs
// via g_sem_ops/cosem_special.
func RegisterAsSemaphoreBackend(m *Manager) {
	semaphore.RegisterBackend(func() bool {
		v, ok := lwtRegistry.Load(goroutineID())
		return ok && v.(*LWT).mgr == m
	}, &managerBackend{})
}
