package coroutine

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID scrapes the calling goroutine's runtime-assigned id out of
// its own stack trace header ("goroutine 123 [running]: ..."). Go has no
// goroutine-local storage, and this is the closest analogue of the
// original's __thread lwt_curr: a key that identifies "which scheduled
// unit am I" without the caller threading one through explicitly. It is
// used only at the semaphore-backend integration seam (see
// RegisterAsSemaphoreBackend) — everywhere else in this package, the
// current LWT is carried explicitly via context.Context, which is the
// idiomatic choice when a caller can pass one.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
