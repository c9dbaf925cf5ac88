//go:build linux

package threadpool

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// checkNUMAAvailable reports whether this process can attempt CPU
// affinity pinning at all; real NUMA-node topology queries are out of
// scope (no pack example wires a NUMA topology library), so pinning is
// approximated as "restrict this worker's OS thread to one CPU",
// consistent with the original's fallback behaviour when only one node
// exists.
func checkNUMAAvailable() error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return fmt.Errorf("%w: %v", ErrNUMAUnsupported, err)
	}
	return nil
}

// pinToNUMANode pins the calling goroutine's OS thread to CPU
// node%NumCPU. It must run from the goroutine that should be pinned,
// and locks that goroutine to its OS thread for the rest of its life
// (mirroring a pthread that set its own affinity at startup).
func pinToNUMANode(node int) error {
	runtime.LockOSThread()

	n := runtime.NumCPU()
	if n == 0 {
		return ErrNUMAUnsupported
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(node % n)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("%w: %v", ErrNUMAUnsupported, err)
	}
	return nil
}
