//go:build !linux

package threadpool

// checkNUMAAvailable and pinToNUMANode are documented no-ops outside
// Linux: the original's numa_available()/numa_run_on_node() calls have
// no portable equivalent, and silently ignoring the request (as the
// original's untested non-Linux branch effectively would) is worse
// than failing loudly — see SPEC_FULL.md, Supplemented feature 3.

func checkNUMAAvailable() error {
	return ErrNUMAUnsupported
}

func pinToNUMANode(int) error {
	return ErrNUMAUnsupported
}
