package tpstat

import (
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/lihb2113/statis/diag"
	"github.com/lihb2113/statis/threadpool"
)

type fakeSource struct {
	info threadpool.Info
}

func (f *fakeSource) Info() threadpool.Info { return f.info }

func TestRegisterInstallsCommand(t *testing.T) {
	r := diag.New()
	c := New(r)
	c.Register("pool-a", &fakeSource{info: threadpool.Info{Name: "pool-a", Total: 2, Jobs: []uint32{3, 5}}})

	out := r.Dispatch([]string{"tpstat", "get"})
	require.Contains(t, out, "pool-a")
}

func TestUnregisterLastHandleRemovesCommand(t *testing.T) {
	r := diag.New()
	c := New(r)
	c.Register("pool-a", &fakeSource{info: threadpool.Info{Name: "pool-a", Total: 1, Jobs: []uint32{1}}})
	c.Unregister("pool-a")

	out := r.Dispatch([]string{"tpstat", "get"})
	require.Equal(t, "", out)
}

func TestPrintPoolWrapsJobsAcrossRows(t *testing.T) {
	info := threadpool.Info{Name: "pool-a", Total: 10, Jobs: make([]uint32, 10)}
	for i := range info.Jobs {
		info.Jobs[i] = uint32(i)
	}

	var lines []string
	printPool("pool-a", info, func(format string, args ...any) {
		lines = append(lines, format)
		_ = args
	})

	require.Len(t, lines, 2, "10 jobs at jobsPerRow=8 must wrap to two rows")
}

func TestPrintPoolHandlesNoWorkers(t *testing.T) {
	var lines []string
	printPool("empty", threadpool.Info{Name: "empty", Total: 0}, func(format string, args ...any) {
		lines = append(lines, fmt.Sprintf(format, args...))
	})

	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "no workers")
}

func TestDispatchUnknownSubcommandFallsBackToHelp(t *testing.T) {
	r := diag.New()
	c := New(r)
	c.Register("pool-a", &fakeSource{info: threadpool.Info{Name: "pool-a", Total: 1, Jobs: []uint32{1}}})

	out := r.Dispatch([]string{"tpstat", "bogus"})
	require.Contains(t, out, "Usage")
}

func TestPrintAllRendersEveryPool(t *testing.T) {
	c := New(diag.New())
	c.Register("pool-a", &fakeSource{info: threadpool.Info{Name: "pool-a", Total: 1, Jobs: []uint32{4}}})
	c.Register("pool-b", &fakeSource{info: threadpool.Info{Name: "pool-b", Total: 1, Jobs: []uint32{9}}})

	var out strings.Builder
	c.PrintAll(func(format string, args ...any) {
		out.WriteString(fmt.Sprintf(format, args...))
		out.WriteByte('\n')
	})

	require.Contains(t, out.String(), "pool-a")
	require.Contains(t, out.String(), "pool-b")
}

func TestCollectEmitsOneMetricPerWorker(t *testing.T) {
	c := New(diag.New())
	c.Register("pool-a", &fakeSource{info: threadpool.Info{Name: "pool-a", Total: 3, Jobs: []uint32{1, 2, 3}}})

	require.Equal(t, 3, testutil.CollectAndCount(c))
}
