// Package tpstat is the threadpool statistics channel: a name ->
// threadpool.Pool registry that registers a "tpstat" diagnostic
// command producing the same per-thread job-count table as
// tpstat.cpp's TpstatMgr::PrintAll, and doubles as a
// prometheus.Collector, per SPEC_FULL.md's Supplemented feature 1.
package tpstat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lihb2113/statis/diag"
	"github.com/lihb2113/statis/threadpool"
)

const cmdName = "tpstat"

// jobsPerRow mirrors TPCOUNT: how many per-worker job counts are
// printed on one line before wrapping.
const jobsPerRow = 8

// Source is anything that can report threadpool.Info, which
// *threadpool.Pool satisfies directly.
type Source interface {
	Info() threadpool.Info
}

// Channel is a live registry of named thread pools, wired into a
// diag.Registry as the "tpstat" command.
type Channel struct {
	mu   sync.Mutex
	reg  *diag.Registry
	srcs map[string]Source
}

// New creates a Channel that will register/unregister the "tpstat"
// command against reg as handles come and go.
func New(reg *diag.Registry) *Channel {
	return &Channel{reg: reg, srcs: make(map[string]Source)}
}

// Register adds src under name. The first registration installs the
// "tpstat" command; a duplicate name is a silent no-op.
func (c *Channel) Register(name string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.srcs[name]; exists {
		return
	}
	if len(c.srcs) == 0 {
		_ = c.reg.Register(cmdName, c, help, dispatch)
	}
	c.srcs[name] = src
}

// Unregister removes name. Once the last handle is gone, the "tpstat"
// command is unregistered too.
func (c *Channel) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.srcs, name)
	if len(c.srcs) == 0 {
		c.reg.Unregister(cmdName)
	}
}

func (c *Channel) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.srcs))
	for n := range c.srcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *Channel) get(name string) (Source, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.srcs[name]
	return s, ok
}

func printPool(name string, info threadpool.Info, print diag.PrintFunc) {
	if len(info.Jobs) == 0 {
		print("| %-12s | %5d | %s", name, info.Total, "(no workers)")
		return
	}
	for i := 0; i < len(info.Jobs); i += jobsPerRow {
		row := make([]string, 0, jobsPerRow)
		for j := 0; j < jobsPerRow; j++ {
			if i+j < len(info.Jobs) {
				row = append(row, fmt.Sprintf("%4d", info.Jobs[i+j]))
			} else {
				row = append(row, fmt.Sprintf("%4d", 0))
			}
		}
		if i == 0 {
			print("| %-12s | %5d | %s |", name, info.Total, strings.Join(row, " | "))
		} else {
			print("| %-12s | %5s | %s |", " ", " ", strings.Join(row, " | "))
		}
	}
}

// PrintAll renders one (possibly multi-row) block per registered pool,
// matching TpstatMgr::PrintAll.
func (c *Channel) PrintAll(print diag.PrintFunc) {
	print("---------------------------------------------------------------------")
	print("|    Name    | Count |               JobsPerThread                   |")
	for _, name := range c.names() {
		s, ok := c.get(name)
		if !ok {
			continue
		}
		print("|---------------------|--------|---------------------------------|")
		printPool(name, s.Info(), print)
	}
	print("---------------------------------------------------------------------")
}

func help(_ any, print diag.PrintFunc) {
	print("Usage: \t%-10s %-10s{help information}", cmdName, "help")
	print("\t%-10s %-10s{get statistic data}", cmdName, "get")
}

func dispatch(ctx any, print diag.PrintFunc, args []string) {
	c := ctx.(*Channel)
	if len(args) != 1 || !strings.EqualFold(args[0], "get") {
		help(ctx, print)
		return
	}
	c.PrintAll(print)
}

// Describe implements prometheus.Collector.
func (c *Channel) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector, emitting one gauge per
// (pool name, worker index).
func (c *Channel) Collect(ch chan<- prometheus.Metric) {
	jobsDesc := prometheus.NewDesc("statis_threadpool_worker_jobs_total", "Jobs queued or running on one threadpool worker.", []string{"name", "worker"}, nil)

	for _, name := range c.names() {
		s, ok := c.get(name)
		if !ok {
			continue
		}
		info := s.Info()
		for i, n := range info.Jobs {
			ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n), name, fmt.Sprintf("%d", i))
		}
	}
}
