// Package costat is the coroutine-manager statistics channel: a
// name -> coroutine.Manager registry that (a) registers a "costat"
// diagnostic command producing the same tabular dump as costat.cpp's
// CostatMgr::PrintAll, and (b) doubles as a prometheus.Collector
// exposing the same per-operation counters, per SPEC_FULL.md's
// Supplemented feature 1.
package costat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lihb2113/statis/coroutine"
	"github.com/lihb2113/statis/diag"
)

const cmdName = "costat"

// Source is anything that can report and reset coroutine.Info, which
// *coroutine.Manager satisfies directly.
type Source interface {
	Info() coroutine.Info
	ResetInfo()
}

// Channel is a live registry of named coroutine managers, wired into a
// diag.Registry as the "costat" command.
type Channel struct {
	mu   sync.Mutex
	reg  *diag.Registry
	srcs map[string]Source
}

// New creates a Channel that will register/unregister the "costat"
// command against reg as handles come and go.
func New(reg *diag.Registry) *Channel {
	return &Channel{reg: reg, srcs: make(map[string]Source)}
}

// Register adds mgr under name. The first registration installs the
// "costat" command; registering a name twice is a silent no-op,
// matching CostatMgr::Register's "already registered" log-and-ignore.
func (c *Channel) Register(name string, mgr Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.srcs[name]; exists {
		return
	}
	if len(c.srcs) == 0 {
		_ = c.reg.Register(cmdName, c, help, dispatch)
	}
	c.srcs[name] = mgr
}

// Unregister removes name. Once the last handle is gone, the "costat"
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

// ResetAll resets every registered manager's operation counters.
func (c *Channel) ResetAll() {
	for _, name := range c.names() {
		if s, ok := c.get(name); ok {
			s.ResetInfo()
		}
	}
}

// ops mirrors lwt_op[]'s fixed display order.
var ops = []coroutine.Op{coroutine.OpQueue, coroutine.OpRun, coroutine.OpSche, coroutine.OpSemup}

// PrintAll renders the per-operation latency table followed by the
// per-lane distribution table, matching CostatMgr::PrintAll's two
// sections.
func (c *Channel) PrintAll(print diag.PrintFunc) {
	print("---------------------------------------------------------------------")
	print("| %-10s | %-10s | %8s | %8s | %10s |", "Name", "Operation", "Doing", "Average", "Max")

	for _, name := range c.names() {
		s, ok := c.get(name)
		if !ok {
			continue
		}
		print("|------------|------------|------------|------------|------------|")
		info := s.Info()
		for i, op := range ops {
			opInfo := info.Ops[op.String()]
			doing := int64(0)
			if opInfo.Begin > opInfo.End {
				doing = opInfo.Begin - opInfo.End
			}
			avg := int64(0)
			if opInfo.End != 0 {
				avg = opInfo.Delay / opInfo.End
			}
			label := name
			if i != 0 {
				label = " "
			}
			print("| %-10s | %-10s | %8d | %8d | %10d |", label, op.String(), doing, avg, opInfo.Max)
		}
	}
	print("---------------------------------------------------------------------")

	print("")
	print("---------------------------------------------------------------------")
	print("|    Name    |   Lanes   |   LUse    | Running per lane")
	for _, name := range c.names() {
		s, ok := c.get(name)
		if !ok {
			continue
		}
		info := s.Info()
		used := 0
		for _, n := range info.Lanes {
			if n > 0 {
				used++
			}
		}
		lanes := make([]string, len(info.Lanes))
		for i, n := range info.Lanes {
			lanes[i] = fmt.Sprintf("%d", n)
		}
		print("| %-10s | %9d | %9d | %s", name, len(info.Lanes), used, strings.Join(lanes, " "))
	}
	print("---------------------------------------------------------------------")
}

func help(_ any, print diag.PrintFunc) {
	print("Usage: \t%-10s %-10s{help information}", cmdName, "help")
	print("\t%-10s %-10s{get statistic data}", cmdName, "get")
	print("\t%-10s %-10s{reset statistic data}", cmdName, "reset")
}

func dispatch(ctx any, print diag.PrintFunc, args []string) {
	c := ctx.(*Channel)
	if len(args) != 1 {
		help(ctx, print)
		return
	}
	switch strings.ToLower(args[0]) {
	case "get":
		c.PrintAll(print)
	case "reset":
		c.ResetAll()
	default:
		help(ctx, print)
	}
}

// Describe implements prometheus.Collector.
func (c *Channel) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector, emitting one delay counter
// and one max gauge per (manager name, operation).
func (c *Channel) Collect(ch chan<- prometheus.Metric) {
	delayDesc := prometheus.NewDesc("statis_coroutine_op_delay_micros_total", "Summed microseconds spent in a coroutine-manager operation.", []string{"name", "op"}, nil)
	maxDesc := prometheus.NewDesc("statis_coroutine_op_max_micros", "Longest single span observed for a coroutine-manager operation.", []string{"name", "op"}, nil)

	for _, name := range c.names() {
		s, ok := c.get(name)
		if !ok {
			continue
		}
		info := s.Info()
		for _, op := range ops {
			opInfo := info.Ops[op.String()]
			ch <- prometheus.MustNewConstMetric(delayDesc, prometheus.CounterValue, float64(opInfo.Delay), name, op.String())
			ch <- prometheus.MustNewConstMetric(maxDesc, prometheus.GaugeValue, float64(opInfo.Max), name, op.String())
		}
	}
}
