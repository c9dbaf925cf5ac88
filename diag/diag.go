// Package diag implements the diagnostic command registry and CLI
// dispatch shim (§6): applications embed this library and register
// named commands; Dispatch formats a session's worth of output into a
// single string, the Go analogue of cmdline.cpp's CmdSet/CmdSession
// pair. "help" is a reserved name, and every registered name is
// case-insensitive-unique, exactly as spec.md §6 requires.
//
// Unlike the original, a dispatch session's output buffer is a plain
// local *strings.Builder rather than a thread-id-keyed global map: Go
// closures already let Dispatch hand each command a print callback
// bound to its own session, so there is no need to recover "my"
// session from a lookup keyed by the calling OS thread. Each session is
// still tagged with a uuid for correlation in logs, matching the spirit
// of the original's per-caller session handle.
package diag

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// sessionCap mirrors MAX_BUF_SIZE: a dispatch session's accumulated
// output is capped at 1 MiB.
const sessionCap = 1 << 20

// ErrInvalidArgument is returned by Register when name, help, or
// handler is missing.
var ErrInvalidArgument = errors.New("diag: invalid argument")

// ErrReserved is returned by Register for the name "help".
var ErrReserved = errors.New("diag: \"help\" is a reserved command name")

// ErrAlreadyRegistered is returned by Register on a duplicate name
// (case-insensitive).
var ErrAlreadyRegistered = errors.New("diag: command already registered")

// PrintFunc formats one line of diagnostic output into the calling
// dispatch session, the Go analogue of the original's variadic
// print(const char *, ...) callback.
type PrintFunc func(format string, args ...any)

// HelpFunc renders a command's usage text.
type HelpFunc func(ctx any, print PrintFunc)

// HandlerFunc executes a command. args excludes the command name
// itself (argv[0] in the original).
type HandlerFunc func(ctx any, print PrintFunc, args []string)

type command struct {
	name    string
	ctx     any
	help    HelpFunc
	handler HandlerFunc
}

// Registry is a name -> command table plus dispatch logic. The zero
// value is not usable; construct with New.
type Registry struct {
	mu    sync.RWMutex
	cmds  map[string]*command
	order []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{cmds: make(map[string]*command)}
}

// Register adds a command under name (case-insensitive). help and
// handler must be non-nil; name must not be "help".
func (r *Registry) Register(name string, ctx any, help HelpFunc, handler HandlerFunc) error {
	if name == "" || help == nil || handler == nil {
		return ErrInvalidArgument
	}
	key := strings.ToLower(name)
	if key == "help" {
		return ErrReserved
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cmds[key]; exists {
		return ErrAlreadyRegistered
	}
	r.cmds[key] = &command{name: name, ctx: ctx, help: help, handler: handler}
	r.order = append(r.order, key)
	return nil
}

// Unregister removes name, if present. A no-op otherwise.
func (r *Registry) Unregister(name string) {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cmds[key]; !ok {
		return
	}
	delete(r.cmds, key)
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) find(name string) (*command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[strings.ToLower(name)]
	return c, ok
}

func (r *Registry) ordered() []*command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*command, 0, len(r.order))
	for _, k := range r.order {
		if c, ok := r.cmds[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

const (
	helpAll = iota
	helpOne
	helpNone
)

func (r *Registry) helpMode(args []string) int {
	if len(args) == 0 {
		return helpAll
	}
	if strings.EqualFold(args[0], "help") {
		if len(args) == 1 {
			return helpAll
		}
		if _, ok := r.find(args[1]); ok {
			return helpOne
		}
		return helpAll
	}
	if _, ok := r.find(args[0]); !ok {
		return helpAll
	}
	return helpNone
}

// session accumulates a dispatch call's output, silently truncating
// once sessionCap is reached (matching CmdSession::Printf's "drop once
// the reserve runs low" behaviour) rather than growing unbounded.
type session struct {
	id  uuid.UUID
	buf strings.Builder
}

// ID identifies this dispatch session, useful for correlating log
// entries emitted by a command's handler with its eventual output.
func (s *session) ID() uuid.UUID { return s.id }

func (s *session) print(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	remaining := sessionCap - s.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(line) > remaining {
		line = line[:remaining]
	}
	s.buf.WriteString(line)
	s.buf.WriteByte('\n')
}

// Dispatch runs one command line: args[0] is the command name unless
// args[0] is "help" (or is omitted, or names an unregistered command),
// in which case help text is produced instead of running a handler —
// mirroring _need_help's HELP_ALL/HELP_ONE/HELP_NONE routing. Returns
// the session's accumulated output, or "" if args names no registered
// command and no help applies.
func (r *Registry) Dispatch(args []string) string {
	se := &session{id: uuid.New()}

	switch r.helpMode(args) {
	case helpAll:
		for _, c := range r.ordered() {
			c.help(c.ctx, se.print)
		}
	case helpOne:
		if c, ok := r.find(args[1]); ok {
			c.help(c.ctx, se.print)
		}
	default:
		c, ok := r.find(args[0])
		if !ok {
			return ""
		}
		c.handler(c.ctx, se.print, args[1:])
	}

	return se.buf.String()
}
