// Package logifaceadapter lets a github.com/joeycumines/logiface pipeline
// back a logx.Logger, the way eventloop's own test suite builds a
// logiface.Logger[*testEvent] and hands it to the event loop via
// WithLogger.
package logifaceadapter

import (
	"fmt"

	"github.com/joeycumines/logiface"

	"github.com/lihb2113/statis/logx"
)

// Adapter wraps a generic *logiface.Logger[logiface.Event] as a logx.Logger.
type Adapter struct {
	L *logiface.Logger[logiface.Event]
}

// New wraps logger as a logx.Logger.
func New(logger *logiface.Logger[logiface.Event]) *Adapter {
	return &Adapter{L: logger}
}

func toLogifaceLevel(l logx.Level) logiface.Level {
	switch l {
	case logx.LevelDebug:
		return logiface.LevelDebug
	case logx.LevelInfo:
		return logiface.LevelInformational
	case logx.LevelWarn:
		return logiface.LevelWarning
	case logx.LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

func (a *Adapter) Enabled(level logx.Level) bool {
	if a == nil || a.L == nil {
		return false
	}
	return a.L.Build(toLogifaceLevel(level)).Enabled()
}

func (a *Adapter) Log(entry logx.Entry) {
	if a == nil || a.L == nil {
		return
	}
	b := a.L.Build(toLogifaceLevel(entry.Level))
	if !b.Enabled() {
		return
	}
	b = b.Str("category", string(entry.Category))
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	for k, v := range entry.Fields {
		b = b.Str(k, fmt.Sprint(v))
	}
	b.Log(entry.Message)
}
