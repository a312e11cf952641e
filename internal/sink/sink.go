// Package sink defines the opaque logging collaborator used by every
// component of the proxy. Nothing in this module calls the log package
// directly; everything goes through a Sink so tests can capture output and
// so the logging backend can be swapped without touching call sites.
package sink

import (
	"io"
	"log"
)

// Sink is the minimal logging interface every component depends on.
type Sink interface {
	Printf(format string, args ...any)
}

// logger adapts a *log.Logger to Sink, prefixing every line with
// "[component] " the way the rest of this pack's log output is structured.
type logger struct {
	l *log.Logger
}

// New returns a Sink that writes "[component] message" lines to w.
func New(w io.Writer, component string) Sink {
	return &logger{l: log.New(w, "["+component+"] ", log.LstdFlags)}
}

func (s *logger) Printf(format string, args ...any) {
	s.l.Printf(format, args...)
}

// Discard is a Sink that drops everything; used in tests that don't care
// about log output.
var Discard Sink = discard{}

type discard struct{}

func (discard) Printf(string, ...any) {}
