// Package linechan provides line-framed text conduits.
//
// A channel is unidirectional: a Source yields complete lines, a Sink
// accepts them. Lines always carry their trailing '\n'. Reader and Writer
// bind a channel to an OS endpoint (process stdio, a child's pipes); Queue
// is an in-memory pair for engines that run inside the process.
package linechan

import (
	"errors"
	"io"
	"os"
	"strings"
	"syscall"
)

// ErrChannelClosed is returned by writes on a channel that has been closed.
var ErrChannelClosed = errors.New("line channel closed")

// Source yields complete lines. ReadLine returns io.EOF once the channel is
// exhausted; it never returns a partial line.
type Source interface {
	ReadLine() (string, error)
}

// Sink accepts lines. Writes on one Sink keep their relative order.
type Sink interface {
	WriteLine(line string) error
}

// Peeker is implemented by sources that can report whether more input is
// coming without consuming it. More blocks until a byte is available (true)
// or the source is exhausted (false).
type Peeker interface {
	More() bool
}

// Terminate returns line with exactly one trailing newline appended when it
// has none.
func Terminate(line string) string {
	if strings.HasSuffix(line, "\n") {
		return line
	}
	return line + "\n"
}

// SplitLines breaks text into terminated lines. The last line gets a
// newline when it has none; empty text is one empty line.
func SplitLines(text string) []string {
	parts := strings.SplitAfter(Terminate(text), "\n")
	return parts[:len(parts)-1]
}

// isClosedErr reports whether err means the far side of an OS endpoint is gone.
func isClosedErr(err error) bool {
	return errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.EPIPE)
}
