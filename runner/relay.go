package runner

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pokemon-ai/multirunner/runner/linechan"
	"github.com/pokemon-ai/multirunner/runner/trace"
)

// Sentinel marks the end of a match inside a line stream (ASCII EOT).
const Sentinel byte = 0x04

// RelayResult describes how a relay ended.
type RelayResult struct {
	Lines    int  // lines written to the sink
	Skipped  int  // lines drained after the sink reported ErrChannelClosed
	Sentinel bool // stopped on a line containing Sentinel; false means source EOF
	Err      error
}

// Relay is a running line pump. Each relay runs once and is then discarded.
type Relay struct {
	name   string
	done   chan struct{}
	result RelayResult
}

// StartRelay pumps lines from src to dst on its own goroutine. name is used
// as the diagnostics tag and in log messages.
func StartRelay(name string, src linechan.Source, dst linechan.Sink, diag trace.Sink) *Relay {
	r := &Relay{name: name, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.result = RunRelay(name, src, dst, diag)
	}()
	return r
}

// Done returns a channel that is closed when the relay has stopped.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the relay stops and returns its result. There is no
// timeout: a source that never ends and never sends the sentinel blocks
// Wait forever.
func (r *Relay) Wait() RelayResult {
	<-r.done
	return r.result
}

// RunRelay copies lines from src to dst until a line containing Sentinel has
// been forwarded or src reports io.EOF.
//
// If dst reports ErrChannelClosed the relay keeps draining src up to the
// same stop condition without writing, so the source stays framed for
// whoever reads it next. Any other error ends the relay with ErrRelayFailure.
func RunRelay(name string, src linechan.Source, dst linechan.Sink, diag trace.Sink) RelayResult {
	if diag == nil {
		diag = trace.Discard
	}
	diag.Append(name, "--NEW--\n")

	var res RelayResult
	sinkClosed := false
	for {
		line, err := src.ReadLine()
		if errors.Is(err, io.EOF) {
			return res
		}
		if err != nil {
			res.Err = fmt.Errorf("%w: %s: %w", ErrRelayFailure, name, err)
			diag.Append(name, "--FAIL-- "+err.Error()+"\n")
			return res
		}

		if sinkClosed {
			res.Skipped++
		} else if err := dst.WriteLine(line); err != nil {
			if !errors.Is(err, linechan.ErrChannelClosed) {
				res.Err = fmt.Errorf("%w: %s: %w", ErrRelayFailure, name, err)
				diag.Append(name, "--FAIL-- "+err.Error()+"\n")
				return res
			}
			logrus.Warnf("%s relay: sink closed, draining input until end of match", name)
			sinkClosed = true
			res.Skipped++
		} else {
			res.Lines++
		}
		diag.Append(name, line)

		if strings.IndexByte(line, Sentinel) >= 0 {
			res.Sentinel = true
			diag.Append(name, "--BREAK--\n")
			return res
		}
	}
}
