package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pokemon-ai/multirunner/runner/linechan"
	"github.com/pokemon-ai/multirunner/runner/trace"
)

// Framing markers written around each match's output.
const (
	MarkerStart = "START\n"
	MarkerEnd   = "END\n"
)

// Diagnostics tags.
const (
	TagInbound    = "inbound"
	TagOutbound   = "outbound"
	TagSupervisor = "supervisor"
)

// Ledger persists iteration records. Failures are logged, never fatal.
type Ledger interface {
	RecordIteration(ctx context.Context, rec trace.IterationRecord) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithUnbounded makes the supervisor skip the count line and run one
// iteration per block of input until the input ends.
func WithUnbounded() Option {
	return func(s *Supervisor) { s.unbounded = true }
}

// WithDiagnostics routes relay traffic and lifecycle markers to sink.
func WithDiagnostics(sink trace.Sink) Option {
	return func(s *Supervisor) {
		if sink != nil {
			s.diag = sink
		}
	}
}

// WithLedger records every iteration in l.
func WithLedger(l Ledger) Option {
	return func(s *Supervisor) { s.ledger = l }
}

// WithRunID sets the identifier stamped on iteration records.
func WithRunID(id string) Option {
	return func(s *Supervisor) { s.runID = id }
}

// Supervisor owns the iteration loop and the lifecycle of every Session.
// Only one session exists at a time; the next one is not created until the
// previous one has been destroyed.
type Supervisor struct {
	engine Engine
	in     linechan.Source
	out    linechan.Sink

	unbounded bool
	diag      trace.Sink
	ledger    Ledger
	runID     string

	trace     *trace.RunTrace
	inputDone bool
}

// New returns a supervisor that reads commands from in and writes framed
// engine output to out.
func New(engine Engine, in linechan.Source, out linechan.Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		engine: engine,
		in:     in,
		out:    out,
		diag:   trace.Discard,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runID == "" {
		s.runID = time.Now().UTC().Format("20060102T150405.000000000")
	}
	s.trace = trace.NewRunTrace(s.runID, engine.Name())
	return s
}

// Trace returns the records of the iterations run so far.
func (s *Supervisor) Trace() *trace.RunTrace {
	return s.trace
}

// ParseCount parses a repetition count line. Surrounding whitespace is
// ignored; anything else that is not a base-10 integer is ErrMalformedCount.
func ParseCount(line string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedCount, strings.TrimSpace(line))
	}
	return n, nil
}

// Run executes iterations until the count is used up (bounded mode) or the
// input ends (unbounded mode). It returns nil on a clean finish, including
// a malformed or non-positive count. ErrStartFailed and ErrRelayFailure are
// returned as soon as they happen; the failed iteration gets no END marker.
func (s *Supervisor) Run(ctx context.Context) error {
	remaining, err := s.readCount()
	if err != nil {
		return err
	}

	for index := 0; ; index++ {
		if !s.unbounded && remaining <= 0 {
			return nil
		}
		if s.unbounded && !s.moreInput() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.unbounded {
			s.diag.Append(TagSupervisor, fmt.Sprintf("remaining %d\n", remaining))
		}
		if err := s.iterate(ctx, index); err != nil {
			return err
		}
		if !s.unbounded {
			remaining--
		}
	}
}

func (s *Supervisor) readCount() (int, error) {
	if s.unbounded {
		return 0, nil
	}
	line, err := s.in.ReadLine()
	if errors.Is(err, io.EOF) {
		logrus.Debug("input ended before a repetition count was read")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: reading repetition count: %w", ErrRelayFailure, err)
	}
	n, err := ParseCount(line)
	if err != nil {
		logrus.Warnf("%v; nothing to run", err)
		return 0, nil
	}
	s.diag.Append(TagSupervisor, fmt.Sprintf("count %d\n", n))
	logrus.Debugf("running %d iterations on engine %s", n, s.engine.Name())
	return n, nil
}

func (s *Supervisor) moreInput() bool {
	if s.inputDone {
		return false
	}
	if p, ok := s.in.(linechan.Peeker); ok {
		return p.More()
	}
	return true
}

// iterate runs one full session lifecycle.
func (s *Supervisor) iterate(ctx context.Context, index int) error {
	rec := trace.IterationRecord{Index: index, StartedAt: time.Now()}

	sess, err := s.engine.NewSession(ctx)
	if err != nil {
		return s.fail(ctx, rec, trace.StatusStartFailed, fmt.Errorf("%w: create session: %w", ErrStartFailed, err))
	}
	if err := sess.Start(); err != nil {
		_ = sess.Destroy()
		if !errors.Is(err, ErrStartFailed) {
			err = fmt.Errorf("%w: %w", ErrStartFailed, err)
		}
		return s.fail(ctx, rec, trace.StatusStartFailed, err)
	}

	inbound := StartRelay(TagInbound, s.in, sess.Inbound(), s.diag)
	inputClosed := make(chan struct{})
	go func() {
		defer close(inputClosed)
		res := inbound.Wait()
		if res.Sentinel || res.Err != nil {
			return
		}
		// Outside input ended without finishing the match.
		if c, ok := sess.(InboundCloser); ok {
			if err := c.CloseInbound(); err != nil {
				logrus.Warnf("iteration %d: close session input: %v", index, err)
			}
		}
	}()

	// START goes out before the outbound relay exists, so no engine line can
	// overtake it.
	if err := s.out.WriteLine(MarkerStart); err != nil {
		_ = sess.Destroy()
		return s.fail(ctx, rec, trace.StatusRelayFailed, fmt.Errorf("%w: writing START: %w", ErrRelayFailure, err))
	}
	outbound := StartRelay(TagOutbound, sess.Outbound(), s.out, s.diag)

	out := outbound.Wait()
	s.diag.Append(TagOutbound, "--FIN--\n")
	rec.OutboundLines = out.Lines
	rec.OutboundSentinel = out.Sentinel
	rec.SkippedLines += out.Skipped
	if out.Err != nil {
		logrus.Errorf("iteration %d: %v", index, out.Err)
		_ = sess.Destroy()
		return s.fail(ctx, rec, trace.StatusRelayFailed, out.Err)
	}

	if err := s.out.WriteLine(MarkerEnd); err != nil {
		_ = sess.Destroy()
		return s.fail(ctx, rec, trace.StatusRelayFailed, fmt.Errorf("%w: writing END: %w", ErrRelayFailure, err))
	}

	in := inbound.Wait()
	<-inputClosed
	s.diag.Append(TagInbound, "--FIN--\n")
	rec.InboundLines = in.Lines
	rec.InboundSentinel = in.Sentinel
	rec.SkippedLines += in.Skipped
	if !in.Sentinel {
		s.inputDone = true
	}
	if in.Err != nil {
		logrus.Errorf("iteration %d: %v", index, in.Err)
		_ = sess.Destroy()
		return s.fail(ctx, rec, trace.StatusRelayFailed, in.Err)
	}

	if err := sess.Destroy(); err != nil {
		logrus.Warnf("iteration %d: destroy session: %v", index, err)
	}

	rec.Status = trace.StatusCompleted
	rec.FinishedAt = time.Now()
	s.record(ctx, rec)
	logrus.Debugf("iteration %d done: %d lines in, %d lines out in %v",
		index, rec.InboundLines, rec.OutboundLines, rec.Duration())
	return nil
}

func (s *Supervisor) fail(ctx context.Context, rec trace.IterationRecord, status trace.Status, err error) error {
	rec.Status = status
	rec.Error = err.Error()
	rec.FinishedAt = time.Now()
	s.diag.Append(TagSupervisor, fmt.Sprintf("iteration %d %s: %v\n", rec.Index, status, err))
	s.record(ctx, rec)
	return err
}

func (s *Supervisor) record(ctx context.Context, rec trace.IterationRecord) {
	s.trace.Record(rec)
	if s.ledger == nil {
		return
	}
	if err := s.ledger.RecordIteration(ctx, s.trace.Iterations[len(s.trace.Iterations)-1]); err != nil {
		logrus.Warnf("ledger: iteration %d: %v", rec.Index, err)
	}
}
