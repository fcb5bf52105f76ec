// Package testutil provides fake engines shared by the runner test packages.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/linechan"
)

// Kind selects the behaviour of a FakeEngine's sessions.
type Kind int

const (
	// Echo copies every inbound line to the outbound channel and ends the
	// outbound stream when an inbound line carries the sentinel.
	Echo Kind = iota
	// Slow is Echo with a delay before each echoed line.
	Slow
	// Crash echoes CrashAfter lines, then closes both channels.
	Crash
	// FailStart refuses to start.
	FailStart
	// Silent never writes and never ends its outbound stream until Release.
	Silent
)

func (k Kind) String() string {
	switch k {
	case Echo:
		return "echo"
	case Slow:
		return "slow"
	case Crash:
		return "crash"
	case FailStart:
		return "fail-start"
	case Silent:
		return "silent"
	default:
		return "unknown"
	}
}

// ErrFakeStart is returned by FailStart sessions.
var ErrFakeStart = errors.New("fake engine: out of resources")

// FakeEngine is a runner.Engine whose sessions run in-process.
type FakeEngine struct {
	Kind       Kind
	Delay      time.Duration // Slow only
	CrashAfter int           // Crash only

	mu        sync.Mutex
	sessions  []*FakeSession
	active    int
	maxActive int
}

// NewFakeEngine returns an engine of the given kind with small defaults.
func NewFakeEngine(kind Kind) *FakeEngine {
	return &FakeEngine{Kind: kind, Delay: 5 * time.Millisecond, CrashAfter: 1}
}

// Name implements runner.Engine.
func (e *FakeEngine) Name() string { return "fake-" + e.Kind.String() }

// NewSession implements runner.Engine.
func (e *FakeEngine) NewSession(ctx context.Context) (runner.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &FakeSession{
		engine: e,
		in:     linechan.NewQueue(),
		out:    linechan.NewQueue(),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Created returns how many sessions were created.
func (e *FakeEngine) Created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// MaxActive returns the largest number of sessions that were started and
// not yet destroyed at the same time.
func (e *FakeEngine) MaxActive() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxActive
}

// Sessions returns the sessions created so far.
func (e *FakeEngine) Sessions() []*FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*FakeSession(nil), e.sessions...)
}

func (e *FakeEngine) activate(delta int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active += delta
	if e.active > e.maxActive {
		e.maxActive = e.active
	}
}

// FakeSession is a session created by FakeEngine.
type FakeSession struct {
	engine *FakeEngine
	in     *linechan.Queue
	out    *linechan.Queue
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	destroyed int
	received  []string
}

// Start implements runner.Session.
func (s *FakeSession) Start() error {
	if s.engine.Kind == FailStart {
		return fmt.Errorf("%w: %w", runner.ErrStartFailed, ErrFakeStart)
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.engine.activate(1)
	go s.loop()
	return nil
}

// Inbound implements runner.Session.
func (s *FakeSession) Inbound() linechan.Sink { return s.in }

// Outbound implements runner.Session.
func (s *FakeSession) Outbound() linechan.Source { return s.out }

// Destroy implements runner.Session.
func (s *FakeSession) Destroy() error {
	s.mu.Lock()
	s.destroyed++
	first := s.destroyed == 1
	started := s.started
	s.mu.Unlock()
	if !first {
		return nil
	}

	s.in.Close()
	s.out.Close()
	if started {
		<-s.done
		s.engine.activate(-1)
	}
	return nil
}

// CloseInbound implements runner.InboundCloser.
func (s *FakeSession) CloseInbound() error {
	s.in.Close()
	return nil
}

// Release ends a Silent session's outbound stream.
func (s *FakeSession) Release() {
	s.out.Close()
}

// Destroyed returns how many times Destroy was called.
func (s *FakeSession) Destroyed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Received returns the inbound lines the session consumed.
func (s *FakeSession) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func (s *FakeSession) loop() {
	defer close(s.done)

	echoed := 0
	for {
		line, err := s.in.ReadLine()
		if errors.Is(err, io.EOF) {
			s.out.Close()
			return
		}
		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		if s.engine.Kind == Silent {
			continue
		}
		if strings.IndexByte(line, runner.Sentinel) >= 0 {
			s.out.Close()
			return
		}
		if s.engine.Kind == Slow {
			time.Sleep(s.engine.Delay)
		}
		_ = s.out.WriteLine(line)
		echoed++
		if s.engine.Kind == Crash && echoed >= s.engine.CrashAfter {
			s.in.Close()
			s.out.Close()
			return
		}
	}
}
