// Package exec runs each session as its own operating-system process.
//
// The process reads commands on stdin and writes engine output on stdout,
// one line each. Stderr goes to the debug log. Linking this package
// registers the engine under the name "exec".
package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/linechan"
)

// Name is the registry name of this engine.
const Name = "exec"

// Engine starts one process per session.
type Engine struct {
	cfg runner.ExecConfig
}

// New returns an exec engine. A zero StopTimeout means the process is
// killed as soon as Destroy finds it still running.
func New(cfg runner.ExecConfig) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("exec engine: command is required")
	}
	if cfg.StopTimeout < 0 {
		return nil, fmt.Errorf("exec engine: negative stop timeout %v", cfg.StopTimeout)
	}
	return &Engine{cfg: cfg}, nil
}

// Name implements runner.Engine.
func (e *Engine) Name() string { return Name }

// NewSession prepares a process and its pipes. The process is not started
// until Start.
func (e *Engine) NewSession(ctx context.Context) (runner.Session, error) {
	cmd := osexec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = e.cfg.StopTimeout
	if e.cfg.Dir != "" {
		cmd.Dir = e.cfg.Dir
	}
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(e.cfg.Env)...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// stdout is a plain os.Pipe rather than cmd.StdoutPipe so that Wait does
	// not close the read end while output is still being relayed.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	log := logrus.WithField("engine", Name)
	stderr := log.WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr

	return &Session{
		cmd:         cmd,
		log:         log,
		stopTimeout: e.cfg.StopTimeout,
		in:          linechan.NewWriter(stdin),
		out:         linechan.NewReader(stdoutR),
		stdoutR:     stdoutR,
		stdoutW:     stdoutW,
		stderr:      stderr,
		done:        make(chan struct{}),
	}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	list := make([]string, 0, len(keys))
	for _, k := range keys {
		list = append(list, k+"="+env[k])
	}
	return list
}

// Session is one engine process.
type Session struct {
	cmd         *osexec.Cmd
	log         *logrus.Entry
	stopTimeout time.Duration

	in      *linechan.Writer
	out     *linechan.Reader
	stdoutR *os.File
	stdoutW *os.File
	stderr  *io.PipeWriter

	mu      sync.Mutex
	started bool
	done    chan struct{} // closed when the process has exited
	exitErr error

	destroyOnce sync.Once
	destroyErr  error
}

// Start launches the process.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: session already started", runner.ErrStartFailed)
	}
	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %w", runner.ErrStartFailed, s.cmd.Path, err)
	}
	s.started = true
	// The child holds its own copy of the write end.
	_ = s.stdoutW.Close()

	s.log.Debugf("started pid %d", s.cmd.Process.Pid)
	go s.waitForExit()
	return nil
}

// Inbound implements runner.Session.
func (s *Session) Inbound() linechan.Sink { return s.in }

// Outbound implements runner.Session.
func (s *Session) Outbound() linechan.Source { return s.out }

// Done returns a channel that is closed when the process has exited. It is
// never closed for a session that was not started.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitError returns the error from the process exit, if any.
func (s *Session) ExitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// CloseInbound closes the process's stdin so it reads end of input.
func (s *Session) CloseInbound() error {
	return s.in.Close()
}

// Destroy closes stdin, waits up to the stop timeout for the process to
// exit and kills it otherwise. Later calls return the first call's result.
func (s *Session) Destroy() error {
	s.destroyOnce.Do(func() {
		s.destroyErr = s.stop()
	})
	return s.destroyErr
}

func (s *Session) stop() error {
	_ = s.in.Close()

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		select {
		case <-s.done:
		case <-time.After(s.stopTimeout):
			s.log.Debugf("pid %d still running after %v, killing", s.cmd.Process.Pid, s.stopTimeout)
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.log.Warnf("kill pid %d: %v", s.cmd.Process.Pid, err)
			}
			<-s.done
		}
	} else {
		_ = s.stdoutW.Close()
		_ = s.stderr.Close()
	}

	if err := s.stdoutR.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close stdout: %w", err)
	}
	return nil
}

func (s *Session) waitForExit() {
	err := s.cmd.Wait()
	_ = s.stderr.Close()
	// Later writes fail with ErrChannelClosed.
	_ = s.in.Close()

	s.mu.Lock()
	s.exitErr = err
	s.mu.Unlock()

	if err != nil {
		s.log.Debugf("pid %d exited: %v", s.cmd.Process.Pid, err)
	} else {
		s.log.Debugf("pid %d exited", s.cmd.Process.Pid)
	}
	close(s.done)
}
