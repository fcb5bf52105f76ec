// Package lua runs sessions inside the process on an embedded Lua VM.
//
// The script is read once and shared by every session; each session gets a
// new Lua state, so globals set during one match are gone in the next. A
// script defines on_line(line) and optionally start() and on_close(). It
// talks back through emit(line) and finish().
//
// Linking this package registers the engine under the name "lua".
package lua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Shopify/go-lua"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/pokemon-ai/multirunner/runner"
	"github.com/pokemon-ai/multirunner/runner/linechan"
)

// Name is the registry name of this engine.
const Name = "lua"

// Engine creates Lua sessions from one script file.
type Engine struct {
	path string
	log  *logrus.Entry

	mu     sync.Mutex
	source string
	cached bool

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped chan struct{}
}

// New reads the script and, when cfg.Watch is set, starts watching it for
// changes.
func New(cfg runner.LuaConfig) (*Engine, error) {
	if cfg.Script == "" {
		return nil, errors.New("lua engine: script is required")
	}
	e := &Engine{path: cfg.Script, log: logrus.WithField("engine", Name)}
	if _, err := e.script(); err != nil {
		return nil, err
	}
	if cfg.Watch {
		if err := e.watch(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Name implements runner.Engine.
func (e *Engine) Name() string { return Name }

// NewSession implements runner.Engine.
func (e *Engine) NewSession(ctx context.Context) (runner.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Session{
		engine: e,
		in:     linechan.NewQueue(),
		out:    linechan.NewQueue(),
		done:   make(chan struct{}),
	}, nil
}

// Close stops the file watcher, if any.
func (e *Engine) Close() error {
	if e.watcher == nil {
		return nil
	}
	close(e.stop)
	err := e.watcher.Close()
	<-e.stopped
	return err
}

// script returns the cached source, reading the file when the cache is empty.
func (e *Engine) script() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cached {
		return e.source, nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return "", fmt.Errorf("lua engine: read script: %w", err)
	}
	e.source = string(data)
	e.cached = true
	e.log.Debugf("loaded script %s (%d bytes)", e.path, len(data))
	return e.source, nil
}

func (e *Engine) invalidate() {
	e.mu.Lock()
	e.cached = false
	e.mu.Unlock()
}

// watch invalidates the cache whenever the script file changes. The
// directory is watched rather than the file so editors that replace the
// file on save are still seen.
func (e *Engine) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("lua engine: create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(e.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("lua engine: watch %s: %w", filepath.Dir(e.path), err)
	}
	e.watcher = watcher
	e.stop = make(chan struct{})
	e.stopped = make(chan struct{})

	go func() {
		defer close(e.stopped)
		base := filepath.Base(e.path)
		for {
			select {
			case <-e.stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
					event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
					e.log.Debugf("script changed (%s), reloading on next session", event.Op)
					e.invalidate()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.log.Warnf("watch %s: %v", e.path, err)
			}
		}
	}()
	return nil
}

// Session is one Lua state fed from an in-memory inbound queue.
type Session struct {
	engine *Engine
	in     *linechan.Queue
	out    *linechan.Queue
	state  *lua.State

	finished atomic.Bool

	mu        sync.Mutex
	started   bool
	destroyed bool
	done      chan struct{}
}

// Start loads the script into a new state and calls start() if defined.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%w: session already started", runner.ErrStartFailed)
	}
	if s.destroyed {
		return fmt.Errorf("%w: session destroyed", runner.ErrStartFailed)
	}

	source, err := s.engine.script()
	if err != nil {
		return fmt.Errorf("%w: %w", runner.ErrStartFailed, err)
	}

	l := lua.NewState()
	lua.OpenLibraries(l)
	l.Register("emit", s.emit)
	l.Register("finish", s.finish)

	if err := lua.LoadBuffer(l, source, "@"+s.engine.path, ""); err != nil {
		return fmt.Errorf("%w: load %s: %w", runner.ErrStartFailed, s.engine.path, err)
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return fmt.Errorf("%w: run %s: %w", runner.ErrStartFailed, s.engine.path, err)
	}
	if !hasFunction(l, "on_line") {
		return fmt.Errorf("%w: %s does not define on_line", runner.ErrStartFailed, s.engine.path)
	}
	if err := callHook(l, "start"); err != nil {
		return fmt.Errorf("%w: start(): %w", runner.ErrStartFailed, err)
	}

	s.state = l
	s.started = true
	go s.loop()
	return nil
}

// Inbound implements runner.Session.
func (s *Session) Inbound() linechan.Sink { return s.in }

// Outbound implements runner.Session.
func (s *Session) Outbound() linechan.Source { return s.out }

// CloseInbound ends the script's input. on_close() runs once the queued
// lines have been handled.
func (s *Session) CloseInbound() error {
	s.in.Close()
	return nil
}

// Destroy closes both channels and waits for the script to return. A script
// stuck in an endless loop keeps Destroy waiting.
func (s *Session) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	started := s.started
	s.mu.Unlock()

	s.in.Close()
	if started {
		<-s.done
	}
	s.out.Close()
	return nil
}

func (s *Session) loop() {
	defer close(s.done)
	defer s.out.Close()

	for {
		if s.finished.Load() {
			s.in.Close()
			return
		}
		line, err := s.in.ReadLine()
		if errors.Is(err, io.EOF) {
			if err := callHook(s.state, "on_close"); err != nil {
				s.engine.log.Warnf("on_close: %v", err)
			}
			return
		}
		if err := callHook(s.state, "on_line", strings.TrimSuffix(line, "\n")); err != nil {
			s.engine.log.Warnf("on_line: %v", err)
			s.in.Close()
			return
		}
	}
}

func (s *Session) emit(l *lua.State) int {
	line := lua.CheckString(l, 1)
	if err := s.out.WriteLine(line); err != nil {
		s.engine.log.Debugf("emit after finish dropped: %q", line)
	}
	return 0
}

func (s *Session) finish(_ *lua.State) int {
	s.finished.Store(true)
	s.out.Close()
	return 0
}

func hasFunction(l *lua.State, name string) bool {
	l.Global(name)
	defer l.Pop(1)
	return l.IsFunction(-1)
}

// callHook calls the global function name with string arguments. A hook the
// script does not define is skipped.
func callHook(l *lua.State, name string, args ...string) error {
	l.Global(name)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil
	}
	for _, arg := range args {
		l.PushString(arg)
	}
	if err := l.ProtectedCall(len(args), 0, 0); err != nil {
		l.SetTop(0)
		return err
	}
	return nil
}
