package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pokemon-ai/multirunner/runner/linechan"
)

// Session is one isolated instance of the simulation engine.
//
// Start must be called before any line is written to Inbound. Destroy
// releases everything the session holds; afterwards writes to Inbound fail
// with ErrChannelClosed. Destroy may be called more than once.
type Session interface {
	Start() error
	Inbound() linechan.Sink
	Outbound() linechan.Source
	Destroy() error
}

// InboundCloser is implemented by sessions that can be told the outside
// input ended in the middle of a match. After CloseInbound the engine reads
// end of input and is expected to finish its outbound stream. It must be
// safe to call concurrently with Destroy.
type InboundCloser interface {
	CloseInbound() error
}

// Engine creates sessions. Sessions from one engine share nothing mutable.
type Engine interface {
	Name() string
	NewSession(ctx context.Context) (Session, error)
}

// EngineFactory builds an Engine from the run configuration.
type EngineFactory func(cfg Config) (Engine, error)

var (
	enginesMu sync.RWMutex
	engines   = map[string]EngineFactory{}
)

// RegisterEngine makes an engine available by name. Engine packages call it
// from init(). It panics on an empty name, a nil factory, or a duplicate.
func RegisterEngine(name string, factory EngineFactory) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	if name == "" || factory == nil {
		panic("runner: RegisterEngine needs a name and a factory")
	}
	if _, dup := engines[name]; dup {
		panic("runner: RegisterEngine called twice for " + name)
	}
	engines[name] = factory
}

// IsValidEngine returns true if an engine with this name is registered.
func IsValidEngine(name string) bool {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	_, ok := engines[name]
	return ok
}

// EngineNames returns the registered engine names, sorted.
func EngineNames() []string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()

	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewEngine builds the engine selected by cfg.Engine.
func NewEngine(cfg Config) (Engine, error) {
	enginesMu.RLock()
	factory, ok := engines[cfg.Engine]
	enginesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown engine %q (registered: %v)", cfg.Engine, EngineNames())
	}
	return factory(cfg)
}
