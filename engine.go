// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
)

// Engine drives credential acquisition, context negotiation and message protection
// over the packages held by a Registry.  An Engine is safe for concurrent use.
type Engine struct {
	registry   *Registry
	identities IdentityStore
	logger     *slog.Logger
	now        func() time.Time

	// negotiating contexts.  A context abandoned without Delete is dropped once it is
	// collected.
	mu       sync.Mutex
	inflight map[uuid.UUID]weak.Pointer[Context]
	cancel   func()
}

// EngineOption configures an Engine
type EngineOption func(e *Engine)

// WithLogger sets the logger used by the engine and passed to packages.  The default
// discards all records.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithIdentityStore sets the identity store passed to packages during credential acquisition
func WithIdentityStore(s IdentityStore) EngineOption {
	return func(e *Engine) {
		e.identities = s
	}
}

// WithClock replaces the time source used for lifetimes
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine returns an engine using the packages of reg
func NewEngine(reg *Registry, opts ...EngineOption) (*Engine, error) {
	if reg == nil {
		return nil, newStatus(statusInvalidParameter, fmt.Errorf("nil registry"))
	}

	e := &Engine{
		registry:   reg,
		identities: NewMemoryIdentityStore(),
		logger:     slog.New(slog.DiscardHandler),
		now:        time.Now,
		inflight:   make(map[uuid.UUID]weak.Pointer[Context]),
	}

	for _, o := range opts {
		o(e)
	}

	e.cancel = reg.Subscribe(e.packageChanged)

	return e, nil
}

// Close detaches the engine from its registry.  Existing contexts stay usable for
// message protection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}

	return nil
}

// Registry returns the registry the engine was created with
func (e *Engine) Registry() *Registry {
	return e.registry
}

// EnumeratePackages lists the registered packages
func (e *Engine) EnumeratePackages() []PackageInfo {
	return e.registry.Enumerate()
}

// QueryPackage returns the description of the named package
func (e *Engine) QueryPackage(name string) (PackageInfo, error) {
	return e.registry.Query(name)
}

// FreeBuffer zeroes and releases an engine-owned buffer.  Caller owned buffers are left alone.
func (e *Engine) FreeBuffer(b *Buffer) error {
	if b == nil {
		return newStatus(statusInvalidParameter, fmt.Errorf("nil buffer"))
	}
	if b.Owner != OwnerEngine {
		return fmt.Errorf("%w: buffer is caller owned", ErrNotOwner)
	}

	releaseBuffer(b)
	return nil
}

func (e *Engine) track(sc *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inflight[sc.id]; ok {
		return
	}
	e.inflight[sc.id] = weak.Make(sc)
	runtime.AddCleanup(sc, e.untrackID, sc.id)
}

func (e *Engine) untrack(sc *Context) {
	e.untrackID(sc.id)
}

func (e *Engine) untrackID(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, id)
}

// Contexts that are still negotiating with a package that goes away fail on their next leg
func (e *Engine) packageChanged(ev PackageEvent) {
	if ev.Kind == PackageAdded {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, wp := range e.inflight {
		sc := wp.Value()
		if sc == nil {
			delete(e.inflight, id)
			continue
		}
		if strings.EqualFold(sc.pkg.info.Name, ev.Name) {
			sc.packageGone.Store(true)
			e.logger.Debug("package changed under negotiating context", "context", sc.id,
				"package", ev.Name, "event", ev.Kind, "generation", ev.Generation)
		}
	}
}
