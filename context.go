// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
)

// ContextState is the negotiation state of a Context
type ContextState int

const (
	StateUninitialized ContextState = iota
	StateNegotiating
	StateEstablished
	StateFailed
)

func (s ContextState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateNegotiating:
		return "negotiating"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	}

	return fmt.Sprintf("ContextState(%d)", int(s))
}

// Context is a security context between an initiator and an acceptor.  It is created by
// the first call to InitializeSecurityContext or AcceptSecurityContext and is owned by
// the caller until Delete is called.
type Context struct {
	id     uuid.UUID
	engine *Engine
	side   Side
	pkg    *registeredPackage
	target string

	// credentials are owned by the caller: a context never keeps one alive
	cred   weak.Pointer[Credential]
	credID uuid.UUID

	// held for the duration of a negotiation leg
	legMu sync.Mutex

	// read locked around mechanism calls made by message protection and queries, write
	// locked to close the mechanism
	protMu sync.RWMutex

	mu         sync.RWMutex
	state      ContextState
	mech       Mechanism
	requested  ContextFlag
	attributes ContextFlag
	lifetime   Lifetime
	legs       int
	failure    error
	exported   bool

	pending       []byte
	pendingResult NegotiationStatus

	packageGone atomic.Bool
	deleted     atomic.Bool

	out sequenceWindow
	in  sequenceWindow
}

func newContext(e *Engine, side Side, cred *Credential, el *credElement, target string) *Context {
	sc := &Context{
		id:       uuid.New(),
		engine:   e,
		side:     side,
		pkg:      el.pkg,
		target:   target,
		state:    StateUninitialized,
		lifetime: IndefiniteLifetime,
	}

	if cred != nil {
		sc.cred = weak.Make(cred)
		sc.credID = cred.id
	}

	return sc
}

// ID returns the unique identifier of the context
func (sc *Context) ID() uuid.UUID {
	return sc.id
}

// Side reports whether the context is an initiator or an acceptor
func (sc *Context) Side() Side {
	return sc.side
}

// Target returns the target name given by the initiator
func (sc *Context) Target() string {
	return sc.target
}

// State returns the negotiation state
func (sc *Context) State() ContextState {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.state
}

// Failure returns the error that moved the context to StateFailed, or nil
func (sc *Context) Failure() error {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.failure
}

// Delete destroys the context and zeroes its key material.  It is safe in any state and
// does not wait for an in-flight negotiation leg, which observes the deletion when it
// returns.  Deleting a context twice returns ErrInvalidHandle.
func (sc *Context) Delete() error {
	if sc == nil || !sc.deleted.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: context already deleted", ErrInvalidHandle)
	}

	sc.engine.untrack(sc)

	if sc.legMu.TryLock() {
		sc.closeMechanism()
		sc.legMu.Unlock()
	}

	sc.engine.logger.Debug("deleted context", "context", sc.id)
	return nil
}

func (sc *Context) closeMechanism() {
	sc.mu.Lock()
	mech := sc.mech
	sc.mech = nil
	clear(sc.pending)
	sc.pending = nil
	sc.mu.Unlock()

	sc.closeMech(mech)
}

func (sc *Context) closeMech(mech Mechanism) {
	if mech == nil {
		return
	}

	sc.protMu.Lock()
	defer sc.protMu.Unlock()

	if err := mech.Close(); err != nil {
		sc.engine.logger.Debug("closing mechanism", "context", sc.id, "error", err)
	}
}

// fail moves the context to StateFailed.  The mechanism is closed so that its keys are
// zeroed; the failure stays queryable.
func (sc *Context) fail(err error) {
	sc.mu.Lock()
	sc.state = StateFailed
	sc.failure = err
	mech := sc.mech
	sc.mech = nil
	clear(sc.pending)
	sc.pending = nil
	sc.mu.Unlock()

	sc.closeMech(mech)
	sc.engine.untrack(sc)
	sc.engine.logger.Debug("context failed", "context", sc.id, "package", sc.pkg.info.Name, "error", err)
}

// usable returns the mechanism of an established, active context
func (sc *Context) usable() (Mechanism, ContextFlag, error) {
	if sc == nil || sc.deleted.Load() {
		return nil, 0, ErrInvalidHandle
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	switch {
	case sc.exported:
		return nil, 0, fmt.Errorf("%w: context has been exported", ErrInvalidHandle)
	case sc.state != StateEstablished:
		return nil, 0, fmt.Errorf("%w: context is %s", ErrNotEstablished, sc.state)
	case sc.mech == nil:
		return nil, 0, ErrInvalidHandle
	}

	return sc.mech, sc.attributes, nil
}

// credential returns the live credential the context was created from
func (sc *Context) credential() (*Credential, error) {
	c := sc.cred.Value()
	if c == nil || c.released.Load() {
		return nil, ErrCredentialReleased
	}

	return c, nil
}

// sequenceWindow tracks the sequence numbers of one message direction
type sequenceWindow struct {
	mu   sync.Mutex
	next uint64
	used bool
}

// check validates seq against the granted flags.  Must be called with mu held.
func (w *sequenceWindow) check(flags ContextFlag, seq uint64) error {
	if seq > math.MaxUint32 && !flags.Has(ContextReqExtendedSequence) {
		return fmt.Errorf("%w: sequence number %d needs extended sequence numbers", ErrSequenceExhausted, seq)
	}
	// the last 64-bit sequence number was used
	if w.used && w.next == 0 {
		return fmt.Errorf("%w: sequence number space wrapped", ErrSequenceExhausted)
	}

	switch {
	case flags.Has(ContextReqSequenceDetect):
		if seq == w.next {
			return nil
		}
		if seq < w.next && flags.Has(ContextReqReplayDetect) {
			return fmt.Errorf("%w: sequence number %d reused", ErrSequence, seq)
		}
		return fmt.Errorf("%w: got %d, expected %d", ErrOutOfSequence, seq, w.next)

	case flags.Has(ContextReqReplayDetect):
		if w.used && seq < w.next {
			return fmt.Errorf("%w: sequence number %d reused", ErrSequence, seq)
		}
	}

	return nil
}

// commit records seq as used.  Must be called with mu held.
func (w *sequenceWindow) commit(seq uint64) {
	if !w.used || seq >= w.next {
		w.next = seq + 1
	}
	w.used = true
}

func (w *sequenceWindow) snapshot() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.next, w.used
}

func (w *sequenceWindow) restore(next uint64, used bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.next, w.used = next, used
}

func (w *sequenceWindow) reset() {
	w.restore(0, false)
}
