// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/golang-auth/go-sspi"
)

type contextKey struct {
	name string
}

func (k *contextKey) String() string { return "sspi/http context value " + k.name }

var connContextKey = &contextKey{"conn"}
var initiatorContextKey = &contextKey{"initiator"}
var hasCBContextKey = &contextKey{"has-cb"}

// connState holds the acceptor context of a negotiation spanning several requests
// on one connection
type connState struct {
	mu      sync.Mutex
	pending *sspi.Context
}

var connStates sync.Map // net.Conn -> *connState

// take removes and returns the pending context
func (s *connState) take() *sspi.Context {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.pending
	s.pending = nil
	return sc
}

func (s *connState) keep(sc *sspi.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.pending != sc {
		_ = s.pending.Delete()
	}
	s.pending = sc
}

func (s *connState) reset() {
	if sc := s.take(); sc != nil {
		_ = sc.Delete()
	}
}

func stateFor(c net.Conn) *connState {
	st, _ := connStates.LoadOrStore(c, &connState{})
	return st.(*connState)
}

func releaseConn(c net.Conn) {
	if st, ok := connStates.LoadAndDelete(c); ok {
		st.(*connState).reset()
	}
}

// ServerWithStashConn configures s so that handlers can find the connection of a request.
// [Handler] needs this to continue negotiations that take more than one round trip.
// Existing ConnContext and ConnState hooks are preserved.
func ServerWithStashConn(s *http.Server) *http.Server {
	connContext := s.ConnContext
	s.ConnContext = func(ctx context.Context, c net.Conn) context.Context {
		if connContext != nil {
			ctx = connContext(ctx, c)
		}
		return stashConnContext(ctx, c)
	}

	connStateHook := s.ConnState
	s.ConnState = func(c net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			releaseConn(c)
		}
		if connStateHook != nil {
			connStateHook(c, state)
		}
	}

	return s
}

// Record the net.Conn in the connection's context which is passed to Handlers
// as part of the http.Request context.
func stashConnContext(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connContextKey, c)
}

func stashInitiatorName(ctx context.Context, initiatorName *InitiatorName) context.Context {
	return context.WithValue(ctx, initiatorContextKey, initiatorName)
}

func stashHasChannelBindings(ctx context.Context, has bool) context.Context {
	return context.WithValue(ctx, hasCBContextKey, has)
}

// getConnContext returns the net.Conn from a context
func getConnContext(ctx context.Context) net.Conn {
	conn, ok := ctx.Value(connContextKey).(net.Conn)
	if !ok {
		return nil
	}
	return conn
}

// getServerContext returns the http.Server from a context
func getServerContext(ctx context.Context) *http.Server {
	server, ok := ctx.Value(http.ServerContextKey).(*http.Server)
	if !ok {
		return nil
	}
	return server
}

func getInitiatorNameContext(ctx context.Context) *InitiatorName {
	initiatorName, ok := ctx.Value(initiatorContextKey).(*InitiatorName)
	if !ok {
		return nil
	}
	return initiatorName
}

func getHasCBContext(ctx context.Context) bool {
	hasCB, ok := ctx.Value(hasCBContextKey).(bool)
	return ok && hasCB
}
