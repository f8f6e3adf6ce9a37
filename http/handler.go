// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/mech/negotiate"
)

// InitiatorName is the authenticated name of the client
type InitiatorName struct {
	// PrincipalName is the name the initiator authenticated as
	PrincipalName string

	// Package is the security package that authenticated the initiator
	Package string
}

// GetInitiatorName returns the initiator name from the request context if available
// This can be used by the 'next' http handler called by [Handler.ServeHTTP]
func GetInitiatorName(r *http.Request) (*InitiatorName, bool) {
	in := getInitiatorNameContext(r.Context())
	return in, in != nil
}

// HasChannelBindings reports whether the context that authenticated r verified the TLS
// channel bindings
func HasChannelBindings(r *http.Request) bool {
	return getHasCBContext(r.Context())
}

// Handler is a http.Handler that performs Negotiate authentication and passes the initiator name to the next handler
type Handler struct {
	engine                    *sspi.Engine
	pkgName                   string
	credential                *sspi.Credential
	next                      http.Handler
	channelBindingDisposition ChannelBindingDisposition
	logFunc                   func(format string, args ...interface{})
}

// HandlerOption is a function that can be used to configure the Handler
type HandlerOption func(s *Handler)

// WithAcceptorCredential sets the inbound credential for the Handler
func WithAcceptorCredential(credential *sspi.Credential) HandlerOption {
	return func(s *Handler) {
		s.credential = credential
	}
}

// WithAcceptorPackage selects the package of the credential acquired when none is supplied
func WithAcceptorPackage(name string) HandlerOption {
	return func(s *Handler) {
		s.pkgName = name
	}
}

// WithAcceptorChannelBindingDisposition controls the use of TLS channel bindings.  The bindings
// are computed from the first certificate of the server's TLSConfig.
func WithAcceptorChannelBindingDisposition(disposition ChannelBindingDisposition) HandlerOption {
	return func(s *Handler) {
		s.channelBindingDisposition = disposition
	}
}

// WithAcceptorLogFunc configures the handler to log authentication failures
func WithAcceptorLogFunc(logFunc func(format string, args ...interface{})) HandlerOption {
	return func(s *Handler) {
		s.logFunc = logFunc
	}
}

// NewHandler creates a new Handler with the given engine and next handler.  Without
// [WithAcceptorCredential] an inbound credential for the default identity is acquired.
func NewHandler(engine *sspi.Engine, next http.Handler, options ...HandlerOption) (*Handler, error) {
	h := &Handler{
		engine:  engine,
		pkgName: DefaultPackage,
		next:    next,
	}
	for _, option := range options {
		option(h)
	}
	if h.logFunc == nil {
		h.logFunc = func(string, ...interface{}) {}
	}

	if h.credential == nil {
		if engine == nil {
			return nil, fmt.Errorf("%w: no engine", sspi.ErrInvalidParameter)
		}
		cred, err := engine.AcquireCredential("", h.pkgName, sspi.DirectionInbound, nil)
		if err != nil {
			return nil, err
		}
		h.credential = cred
	}

	return h, nil
}

var errNeedConn = errors.New("negotiation needs more than one round trip: configure the server with ServerWithStashConn")

// ServeHTTP performs the Negotiate authentication and passes the initiator name to the next handler.
// Negotiations that need more than one round trip keep their context with the connection,
// see [ServerWithStashConn].
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var st *connState
	if c := getConnContext(r.Context()); c != nil {
		st = stateFor(c)
	}

	authzType, authzToken := parseAuthzHeader(&r.Header)
	if authzType != "negotiate" || authzToken == "" {
		st.reset()
		w.Header().Set("WWW-Authenticate", "Negotiate")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	outToken, sc, err := h.negotiate(r, st, authzToken)
	if err != nil {
		h.logFunc("Negotiate authentication from %s failed: %s", r.RemoteAddr, err)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	if sc == nil {
		// another leg is needed
		w.Header().Set("WWW-Authenticate", "Negotiate "+outToken)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	defer sc.Delete() //nolint:errcheck

	if outToken != "" {
		w.Header().Set("WWW-Authenticate", "Negotiate "+outToken)
	}

	in, bound, err := initiatorOf(sc)
	if err != nil {
		h.logFunc("Negotiate context query failed: %s", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	ctx := stashInitiatorName(r.Context(), in)
	ctx = stashHasChannelBindings(ctx, bound)
	h.next.ServeHTTP(w, r.WithContext(ctx))
}

// negotiate runs one acceptor leg.  It returns the encoded output token and, once the
// context is established, the context.
func (h *Handler) negotiate(r *http.Request, st *connState, negotiateToken string) (string, *sspi.Context, error) {
	rawToken, err := base64.StdEncoding.DecodeString(negotiateToken)
	if err != nil {
		st.reset()
		return "", nil, err
	}

	in := sspi.NewBufferDesc(sspi.TokenBuffer(rawToken))
	flags := sspi.ContextReqIntegrity
	if err := h.addBindings(in, r); err != nil {
		st.reset()
		return "", nil, err
	}
	if h.channelBindingDisposition == ChannelBindingDispositionRequire {
		flags |= sspi.ContextReqChannelBound
	}

	sc, res, err := h.engine.AcceptSecurityContext(h.credential, st.take(), flags, in, nil)
	if err == nil && res.Missing > 0 {
		err = fmt.Errorf("%w: truncated negotiate token", sspi.ErrInvalidToken)
	}
	if err != nil {
		if sc != nil {
			_ = sc.Delete()
		}
		return "", nil, err
	}

	outToken := ""
	if tok := res.Token(); len(tok) > 0 {
		outToken = base64.StdEncoding.EncodeToString(tok)
	}

	if res.Established() {
		return outToken, sc, nil
	}

	if st == nil {
		_ = sc.Delete()
		return "", nil, errNeedConn
	}
	st.keep(sc)

	return outToken, nil, nil
}

func (h *Handler) addBindings(in *sspi.BufferDesc, r *http.Request) error {
	if h.channelBindingDisposition == ChannelBindingDispositionIgnore {
		return nil
	}

	cert, err := serverCertificate(r)
	var cb *sspi.ChannelBindings
	if err == nil {
		cb, err = endpointBindings(r.TLS, cert)
	}

	switch {
	case err == nil:
		return bindingsBuffer(in, cb)
	case h.channelBindingDisposition == ChannelBindingDispositionRequire:
		return fmt.Errorf("%w: %w", sspi.ErrBadBindings, err)
	}

	return nil
}

func initiatorOf(sc *sspi.Context) (*InitiatorName, bool, error) {
	names, err := sc.Names()
	if err != nil {
		return nil, false, err
	}
	flags, err := sc.Flags()
	if err != nil {
		return nil, false, err
	}
	info, err := sc.PackageInfo()
	if err != nil {
		return nil, false, err
	}

	pkg := info.Name
	if pkg == negotiate.PackageName {
		if inner, err := sc.QueryAttribute(negotiate.AttrNegotiatedPackage); err == nil {
			if name, ok := inner.(string); ok && name != "" {
				pkg = name
			}
		}
	}

	return &InitiatorName{PrincipalName: names.Initiator, Package: pkg}, flags.Has(sspi.ContextReqChannelBound), nil
}
