// SPDX-License-Identifier: Apache-2.0

package http

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang-auth/go-sspi"
)

// SpnFunc is a function that returns the Service Principal Name (SPN) for a given URL.
type SpnFunc func(url url.URL) string

func defaultSpnFunc(url url.URL) string {
	return "HTTP/" + url.Hostname()
}

// DefaultSpnFunc is the default SPN function used for new clients.
var DefaultSpnFunc SpnFunc = defaultSpnFunc

// OpportunisticFunc is a function that returns true if opportunistic authentication should be used for a given URL.
type OpportunisticFunc func(url url.URL) bool

func opportunisticsFuncAlways(url url.URL) bool {
	return true
}

// DelegationPolicy is the policy for delegation of credentials to the server.
type DelegationPolicy int

const (
	// DelegationPolicyNever means that credentials will not be delegated to the server.
	DelegationPolicyNever DelegationPolicy = iota
	// DelegationPolicyAlways means that credentials must be delegated to the server.
	DelegationPolicyAlways
	// DelegationPolicyIfAllowed requests delegation but accepts a context without it.
	DelegationPolicyIfAllowed
)

// DefaultDelegationPolicy is the default delegation policy used for new clients.
var DefaultDelegationPolicy DelegationPolicy = DelegationPolicyNever

// Transport is a http.RoundTripper implementation that includes HTTP Negotiate
// authentication driven by an [sspi.Engine].
type Transport struct {
	transport http.RoundTripper

	engine  *sspi.Engine
	pkgName string

	credMu     sync.Mutex
	credential *sspi.Credential

	spnFunc                   SpnFunc
	opportunisticFunc         OpportunisticFunc
	delegationPolicy          DelegationPolicy
	mutual                    bool
	expect100Threshold        int64
	channelBindingDisposition ChannelBindingDisposition

	httpLogging bool
	logFunc     func(format string, args ...interface{})
}

// ClientOption is a function that configures a Client
type ClientOption func(c *Transport)

// WithInitiatorOpportunistic configures the client to opportunisticly authenticate
//
// Opportunistic authentication means that the client does not wait for the server to
// respond with a 401 status code before sending an authentication token.  This
// is a performance optimization that can be used to reduce the number of round trips
// between the client and server, at the cost of initializing the security context and
// potentially exposing authentcation credentials to the server unnecessarily.
func WithInitiatorOpportunistic() ClientOption {
	return func(c *Transport) {
		c.opportunisticFunc = opportunisticsFuncAlways
	}
}

// WithInitiatorOpportunisticFunc configures the client to use a custom function to determine
// if opportunistic authentication should be used for a given URL.
func WithInitiatorOpportunisticFunc(opportunisticFunc OpportunisticFunc) ClientOption {
	return func(c *Transport) {
		c.opportunisticFunc = opportunisticFunc
	}
}

// WithInitiatorMutual configures the client to request mutual authentication
func WithInitiatorMutual() ClientOption {
	return func(c *Transport) {
		c.mutual = true
	}
}

// WithInitiatorCredential configures the client to use a specific outbound credential.
// Without one the default identity of the engine is acquired on first use.
func WithInitiatorCredential(cred *sspi.Credential) ClientOption {
	return func(c *Transport) {
		c.credential = cred
	}
}

// WithInitiatorPackage selects the security package used when no credential is supplied.
// The default is [DefaultPackage].
func WithInitiatorPackage(name string) ClientOption {
	return func(c *Transport) {
		c.pkgName = name
	}
}

// WithInitiatorSpnFunc provides a custom function to provide the Service Principal Name (SPN) for a given URL.
//
// The default uses "HTTP/" + the host name of the URL.
func WithInitiatorSpnFunc(spnFunc SpnFunc) ClientOption {
	return func(c *Transport) {
		c.spnFunc = spnFunc
	}
}

// WithIniiatorDelegationPolicy configures the client to use a custom credential delegation policy.
func WithIniiatorDelegationPolicy(delegationPolicy DelegationPolicy) ClientOption {
	return func(c *Transport) {
		c.delegationPolicy = delegationPolicy
	}
}

// WithInitiatorExpect100Threshold configures the client to use the Expect: Continue header
// if the request body is larger than the threshold.
//
// Use of the Expect: Continue header is disabled by default due to concerns about the
// correct implementation by some servers.
func WithInitiatorExpect100Threshold(threshold int64) ClientOption {
	return func(c *Transport) {
		c.expect100Threshold = threshold
	}
}

// WithInitiatorRoundTripper configures the client to use a custom round tripper
func WithInitiatorRoundTripper(transport http.RoundTripper) ClientOption {
	return func(c *Transport) {
		c.transport = transport
	}
}

// WithInititorHttpLogging configures the client to log the HTTP requests and responses
// Does nothing without a log function
func WithInititorHttpLogging() ClientOption {
	return func(c *Transport) {
		c.httpLogging = true
	}
}

// WithInitiatorLogFunc configures the client to use a custom log function
func WithInitiatorLogFunc(logFunc func(format string, args ...interface{})) ClientOption {
	return func(c *Transport) {
		c.logFunc = logFunc
	}
}

// WithInitiatorChannelBindingDisposition controls the use of TLS channel bindings.  Bindings
// are taken from the TLS connection of the server's challenge, so a client that requires
// them never authenticates opportunistically.
func WithInitiatorChannelBindingDisposition(disposition ChannelBindingDisposition) ClientOption {
	return func(c *Transport) {
		c.channelBindingDisposition = disposition
	}
}

// NewTransport creates a new Negotiate transport using the given engine and options.
//
// The transport is a wrapper around the standard [http.Transport] that adds Negotiate
// authentication support. By default it wraps [http.DefaultTransport] - this can be
// overridden by passing a custom round tripper with [WithInitiatorRoundTripper].
func NewTransport(engine *sspi.Engine, options ...ClientOption) (*Transport, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: no engine", sspi.ErrInvalidParameter)
	}

	t := &Transport{
		transport:        http.DefaultTransport,
		engine:           engine,
		pkgName:          DefaultPackage,
		spnFunc:          DefaultSpnFunc,
		delegationPolicy: DefaultDelegationPolicy,
	}
	for _, option := range options {
		option(t)
	}
	if t.logFunc == nil {
		t.logFunc = func(string, ...interface{}) {}
		t.httpLogging = false
	}
	return t, nil
}

// NewClient returns a [http.Client] that uses [Transport] to enable Negotiate authentication.
//
// If an existing client is provided, it will be copied and the [http.RoundTripper] will be replaced with a
// new [Transport].  Otherwise the default [http.Client] will be used. The [http.RoundTripper] in the
// returned client will wrap the transport from the supplied client or [http.DefaultTransport].
func NewClient(engine *sspi.Engine, client *http.Client, options ...ClientOption) (*http.Client, error) {
	if client == nil {
		client = http.DefaultClient
	}

	if client.Transport != nil {
		options = append([]ClientOption{WithInitiatorRoundTripper(client.Transport)}, options...)
	}

	t, err := NewTransport(engine, options...)
	if err != nil {
		return nil, err
	}

	// Copy the client to avoid modifying the original
	newClient := *client
	newClient.Transport = t
	return &newClient, nil
}

func (t *Transport) acquire() (*sspi.Credential, error) {
	t.credMu.Lock()
	defer t.credMu.Unlock()

	if t.credential == nil {
		cred, err := t.engine.AcquireCredential("", t.pkgName, sspi.DirectionOutbound, nil)
		if err != nil {
			return nil, err
		}
		t.credential = cred
	}

	return t.credential, nil
}

func (t *Transport) requestFlags() sspi.ContextFlag {
	// always request integrity
	flags := sspi.ContextReqIntegrity
	if t.mutual {
		flags |= sspi.ContextReqMutualAuth
	}
	if t.delegationPolicy != DelegationPolicyNever {
		flags |= sspi.ContextReqDelegate
	}
	return flags
}

// negotiationState is the initiator side of one authenticated request
type negotiationState struct {
	sc  *sspi.Context
	res sspi.NegotiationResult
}

func (n *negotiationState) started() bool { return n.sc != nil }

func (n *negotiationState) continueNeeded() bool {
	return n.sc == nil || !n.res.Established()
}

// step runs one initiator leg with the server token and leaves any output token in the
// request's Authorization header.  resp is the response carrying the token, nil on an
// opportunistic first leg.
func (t *Transport) step(n *negotiationState, inToken string, req *http.Request, resp *http.Response) error {
	cred, err := t.acquire()
	if err != nil {
		return err
	}

	in := sspi.NewBufferDesc()
	if inToken != "" {
		raw, err := base64.StdEncoding.DecodeString(inToken)
		if err != nil {
			return fmt.Errorf("%w: negotiate challenge: %w", sspi.ErrInvalidToken, err)
		}
		if _, err := in.Append(sspi.TokenBuffer(raw)); err != nil {
			return err
		}
	}

	if t.channelBindingDisposition != ChannelBindingDispositionIgnore {
		if err := t.addBindings(in, resp); err != nil {
			return err
		}
	}

	spn := t.spnFunc(*req.URL)
	sc, res, err := t.engine.InitializeSecurityContext(cred, n.sc, spn, t.requestFlags(), in, nil)
	if sc != nil {
		n.sc = sc
	}
	if err != nil {
		return err
	}
	if res.Missing > 0 {
		return fmt.Errorf("%w: truncated negotiate challenge", sspi.ErrInvalidToken)
	}
	n.res = res
	traceLeg(req, res.Established())

	if tok := res.Token(); len(tok) > 0 {
		req.Header.Set("Authorization", "Negotiate "+base64.StdEncoding.EncodeToString(tok))
	}

	return nil
}

func (t *Transport) addBindings(in *sspi.BufferDesc, resp *http.Response) error {
	var cb *sspi.ChannelBindings
	var err error
	if resp == nil {
		err = errNoTLS
	} else {
		cb, err = endpointBindings(resp.TLS, nil)
	}

	switch {
	case err == nil:
		return bindingsBuffer(in, cb)
	case t.channelBindingDisposition == ChannelBindingDispositionRequire:
		return fmt.Errorf("%w: %w", sspi.ErrBadBindings, err)
	}

	t.logFunc("Not using channel bindings: %s", err)
	return nil
}

// Use the underlying transport's RoundTripper wrapped in HTTP logging
// if enabled.
func (t *Transport) roundTrip(req *http.Request) (*http.Response, error) {
	if t.httpLogging {
		err := t.logRequest(req)
		if err != nil {
			return nil, err
		}
	}

	resp, err := t.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if t.httpLogging {
		err := t.logResponse(resp)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// rewind prepares the request body to be sent again
func rewind(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return errors.New("the request body cannot be sent again for authentication")
	}

	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	_ = resp.Body.Close()
}

// RoundTrip implements the [http.RoundTripper] interface and performs one HTTP
// request, including potentially multiple round-trips to the server to complete the
// security context establishment.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = t.withClientTrace(req)

	// We are not meant to modify the request, so we need to create a new one
	req = req.Clone(req.Context())

	n := &negotiationState{}
	defer func() {
		if n.sc != nil {
			_ = n.sc.Delete()
		}
	}()

	// Should we opportunistically set the initial token?  Not without the bindings of the connection.
	useOpportunistic := t.opportunisticFunc != nil && t.opportunisticFunc(*req.URL) &&
		t.channelBindingDisposition != ChannelBindingDispositionRequire

	// use Expect: Continue for large requests or if we can't rewind the body, when we're not doing opportunistic authentication
	if !useOpportunistic && t.expect100Threshold > 0 {
		useExpect100 := false
		if req.ContentLength > t.expect100Threshold {
			t.logFunc("Using Expect: Continue header because request body is larger than %d bytes", t.expect100Threshold)
			useExpect100 = true
		} else if req.GetBody == nil {
			t.logFunc("Using Expect: Continue header because request body is not rewindable and opportunistic authentication is not requested")
			useExpect100 = true
		}
		if useExpect100 {
			req.Header.Set("Expect", "100-continue")
		}
	}

	var resp *http.Response
	sent := false
contextLoop:
	for {
		inToken := ""

		// Skip the server round-trip if we are doing opportunistic authentication and haven't started auth yet
		if !(!n.started() && useOpportunistic) {
			if sent {
				if err := rewind(req); err != nil {
					return nil, err
				}
			}

			var err error
			resp, err = t.roundTrip(req)
			if err != nil {
				return nil, err
			}
			sent = true

			// Check for a negotiate challenge in the response - which can be in a 401 or any other final response
			challenges := findSchemeChallenges(&resp.Header, "Negotiate")
			switch len(challenges) {
			default:
				discard(resp)
				return nil, fmt.Errorf("multiple negotiate challenges found in response")
			case 0:
				// no challenge - the context should be fully established or never have started (eg. URL doesn't need auth)
				break contextLoop
			case 1:
				negotiateChallenge := challenges[0]

				switch {
				case len(negotiateChallenge.Parameters) > 0:
					discard(resp)
					return nil, fmt.Errorf("negotiate challenge must not have parameters")
				case negotiateChallenge.Token68 == "" && resp.StatusCode != http.StatusUnauthorized:
					discard(resp)
					return nil, fmt.Errorf("negotiate challenge must have a token unless this is a 401 response")
				case negotiateChallenge.Token68 == "" && n.started():
					// the server gave up on the context: return its response as is
					return resp, nil
				}
				inToken = negotiateChallenge.Token68
			}
		}

		if !n.continueNeeded() {
			break contextLoop
		}

		if err := t.step(n, inToken, req, resp); err != nil {
			if resp != nil {
				discard(resp)
			}
			return nil, err
		}

		// We don't need to send anything to the server if it didn't challenge us,
		// as long as we've already got a response (not the first RT of an opportunistic request)
		if resp != nil && resp.StatusCode != http.StatusUnauthorized {
			break contextLoop
		}
		if !n.continueNeeded() && len(n.res.Token()) == 0 {
			break contextLoop
		}
		if resp != nil {
			discard(resp)
		}
	}

	// If we never started authentication then we should return the response we got
	if !n.started() {
		return resp, nil
	}

	// the server rejected the authentication: its response says why
	if !n.res.Established() && resp != nil && resp.StatusCode >= http.StatusBadRequest {
		t.logFunc("Negotiation with %s ended with status %d", req.URL.Host, resp.StatusCode)
		return resp, nil
	}

	if err := t.verify(n.res); err != nil {
		discard(resp)
		return nil, err
	}

	return resp, nil
}

// verify checks that the established context provides what was requested
func (t *Transport) verify(res sspi.NegotiationResult) error {
	if !res.Established() {
		return fmt.Errorf("%w: context not fully established", sspi.ErrNotEstablished)
	}

	if t.mutual && !res.Attributes.Has(sspi.ContextReqMutualAuth) {
		return fmt.Errorf("mutual authentication requested but not available")
	}

	if t.delegationPolicy == DelegationPolicyAlways && !res.Attributes.Has(sspi.ContextReqDelegate) {
		return fmt.Errorf("delegation requested but not available")
	}

	return nil
}
