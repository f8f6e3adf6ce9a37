// SPDX-License-Identifier: Apache-2.0

/*
Package http provides HTTP Negotiate (RFC 4559) clients and servers driven by an
[sspi.Engine].  Tokens are carried base64 encoded in the Authorization and
WWW-Authenticate headers.

	import (
		"net/http"

		"github.com/golang-auth/go-sspi"
		shttp "github.com/golang-auth/go-sspi/http"
		"github.com/golang-auth/go-sspi/mech/negotiate"
		"github.com/golang-auth/go-sspi/mech/psk"
	)

	p, err := psk.New()
	...
	neg, err := negotiate.New(p)
	...
	reg, err := sspi.NewRegistry(neg)
	...
	engine, err := sspi.NewEngine(reg, sspi.WithIdentityStore(ids))
	...

# Clients and transports

Create a client to use a default Negotiate enabled transport. The client can be
used anywhere a standard [http.Client] can be used.

	client, err := shttp.NewClient(engine, nil)
	...

	resp, err := client.Get("https://example.com")
	...

To control the negotiation, create a transport:

	transport, err := shttp.NewTransport(
		engine,
		shttp.WithInitiatorOpportunistic(),
		shttp.WithInitiatorCredential(cred),
	)
	client := http.Client{Transport: transport}
	resp, err := client.Get("https://example.com")

The transport wraps a standard [http.RoundTripper]. By default it uses
[http.DefaultTransport]. A custom round-tripper can be provided to the
transport using [WithInitiatorRoundTripper].

Each request gets its own security context, which is deleted once the
response is returned.

# Request bodies

A challenged request is sent again with an Authorization header, so its body has
to be sent again too.  Bodies with a GetBody function (those built from
[bytes.Buffer], [bytes.Reader] and [strings.Reader]) are rewound; other bodies
cannot be resent and the request fails after the first challenge.

[WithInitiatorExpect100Threshold] sets "Expect: 100-continue" on requests whose
body is larger than the threshold or cannot be rewound, unless opportunistic
authentication is on.  The server then answers the challenge before the body is
sent.  It is off by default because not every server implements 100-continue
correctly.  The Go server closes the connection after rejecting such a request
early, so the retry needs a new connection; with an unsent body that is cheaper
than draining it.

# Tracing

[WithTrace] attaches a [Trace] to a request context.  The transport counts the
requests it writes and the negotiation legs it runs, and records the
100-continue handshake.  [WithInititorHttpLogging] logs the same events with
the request and response headers.

# Opportunistic authentication

The transport supports opportunistic authentication as described
in RFC 4559 § 4.2 . The client does not wait for the server to respond with a
401 status code before sending an authentication token. This optimization can
reduce round trips between the client and server, at the cost of initializing
the security context and potentially exposing authentication credentials to the
server unnecessarily.

# Servers

[Handler] is a [http.Handler] that performs Negotiate authentication and then
calls the next handler with the initiator name in the request context.  Packages
such as PSK need more than one round trip: the acceptor context is kept with
the connection between requests, which needs a server configured with
[ServerWithStashConn].

	h, err := shttp.NewHandler(engine, fooHandler)
	...
	http.Handle("/foo", h)

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	...
	srv := shttp.ServerWithStashConn(&http.Server{
		Addr:      ":8443",
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	log.Fatal(srv.ListenAndServeTLS("", ""))

# Channel bindings

Both sides can bind the context to the TLS connection with the
tls-server-end-point bindings of RFC 5929.  The client takes them from the
connection of the server's 401 response; the server from the first certificate
of its TLSConfig.
*/
package http
