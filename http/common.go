// SPDX-License-Identifier: Apache-2.0

package http

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-auth/go-sspi"
)

// DefaultPackage is the security package used when none is configured
const DefaultPackage = "Negotiate"

// ChannelBindingDisposition controls whether TLS channel bindings are passed to the engine
type ChannelBindingDisposition int

const (
	// ChannelBindingDispositionIgnore never uses channel bindings
	ChannelBindingDispositionIgnore ChannelBindingDisposition = iota
	// ChannelBindingDispositionIfAvailable uses channel bindings on TLS connections
	ChannelBindingDispositionIfAvailable
	// ChannelBindingDispositionRequire fails the authentication without verified channel bindings
	ChannelBindingDispositionRequire
)

func (d ChannelBindingDisposition) String() string {
	switch d {
	case ChannelBindingDispositionIgnore:
		return "ignore"
	case ChannelBindingDispositionIfAvailable:
		return "if-available"
	case ChannelBindingDispositionRequire:
		return "require"
	}
	return fmt.Sprintf("ChannelBindingDisposition(%d)", int(d))
}

var errNoTLS = errors.New("channel bindings need a TLS connection")

// endpointBindings returns the tls-server-end-point bindings of a connection.  Clients
// pass a nil serverCert, the peer's leaf certificate is used.
func endpointBindings(state *tls.ConnectionState, serverCert *x509.Certificate) (*sspi.ChannelBindings, error) {
	if state == nil {
		return nil, errNoTLS
	}

	return sspi.TLSChannelBindings(state, serverCert)
}

// serverCertificate finds the leaf certificate configured on the server that accepted r
func serverCertificate(r *http.Request) (*x509.Certificate, error) {
	srv := getServerContext(r.Context())
	if srv == nil || srv.TLSConfig == nil || len(srv.TLSConfig.Certificates) == 0 {
		return nil, errors.New("no server certificate configured")
	}

	cert := srv.TLSConfig.Certificates[0]
	if cert.Leaf != nil {
		return cert.Leaf, nil
	}
	if len(cert.Certificate) == 0 {
		return nil, errors.New("empty server certificate")
	}

	return x509.ParseCertificate(cert.Certificate[0])
}

// bindingsBuffer appends the bindings to an input description
func bindingsBuffer(in *sspi.BufferDesc, cb *sspi.ChannelBindings) error {
	_, err := in.Append(cb.Buffer())
	return err
}
