// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/golang-auth/go-sspi/test"
)

func selfSigned(t *testing.T) *x509.Certificate {
	assert := test.NewAssert(t)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NoErrorFatal(err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "server.example"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	assert.NoErrorFatal(err)

	cert, err := x509.ParseCertificate(der)
	assert.NoErrorFatal(err)

	return cert
}

func TestChannelBindingsMarshal(t *testing.T) {
	assert := test.NewAssert(t)

	cb := ChannelBindings{
		InitiatorAddr: &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 1234},
		AcceptorAddr:  &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 443},
		Data:          []byte("app"),
	}
	b := cb.Marshal()
	assert.Len(b, 32+4+16+3)

	word := func(i int) uint32 { return binary.LittleEndian.Uint32(b[i*4:]) }
	assert.Equal(AddrTypeInet, word(0))
	assert.Equal(uint32(4), word(1))
	assert.Equal(uint32(32), word(2))
	assert.Equal(AddrTypeInet6, word(3))
	assert.Equal(uint32(16), word(4))
	assert.Equal(uint32(36), word(5))
	assert.Equal(uint32(3), word(6))
	assert.Equal(uint32(52), word(7))

	assert.Equal([]byte{192, 0, 2, 1}, b[32:36])
	assert.Equal([]byte(net.ParseIP("2001:db8::1")), b[36:52])
	assert.Equal([]byte("app"), b[52:])

	buf := cb.Buffer()
	assert.Equal(BufferChannelBindings, buf.Kind)
	assert.Equal(b, buf.Data)
}

func TestChannelBindingsDataOnly(t *testing.T) {
	assert := test.NewAssert(t)

	cb := ChannelBindings{Data: []byte("tls-unique:xyz")}
	b := cb.Marshal()
	assert.Len(b, 32+14)

	// unspecified addresses carry neither length nor offset
	assert.Equal(make([]byte, 24), b[:24])
	assert.Equal(uint32(14), binary.LittleEndian.Uint32(b[24:]))
	assert.Equal(uint32(32), binary.LittleEndian.Uint32(b[28:]))

	empty := (&ChannelBindings{}).Marshal()
	assert.Equal(make([]byte, 32), empty)
}

func TestTLSChannelBindings(t *testing.T) {
	assert := test.NewAssert(t)
	cert := selfSigned(t)

	state := &tls.ConnectionState{
		Version:          tls.VersionTLS13,
		CipherSuite:      tls.TLS_AES_128_GCM_SHA256,
		PeerCertificates: []*x509.Certificate{cert},
	}

	client, err := TLSChannelBindings(state, nil)
	assert.NoErrorFatal(err)
	assert.True(bytes.HasPrefix(client.Data, []byte("tls-server-end-point:")))
	assert.Greater(len(client.Data), len("tls-server-end-point:"))

	server, err := TLSChannelBindings(&tls.ConnectionState{Version: tls.VersionTLS13}, cert)
	assert.NoErrorFatal(err)
	assert.Equal(client.Data, server.Data)

	_, err = TLSChannelBindings(nil, cert)
	assert.ErrorIs(err, ErrInvalidParameter)
	_, err = TLSChannelBindings(&tls.ConnectionState{}, nil)
	assert.ErrorIs(err, ErrInvalidParameter)
}
