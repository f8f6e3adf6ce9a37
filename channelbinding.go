// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"net"

	cb "github.com/golang-auth/go-channelbinding"
)

// Address types of a channel binding structure
const (
	AddrTypeUnspec uint32 = 0
	AddrTypeInet   uint32 = 2
	AddrTypeInet6  uint32 = 24
)

const (
	channelBindingsHeaderSize = 32
	tlsServerEndPointPrefix   = "tls-server-end-point:"
)

// ChannelBindings ties a context to the outer channel that carries it
type ChannelBindings struct {
	InitiatorAddr net.Addr
	AcceptorAddr  net.Addr
	Data          []byte
}

// TLSChannelBindings returns the tls-server-end-point bindings of a TLS connection.  On the
// initiator serverCert is nil and the peer's leaf certificate is used.
func TLSChannelBindings(state *tls.ConnectionState, serverCert *x509.Certificate) (*ChannelBindings, error) {
	if state == nil {
		return nil, newStatus(statusInvalidParameter, fmt.Errorf("no TLS connection state"))
	}

	if serverCert == nil {
		if len(state.PeerCertificates) == 0 {
			return nil, newStatus(statusInvalidParameter, fmt.Errorf("no server certificate in the TLS connection state"))
		}
		serverCert = state.PeerCertificates[0]
	}

	data, err := cb.MakeTLSChannelBinding(*state, serverCert, cb.TLSChannelBindingEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: channel binding: %w", ErrUnsupportedFunction, err)
	}

	if !bytes.HasPrefix(data, []byte(tlsServerEndPointPrefix)) {
		data = append([]byte(tlsServerEndPointPrefix), data...)
	}

	return &ChannelBindings{Data: data}, nil
}

// Marshal encodes the bindings in the little-endian SEC_CHANNEL_BINDINGS layout: a
// 32 byte header of type, length and offset words followed by the addresses and the
// application data.
func (c *ChannelBindings) Marshal() []byte {
	initType, initAddr := encodeAddr(c.InitiatorAddr)
	accType, accAddr := encodeAddr(c.AcceptorAddr)

	buf := make([]byte, channelBindingsHeaderSize, channelBindingsHeaderSize+len(initAddr)+len(accAddr)+len(c.Data))
	off := uint32(channelBindingsHeaderSize)

	put := func(field int, typ uint32, data []byte) {
		if field < 6 {
			binary.LittleEndian.PutUint32(buf[field*4:], typ)
			field++
		}
		if len(data) == 0 {
			return
		}
		binary.LittleEndian.PutUint32(buf[field*4:], uint32(len(data)))
		binary.LittleEndian.PutUint32(buf[field*4+4:], off)
		off += uint32(len(data))
	}

	put(0, initType, initAddr)
	put(3, accType, accAddr)
	put(6, 0, c.Data)

	buf = append(buf, initAddr...)
	buf = append(buf, accAddr...)
	buf = append(buf, c.Data...)

	return buf
}

// Buffer returns the bindings as a ChannelBindings buffer for an input descriptor
func (c *ChannelBindings) Buffer() Buffer {
	return NewBuffer(BufferChannelBindings, c.Marshal())
}

func encodeAddr(a net.Addr) (uint32, []byte) {
	var ip net.IP
	switch v := a.(type) {
	case *net.TCPAddr:
		ip = v.IP
	case *net.UDPAddr:
		ip = v.IP
	case *net.IPAddr:
		ip = v.IP
	default:
		return AddrTypeUnspec, nil
	}

	if ip4 := ip.To4(); ip4 != nil {
		return AddrTypeInet, ip4
	}
	if ip16 := ip.To16(); ip16 != nil {
		return AddrTypeInet6, ip16
	}

	return AddrTypeUnspec, nil
}
