// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/golang-auth/go-sspi"
)

// Per-message token headers use the RFC 4121 § 4.2.6 layout
const (
	msgTokenHdrLen          = 16
	msgTokenFillerByte byte = 0xFF
)

// RFC 4121 § 4.2.2
type tokenFlag uint8

const (
	tokenFlagSentByAcceptor tokenFlag = 1 << iota
	tokenFlagSealed
)

var (
	micTokenID  = [2]byte{0x04, 0x04}
	wrapTokenID = [2]byte{0x05, 0x04}
)

// micHeader returns the header of a signature (MIC) token
func micHeader(flags tokenFlag, seq uint64) []byte {
	hdr := make([]byte, msgTokenHdrLen)

	copy(hdr, micTokenID[:])
	hdr[2] = byte(flags)
	for i := 3; i < 8; i++ {
		hdr[i] = msgTokenFillerByte
	}
	binary.BigEndian.PutUint64(hdr[8:], seq)

	return hdr
}

// wrapHeader returns the header of a sealed message.  EC and RRC are always zero: the
// trailer is carried in its own buffer and never rotated.
func wrapHeader(flags tokenFlag, seq uint64) []byte {
	hdr := make([]byte, msgTokenHdrLen)

	copy(hdr, wrapTokenID[:])
	hdr[2] = byte(flags)
	hdr[3] = msgTokenFillerByte
	binary.BigEndian.PutUint64(hdr[8:], seq)

	return hdr
}

func parseWrapHeader(hdr []byte) (tokenFlag, uint64, error) {
	if len(hdr) < msgTokenHdrLen {
		return 0, 0, fmt.Errorf("%w: wrap token is too short", sspi.ErrMessageAltered)
	}

	// 0x60 introduces the generic GSS-API v1 framing (RFC 4121 § 4.4)
	if hdr[0] == 0x60 {
		return 0, 0, fmt.Errorf("%w: GSS-API v1 message tokens are not supported", sspi.ErrMessageAltered)
	}

	if !bytes.Equal(wrapTokenID[:], hdr[0:2]) {
		return 0, 0, fmt.Errorf("%w: bad wrap token ID", sspi.ErrMessageAltered)
	}

	if hdr[3] != msgTokenFillerByte {
		return 0, 0, fmt.Errorf("%w: invalid wrap token (bad filler)", sspi.ErrMessageAltered)
	}

	if binary.BigEndian.Uint16(hdr[4:6]) != 0 || binary.BigEndian.Uint16(hdr[6:8]) != 0 {
		return 0, 0, fmt.Errorf("%w: unexpected extra or rotation count", sspi.ErrMessageAltered)
	}

	return tokenFlag(hdr[2]), binary.BigEndian.Uint64(hdr[8:16]), nil
}

// join concatenates the parts into a new slice
func join(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}

// scatter copies src over the buffers in dst, which together are len(src) bytes long
func scatter(dst [][]byte, src []byte) {
	for _, d := range dst {
		n := copy(d, src)
		src = src[n:]
	}
}
