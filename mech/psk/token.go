// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang-auth/go-sspi"
)

// Negotiation tokens are a fixed 8 byte header followed by a CBOR body:
//
//	'P' 'K' type version | body length (uint32, big endian) | body
const (
	tokenHeaderLen  = 8
	protocolVersion = 1
	nonceLen        = 32
)

type msgType byte

const (
	msgHello     msgType = 1
	msgChallenge msgType = 2
	msgFinish    msgType = 3
)

func (t msgType) String() string {
	switch t {
	case msgHello:
		return "hello"
	case msgChallenge:
		return "challenge"
	case msgFinish:
		return "finish"
	}

	return fmt.Sprintf("message type %d", byte(t))
}

// hello opens the exchange
type hello struct {
	_         struct{} `cbor:",toarray"`
	Initiator string
	Target    string
	Nonce     []byte
	Suites    []SuiteID
	Bindings  []byte // SHA-256 of the initiator's channel bindings, empty without bindings
}

// challenge carries the acceptor's nonce, the selected suite and the acceptor's proof
// over the transcript
type challenge struct {
	_        struct{} `cbor:",toarray"`
	Acceptor string
	Nonce    []byte
	Suite    SuiteID
	Proof    []byte
}

// finish carries the initiator's proof
type finish struct {
	_     struct{} `cbor:",toarray"`
	Proof []byte
}

func frame(t msgType, body any) ([]byte, []byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encoding %s: %w", sspi.ErrInternal, t, err)
	}

	tok := make([]byte, tokenHeaderLen, tokenHeaderLen+len(b))
	tok[0], tok[1], tok[2], tok[3] = 'P', 'K', byte(t), protocolVersion
	binary.BigEndian.PutUint32(tok[4:], uint32(len(b)))

	return append(tok, b...), b, nil
}

// unframe checks the header of tok and returns the body of the message and the number
// of bytes it occupies.  A truncated token reports how many more bytes are needed.
func unframe(tok []byte, want msgType, maxToken uint32) (body []byte, used, missing int, err error) {
	if len(tok) == 0 {
		return nil, 0, 0, fmt.Errorf("%w: expected a %s token", sspi.ErrInvalidToken, want)
	}

	if len(tok) < tokenHeaderLen {
		return nil, 0, tokenHeaderLen - len(tok), nil
	}

	switch {
	case tok[0] != 'P' || tok[1] != 'K':
		return nil, 0, 0, fmt.Errorf("%w: not a PSK token", sspi.ErrInvalidToken)
	case tok[3] != protocolVersion:
		return nil, 0, 0, fmt.Errorf("%w: unsupported PSK protocol version %d", sspi.ErrInvalidToken, tok[3])
	case msgType(tok[2]) != want:
		return nil, 0, 0, fmt.Errorf("%w: expected a %s token, got %s", sspi.ErrInvalidToken, want, msgType(tok[2]))
	}

	n := binary.BigEndian.Uint32(tok[4:])
	if n > maxToken {
		return nil, 0, 0, fmt.Errorf("%w: %s token of %d bytes exceeds %d", sspi.ErrInvalidToken, want, n, maxToken)
	}

	total := tokenHeaderLen + int(n)
	if len(tok) < total {
		return nil, 0, total - len(tok), nil
	}

	return tok[tokenHeaderLen:total], total, 0, nil
}

func decode(body []byte, t msgType, v any) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", sspi.ErrInvalidToken, t, err)
	}

	return nil
}

// transcript hashes the hello body and the challenge body without its proof
func transcript(helloBody, unsignedChallenge []byte) []byte {
	h := sha256.New()
	h.Write(helloBody)
	h.Write(unsignedChallenge)

	return h.Sum(nil)
}
