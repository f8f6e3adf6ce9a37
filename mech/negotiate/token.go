// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang-auth/go-sspi"
)

// Tokens carry an 8 byte header, 'N' 'G' type version | body length, and a CBOR body
const (
	tokenHeaderLen  = 8
	protocolVersion = 1
)

type msgType byte

const (
	msgInit     msgType = 1
	msgResponse msgType = 2
)

type negState uint8

const (
	stateIncomplete negState = iota
	stateCompleted
	stateReject
)

// negInit lists the packages the initiator offers, most preferred first, and carries
// the first token of the most preferred one
type negInit struct {
	_     struct{} `cbor:",toarray"`
	Mechs []string
	Token []byte
}

// negResponse carries inner tokens after the first.  The acceptor's first response
// names the selected package.
type negResponse struct {
	_     struct{} `cbor:",toarray"`
	State negState
	Mech  string
	Token []byte
}

func frame(t msgType, body any) ([]byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	tok := make([]byte, tokenHeaderLen, tokenHeaderLen+len(b))
	tok[0], tok[1], tok[2], tok[3] = 'N', 'G', byte(t), protocolVersion
	binary.BigEndian.PutUint32(tok[4:], uint32(len(b)))

	return append(tok, b...), nil
}

func unframe(tok []byte, want msgType, maxToken uint32) (body []byte, used, missing int, err error) {
	switch {
	case len(tok) == 0:
		return nil, 0, 0, fmt.Errorf("%w: expected a Negotiate token", sspi.ErrInvalidToken)
	case len(tok) < tokenHeaderLen:
		return nil, 0, tokenHeaderLen - len(tok), nil
	case tok[0] != 'N' || tok[1] != 'G' || tok[3] != protocolVersion:
		return nil, 0, 0, fmt.Errorf("%w: not a Negotiate token", sspi.ErrInvalidToken)
	case msgType(tok[2]) != want:
		return nil, 0, 0, fmt.Errorf("%w: unexpected Negotiate message type %d", sspi.ErrInvalidToken, tok[2])
	}

	n := binary.BigEndian.Uint32(tok[4:])
	if n > maxToken {
		return nil, 0, 0, fmt.Errorf("%w: Negotiate token of %d bytes", sspi.ErrInvalidToken, n)
	}

	total := tokenHeaderLen + int(n)
	if len(tok) < total {
		return nil, 0, total - len(tok), nil
	}

	return tok[tokenHeaderLen:total], total, 0, nil
}

func decode(body []byte, v any) error {
	if err := cbor.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", sspi.ErrInvalidToken, err)
	}
	return nil
}
