// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// maxWireToken bounds the tokens accepted from the network
const maxWireToken = 1 << 20

// sendToken writes a token preceded by its big endian 32-bit length
func sendToken(w io.Writer, token []byte) error {
	buf := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(token)), uint32(len(token)))
	_, err := w.Write(append(buf, token...))
	return err
}

func recvToken(r io.Reader) ([]byte, error) {
	var sz [4]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(sz[:])
	if n > maxWireToken {
		return nil, fmt.Errorf("token of %d bytes is too large", n)
	}

	token := make([]byte, n)
	if _, err := io.ReadFull(r, token); err != nil {
		return nil, err
	}
	return token, nil
}

func formatToken(tok []byte) string {
	b := &strings.Builder{}

	bd := hex.Dumper(b)
	_, _ = bd.Write(tok)
	_ = bd.Close()

	return b.String()
}
