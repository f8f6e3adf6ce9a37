// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"encoding/hex"
	"testing"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/test"
)

func TestWrapHeader(t *testing.T) {
	assert := test.NewAssert(t)

	hdr := wrapHeader(tokenFlagSentByAcceptor|tokenFlagSealed, 0x0102030405060708)
	assert.Equal("050403ff000000000102030405060708", hex.EncodeToString(hdr))

	flags, seq, err := parseWrapHeader(hdr)
	assert.NoError(err)
	assert.Equal(tokenFlagSentByAcceptor|tokenFlagSealed, flags)
	assert.Equal(uint64(0x0102030405060708), seq)
}

func TestMICHeader(t *testing.T) {
	assert := test.NewAssert(t)

	hdr := micHeader(0, 1)
	assert.Equal("040400ffffffffff0000000000000001", hex.EncodeToString(hdr))
}

func TestParseWrapHeaderErrors(t *testing.T) {
	good := func() []byte { return wrapHeader(0, 5) }

	tests := []struct {
		name string
		hdr  []byte
	}{
		{"short", good()[:15]},
		{"v1 framing", append([]byte{0x60}, good()[1:]...)},
		{"mic token", micHeader(0, 5)},
		{"filler", func() []byte { h := good(); h[3] = 0; return h }()},
		{"extra count", func() []byte { h := good(); h[5] = 1; return h }()},
		{"rotation", func() []byte { h := good(); h[7] = 1; return h }()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := test.NewAssert(t)
			_, _, err := parseWrapHeader(tt.hdr)
			assert.ErrorIs(err, sspi.ErrMessageAltered)
		})
	}
}

func TestScatter(t *testing.T) {
	assert := test.NewAssert(t)

	a, b, c := make([]byte, 2), make([]byte, 0), make([]byte, 3)
	scatter([][]byte{a, b, c}, []byte("hello"))
	assert.Equal([]byte("he"), a)
	assert.Equal([]byte("llo"), c)
	assert.Equal([]byte("hello"), join(a, b, c))
}

func TestUnframe(t *testing.T) {
	assert := test.NewAssert(t)

	tok, body, err := frame(msgFinish, finish{Proof: []byte{1, 2, 3}})
	assert.NoErrorFatal(err)
	assert.Equal([]byte{'P', 'K', 3, 1}, tok[:4])

	got, used, missing, err := unframe(append(tok, 0xAA), msgFinish, 64)
	assert.NoError(err)
	assert.Equal(body, got)
	assert.Equal(len(tok), used)
	assert.Zero(missing)

	_, _, missing, err = unframe(tok[:len(tok)-2], msgFinish, 64)
	assert.NoError(err)
	assert.Equal(2, missing)

	_, _, _, err = unframe(nil, msgFinish, 64)
	assert.ErrorIs(err, sspi.ErrInvalidToken)

	_, _, _, err = unframe(tok, msgFinish, 2)
	assert.ErrorIs(err, sspi.ErrInvalidToken)

	var f finish
	assert.NoError(decode(got, msgFinish, &f))
	assert.Equal([]byte{1, 2, 3}, f.Proof)
}
