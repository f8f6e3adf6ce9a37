// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/test"
)

// challenge builds a type 2 message with a target name and an empty target info list
func challenge(target string) []byte {
	var name []byte
	for _, r := range utf16.Encode([]rune(target)) {
		name = binary.LittleEndian.AppendUint16(name, r)
	}
	info := []byte{0, 0, 0, 0} // MsvAvEOL

	msg := make([]byte, challengeFixedLen)
	copy(msg, signature)
	binary.LittleEndian.PutUint32(msg[8:], typeChallenge)

	binary.LittleEndian.PutUint16(msg[12:], uint16(len(name)))
	binary.LittleEndian.PutUint16(msg[14:], uint16(len(name)))
	binary.LittleEndian.PutUint32(msg[16:], challengeFixedLen)

	// unicode, NTLM, target info
	binary.LittleEndian.PutUint32(msg[20:], 0x00000001|0x00000200|0x00800000)
	copy(msg[24:32], "8bytes!!")

	binary.LittleEndian.PutUint16(msg[40:], uint16(len(info)))
	binary.LittleEndian.PutUint16(msg[42:], uint16(len(info)))
	binary.LittleEndian.PutUint32(msg[44:], uint32(challengeFixedLen+len(name)))

	msg = append(msg, name...)
	return append(msg, info...)
}

func newEngine(t *testing.T) *sspi.Engine {
	assert := test.NewAssert(t)

	ids := sspi.NewMemoryIdentityStore()
	ids.Add(`EXAMPLE\alice`, []byte("Password1"), nil)

	reg, err := sspi.NewRegistry(New(WithWorkstation("WS01")))
	assert.NoErrorFatal(err)
	e, err := sspi.NewEngine(reg, sspi.WithIdentityStore(ids))
	assert.NoErrorFatal(err)

	return e
}

func TestInitiator(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t)

	cred, err := e.AcquireCredential("", PackageName, sspi.DirectionOutbound, nil)
	assert.NoErrorFatal(err)

	sc, res, err := e.InitializeSecurityContext(cred, nil, "HTTP/web.example", 0, nil, nil)
	assert.NoErrorFatal(err)
	assert.Equal(sspi.ResultContinue, res.Status)
	assert.Equal([]byte("NTLMSSP\x00\x01\x00\x00\x00"), res.Token()[:12])

	ch := challenge("EXAMPLE")
	_, res, err = e.InitializeSecurityContext(cred, sc, "HTTP/web.example", 0, sspi.NewBufferDesc(sspi.TokenBuffer(ch)), nil)
	assert.NoErrorFatal(err)
	assert.Equal(sspi.ResultCompleteAndContinue, res.Status)
	assert.Equal([]byte("NTLMSSP\x00\x03\x00\x00\x00"), res.Token()[:12])
	assert.Equal(sspi.StateEstablished, sc.State())

	names, err := sc.Names()
	assert.NoError(err)
	assert.Equal(`EXAMPLE\alice`, names.Initiator)

	_, err = sc.SessionKey()
	assert.ErrorIs(err, sspi.ErrUnavailable)

	msg := sspi.NewBufferDesc(sspi.DataBuffer([]byte("x")), sspi.SizedBuffer(sspi.BufferToken, 16))
	assert.ErrorIs(e.MakeSignature(sc, sspi.QoPDefault, msg, 0), sspi.ErrUnsupportedFunction)

	_, err = e.ExportContext(sc)
	assert.ErrorIs(err, sspi.ErrUnsupportedFunction)
}

func TestTruncatedChallenge(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t)

	cred, err := e.AcquireCredential("", PackageName, sspi.DirectionOutbound, nil)
	assert.NoErrorFatal(err)
	sc, _, err := e.InitializeSecurityContext(cred, nil, "", 0, nil, nil)
	assert.NoErrorFatal(err)

	ch := challenge("EXAMPLE")
	for _, cut := range []int{20, challengeFixedLen + 3} {
		_, res, err := e.InitializeSecurityContext(cred, sc, "", 0, sspi.NewBufferDesc(sspi.TokenBuffer(ch[:cut])), nil)
		assert.NoErrorFatal(err)
		assert.Equal(sspi.ResultContinue, res.Status)
		if cut < challengeFixedLen {
			assert.Equal(challengeFixedLen-cut, res.Missing)
		} else {
			assert.Equal(len(ch)-cut, res.Missing)
		}
	}

	_, res, err := e.InitializeSecurityContext(cred, sc, "", 0, sspi.NewBufferDesc(sspi.TokenBuffer(append(ch, "extra"...))), nil)
	assert.NoErrorFatal(err)
	assert.Equal(sspi.ResultCompleteAndContinue, res.Status)
	assert.Equal([]byte("extra"), res.Output.Extra())
}

func TestClientOnly(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t)

	_, err := e.AcquireCredential("", PackageName, sspi.DirectionInbound, nil)
	assert.ErrorIs(err, sspi.ErrUnsupportedDirection)

	info, err := e.QueryPackage("ntlm")
	assert.NoError(err)
	assert.True(info.Capabilities.Has(sspi.CapClientOnly))
}

func TestBadChallenge(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t)

	cred, err := e.AcquireCredential("", PackageName, sspi.DirectionOutbound, nil)
	assert.NoErrorFatal(err)
	sc, _, err := e.InitializeSecurityContext(cred, nil, "", 0, nil, nil)
	assert.NoErrorFatal(err)

	ch := challenge("EXAMPLE")
	ch[8] = 3

	_, _, err = e.InitializeSecurityContext(cred, sc, "", 0, sspi.NewBufferDesc(sspi.TokenBuffer(ch)), nil)
	assert.ErrorIs(err, sspi.ErrInvalidToken)
	assert.Equal(sspi.StateFailed, sc.State())
}

func TestExplicitPassword(t *testing.T) {
	assert := test.NewAssert(t)
	e := newEngine(t)

	cred, err := e.AcquireCredential("bob@example.com", PackageName, sspi.DirectionOutbound, []byte("pw"))
	assert.NoErrorFatal(err)
	assert.Equal("bob@example.com", cred.Principal())

	_, err = e.AcquireCredential("", PackageName, sspi.DirectionOutbound, []byte("pw"))
	assert.ErrorIs(err, sspi.ErrInvalidParameter)
}
