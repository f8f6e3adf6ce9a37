// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"bytes"
	"testing"
	"time"

	"github.com/golang-auth/go-sspi"
	"github.com/golang-auth/go-sspi/test"
)

const (
	alice  = "alice@EXAMPLE"
	server = "host/server@EXAMPLE"
)

var testReq = sspi.ContextReqMutualAuth | sspi.ContextReqIntegrity | sspi.ContextReqConfidentiality |
	sspi.ContextReqReplayDetect | sspi.ContextReqSequenceDetect

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type party struct {
	engine *sspi.Engine
	ids    *sspi.MemoryIdentityStore
	cred   *sspi.Credential
}

func newParty(t *testing.T, principal string, dir sspi.Direction, secrets map[string]string, opts ...Option) *party {
	assert := test.NewAssert(t)

	ids := sspi.NewMemoryIdentityStore()
	ids.Add(principal, []byte(secrets[principal]), nil)
	for p, s := range secrets {
		if p != principal {
			ids.Add(p, []byte(s), nil)
		}
	}

	pkg, err := New(opts...)
	assert.NoErrorFatal(err)
	reg, err := sspi.NewRegistry(pkg)
	assert.NoErrorFatal(err)
	e, err := sspi.NewEngine(reg, sspi.WithIdentityStore(ids), sspi.WithClock(func() time.Time { return epoch }))
	assert.NoErrorFatal(err)

	cred, err := e.AcquireCredential(principal, PackageName, dir, nil)
	assert.NoErrorFatal(err)

	return &party{engine: e, ids: ids, cred: cred}
}

var shared = map[string]string{alice: "s3cret", server: "server key"}

type exchangeOpts struct {
	req         sspi.ContextFlag
	target      string
	initiatorCB []byte
	acceptorCB  []byte
}

func withBindings(cb []byte, tok []byte) *sspi.BufferDesc {
	d := sspi.NewBufferDesc()
	if tok != nil {
		_, _ = d.Append(sspi.TokenBuffer(tok))
	}
	if cb != nil {
		_, _ = d.Append(sspi.NewBuffer(sspi.BufferChannelBindings, cb))
	}
	return d
}

// exchange runs the three legs and returns the contexts and the first error
func exchange(t *testing.T, ini, acc *party, o exchangeOpts) (*sspi.Context, *sspi.Context, error) {
	t.Helper()
	assert := test.NewAssert(t)

	if o.req == 0 {
		o.req = testReq
	}
	if o.target == "" {
		o.target = server
	}

	ictx, res, err := ini.engine.InitializeSecurityContext(ini.cred, nil, o.target, o.req, withBindings(o.initiatorCB, nil), nil)
	if err != nil {
		return ictx, nil, err
	}
	assert.Equal(sspi.ResultContinue, res.Status)

	actx, res, err := acc.engine.AcceptSecurityContext(acc.cred, nil, o.req, withBindings(o.acceptorCB, res.Token()), nil)
	if err != nil {
		return ictx, actx, err
	}
	assert.Equal(sspi.ResultContinue, res.Status)

	_, res, err = ini.engine.InitializeSecurityContext(ini.cred, ictx, o.target, o.req, withBindings(o.initiatorCB, res.Token()), nil)
	if err != nil {
		return ictx, actx, err
	}
	assert.Equal(sspi.ResultCompleteAndContinue, res.Status)

	_, res, err = acc.engine.AcceptSecurityContext(acc.cred, actx, o.req, withBindings(o.acceptorCB, res.Token()), nil)
	if err != nil {
		return ictx, actx, err
	}
	assert.Equal(sspi.ResultComplete, res.Status)

	return ictx, actx, nil
}

func flags(t *testing.T, sc *sspi.Context) sspi.ContextFlag {
	f, err := sc.Flags()
	test.NewAssert(t).NoErrorFatal(err)
	return f
}

func establish(t *testing.T, opts ...Option) (*party, *party, *sspi.Context, *sspi.Context) {
	ini := newParty(t, alice, sspi.DirectionOutbound, shared, opts...)
	acc := newParty(t, server, sspi.DirectionInbound, shared, opts...)

	ictx, actx, err := exchange(t, ini, acc, exchangeOpts{})
	test.NewAssert(t).NoErrorFatal(err)

	return ini, acc, ictx, actx
}

func TestMutualAuthentication(t *testing.T) {
	assert := test.NewAssert(t)
	_, _, ictx, actx := establish(t)

	assert.Equal(sspi.StateEstablished, ictx.State())
	assert.Equal(sspi.StateEstablished, actx.State())
	assert.Equal(testReq, flags(t, ictx))
	assert.Equal(testReq, flags(t, actx))

	names, err := ictx.Names()
	assert.NoError(err)
	assert.Equal(sspi.Names{Initiator: alice, Acceptor: server}, names)
	anames, err := actx.Names()
	assert.NoError(err)
	assert.Equal(names, anames)

	ik, err := ictx.SessionKey()
	assert.NoError(err)
	ak, err := actx.SessionKey()
	assert.NoError(err)
	assert.Len(ik, 32)
	assert.Equal(ik, ak)

	life, err := ictx.Lifespan()
	assert.NoError(err)
	assert.Equal(sspi.LifetimeAvailable, life.Status)
	assert.Equal(epoch.Add(defaultLifetime), life.ExpiresAt)

	suite, err := ictx.QueryAttribute(AttrSuite)
	assert.NoError(err)
	assert.Equal(SuiteXChaCha20Poly1305, suite)

	ci, err := actx.ConnectionInfo()
	assert.NoError(err)
	assert.Equal("XChaCha20-Poly1305", ci.Cipher)
}

func TestSuiteSelection(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, shared, WithSuites(SuiteXChaCha20Poly1305, SuiteAES256CTSHMACSHA196))
	acc := newParty(t, server, sspi.DirectionInbound, shared, WithSuites(SuiteAES256CTSHMACSHA196))

	ictx, actx, err := exchange(t, ini, acc, exchangeOpts{})
	assert.NoErrorFatal(err)

	for _, sc := range []*sspi.Context{ictx, actx} {
		suite, err := sc.QueryAttribute(AttrSuite)
		assert.NoError(err)
		assert.Equal(SuiteAES256CTSHMACSHA196, suite)
	}

	ini = newParty(t, alice, sspi.DirectionOutbound, shared, WithSuites(SuiteXChaCha20Poly1305))
	_, _, err = exchange(t, ini, acc, exchangeOpts{})
	assert.ErrorIs(err, sspi.ErrUnsupportedCipher)
}

func TestWrongSecret(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, map[string]string{alice: "guess"})
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	ictx, actx, err := exchange(t, ini, acc, exchangeOpts{})
	assert.ErrorIs(err, sspi.ErrLogonDenied)
	assert.Equal(sspi.StateFailed, ictx.State())
	assert.Equal(sspi.StateNegotiating, actx.State())
}

func TestUnknownInitiator(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, "mallory", sspi.DirectionOutbound, map[string]string{"mallory": "x"})
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	_, actx, err := exchange(t, ini, acc, exchangeOpts{})
	assert.ErrorIs(err, sspi.ErrLogonDenied)
	assert.Equal(sspi.StateFailed, actx.State())
}

func TestWrongTarget(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, shared)
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	_, _, err := exchange(t, ini, acc, exchangeOpts{target: "host/other@EXAMPLE"})
	assert.ErrorIs(err, sspi.ErrWrongPrincipal)
}

func TestChannelBindings(t *testing.T) {
	assert := test.NewAssert(t)
	req := testReq | sspi.ContextReqChannelBound

	tlsA := (&sspi.ChannelBindings{Data: []byte("tls-server-end-point:aaaa")}).Marshal()
	tlsB := (&sspi.ChannelBindings{Data: []byte("tls-server-end-point:bbbb")}).Marshal()

	ini := newParty(t, alice, sspi.DirectionOutbound, shared)
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	ictx, actx, err := exchange(t, ini, acc, exchangeOpts{req: req, initiatorCB: tlsA, acceptorCB: tlsA})
	assert.NoErrorFatal(err)
	assert.True(flags(t, ictx).Has(sspi.ContextReqChannelBound))
	assert.True(flags(t, actx).Has(sspi.ContextReqChannelBound))

	_, actx, err = exchange(t, ini, acc, exchangeOpts{req: req, initiatorCB: tlsA, acceptorCB: tlsB})
	assert.ErrorIs(err, sspi.ErrBadBindings)
	assert.Equal(sspi.StateFailed, actx.State())

	// required by the acceptor but not supplied by the initiator
	_, _, err = exchange(t, ini, acc, exchangeOpts{req: req, acceptorCB: tlsA})
	assert.ErrorIs(err, sspi.ErrBadBindings)

	// not required: bindings on one side only are ignored
	ictx, _, err = exchange(t, ini, acc, exchangeOpts{acceptorCB: tlsA})
	assert.NoError(err)
	assert.False(flags(t, ictx).Has(sspi.ContextReqChannelBound))
}

func TestTruncatedHello(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, shared)
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	ictx, res, err := ini.engine.InitializeSecurityContext(ini.cred, nil, server, testReq, nil, nil)
	assert.NoErrorFatal(err)
	hello := res.Token()

	for _, cut := range []int{3, len(hello) - 5} {
		actx, res, err := acc.engine.AcceptSecurityContext(acc.cred, nil, testReq, sspi.NewBufferDesc(sspi.TokenBuffer(hello[:cut])), nil)
		assert.NoErrorFatal(err)
		assert.Equal(sspi.ResultContinue, res.Status)
		missing, ok := res.Output.Missing()
		assert.True(ok)
		if cut < tokenHeaderLen {
			assert.Equal(tokenHeaderLen-cut, missing)
		} else {
			assert.Equal(5, missing)
		}
		assert.Equal(sspi.StateNegotiating, actx.State())

		// the complete token continues the same context
		_, res, err = acc.engine.AcceptSecurityContext(acc.cred, actx, testReq, sspi.NewBufferDesc(sspi.TokenBuffer(hello)), nil)
		assert.NoErrorFatal(err)
		assert.Equal(sspi.ResultContinue, res.Status)
	}

	assert.NoError(ictx.Delete())
}

func TestTrailingBytes(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, shared)
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	_, res, err := ini.engine.InitializeSecurityContext(ini.cred, nil, server, testReq, nil, nil)
	assert.NoErrorFatal(err)

	in := append(bytes.Clone(res.Token()), "app data"...)
	_, res, err = acc.engine.AcceptSecurityContext(acc.cred, nil, testReq, sspi.NewBufferDesc(sspi.TokenBuffer(in)), nil)
	assert.NoErrorFatal(err)
	assert.Equal([]byte("app data"), res.Output.Extra())
}

func TestMalformedTokens(t *testing.T) {
	assert := test.NewAssert(t)

	ini := newParty(t, alice, sspi.DirectionOutbound, shared)
	acc := newParty(t, server, sspi.DirectionInbound, shared)

	_, res, err := ini.engine.InitializeSecurityContext(ini.cred, nil, server, testReq, nil, nil)
	assert.NoErrorFatal(err)
	hello := res.Token()

	tests := []struct {
		name   string
		modify func(tok []byte) []byte
	}{
		{"magic", func(tok []byte) []byte { tok[0] = 'X'; return tok }},
		{"version", func(tok []byte) []byte { tok[3] = 9; return tok }},
		{"type", func(tok []byte) []byte { tok[2] = byte(msgFinish); return tok }},
		{"body", func(tok []byte) []byte { tok[tokenHeaderLen] = 0xFF; return tok }},
		{"length", func(tok []byte) []byte { tok[4] = 0x7F; return tok }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := test.NewAssert(t)

			tok := tt.modify(bytes.Clone(hello))
			actx, _, err := acc.engine.AcceptSecurityContext(acc.cred, nil, testReq, sspi.NewBufferDesc(sspi.TokenBuffer(tok)), nil)
			assert.ErrorIs(err, sspi.ErrInvalidToken)
			assert.Equal(sspi.StateFailed, actx.State())
		})
	}
}

func TestExportImport(t *testing.T) {
	assert := test.NewAssert(t)
	ini, acc, ictx, actx := establish(t)

	msg := []byte("moved to another process")
	blob, err := ini.engine.ExportContext(ictx)
	assert.NoErrorFatal(err)

	moved, err := ini.engine.ImportContext(blob)
	assert.NoErrorFatal(err)

	names, err := moved.Names()
	assert.NoError(err)
	assert.Equal(alice, names.Initiator)

	sizes, err := moved.Sizes()
	assert.NoErrorFatal(err)

	data := bytes.Clone(msg)
	m := sspi.NewBufferDesc(
		sspi.SizedBuffer(sspi.BufferHeader, int(sizes.Header)),
		sspi.DataBuffer(data),
		sspi.SizedBuffer(sspi.BufferTrailer, int(sizes.Trailer)),
	)
	assert.NoErrorFatal(ini.engine.EncryptMessage(moved, sspi.QoPDefault, m, 0))

	_, err = acc.engine.DecryptMessage(actx, m, 0)
	assert.NoError(err)
	assert.Equal(msg, data)
}

func TestAcquireCredential(t *testing.T) {
	assert := test.NewAssert(t)

	pkg, err := New()
	assert.NoErrorFatal(err)
	reg, err := sspi.NewRegistry(pkg)
	assert.NoErrorFatal(err)
	e, err := sspi.NewEngine(reg)
	assert.NoErrorFatal(err)

	// explicit secrets do not need the identity store
	cred, err := e.AcquireCredential(alice, PackageName, sspi.DirectionOutbound, []byte("s3cret"))
	assert.NoErrorFatal(err)
	assert.Equal(alice, cred.Principal())

	algs, err := cred.QueryAttribute(sspi.CredAttrSupportedAlgs)
	assert.NoError(err)
	assert.Equal([]string{"xchacha20-poly1305", "aes256-cts-hmac-sha1-96"}, algs)

	_, err = e.AcquireCredential("", PackageName, sspi.DirectionOutbound, []byte("s3cret"))
	assert.ErrorIs(err, sspi.ErrInvalidParameter)

	_, err = e.AcquireCredential(alice, PackageName, sspi.DirectionOutbound, 42)
	assert.ErrorIs(err, sspi.ErrUnknownCredentials)

	_, err = e.AcquireCredential(alice, PackageName, sspi.DirectionOutbound, nil)
	assert.ErrorIs(err, sspi.ErrNoSuchLogonSession)
}

func TestNewOptions(t *testing.T) {
	assert := test.NewAssert(t)

	_, err := New(WithSuites())
	assert.ErrorIs(err, sspi.ErrInvalidParameter)

	_, err = New(WithSuites(SuiteID(99)))
	assert.ErrorIs(err, sspi.ErrUnsupportedCipher)

	p, err := New(WithMaxTokenSize(512), WithContextLifetime(0))
	assert.NoErrorFatal(err)
	info := p.Info()
	assert.Equal(uint32(512), info.MaxTokenSize)
	assert.Equal("PSK", info.Name)
	assert.True(info.Capabilities.Has(sspi.CapExportable | sspi.CapMutualAuth))

	_, _, ictx, _ := establish(t, WithContextLifetime(0))
	life, err := ictx.Lifespan()
	assert.NoError(err)
	assert.Equal(sspi.LifetimeIndefinite, life.Status)
}
