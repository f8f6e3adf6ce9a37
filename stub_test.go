// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/golang-auth/go-sspi/test"
)

// A three token mutual authentication protocol with fixed 20 byte tokens:
//
//	initiator -> acceptor  1 | nonce_i (19)
//	acceptor -> initiator  2 | nonce_a (11) | mac_a (8)
//	initiator -> acceptor  3 | mac_i (19)
const (
	stubTokenLen = 20
	stubHeader   = 8
	stubTrailer  = 16
)

var stubGrants = ContextReqMutualAuth | ContextReqReplayDetect | ContextReqSequenceDetect |
	ContextReqConfidentiality | ContextReqIntegrity | ContextReqExtendedSequence

type stubPackage struct {
	name    string
	version uint16
	caps    Capability
	grants  ContextFlag
}

func newStubPackage(name string) *stubPackage {
	return &stubPackage{
		name:    name,
		version: 1,
		caps:    CapIntegrity | CapPrivacy | CapConnection | CapMutualAuth | CapExportable | CapMultiRequired,
		grants:  stubGrants,
	}
}

func (p *stubPackage) Info() PackageInfo {
	return PackageInfo{
		Name:         p.name,
		Comment:      "test package",
		Capabilities: p.caps,
		MaxTokenSize: 64,
		Version:      p.version,
		RPCID:        0xFFFF,
	}
}

type stubCred struct {
	principal string
	secret    []byte
}

func (c *stubCred) Principal() string  { return c.principal }
func (c *stubCred) Lifetime() Lifetime { return IndefiniteLifetime }
func (c *stubCred) Release()           { clear(c.secret) }

func (p *stubPackage) AcquireCredential(req AcquireRequest) (CredentialElement, error) {
	m, err := req.Identities.Resolve(req.Principal)
	if err != nil {
		return nil, err
	}

	return &stubCred{principal: m.Principal, secret: m.Secret}, nil
}

func (p *stubPackage) NewMechanism(cfg MechanismConfig) (Mechanism, error) {
	c := cfg.Credential.(*stubCred)
	return &stubMech{
		side:      cfg.Side,
		secret:    append([]byte(nil), c.secret...),
		principal: c.principal,
		grants:    p.grants,
		requested: cfg.Requested,
	}, nil
}

func (p *stubPackage) ImportMechanism(cfg MechanismConfig, material []byte) (Mechanism, error) {
	if len(material) != sha256.Size {
		return nil, fmt.Errorf("%w: bad material", ErrInvalidToken)
	}

	return &stubMech{
		side:  cfg.Side,
		key:   append([]byte(nil), material...),
		legs:  3,
		grant: cfg.Requested,
	}, nil
}

type stubMech struct {
	side      Side
	secret    []byte
	principal string
	grants    ContextFlag
	requested ContextFlag

	legs   int
	nonceI []byte
	nonceA []byte
	key    []byte
	grant  ContextFlag
	closed bool
}

func (m *stubMech) mac(label string) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write([]byte(label))
	h.Write(m.nonceI)
	h.Write(m.nonceA)
	return h.Sum(nil)
}

func (m *stubMech) derive() {
	h := sha256.New()
	h.Write(m.secret)
	h.Write(m.nonceI)
	h.Write(m.nonceA)
	m.key = h.Sum(nil)
	m.grant = m.requested & m.grants
}

func (m *stubMech) Step(in StepInput) (StepOutput, error) {
	if m.closed {
		return StepOutput{}, ErrInvalidHandle
	}

	if m.side == SideInitiator {
		return m.initiatorStep(in)
	}

	return m.acceptorStep(in)
}

func stubToken(kind byte, parts ...[]byte) []byte {
	tok := []byte{kind}
	for _, p := range parts {
		tok = append(tok, p...)
	}
	return tok
}

func readStubToken(in []byte, kind byte) ([]byte, *StepOutput, error) {
	if len(in) < stubTokenLen {
		return nil, &StepOutput{Verdict: VerdictIncomplete, Missing: stubTokenLen - len(in)}, nil
	}
	if in[0] != kind {
		return nil, nil, fmt.Errorf("%w: expected token %d, got %d", ErrInvalidToken, kind, in[0])
	}

	return in[1:stubTokenLen], nil, nil
}

func (m *stubMech) initiatorStep(in StepInput) (StepOutput, error) {
	m.legs++

	switch m.legs {
	case 1:
		m.nonceI = make([]byte, stubTokenLen-1)
		_, _ = rand.Read(m.nonceI)
		return StepOutput{Token: stubToken(1, m.nonceI), Verdict: VerdictContinue}, nil

	case 2:
		body, incomplete, err := readStubToken(in.Token, 2)
		if err != nil || incomplete != nil {
			m.legs--
			if incomplete != nil {
				return *incomplete, nil
			}
			return StepOutput{}, err
		}
		m.nonceA = append([]byte(nil), body[:11]...)
		if !hmac.Equal(body[11:], m.mac("A")[:8]) {
			return StepOutput{}, fmt.Errorf("%w: acceptor proof", ErrLogonDenied)
		}
		m.derive()
		return StepOutput{
			Token:   stubToken(3, m.mac("I")[:stubTokenLen-1]),
			Verdict: VerdictDone,
			Granted: m.grant,
			Extra:   len(in.Token) - stubTokenLen,
		}, nil
	}

	return StepOutput{}, fmt.Errorf("%w: unexpected leg %d", ErrInvalidToken, m.legs)
}

func (m *stubMech) acceptorStep(in StepInput) (StepOutput, error) {
	m.legs++

	switch m.legs {
	case 1:
		body, incomplete, err := readStubToken(in.Token, 1)
		if err != nil || incomplete != nil {
			m.legs--
			if incomplete != nil {
				return *incomplete, nil
			}
			return StepOutput{}, err
		}
		m.nonceI = append([]byte(nil), body...)
		m.nonceA = make([]byte, 11)
		_, _ = rand.Read(m.nonceA)
		return StepOutput{
			Token:   stubToken(2, m.nonceA, m.mac("A")[:8]),
			Verdict: VerdictContinue,
			Extra:   len(in.Token) - stubTokenLen,
		}, nil

	case 2:
		body, incomplete, err := readStubToken(in.Token, 3)
		if err != nil || incomplete != nil {
			m.legs--
			if incomplete != nil {
				return *incomplete, nil
			}
			return StepOutput{}, err
		}
		if !hmac.Equal(body, m.mac("I")[:stubTokenLen-1]) {
			return StepOutput{}, fmt.Errorf("%w: initiator proof", ErrLogonDenied)
		}
		m.derive()
		return StepOutput{Verdict: VerdictDone, Granted: m.grant}, nil
	}

	return StepOutput{}, fmt.Errorf("%w: unexpected leg %d", ErrInvalidToken, m.legs)
}

func (m *stubMech) Sizes() Sizes {
	return Sizes{MaxToken: 64, MaxSignature: 16, BlockSize: 1, Header: stubHeader, Trailer: stubTrailer}
}

// directional key: initiator outbound == acceptor inbound
func (m *stubMech) dirKey(dir MessageDirection) []byte {
	fromInitiator := (m.side == SideInitiator) == (dir == Outbound)
	label := "a2i"
	if fromInitiator {
		label = "i2a"
	}
	h := hmac.New(sha256.New, m.key)
	h.Write([]byte(label))
	return h.Sum(nil)
}

func (m *stubMech) Sign(dir MessageDirection, seq uint64, qop QoP, data [][]byte) ([]byte, error) {
	if qop != QoPDefault {
		return nil, ErrQopNotSupported
	}

	h := hmac.New(sha256.New, m.dirKey(dir))
	_ = binary.Write(h, binary.BigEndian, seq)
	for _, d := range data {
		h.Write(d)
	}

	return h.Sum(nil)[:16], nil
}

func (m *stubMech) keystream(key []byte, seq uint64, data [][]byte) {
	var block []byte
	ctr := uint32(0)
	for _, d := range data {
		for i := range d {
			if len(block) == 0 {
				h := sha256.New()
				h.Write(key)
				_ = binary.Write(h, binary.BigEndian, seq)
				_ = binary.Write(h, binary.BigEndian, ctr)
				block = h.Sum(nil)
				ctr++
			}
			d[i] ^= block[0]
			block = block[1:]
		}
	}
}

func (m *stubMech) trailer(key, header []byte, data [][]byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(header)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)[:stubTrailer]
}

func (m *stubMech) Seal(seq uint64, qop QoP, header []byte, data [][]byte, trailer []byte) error {
	key := m.dirKey(Outbound)
	binary.BigEndian.PutUint64(header, seq)
	m.keystream(key, seq, data)
	copy(trailer, m.trailer(key, header, data))
	return nil
}

func (m *stubMech) Unseal(seq uint64, header []byte, data [][]byte, trailer []byte) (QoP, error) {
	key := m.dirKey(Inbound)
	if binary.BigEndian.Uint64(header) != seq || !hmac.Equal(trailer, m.trailer(key, header, data)) {
		return 0, ErrMessageAltered
	}
	m.keystream(key, seq, data)
	return QoPDefault, nil
}

func (m *stubMech) SessionKey() ([]byte, error) {
	return m.key, nil
}

func (m *stubMech) Names() (Names, error) {
	if m.side == SideInitiator {
		return Names{Initiator: m.principal}, nil
	}
	return Names{Acceptor: m.principal}, nil
}

func (m *stubMech) QueryAttribute(attr ContextAttribute) (any, error) {
	if attr == AttrPackageSpecific+1 {
		return m.legs, nil
	}
	return nil, ErrUnsupportedFunction
}

func (m *stubMech) Export() ([]byte, error) {
	return append([]byte(nil), m.key...), nil
}

func (m *stubMech) Close() error {
	clear(m.key)
	clear(m.secret)
	m.closed = true
	return nil
}

// fixture wires an engine to a stub package with two identities
type fixture struct {
	t        *testing.T
	assert   *test.Assert
	registry *Registry
	engine   *Engine
	pkg      *stubPackage
	icred    *Credential
	acred    *Credential
}

func newFixture(t *testing.T) *fixture {
	assert := test.NewAssert(t)

	ids := NewMemoryIdentityStore()
	ids.Add("alice", []byte("correct horse"), nil)
	ids.Add("server", []byte("correct horse"), nil)

	pkg := newStubPackage("Stub")
	reg, err := NewRegistry(pkg)
	assert.NoErrorFatal(err)

	e, err := NewEngine(reg, WithIdentityStore(ids))
	assert.NoErrorFatal(err)

	icred, err := e.AcquireCredential("alice", "stub", DirectionOutbound, nil)
	assert.NoErrorFatal(err)
	acred, err := e.AcquireCredential("server", "STUB", DirectionInbound, nil)
	assert.NoErrorFatal(err)

	return &fixture{t: t, assert: assert, registry: reg, engine: e, pkg: pkg, icred: icred, acred: acred}
}

// handshake runs the full exchange and returns the established contexts
func (f *fixture) handshake(req ContextFlag) (*Context, *Context) {
	f.t.Helper()
	assert := f.assert
	e := f.engine

	ictx, res, err := e.InitializeSecurityContext(f.icred, nil, "server", req|ContextReqAllocateMemory, nil, nil)
	assert.NoErrorFatal(err)
	assert.Equal(ResultContinue, res.Status)

	actx, res, err := e.AcceptSecurityContext(f.acred, nil, req|ContextReqAllocateMemory, NewBufferDesc(TokenBuffer(res.Token())), nil)
	assert.NoErrorFatal(err)
	assert.Equal(ResultContinue, res.Status)

	_, res, err = e.InitializeSecurityContext(f.icred, ictx, "server", req|ContextReqAllocateMemory, NewBufferDesc(TokenBuffer(res.Token())), nil)
	assert.NoErrorFatal(err)
	assert.Equal(ResultCompleteAndContinue, res.Status)

	_, res, err = e.AcceptSecurityContext(f.acred, actx, req|ContextReqAllocateMemory, NewBufferDesc(TokenBuffer(res.Token())), nil)
	assert.NoErrorFatal(err)
	assert.Equal(ResultComplete, res.Status)
	assert.Empty(res.Token())

	return ictx, actx
}

func sealed(header, data, trailer []byte) []byte {
	return bytes.Join([][]byte{header, data, trailer}, nil)
}
