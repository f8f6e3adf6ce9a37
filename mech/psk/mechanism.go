// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"

	"github.com/golang-auth/go-sspi"
)

type mechState int

const (
	stateStart mechState = iota
	stateChallenge
	stateFinish
	stateEstablished
)

const (
	labelAcceptorProof  = "psk acceptor proof"
	labelInitiatorProof = "psk initiator proof"
)

type mechanism struct {
	pkg       *Package
	side      sspi.Side
	cred      *credential
	target    string
	requested sspi.ContextFlag
	logger    *slog.Logger
	now       func() time.Time

	state      mechState
	helloBody  []byte
	nonceI     []byte
	nonceA     []byte
	secret     []byte
	authKey    []byte
	transcript []byte
	bound      bool

	suite      cipherSuite
	sessionKey []byte
	keys       map[uint32][]byte
	names      sspi.Names
}

func newMechanism(p *Package, cfg sspi.MechanismConfig) *mechanism {
	m := &mechanism{
		pkg:       p,
		side:      cfg.Side,
		target:    cfg.Target,
		requested: cfg.Requested,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}

	if m.logger == nil {
		m.logger = slog.New(slog.DiscardHandler)
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m
}

func (m *mechanism) peer() sspi.Side {
	if m.side == sspi.SideAcceptor {
		return sspi.SideInitiator
	}
	return sspi.SideAcceptor
}

func (m *mechanism) Step(in sspi.StepInput) (sspi.StepOutput, error) {
	switch {
	case m.state == stateStart && m.side == sspi.SideInitiator:
		return m.sendHello(in)
	case m.state == stateStart:
		return m.readHello(in)
	case m.state == stateChallenge:
		return m.readChallenge(in)
	case m.state == stateFinish:
		return m.readFinish(in)
	}

	return sspi.StepOutput{}, fmt.Errorf("%w: the PSK exchange is complete", sspi.ErrInvalidToken)
}

func randomNonce() ([]byte, error) {
	n := make([]byte, nonceLen)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	return n, nil
}

func incomplete(missing int) sspi.StepOutput {
	return sspi.StepOutput{Verdict: sspi.VerdictIncomplete, Missing: missing}
}

func (m *mechanism) sendHello(in sspi.StepInput) (sspi.StepOutput, error) {
	target := m.target
	if in.TargetName != "" {
		target = in.TargetName
	}

	nonce, err := randomNonce()
	if err != nil {
		return sspi.StepOutput{}, err
	}

	h := hello{
		Initiator: m.cred.principal,
		Target:    target,
		Nonce:     nonce,
		Suites:    m.pkg.suiteIDs(),
	}
	if len(in.ChannelBindings) > 0 {
		sum := sha256.Sum256(in.ChannelBindings)
		h.Bindings = sum[:]
		m.bound = true
	}

	tok, body, err := frame(msgHello, h)
	if err != nil {
		return sspi.StepOutput{}, err
	}

	m.target = target
	m.nonceI = nonce
	m.helloBody = body
	m.state = stateChallenge

	return sspi.StepOutput{Token: tok, Verdict: sspi.VerdictContinue}, nil
}

func (m *mechanism) readHello(in sspi.StepInput) (sspi.StepOutput, error) {
	body, used, missing, err := unframe(in.Token, msgHello, m.pkg.maxToken)
	if err != nil || missing > 0 {
		return incomplete(missing), err
	}

	var h hello
	if err := decode(body, msgHello, &h); err != nil {
		return sspi.StepOutput{}, err
	}
	if len(h.Nonce) != nonceLen {
		return sspi.StepOutput{}, fmt.Errorf("%w: bad initiator nonce", sspi.ErrInvalidToken)
	}

	if err := m.checkBindings(h.Bindings, in.ChannelBindings); err != nil {
		return sspi.StepOutput{}, err
	}

	if h.Target != "" && !strings.EqualFold(h.Target, m.cred.principal) {
		return sspi.StepOutput{}, fmt.Errorf("%w: initiator targets %q", sspi.ErrWrongPrincipal, h.Target)
	}

	suite, err := m.pkg.selectSuite(h.Suites)
	if err != nil {
		return sspi.StepOutput{}, err
	}

	if h.Initiator == "" {
		return sspi.StepOutput{}, fmt.Errorf("%w: anonymous initiator", sspi.ErrLogonDenied)
	}
	mat, err := m.cred.identities.Resolve(h.Initiator)
	if err != nil {
		return sspi.StepOutput{}, fmt.Errorf("%w: unknown initiator %q", sspi.ErrLogonDenied, h.Initiator)
	}
	defer mat.Zero()

	nonce, err := randomNonce()
	if err != nil {
		return sspi.StepOutput{}, err
	}

	m.nonceI = h.Nonce
	m.nonceA = nonce
	m.suite = suite

	ch := challenge{Acceptor: m.cred.principal, Nonce: nonce, Suite: suite.id()}
	unsigned, err := cbor.Marshal(ch)
	if err != nil {
		return sspi.StepOutput{}, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	m.transcript = transcript(body, unsigned)
	if err := m.deriveKeys(mat.Secret); err != nil {
		return sspi.StepOutput{}, err
	}
	ch.Proof = m.proof(labelAcceptorProof)

	tok, _, err := frame(msgChallenge, ch)
	if err != nil {
		return sspi.StepOutput{}, err
	}

	m.names = sspi.Names{Initiator: h.Initiator, Acceptor: m.cred.principal}
	m.state = stateFinish
	m.logger.Debug("PSK hello accepted", "initiator", h.Initiator, "suite", suite.id())

	return sspi.StepOutput{Token: tok, Verdict: sspi.VerdictContinue, Extra: len(in.Token) - used}, nil
}

// checkBindings compares the initiator's bindings hash with the local bindings.  A side
// without bindings is accepted unless the acceptor asked for channel binding.
func (m *mechanism) checkBindings(theirs, local []byte) error {
	if len(local) == 0 {
		if m.requested.Has(sspi.ContextReqChannelBound) {
			return fmt.Errorf("%w: no local channel bindings", sspi.ErrBadBindings)
		}
		return nil
	}

	if len(theirs) == 0 {
		if m.requested.Has(sspi.ContextReqChannelBound) {
			return fmt.Errorf("%w: initiator sent no channel bindings", sspi.ErrBadBindings)
		}
		return nil
	}

	sum := sha256.Sum256(local)
	if !hmac.Equal(theirs, sum[:]) {
		return sspi.ErrBadBindings
	}

	m.bound = true
	return nil
}

func (m *mechanism) readChallenge(in sspi.StepInput) (sspi.StepOutput, error) {
	body, used, missing, err := unframe(in.Token, msgChallenge, m.pkg.maxToken)
	if err != nil || missing > 0 {
		return incomplete(missing), err
	}

	var ch challenge
	if err := decode(body, msgChallenge, &ch); err != nil {
		return sspi.StepOutput{}, err
	}
	if len(ch.Nonce) != nonceLen {
		return sspi.StepOutput{}, fmt.Errorf("%w: bad acceptor nonce", sspi.ErrInvalidToken)
	}

	suite, ok := m.pkg.suite(ch.Suite)
	if !ok {
		return sspi.StepOutput{}, fmt.Errorf("%w: acceptor selected %s", sspi.ErrUnsupportedCipher, ch.Suite)
	}

	if m.target != "" && !strings.EqualFold(m.target, ch.Acceptor) {
		return sspi.StepOutput{}, fmt.Errorf("%w: acceptor is %q", sspi.ErrWrongPrincipal, ch.Acceptor)
	}

	proof := ch.Proof
	ch.Proof = nil
	unsigned, err := cbor.Marshal(ch)
	if err != nil {
		return sspi.StepOutput{}, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	m.nonceA = ch.Nonce
	m.suite = suite
	m.transcript = transcript(m.helloBody, unsigned)
	if err := m.deriveKeys(m.secret); err != nil {
		return sspi.StepOutput{}, err
	}

	if !hmac.Equal(proof, m.proof(labelAcceptorProof)) {
		m.zero()
		return sspi.StepOutput{}, fmt.Errorf("%w: acceptor proof does not verify", sspi.ErrLogonDenied)
	}

	tok, _, err := frame(msgFinish, finish{Proof: m.proof(labelInitiatorProof)})
	if err != nil {
		return sspi.StepOutput{}, err
	}

	m.names = sspi.Names{Initiator: m.cred.principal, Acceptor: ch.Acceptor}
	m.established()

	return sspi.StepOutput{
		Token:    tok,
		Verdict:  sspi.VerdictDone,
		Granted:  m.granted(),
		Lifetime: m.lifetime(),
		Extra:    len(in.Token) - used,
	}, nil
}

func (m *mechanism) readFinish(in sspi.StepInput) (sspi.StepOutput, error) {
	body, used, missing, err := unframe(in.Token, msgFinish, m.pkg.maxToken)
	if err != nil || missing > 0 {
		return incomplete(missing), err
	}

	var f finish
	if err := decode(body, msgFinish, &f); err != nil {
		return sspi.StepOutput{}, err
	}

	if !hmac.Equal(f.Proof, m.proof(labelInitiatorProof)) {
		m.zero()
		return sspi.StepOutput{}, fmt.Errorf("%w: initiator proof does not verify", sspi.ErrLogonDenied)
	}

	m.established()

	return sspi.StepOutput{
		Verdict:  sspi.VerdictDone,
		Granted:  m.granted(),
		Lifetime: m.lifetime(),
		Extra:    len(in.Token) - used,
	}, nil
}

// deriveKeys runs the key schedule:
//
//	prk         = HKDF-Extract(SHA-256, salt = nonceI | nonceA, secret)
//	auth key    = HKDF-Expand(prk, "psk auth" | transcript)
//	session key = HKDF-Expand(prk, "psk session" | transcript)
//
// and the suite derives the message keys from the session key.
func (m *mechanism) deriveKeys(secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("%w: no secret", sspi.ErrNoCredentials)
	}

	prk := hkdf.Extract(sha256.New, secret, join(m.nonceI, m.nonceA))
	defer clear(prk)

	var err error
	if m.authKey, err = expand(prk, "psk auth", m.transcript, sha256.Size); err != nil {
		return err
	}
	if m.sessionKey, err = expand(prk, "psk session", m.transcript, sha256.Size); err != nil {
		return err
	}

	m.keys, err = m.suite.deriveKeys(m.sessionKey)
	return err
}

func (m *mechanism) proof(label string) []byte {
	mac := hmac.New(sha256.New, m.authKey)
	mac.Write([]byte(label))
	mac.Write(m.transcript)

	return mac.Sum(nil)
}

// established drops the negotiation state that is no longer needed
func (m *mechanism) established() {
	clear(m.secret)
	clear(m.authKey)
	m.secret, m.authKey, m.helloBody = nil, nil, nil
	m.state = stateEstablished
}

func (m *mechanism) granted() sspi.ContextFlag {
	if m.bound {
		return supported | sspi.ContextReqChannelBound
	}
	return supported
}

func (m *mechanism) lifetime() *sspi.Lifetime {
	if m.pkg.lifetime == 0 {
		return nil
	}

	l := sspi.MakeLifetime(m.now(), m.pkg.lifetime)
	return &l
}

func (m *mechanism) zero() {
	clear(m.secret)
	clear(m.authKey)
	clear(m.sessionKey)
	for _, k := range m.keys {
		clear(k)
	}
	m.secret, m.authKey, m.sessionKey, m.keys = nil, nil, nil, nil
}

func senderFlags(sender sspi.Side) tokenFlag {
	if sender == sspi.SideAcceptor {
		return tokenFlagSentByAcceptor
	}
	return 0
}

func (m *mechanism) ready() error {
	if m.state != stateEstablished || m.keys == nil {
		return fmt.Errorf("%w: PSK context is not established", sspi.ErrInvalidHandle)
	}
	return nil
}

func (m *mechanism) Sizes() sspi.Sizes {
	if m.suite == nil {
		return sspi.Sizes{MaxToken: m.pkg.maxToken}
	}

	prefix, suffix := m.suite.overhead()
	return sspi.Sizes{
		MaxToken:     m.pkg.maxToken,
		MaxSignature: uint32(msgTokenHdrLen + m.suite.checksumLen()),
		BlockSize:    uint32(m.suite.blockSize()),
		Header:       uint32(msgTokenHdrLen + prefix),
		Trailer:      uint32(suffix),
	}
}

func (m *mechanism) StreamSizes() sspi.StreamSizes {
	s := m.Sizes()
	return sspi.StreamSizes{
		Header:         s.Header,
		Trailer:        s.Trailer,
		MaximumMessage: 1 << 16,
		Buffers:        4,
		BlockSize:      s.BlockSize,
	}
}

func (m *mechanism) ConnectionInfo() sspi.ConnectionInfo {
	if m.suite == nil {
		return sspi.ConnectionInfo{Protocol: "PSK/1"}
	}
	return m.suite.connectionInfo()
}

// Sign returns a MIC token: the token header followed by the checksum of the data and
// the header
func (m *mechanism) Sign(dir sspi.MessageDirection, seq uint64, qop sspi.QoP, data [][]byte) ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if qop != sspi.QoPDefault {
		return nil, fmt.Errorf("%w: %#x", sspi.ErrQopNotSupported, uint32(qop))
	}

	sender := m.side
	if dir == sspi.Inbound {
		sender = m.peer()
	}

	hdr := micHeader(senderFlags(sender), seq)
	sum, err := m.suite.checksum(m.keys[signUsage(sender)], signUsage(sender), join(append(slices.Clone(data), hdr)...))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	return append(hdr, sum...), nil
}

func (m *mechanism) Seal(seq uint64, qop sspi.QoP, header []byte, data [][]byte, trailer []byte) error {
	if err := m.ready(); err != nil {
		return err
	}

	usage := sealUsage(m.side)
	key := m.keys[usage]
	plain := join(data...)
	defer clear(plain)

	switch qop {
	case sspi.QoPDefault:
		hdr := wrapHeader(senderFlags(m.side)|tokenFlagSealed, seq)
		out, err := m.suite.seal(key, usage, hdr, plain)
		if err != nil {
			return fmt.Errorf("%w: %w", sspi.ErrInternal, err)
		}

		prefix, suffix := m.suite.overhead()
		if len(out) != prefix+len(plain)+suffix {
			return fmt.Errorf("%w: sealed message is %d bytes", sspi.ErrInternal, len(out))
		}

		copy(header, hdr)
		copy(header[msgTokenHdrLen:], out[:prefix])
		scatter(data, out[prefix:prefix+len(plain)])
		copy(trailer, out[prefix+len(plain):])

	case sspi.QoPWrapNoEncrypt:
		hdr := wrapHeader(senderFlags(m.side), seq)
		sum, err := m.suite.checksum(key, usage, join(plain, hdr))
		if err != nil {
			return fmt.Errorf("%w: %w", sspi.ErrInternal, err)
		}

		copy(header, hdr)
		clear(header[msgTokenHdrLen:])
		clear(trailer)
		copy(trailer, sum)

	default:
		return fmt.Errorf("%w: %#x", sspi.ErrQopNotSupported, uint32(qop))
	}

	return nil
}

func (m *mechanism) Unseal(seq uint64, header []byte, data [][]byte, trailer []byte) (sspi.QoP, error) {
	if err := m.ready(); err != nil {
		return 0, err
	}

	flags, hseq, err := parseWrapHeader(header)
	if err != nil {
		return 0, err
	}

	sender := m.peer()
	if (flags&tokenFlagSentByAcceptor != 0) != (sender == sspi.SideAcceptor) {
		return 0, fmt.Errorf("%w: message was not sent by the %s", sspi.ErrMessageAltered, sender)
	}
	if hseq != seq {
		return 0, fmt.Errorf("%w: message carries sequence number %d", sspi.ErrOutOfSequence, hseq)
	}

	usage := sealUsage(sender)
	key := m.keys[usage]
	hdr := header[:msgTokenHdrLen]

	if flags&tokenFlagSealed == 0 {
		sum, err := m.suite.checksum(key, usage, join(append(slices.Clone(data), hdr)...))
		if err != nil {
			return 0, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
		}
		if len(trailer) < len(sum) || !hmac.Equal(sum, trailer[:len(sum)]) {
			return 0, fmt.Errorf("%w: bad wrap token checksum", sspi.ErrMessageAltered)
		}
		return sspi.QoPWrapNoEncrypt, nil
	}

	sealed := join(append(append([][]byte{header[msgTokenHdrLen:]}, data...), trailer)...)
	plain, err := m.suite.unseal(key, usage, hdr, sealed)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", sspi.ErrMessageAltered, err)
	}
	defer clear(plain)

	scatter(data, plain)
	return sspi.QoPDefault, nil
}

func (m *mechanism) SessionKey() ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	return slices.Clone(m.sessionKey), nil
}

func (m *mechanism) Names() (sspi.Names, error) {
	return m.names, nil
}

func (m *mechanism) QueryAttribute(attr sspi.ContextAttribute) (any, error) {
	if attr == AttrSuite && m.suite != nil {
		return m.suite.id(), nil
	}

	return nil, sspi.ErrUnsupportedFunction
}

// exportedState is the mechanism material carried in an exported context
type exportedState struct {
	_          struct{} `cbor:",toarray"`
	Suite      SuiteID
	SessionKey []byte
	Initiator  string
	Acceptor   string
}

func (m *mechanism) Export() ([]byte, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}

	b, err := cbor.Marshal(exportedState{
		Suite:      m.suite.id(),
		SessionKey: m.sessionKey,
		Initiator:  m.names.Initiator,
		Acceptor:   m.names.Acceptor,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	return b, nil
}

func (m *mechanism) importState(material []byte) error {
	var st exportedState
	if err := cbor.Unmarshal(material, &st); err != nil {
		return fmt.Errorf("%w: PSK context: %w", sspi.ErrInvalidToken, err)
	}
	if len(st.SessionKey) != sha256.Size {
		clear(st.SessionKey)
		return fmt.Errorf("%w: PSK context has a bad session key", sspi.ErrInvalidToken)
	}

	suite, ok := m.pkg.suite(st.Suite)
	if !ok {
		clear(st.SessionKey)
		return fmt.Errorf("%w: %s is not enabled", sspi.ErrUnsupportedCipher, st.Suite)
	}

	keys, err := suite.deriveKeys(st.SessionKey)
	if err != nil {
		clear(st.SessionKey)
		return err
	}

	m.suite = suite
	m.sessionKey = st.SessionKey
	m.keys = keys
	m.names = sspi.Names{Initiator: st.Initiator, Acceptor: st.Acceptor}
	m.state = stateEstablished

	return nil
}

func (m *mechanism) Close() error {
	m.zero()
	m.state = stateEstablished
	m.suite = nil
	return nil
}
