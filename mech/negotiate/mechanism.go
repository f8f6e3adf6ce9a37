// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang-auth/go-sspi"
)

type mechanism struct {
	pkg    *Package
	cfg    sspi.MechanismConfig
	cred   *credential
	logger *slog.Logger

	legs      int
	offered   []string
	inner     sspi.Mechanism
	innerName string
	innerDone *sspi.StepOutput
	done      bool
}

func newMechanism(p *Package, cfg sspi.MechanismConfig, cred *credential) *mechanism {
	return &mechanism{pkg: p, cfg: cfg, cred: cred, logger: loggerOf(cfg)}
}

func (m *mechanism) Step(in sspi.StepInput) (sspi.StepOutput, error) {
	if m.done {
		return sspi.StepOutput{}, fmt.Errorf("%w: Negotiate exchange is complete", sspi.ErrInvalidToken)
	}

	if m.cfg.Side == sspi.SideInitiator && m.legs == 0 {
		return m.sendInit(in)
	}

	want := msgResponse
	if m.cfg.Side == sspi.SideAcceptor && m.legs == 0 {
		want = msgInit
	}

	body, used, missing, err := unframe(in.Token, want, m.pkg.Info().MaxTokenSize)
	if err != nil {
		return sspi.StepOutput{}, err
	}
	if missing > 0 {
		return sspi.StepOutput{Verdict: sspi.VerdictIncomplete, Missing: missing}, nil
	}

	var out sspi.StepOutput
	if want == msgInit {
		out, err = m.readInit(in, body)
	} else {
		out, err = m.readResponse(in, body)
	}
	if err != nil {
		return sspi.StepOutput{}, err
	}

	out.Extra = len(in.Token) - used
	return out, nil
}

// startInner creates the mechanism of the named inner package, replacing any current one
func (m *mechanism) startInner(name string) error {
	ic := m.cred.lookup(name, m.cfg.Side)
	if ic == nil {
		return fmt.Errorf("%w: no credential for %q", sspi.ErrNoCredentials, name)
	}

	cfg := m.cfg
	cfg.Credential = ic.element
	cfg.Logger = m.logger.With("inner", ic.name)

	mech, err := ic.pkg.NewMechanism(cfg)
	if err != nil {
		return err
	}

	if m.inner != nil {
		_ = m.inner.Close()
	}
	m.inner, m.innerName, m.innerDone = mech, ic.name, nil
	m.logger.Debug("selected inner package", "side", m.cfg.Side, "package", ic.name)

	return nil
}

func (m *mechanism) stepInner(in sspi.StepInput, tok []byte) (sspi.StepOutput, error) {
	in.Token = tok
	out, err := m.inner.Step(in)
	if err != nil {
		return sspi.StepOutput{}, err
	}
	if out.Verdict == sspi.VerdictIncomplete {
		return sspi.StepOutput{}, fmt.Errorf("%w: truncated %s token", sspi.ErrInvalidToken, m.innerName)
	}
	if out.Verdict == sspi.VerdictDone {
		m.innerDone = &out
	}

	return out, nil
}

// reply frames the inner output.  The composite is done when the inner package is.
func (m *mechanism) reply(t msgType, body any, inner sspi.StepOutput) (sspi.StepOutput, error) {
	out := sspi.StepOutput{Verdict: sspi.VerdictContinue}
	if inner.Verdict == sspi.VerdictDone {
		out = m.finish(inner)
	}

	tok, err := frame(t, body)
	if err != nil {
		return sspi.StepOutput{}, err
	}
	out.Token = tok

	return out, nil
}

func (m *mechanism) finish(inner sspi.StepOutput) sspi.StepOutput {
	m.done = true
	return sspi.StepOutput{
		Verdict:  sspi.VerdictDone,
		Granted:  inner.Granted,
		Lifetime: inner.Lifetime,
	}
}

func (m *mechanism) sendInit(in sspi.StepInput) (sspi.StepOutput, error) {
	m.offered = m.cred.offered()
	if err := m.startInner(m.offered[0]); err != nil {
		return sspi.StepOutput{}, err
	}

	inner, err := m.stepInner(in, nil)
	if err != nil {
		return sspi.StepOutput{}, err
	}
	m.legs++

	tok, err := frame(msgInit, negInit{Mechs: m.offered, Token: inner.Token})
	if err != nil {
		return sspi.StepOutput{}, err
	}

	// the acceptor still has to confirm the selection
	return sspi.StepOutput{Token: tok, Verdict: sspi.VerdictContinue}, nil
}

func (m *mechanism) readInit(in sspi.StepInput, body []byte) (sspi.StepOutput, error) {
	var init negInit
	if err := decode(body, &init); err != nil {
		return sspi.StepOutput{}, err
	}
	if len(init.Mechs) == 0 {
		return sspi.StepOutput{}, fmt.Errorf("%w: no packages offered", sspi.ErrInvalidToken)
	}

	chosen := ""
	for _, name := range init.Mechs {
		if m.cred.lookup(name, sspi.SideAcceptor) != nil {
			chosen = name
			break
		}
	}
	if chosen == "" {
		return sspi.StepOutput{}, fmt.Errorf("%w: none of %v is available", sspi.ErrPackageNotFound, init.Mechs)
	}

	if err := m.startInner(chosen); err != nil {
		return sspi.StepOutput{}, err
	}
	m.legs++

	resp := negResponse{State: stateIncomplete, Mech: m.innerName}

	// the optimistic token is only meaningful for the initiator's first choice
	if chosen != init.Mechs[0] || len(init.Token) == 0 {
		return m.reply(msgResponse, resp, sspi.StepOutput{})
	}

	inner, err := m.stepInner(in, init.Token)
	if err != nil {
		return sspi.StepOutput{}, err
	}

	resp.Token = inner.Token
	if inner.Verdict == sspi.VerdictDone {
		resp.State = stateCompleted
	}

	return m.reply(msgResponse, resp, inner)
}

func (m *mechanism) readResponse(in sspi.StepInput, body []byte) (sspi.StepOutput, error) {
	var resp negResponse
	if err := decode(body, &resp); err != nil {
		return sspi.StepOutput{}, err
	}
	if resp.State == stateReject {
		return sspi.StepOutput{}, fmt.Errorf("%w: the peer rejected the negotiation", sspi.ErrLogonDenied)
	}

	// the acceptor selected another of the offered packages
	if m.cfg.Side == sspi.SideInitiator && m.legs == 1 && resp.Mech != "" && resp.Mech != m.innerName {
		if !slices.Contains(m.offered, resp.Mech) {
			return sspi.StepOutput{}, fmt.Errorf("%w: acceptor selected %q which was not offered", sspi.ErrInvalidToken, resp.Mech)
		}
		if err := m.startInner(resp.Mech); err != nil {
			return sspi.StepOutput{}, err
		}
		resp.Token = nil
	} else if resp.Mech != "" && resp.Mech != m.innerName {
		return sspi.StepOutput{}, fmt.Errorf("%w: unexpected package %q", sspi.ErrInvalidToken, resp.Mech)
	}
	m.legs++

	if m.innerDone != nil {
		if len(resp.Token) > 0 || resp.State != stateCompleted {
			return sspi.StepOutput{}, fmt.Errorf("%w: token after %s completed", sspi.ErrInvalidToken, m.innerName)
		}
		return m.finish(*m.innerDone), nil
	}

	inner, err := m.stepInner(in, resp.Token)
	if err != nil {
		return sspi.StepOutput{}, err
	}

	if inner.Verdict == sspi.VerdictDone && len(inner.Token) == 0 {
		return m.finish(inner), nil
	}

	next := negResponse{State: stateIncomplete, Mech: m.innerName, Token: inner.Token}
	if inner.Verdict == sspi.VerdictDone {
		next.State = stateCompleted
	}

	return m.reply(msgResponse, next, inner)
}

func (m *mechanism) Sizes() sspi.Sizes {
	if m.inner == nil {
		return sspi.Sizes{MaxToken: m.pkg.Info().MaxTokenSize}
	}
	return m.inner.Sizes()
}

func (m *mechanism) StreamSizes() sspi.StreamSizes {
	if sm, ok := m.inner.(sspi.StreamMechanism); ok {
		return sm.StreamSizes()
	}

	s := m.Sizes()
	return sspi.StreamSizes{Header: s.Header, Trailer: s.Trailer, BlockSize: s.BlockSize}
}

func (m *mechanism) ConnectionInfo() sspi.ConnectionInfo {
	if cm, ok := m.inner.(sspi.ConnectionInfoMechanism); ok {
		return cm.ConnectionInfo()
	}
	return sspi.ConnectionInfo{Protocol: PackageName + "/" + m.innerName}
}

func (m *mechanism) Sign(dir sspi.MessageDirection, seq uint64, qop sspi.QoP, data [][]byte) ([]byte, error) {
	return m.inner.Sign(dir, seq, qop, data)
}

func (m *mechanism) SignatureQoP(sig []byte) (sspi.QoP, error) {
	if qr, ok := m.inner.(sspi.QoPReader); ok {
		return qr.SignatureQoP(sig)
	}
	return sspi.QoPDefault, nil
}

func (m *mechanism) Seal(seq uint64, qop sspi.QoP, header []byte, data [][]byte, trailer []byte) error {
	return m.inner.Seal(seq, qop, header, data, trailer)
}

func (m *mechanism) Unseal(seq uint64, header []byte, data [][]byte, trailer []byte) (sspi.QoP, error) {
	return m.inner.Unseal(seq, header, data, trailer)
}

func (m *mechanism) SessionKey() ([]byte, error) {
	return m.inner.SessionKey()
}

func (m *mechanism) Names() (sspi.Names, error) {
	return m.inner.Names()
}

func (m *mechanism) QueryAttribute(attr sspi.ContextAttribute) (any, error) {
	if attr == AttrNegotiatedPackage {
		return m.innerName, nil
	}
	return m.inner.QueryAttribute(attr)
}

func (m *mechanism) Export() ([]byte, error) {
	material, err := m.inner.Export()
	if err != nil {
		return nil, err
	}
	defer clear(material)

	b, err := cbor.Marshal(exportedState{Mech: m.innerName, Material: material})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sspi.ErrInternal, err)
	}

	return b, nil
}

func (m *mechanism) Close() error {
	if m.inner == nil {
		return nil
	}
	return m.inner.Close()
}
