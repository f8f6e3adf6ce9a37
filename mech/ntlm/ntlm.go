// SPDX-License-Identifier: Apache-2.0

// Package ntlm is an initiator only NTLMv2 security package built on
// github.com/Azure/go-ntlmssp.  It authenticates the client to servers that still
// require NTLM; it does not provide message protection.
package ntlm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"slices"

	"github.com/Azure/go-ntlmssp"

	"github.com/golang-auth/go-sspi"
)

// PackageName is the name the package registers under
const PackageName = "NTLM"

const (
	maxToken = 2888

	// signature, type, target name, flags, challenge, reserved and target info
	challengeFixedLen = 48
	typeChallenge     = 2
)

var signature = []byte("NTLMSSP\x00")

// Package is the NTLM security package
type Package struct {
	workstation string
}

// Option configures a Package
type Option func(p *Package)

// WithWorkstation sets the workstation name sent in the negotiate message
func WithWorkstation(name string) Option {
	return func(p *Package) {
		p.workstation = name
	}
}

func New(opts ...Option) *Package {
	p := &Package{}
	for _, o := range opts {
		o(p)
	}

	return p
}

func (p *Package) Info() sspi.PackageInfo {
	return sspi.PackageInfo{
		Name:         PackageName,
		Comment:      "NTLMv2 initiator",
		Capabilities: sspi.CapConnection | sspi.CapMultiRequired | sspi.CapClientOnly | sspi.CapNegotiable | sspi.CapTokenOnly,
		MaxTokenSize: maxToken,
		Version:      1,
		RPCID:        10,
	}
}

// credential holds a user name in DOMAIN\user or user@realm form and its password
type credential struct {
	principal string
	password  []byte
}

func (c *credential) Principal() string { return c.principal }

func (c *credential) Lifetime() sspi.Lifetime { return sspi.IndefiniteLifetime }

func (c *credential) Release() {
	clear(c.password)
	c.password = nil
}

// AcquireCredential resolves the password from the identity store, or takes it from a
// []byte AuthData
func (p *Package) AcquireCredential(req sspi.AcquireRequest) (sspi.CredentialElement, error) {
	switch ad := req.AuthData.(type) {
	case []byte:
		if req.Principal == "" {
			return nil, fmt.Errorf("%w: a user name is required with an explicit password", sspi.ErrInvalidParameter)
		}
		return &credential{principal: req.Principal, password: slices.Clone(ad)}, nil

	case nil:
		if req.Identities == nil {
			return nil, sspi.ErrNoCredentials
		}
		mat, err := req.Identities.Resolve(req.Principal)
		if err != nil {
			return nil, err
		}
		return &credential{principal: mat.Principal, password: mat.Secret}, nil
	}

	return nil, fmt.Errorf("%w: unsupported auth data %T", sspi.ErrUnknownCredentials, req.AuthData)
}

func (p *Package) NewMechanism(cfg sspi.MechanismConfig) (sspi.Mechanism, error) {
	if cfg.Side != sspi.SideInitiator {
		return nil, fmt.Errorf("%w: NTLM is initiator only", sspi.ErrUnsupportedDirection)
	}

	cred, ok := cfg.Credential.(*credential)
	if !ok {
		return nil, fmt.Errorf("%w: not an NTLM credential", sspi.ErrUnknownCredentials)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	user, domain, domainNeeded := ntlmssp.GetDomain(cred.principal)

	return &mechanism{
		workstation:  p.workstation,
		user:         user,
		domain:       domain,
		domainNeeded: domainNeeded,
		password:     string(cred.password),
		logger:       logger,
	}, nil
}

func (p *Package) ImportMechanism(sspi.MechanismConfig, []byte) (sspi.Mechanism, error) {
	return nil, fmt.Errorf("%w: NTLM contexts cannot be imported", sspi.ErrUnsupportedFunction)
}

type mechanism struct {
	workstation  string
	user         string
	domain       string
	domainNeeded bool
	password     string
	logger       *slog.Logger

	legs  int
	names sspi.Names
}

func (m *mechanism) Step(in sspi.StepInput) (sspi.StepOutput, error) {
	switch m.legs {
	case 0:
		msg, err := ntlmssp.NewNegotiateMessage(m.domain, m.workstation)
		if err != nil {
			return sspi.StepOutput{}, fmt.Errorf("%w: negotiate message: %w", sspi.ErrInternal, err)
		}
		m.legs++
		return sspi.StepOutput{Token: msg, Verdict: sspi.VerdictContinue}, nil

	case 1:
		n, missing, err := challengeLength(in.Token)
		if err != nil {
			return sspi.StepOutput{}, err
		}
		if missing > 0 {
			return sspi.StepOutput{Verdict: sspi.VerdictIncomplete, Missing: missing}, nil
		}

		auth, err := ntlmssp.ProcessChallenge(in.Token[:n], m.user, m.password, m.domainNeeded)
		if err != nil {
			return sspi.StepOutput{}, fmt.Errorf("%w: %w", sspi.ErrInvalidToken, err)
		}

		m.legs++
		m.password = ""
		m.names = sspi.Names{Initiator: m.user}
		if m.domain != "" {
			m.names.Initiator = m.domain + `\` + m.user
		}
		m.logger.Debug("NTLM challenge processed", "user", m.user, "domain", m.domain)

		return sspi.StepOutput{
			Token:   auth,
			Verdict: sspi.VerdictDone,
			Granted: sspi.ContextReqConnection,
			Extra:   len(in.Token) - n,
		}, nil
	}

	return sspi.StepOutput{}, fmt.Errorf("%w: NTLM exchange is complete", sspi.ErrInvalidToken)
}

// challengeLength returns the number of bytes of the challenge message at the start of
// tok, from the offsets of its payload fields
func challengeLength(tok []byte) (n, missing int, err error) {
	if len(tok) == 0 {
		return 0, 0, fmt.Errorf("%w: expected an NTLM challenge", sspi.ErrInvalidToken)
	}
	if len(tok) < challengeFixedLen {
		return 0, challengeFixedLen - len(tok), nil
	}
	if !bytes.Equal(tok[:8], signature) || binary.LittleEndian.Uint32(tok[8:12]) != typeChallenge {
		return 0, 0, fmt.Errorf("%w: not an NTLM challenge message", sspi.ErrInvalidToken)
	}

	end := challengeFixedLen
	for _, field := range []int{12, 40} {
		l := int(binary.LittleEndian.Uint16(tok[field:]))
		off := int(binary.LittleEndian.Uint32(tok[field+4:]))
		if l > 0 && off+l > end {
			end = off + l
		}
	}

	if end > maxToken {
		return 0, 0, fmt.Errorf("%w: challenge payload exceeds %d bytes", sspi.ErrInvalidToken, maxToken)
	}
	if len(tok) < end {
		return 0, end - len(tok), nil
	}

	return end, 0, nil
}

func (m *mechanism) Sizes() sspi.Sizes {
	return sspi.Sizes{MaxToken: maxToken}
}

func (m *mechanism) Sign(sspi.MessageDirection, uint64, sspi.QoP, [][]byte) ([]byte, error) {
	return nil, fmt.Errorf("%w: NTLM message signing", sspi.ErrUnsupportedFunction)
}

func (m *mechanism) Seal(uint64, sspi.QoP, []byte, [][]byte, []byte) error {
	return fmt.Errorf("%w: NTLM message sealing", sspi.ErrUnsupportedFunction)
}

func (m *mechanism) Unseal(uint64, []byte, [][]byte, []byte) (sspi.QoP, error) {
	return 0, fmt.Errorf("%w: NTLM message sealing", sspi.ErrUnsupportedFunction)
}

func (m *mechanism) SessionKey() ([]byte, error) {
	return nil, fmt.Errorf("%w: the NTLM session key is not exposed", sspi.ErrUnavailable)
}

func (m *mechanism) Names() (sspi.Names, error) {
	return m.names, nil
}

func (m *mechanism) QueryAttribute(sspi.ContextAttribute) (any, error) {
	return nil, sspi.ErrUnsupportedFunction
}

func (m *mechanism) Export() ([]byte, error) {
	return nil, sspi.ErrUnsupportedFunction
}

func (m *mechanism) Close() error {
	m.password = ""
	return nil
}
