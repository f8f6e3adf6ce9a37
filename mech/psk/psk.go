// SPDX-License-Identifier: Apache-2.0

// Package psk implements a pre-shared key security package.  Both parties prove
// possession of the initiator's secret in a three leg exchange and derive per
// direction message protection keys with HKDF-SHA256.
package psk

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-auth/go-sspi"
)

// PackageName is the name the package registers under
const PackageName = "PSK"

// AttrSuite is the package specific context attribute holding the negotiated SuiteID
const AttrSuite = sspi.AttrPackageSpecific + 1

const (
	defaultMaxToken = 4096
	defaultLifetime = 10 * time.Hour
	packageVersion  = 1
)

// supported are the context flags every PSK context can provide
const supported = sspi.ContextReqMutualAuth | sspi.ContextReqReplayDetect | sspi.ContextReqSequenceDetect |
	sspi.ContextReqConfidentiality | sspi.ContextReqIntegrity | sspi.ContextReqConnection |
	sspi.ContextReqStream | sspi.ContextReqExtendedSequence

// Package is the PSK security package
type Package struct {
	suites   []cipherSuite
	lifetime time.Duration
	maxToken uint32
}

// Option configures a Package
type Option func(p *Package) error

// WithSuites sets the cipher suites offered by initiators and accepted by acceptors,
// in order of preference
func WithSuites(ids ...SuiteID) Option {
	return func(p *Package) error {
		if len(ids) == 0 {
			return fmt.Errorf("%w: no cipher suites", sspi.ErrInvalidParameter)
		}

		p.suites = p.suites[:0]
		for _, id := range ids {
			s, err := newSuite(id)
			if err != nil {
				return err
			}
			p.suites = append(p.suites, s)
		}

		return nil
	}
}

// WithContextLifetime sets the lifetime of established contexts.  Zero makes them
// indefinite.
func WithContextLifetime(d time.Duration) Option {
	return func(p *Package) error {
		p.lifetime = d
		return nil
	}
}

// WithMaxTokenSize overrides the largest negotiation token the package accepts
func WithMaxTokenSize(n uint32) Option {
	return func(p *Package) error {
		p.maxToken = n
		return nil
	}
}

// New returns a PSK package.  Both suites are enabled by default, XChaCha20-Poly1305
// preferred.
func New(opts ...Option) (*Package, error) {
	p := &Package{
		lifetime: defaultLifetime,
		maxToken: defaultMaxToken,
	}

	if err := WithSuites(SuiteXChaCha20Poly1305, SuiteAES256CTSHMACSHA196)(p); err != nil {
		return nil, err
	}

	for _, o := range opts {
		if err := o(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Package) Info() sspi.PackageInfo {
	return sspi.PackageInfo{
		Name:    PackageName,
		Comment: "Pre-shared key mutual authentication",
		Capabilities: sspi.CapIntegrity | sspi.CapPrivacy | sspi.CapConnection | sspi.CapStream |
			sspi.CapMultiRequired | sspi.CapNegotiable | sspi.CapMutualAuth | sspi.CapExportable |
			sspi.CapChannelBindings,
		MaxTokenSize: p.maxToken,
		Version:      packageVersion,
		RPCID:        0xFFFF,
	}
}

func (p *Package) suiteIDs() []SuiteID {
	ids := make([]SuiteID, len(p.suites))
	for i, s := range p.suites {
		ids[i] = s.id()
	}

	return ids
}

func (p *Package) suite(id SuiteID) (cipherSuite, bool) {
	for _, s := range p.suites {
		if s.id() == id {
			return s, true
		}
	}

	return nil, false
}

// selectSuite returns the most preferred local suite that the peer offered
func (p *Package) selectSuite(offered []SuiteID) (cipherSuite, error) {
	for _, s := range p.suites {
		if slices.Contains(offered, s.id()) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: no common cipher suite in %v", sspi.ErrUnsupportedCipher, offered)
}

// credential is the PSK credential element.  Acceptors keep the identity store to look
// up the secrets of initiators.
type credential struct {
	principal  string
	secret     []byte
	identities sspi.IdentityStore
	suites     []SuiteID
}

func (c *credential) Principal() string { return c.principal }

func (c *credential) Lifetime() sspi.Lifetime { return sspi.IndefiniteLifetime }

func (c *credential) Release() {
	clear(c.secret)
	c.secret = nil
}

func (c *credential) QueryAttribute(attr sspi.CredentialAttribute) (any, error) {
	if attr != sspi.CredAttrSupportedAlgs {
		return nil, sspi.ErrUnsupportedFunction
	}

	names := make([]string, len(c.suites))
	for i, s := range c.suites {
		names[i] = s.String()
	}

	return names, nil
}

func (c *credential) SetAttribute(sspi.CredentialAttribute, any) error {
	return sspi.ErrUnsupportedFunction
}

// AcquireCredential resolves the secret of the principal from the identity store.  A
// []byte AuthData supplies the secret directly instead.
func (p *Package) AcquireCredential(req sspi.AcquireRequest) (sspi.CredentialElement, error) {
	cred := &credential{
		principal:  req.Principal,
		identities: req.Identities,
		suites:     p.suiteIDs(),
	}

	switch ad := req.AuthData.(type) {
	case nil:
		if req.Identities == nil {
			return nil, fmt.Errorf("%w: no identity store", sspi.ErrNoCredentials)
		}
		mat, err := req.Identities.Resolve(req.Principal)
		if err != nil {
			return nil, err
		}
		cred.principal = mat.Principal
		cred.secret = mat.Secret

	case []byte:
		if req.Principal == "" {
			return nil, fmt.Errorf("%w: a principal is required with an explicit secret", sspi.ErrInvalidParameter)
		}
		cred.secret = slices.Clone(ad)

	default:
		return nil, fmt.Errorf("%w: unsupported auth data %T", sspi.ErrUnknownCredentials, req.AuthData)
	}

	if req.Direction&sspi.DirectionInbound != 0 && cred.identities == nil {
		return nil, fmt.Errorf("%w: acceptors need an identity store", sspi.ErrNoCredentials)
	}

	if req.Logger != nil {
		req.Logger.Debug("acquired PSK credential", "principal", cred.principal, "direction", req.Direction)
	}

	return cred, nil
}

func (p *Package) NewMechanism(cfg sspi.MechanismConfig) (sspi.Mechanism, error) {
	cred, ok := cfg.Credential.(*credential)
	if !ok {
		return nil, fmt.Errorf("%w: not a PSK credential", sspi.ErrUnknownCredentials)
	}

	m := newMechanism(p, cfg)
	m.cred = cred
	if cfg.Side == sspi.SideInitiator {
		m.secret = slices.Clone(cred.secret)
	}

	return m, nil
}

func (p *Package) ImportMechanism(cfg sspi.MechanismConfig, material []byte) (sspi.Mechanism, error) {
	m := newMechanism(p, cfg)
	if err := m.importState(material); err != nil {
		return nil, err
	}

	return m, nil
}
