// SPDX-License-Identifier: Apache-2.0

// Package negotiate implements a composite security package.  The initiator offers
// its inner packages in order of preference and optimistically sends the first token
// of the preferred one; the acceptor selects the first offered package it holds a
// credential for.  Once a package is selected its tokens are relayed and message
// protection is delegated to it.
package negotiate

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/golang-auth/go-sspi"
)

// PackageName is the name the package registers under
const PackageName = "Negotiate"

// AttrNegotiatedPackage is the package specific context attribute holding the name of
// the selected inner package
const AttrNegotiatedPackage = sspi.AttrPackageSpecific + 1

const tokenOverhead = 256

// Package is the composite Negotiate package
type Package struct {
	inner []sspi.Package
}

// New returns a Negotiate package over inner, most preferred first.  Inner packages
// must be negotiable and uniquely named.
func New(inner ...sspi.Package) (*Package, error) {
	if len(inner) == 0 {
		return nil, fmt.Errorf("%w: no inner packages", sspi.ErrInvalidParameter)
	}

	seen := map[string]bool{}
	for _, p := range inner {
		info := p.Info()
		name := strings.ToLower(info.Name)
		switch {
		case seen[name]:
			return nil, fmt.Errorf("%w: duplicate inner package %q", sspi.ErrInvalidParameter, info.Name)
		case !info.Capabilities.Has(sspi.CapNegotiable):
			return nil, fmt.Errorf("%w: %s cannot be negotiated", sspi.ErrInvalidParameter, info.Name)
		}
		seen[name] = true
	}

	return &Package{inner: slices.Clone(inner)}, nil
}

func (p *Package) Info() sspi.PackageInfo {
	var caps sspi.Capability
	var maxToken uint32
	clientOnly := true

	for _, in := range p.inner {
		info := in.Info()
		caps |= info.Capabilities
		maxToken = max(maxToken, info.MaxTokenSize)
		if !info.Capabilities.Has(sspi.CapClientOnly) {
			clientOnly = false
		}
	}

	caps &^= sspi.CapNegotiable | sspi.CapClientOnly | sspi.CapTokenOnly
	caps |= sspi.CapComposite | sspi.CapMultiRequired
	if clientOnly {
		caps |= sspi.CapClientOnly
	}

	return sspi.PackageInfo{
		Name:         PackageName,
		Comment:      "Selects one of " + strings.Join(p.names(), ", "),
		Capabilities: caps,
		MaxTokenSize: maxToken + tokenOverhead,
		Version:      1,
		RPCID:        9,
	}
}

func (p *Package) names() []string {
	names := make([]string, len(p.inner))
	for i, in := range p.inner {
		names[i] = in.Info().Name
	}
	return names
}

func (p *Package) lookup(name string) sspi.Package {
	for _, in := range p.inner {
		if strings.EqualFold(in.Info().Name, name) {
			return in
		}
	}
	return nil
}

type innerCredential struct {
	pkg        sspi.Package
	name       string
	element    sspi.CredentialElement
	clientOnly bool
}

// credential holds one element per inner package that could be acquired
type credential struct {
	inner []innerCredential
}

func (c *credential) Principal() string { return c.inner[0].element.Principal() }

func (c *credential) Lifetime() sspi.Lifetime {
	lt := sspi.IndefiniteLifetime
	for _, in := range c.inner {
		lt = lt.Earliest(in.element.Lifetime())
	}
	return lt
}

func (c *credential) Release() {
	for _, in := range c.inner {
		in.element.Release()
	}
}

func (c *credential) lookup(name string, side sspi.Side) *innerCredential {
	for i, in := range c.inner {
		if strings.EqualFold(in.name, name) && (side == sspi.SideInitiator || !in.clientOnly) {
			return &c.inner[i]
		}
	}
	return nil
}

// offered returns the packages an initiator proposes
func (c *credential) offered() []string {
	names := make([]string, len(c.inner))
	for i, in := range c.inner {
		names[i] = in.name
	}
	return names
}

// AcquireCredential acquires an element from every inner package that accepts the
// request.  Client only packages are skipped for inbound credentials.  It fails only
// when no inner package could be used.
func (p *Package) AcquireCredential(req sspi.AcquireRequest) (sspi.CredentialElement, error) {
	cred := &credential{}
	var errs []error

	for _, in := range p.inner {
		info := in.Info()
		clientOnly := info.Capabilities.Has(sspi.CapClientOnly)

		r := req
		if clientOnly {
			if req.Direction&sspi.DirectionOutbound == 0 {
				continue
			}
			r.Direction = sspi.DirectionOutbound
		}

		el, err := in.AcquireCredential(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", info.Name, err))
			continue
		}

		cred.inner = append(cred.inner, innerCredential{pkg: in, name: info.Name, element: el, clientOnly: clientOnly})
	}

	if len(cred.inner) == 0 {
		return nil, errors.Join(append([]error{sspi.ErrNoCredentials}, errs...)...)
	}

	if req.Logger != nil {
		req.Logger.Debug("acquired Negotiate credential", "packages", cred.offered(), "skipped", len(errs))
	}

	return cred, nil
}

func (p *Package) NewMechanism(cfg sspi.MechanismConfig) (sspi.Mechanism, error) {
	cred, ok := cfg.Credential.(*credential)
	if !ok {
		return nil, fmt.Errorf("%w: not a Negotiate credential", sspi.ErrUnknownCredentials)
	}

	return newMechanism(p, cfg, cred), nil
}

// exportedState is the composite's part of an exported context
type exportedState struct {
	_        struct{} `cbor:",toarray"`
	Mech     string
	Material []byte
}

func (p *Package) ImportMechanism(cfg sspi.MechanismConfig, material []byte) (sspi.Mechanism, error) {
	var st exportedState
	if err := cbor.Unmarshal(material, &st); err != nil {
		return nil, fmt.Errorf("%w: Negotiate context: %w", sspi.ErrInvalidToken, err)
	}
	defer clear(st.Material)

	in := p.lookup(st.Mech)
	if in == nil {
		return nil, fmt.Errorf("%w: inner package %q", sspi.ErrPackageNotFound, st.Mech)
	}

	mech, err := in.ImportMechanism(cfg, st.Material)
	if err != nil {
		return nil, err
	}

	m := newMechanism(p, cfg, nil)
	m.inner, m.innerName, m.done = mech, in.Info().Name, true

	return m, nil
}

func loggerOf(cfg sspi.MechanismConfig) *slog.Logger {
	if cfg.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.Logger
}
