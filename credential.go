// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Direction describes the intended use of a credential
type Direction int

const (
	DirectionInbound  Direction = 1 << iota // accept contexts
	DirectionOutbound                       // initiate contexts
	DirectionBoth     = DirectionInbound | DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	case DirectionBoth:
		return "both"
	}

	return fmt.Sprintf("Direction(%d)", int(d))
}

func (d Direction) valid() bool {
	return d >= DirectionInbound && d <= DirectionBoth
}

// CredentialAttribute identifies an attribute of a credential.  Values at or above
// CredAttrPackageSpecific are passed to the package untouched.
type CredentialAttribute uint32

const (
	CredAttrNames         CredentialAttribute = iota + 1 // string principal name
	CredAttrLifespan                                     // Lifetime
	CredAttrPackages                                     // []string package names
	CredAttrSupportedAlgs                                // []string, from the package

	CredAttrPackageSpecific CredentialAttribute = 0x80000000
)

type credElement struct {
	pkg       *registeredPackage
	direction Direction
	element   CredentialElement
}

// Credential is a refcounted handle binding a principal to one or more security
// packages.  The package of each element is resolved once, when the element is acquired.
type Credential struct {
	id     uuid.UUID
	engine *Engine

	mu        sync.RWMutex
	principal string
	elements  []*credElement

	refs     atomic.Int32
	released atomic.Bool
}

// AcquireCredential binds the identity of principal for use with the named package.  An
// empty principal selects the identity store default.  authData is package specific and
// may be nil.  The returned credential holds one reference.
func (e *Engine) AcquireCredential(principal, pkgName string, dir Direction, authData any) (*Credential, error) {
	el, err := e.acquireElement(principal, pkgName, dir, authData)
	if err != nil {
		return nil, err
	}

	c := &Credential{
		id:        uuid.New(),
		engine:    e,
		principal: el.element.Principal(),
		elements:  []*credElement{el},
	}
	c.refs.Store(1)

	e.logger.Debug("acquired credential", "credential", c.id, "principal", c.principal,
		"package", el.pkg.info.Name, "direction", dir)

	return c, nil
}

func (e *Engine) acquireElement(principal, pkgName string, dir Direction, authData any) (*credElement, error) {
	if !dir.valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDirection, dir)
	}

	rp, ok := e.registry.lookup(pkgName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackage, pkgName)
	}

	if dir&DirectionInbound != 0 && rp.info.Capabilities.Has(CapClientOnly) {
		return nil, fmt.Errorf("%w: package %s cannot accept contexts", ErrUnsupportedDirection, rp.info.Name)
	}

	element, err := rp.pkg.AcquireCredential(AcquireRequest{
		Principal:  principal,
		Direction:  dir,
		AuthData:   authData,
		Identities: e.identities,
		Logger:     e.logger,
		Now:        e.now(),
	})
	if err != nil {
		return nil, asStatus(err, statusUnknownCredentials)
	}

	return &credElement{pkg: rp, direction: dir, element: element}, nil
}

// ID returns the unique identifier of the credential
func (c *Credential) ID() uuid.UUID {
	return c.id
}

// Principal returns the name of the primary identity
func (c *Credential) Principal() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.principal
}

// Add binds an additional package to the credential.  Each package may appear once.
func (c *Credential) Add(principal, pkgName string, dir Direction, authData any) error {
	if err := c.check(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, el := range c.elements {
		if strings.EqualFold(el.pkg.info.Name, pkgName) {
			return newStatus(statusInvalidParameter, fmt.Errorf("credential already holds an element for %s", el.pkg.info.Name))
		}
	}

	el, err := c.engine.acquireElement(principal, pkgName, dir, authData)
	if err != nil {
		return err
	}

	c.elements = append(c.elements, el)
	return nil
}

// Retain adds a reference to the credential.  Each call must be balanced by a call to Release.
func (c *Credential) Retain() (*Credential, error) {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return nil, ErrCredentialReleased
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return c, nil
		}
	}
}

// Release drops a reference.  When the last reference is dropped the secret material
// of every element is zeroed and contexts created from the credential can no longer
// negotiate, though they may still be queried.
func (c *Credential) Release() error {
	n := c.refs.Add(-1)
	switch {
	case n < 0:
		c.refs.Add(1)
		return fmt.Errorf("%w: credential already released", ErrInvalidHandle)
	case n > 0:
		return nil
	}

	c.released.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, el := range c.elements {
		el.element.Release()
	}

	c.engine.logger.Debug("released credential", "credential", c.id)
	return nil
}

// Direction returns the union of the directions of every element
func (c *Credential) Direction() Direction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var d Direction
	for _, el := range c.elements {
		d |= el.direction
	}

	return d
}

// Packages returns the names of the packages bound to the credential, primary first
func (c *Credential) Packages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, len(c.elements))
	for i, el := range c.elements {
		names[i] = el.pkg.info.Name
	}

	return names
}

// Lifetime returns the earliest lifetime of the elements
func (c *Credential) Lifetime() Lifetime {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lt := IndefiniteLifetime
	for _, el := range c.elements {
		lt = lt.Earliest(el.element.Lifetime())
	}

	return lt
}

// QueryAttribute returns a credential attribute.  Package specific attributes are
// answered by the primary element.
func (c *Credential) QueryAttribute(attr CredentialAttribute) (any, error) {
	if c.released.Load() {
		return nil, ErrCredentialReleased
	}

	switch attr {
	case CredAttrNames:
		return c.Principal(), nil
	case CredAttrLifespan:
		return c.Lifetime(), nil
	case CredAttrPackages:
		return c.Packages(), nil
	}

	ca, ok := c.primary().element.(CredentialAttributer)
	if !ok {
		return nil, fmt.Errorf("%w: credential attribute %#x", ErrUnsupportedFunction, uint32(attr))
	}

	return ca.QueryAttribute(attr)
}

// SetAttribute sets a package specific credential attribute on the primary element
func (c *Credential) SetAttribute(attr CredentialAttribute, value any) error {
	if err := c.check(); err != nil {
		return err
	}

	switch attr {
	case CredAttrNames, CredAttrLifespan, CredAttrPackages:
		return newStatus(statusInvalidParameter, fmt.Errorf("credential attribute %d is read only", attr))
	}

	ca, ok := c.primary().element.(CredentialAttributer)
	if !ok {
		return fmt.Errorf("%w: credential attribute %#x", ErrUnsupportedFunction, uint32(attr))
	}

	return ca.SetAttribute(attr, value)
}

// Element returns the credential element bound to the named package.  It is intended
// for composite packages that delegate to other packages.
func (c *Credential) Element(pkgName string) (CredentialElement, bool) {
	el := c.element(pkgName)
	if el == nil {
		return nil, false
	}

	return el.element, true
}

func (c *Credential) check() error {
	if c == nil {
		return ErrNoCredentials
	}
	if c.released.Load() {
		return ErrCredentialReleased
	}

	return nil
}

func (c *Credential) primary() *credElement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.elements[0]
}

func (c *Credential) element(pkgName string) *credElement {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, el := range c.elements {
		if strings.EqualFold(el.pkg.info.Name, pkgName) {
			return el
		}
	}

	return nil
}
