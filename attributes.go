// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
)

// ContextAttribute identifies an attribute returned by Context.QueryAttribute.  Values at
// or above AttrPackageSpecific are passed to the mechanism untouched.
type ContextAttribute uint32

const (
	AttrSizes ContextAttribute = iota
	AttrNames
	AttrLifespan
	AttrStreamSizes
	AttrSessionKey
	AttrPackageInfo
	AttrNegotiationInfo
	AttrFlags
	AttrConnectionInfo

	AttrPackageSpecific ContextAttribute = 0x80000000
)

// Sizes holds the message protection sizes of a context
type Sizes struct {
	MaxToken     uint32 // Largest negotiation token
	MaxSignature uint32 // Largest signature produced by MakeSignature
	BlockSize    uint32 // Preferred message size multiple
	Header       uint32 // Exact header size for EncryptMessage
	Trailer      uint32 // Exact trailer size for EncryptMessage
}

// StreamSizes holds the sizes used by stream oriented packages
type StreamSizes struct {
	Header         uint32
	Trailer        uint32
	MaximumMessage uint32
	Buffers        uint32
	BlockSize      uint32
}

// Names holds the names of the two parties of a context
type Names struct {
	Initiator string
	Acceptor  string
}

// NegotiationInfo reports the package and progress of a context
type NegotiationInfo struct {
	Package PackageInfo
	State   ContextState
	Legs    int
}

// ConnectionInfo describes the protection applied by connection oriented packages
type ConnectionInfo struct {
	Protocol       string
	Cipher         string
	CipherStrength int
	Hash           string
	HashStrength   int
	KeyExchange    string
}

// query runs fn with the mechanism of an established context.  Unlike message
// protection, unavailable data is reported with ErrUnavailable.
func (sc *Context) query(fn func(mech Mechanism) (any, error)) (any, error) {
	if sc == nil || sc.deleted.Load() {
		return nil, ErrInvalidHandle
	}

	sc.protMu.RLock()
	defer sc.protMu.RUnlock()

	sc.mu.RLock()
	mech, state := sc.mech, sc.state
	sc.mu.RUnlock()

	if mech == nil || state != StateEstablished {
		return nil, fmt.Errorf("%w: context is %s", ErrUnavailable, state)
	}

	return fn(mech)
}

func queryAs[T any](sc *Context, fn func(mech Mechanism) (any, error)) (T, error) {
	var zero T

	v, err := sc.query(fn)
	if err != nil {
		return zero, err
	}

	return v.(T), nil
}

// Sizes returns the message protection sizes
func (sc *Context) Sizes() (Sizes, error) {
	return queryAs[Sizes](sc, func(mech Mechanism) (any, error) {
		return mech.Sizes(), nil
	})
}

// StreamSizes returns the stream sizes of stream oriented packages
func (sc *Context) StreamSizes() (StreamSizes, error) {
	return queryAs[StreamSizes](sc, func(mech Mechanism) (any, error) {
		sm, ok := mech.(StreamMechanism)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no stream sizes", ErrUnavailable, sc.pkg.info.Name)
		}
		return sm.StreamSizes(), nil
	})
}

// Names returns the names of the initiator and the acceptor
func (sc *Context) Names() (Names, error) {
	return queryAs[Names](sc, func(mech Mechanism) (any, error) {
		return mech.Names()
	})
}

// SessionKey returns a copy of the negotiated session key
func (sc *Context) SessionKey() ([]byte, error) {
	return queryAs[[]byte](sc, func(mech Mechanism) (any, error) {
		k, err := mech.SessionKey()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), k...), nil
	})
}

// ConnectionInfo returns the connection information of connection oriented packages
func (sc *Context) ConnectionInfo() (ConnectionInfo, error) {
	return queryAs[ConnectionInfo](sc, func(mech Mechanism) (any, error) {
		cm, ok := mech.(ConnectionInfoMechanism)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no connection information", ErrUnavailable, sc.pkg.info.Name)
		}
		return cm.ConnectionInfo(), nil
	})
}

// Lifespan returns the lifetime reported by the mechanism.  It is only known once the
// context is established.
func (sc *Context) Lifespan() (Lifetime, error) {
	if sc == nil || sc.deleted.Load() {
		return Lifetime{}, ErrInvalidHandle
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	if sc.state != StateEstablished {
		return Lifetime{}, fmt.Errorf("%w: context is %s", ErrUnavailable, sc.state)
	}

	return sc.lifetime, nil
}

// Flags returns the granted attributes, which are empty until the context is established
func (sc *Context) Flags() (ContextFlag, error) {
	if sc == nil || sc.deleted.Load() {
		return 0, ErrInvalidHandle
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return sc.attributes, nil
}

// PackageInfo returns the description of the package the context was created with
func (sc *Context) PackageInfo() (PackageInfo, error) {
	if sc == nil || sc.deleted.Load() {
		return PackageInfo{}, ErrInvalidHandle
	}

	return sc.pkg.info, nil
}

// NegotiationInfo returns the package and the progress of the negotiation.  It is
// available in every state.
func (sc *Context) NegotiationInfo() (NegotiationInfo, error) {
	if sc == nil || sc.deleted.Load() {
		return NegotiationInfo{}, ErrInvalidHandle
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()

	return NegotiationInfo{
		Package: sc.pkg.info,
		State:   sc.state,
		Legs:    sc.legs,
	}, nil
}

// QueryAttribute returns the attribute identified by attr.  Package specific attributes are
// answered by the mechanism of an established context.
func (sc *Context) QueryAttribute(attr ContextAttribute) (any, error) {
	switch attr {
	case AttrSizes:
		return sc.Sizes()
	case AttrNames:
		return sc.Names()
	case AttrLifespan:
		return sc.Lifespan()
	case AttrStreamSizes:
		return sc.StreamSizes()
	case AttrSessionKey:
		return sc.SessionKey()
	case AttrPackageInfo:
		return sc.PackageInfo()
	case AttrNegotiationInfo:
		return sc.NegotiationInfo()
	case AttrFlags:
		return sc.Flags()
	case AttrConnectionInfo:
		return sc.ConnectionInfo()
	}

	if attr < AttrPackageSpecific {
		return nil, fmt.Errorf("%w: unknown context attribute %d", ErrUnsupportedFunction, attr)
	}

	return sc.query(func(mech Mechanism) (any, error) {
		return mech.QueryAttribute(attr)
	})
}
