// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"fmt"
	"log/slog"
	"time"
)

// PackageInfo describes a security package.  It is immutable once the package is registered.
type PackageInfo struct {
	Name         string     // Unique, case-insensitive package name
	Comment      string     // Human readable description
	Capabilities Capability // What the package can do
	MaxTokenSize uint32     // Maximum size of a negotiation token
	Version      uint16     // Package version, embedded in exported contexts
	RPCID        uint16     // DCE RPC authentication service identifier, 0xFFFF if none
}

// Side identifies the role of a context in the negotiation
type Side int

const (
	SideInitiator Side = iota
	SideAcceptor
)

func (s Side) String() string {
	if s == SideAcceptor {
		return "acceptor"
	}

	return "initiator"
}

// MessageDirection identifies which of the two per-context message streams an operation uses
type MessageDirection int

const (
	Outbound MessageDirection = iota // messages protected locally and sent to the peer
	Inbound                          // messages received from the peer
)

// QoP represents quality of protection values passed to the message protection calls.
// Zero is the package default.
type QoP uint32

const (
	QoPDefault QoP = 0
	// QoPWrapNoEncrypt requests integrity only protection from EncryptMessage
	QoPWrapNoEncrypt QoP = 0x80000001
)

// AcquireRequest holds the parameters passed to a package when a credential element is acquired.
type AcquireRequest struct {
	Principal  string        // Principal name, or empty for the default identity
	Direction  Direction     // Intended use of the credential element
	AuthData   any           // Package specific identity material, may be nil
	Identities IdentityStore // Identity store configured on the engine
	Logger     *slog.Logger
	Now        time.Time
}

// CredentialElement is the per-package state of a credential.
type CredentialElement interface {
	// Principal returns the name the element authenticates as
	Principal() string
	// Lifetime returns the validity reported by the package
	Lifetime() Lifetime
	// Release zeroes any secret material held by the element
	Release()
}

// CredentialAttributer may be implemented by a credential element to expose
// package-specific credential attributes.
type CredentialAttributer interface {
	QueryAttribute(attr CredentialAttribute) (any, error)
	SetAttribute(attr CredentialAttribute, value any) error
}

// MechanismConfig holds the parameters a package receives when a context is created.
type MechanismConfig struct {
	Side       Side
	Credential CredentialElement // nil for imported contexts
	Target     string            // Target name, initiator only
	Requested  ContextFlag       // Negotiable flags requested by the caller
	Logger     *slog.Logger
	Now        func() time.Time
}

// StepInput is the input of one negotiation leg
type StepInput struct {
	Token                []byte   // Token received from the peer, nil on the first initiator leg
	ChannelBindings      []byte   // Channel binding data from a ChannelBindings buffer
	TargetName           string   // Target name from a TargetName buffer
	ApplicationProtocols []byte   // Application protocols from an ApplicationProtocols buffer
	PackageParams        [][]byte // Opaque package parameters, passed through untouched
}

// Verdict is the mechanism's view of the negotiation after a leg
type Verdict int

const (
	VerdictContinue   Verdict = iota // the peer's next token is needed
	VerdictIncomplete                // the input token is truncated: StepOutput.Missing more bytes are needed
	VerdictDone                      // the context is established
)

// StepOutput is the result of one negotiation leg
type StepOutput struct {
	Token    []byte      // Token to send to the peer, may be empty
	Verdict  Verdict     // What happens next
	Missing  int         // With VerdictIncomplete, the number of bytes still required
	Extra    int         // Number of trailing input bytes that were not consumed
	Granted  ContextFlag // Flags the mechanism is able to provide, with VerdictDone
	Lifetime *Lifetime   // Context lifetime, nil for indefinite
}

// Package is implemented by security packages.  A package is resolved once, when a
// credential is acquired, and is never re-resolved for the contexts created from it.
type Package interface {
	// Info returns the package description
	Info() PackageInfo
	// AcquireCredential binds identity material for the package
	AcquireCredential(req AcquireRequest) (CredentialElement, error)
	// NewMechanism creates the per-context state for a new negotiation
	NewMechanism(cfg MechanismConfig) (Mechanism, error)
	// ImportMechanism rebuilds an established context from material produced by Mechanism.Export
	ImportMechanism(cfg MechanismConfig, material []byte) (Mechanism, error)
}

// Mechanism is the per-context state of a security package.  The engine serializes calls
// to Step; Sign with the Outbound direction and Seal are serialized by the engine too.
// Sign with the Inbound direction and Unseal may be called concurrently.
type Mechanism interface {
	// Step runs one negotiation leg
	Step(in StepInput) (StepOutput, error)

	// Sizes reports the message protection sizes of an established context
	Sizes() Sizes

	// Sign computes the signature over data for the given direction and sequence
	// number.  The engine verifies inbound signatures by comparing the result with the
	// received signature.
	Sign(dir MessageDirection, seq uint64, qop QoP, data [][]byte) ([]byte, error)

	// Seal encrypts data in place and fills header and trailer, which are exactly
	// Sizes().Header and Sizes().Trailer bytes long.
	Seal(seq uint64, qop QoP, header []byte, data [][]byte, trailer []byte) error

	// Unseal verifies and decrypts data in place
	Unseal(seq uint64, header []byte, data [][]byte, trailer []byte) (QoP, error)

	// SessionKey returns the negotiated session key
	SessionKey() ([]byte, error)

	// Names returns the names of the two parties
	Names() (Names, error)

	// QueryAttribute returns package-specific attributes
	QueryAttribute(attr ContextAttribute) (any, error)

	// Export returns the material needed by Package.ImportMechanism
	Export() ([]byte, error)

	// Close zeroes key material
	Close() error
}

// StreamMechanism is implemented by mechanisms with stream semantics
type StreamMechanism interface {
	StreamSizes() StreamSizes
}

// ConnectionInfoMechanism is implemented by mechanisms that report connection information
type ConnectionInfoMechanism interface {
	ConnectionInfo() ConnectionInfo
}

// QoPReader is implemented by mechanisms that encode the quality of protection in
// their signatures
type QoPReader interface {
	SignatureQoP(sig []byte) (QoP, error)
}

// Renegotiator is implemented by mechanisms that support restarting the negotiation of
// an established context
type Renegotiator interface {
	Renegotiate() error
}

func (v Verdict) String() string {
	switch v {
	case VerdictContinue:
		return "continue"
	case VerdictIncomplete:
		return "incomplete"
	case VerdictDone:
		return "done"
	}

	return fmt.Sprintf("Verdict(%d)", int(v))
}
