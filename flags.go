// SPDX-License-Identifier: Apache-2.0

package sspi

import "strings"

// ContextFlag is used both for the requirements passed to the negotiation entry points
// and for the attributes granted on the resulting context.
type ContextFlag uint32

// Context requirement and attribute flags.
const (
	ContextReqDelegate         ContextFlag = 1 << iota // delegate credentials to the acceptor
	ContextReqMutualAuth                               // the acceptor must authenticate itself
	ContextReqReplayDetect                             // detect replayed signed/sealed messages
	ContextReqSequenceDetect                           // detect out of sequence signed/sealed messages
	ContextReqConfidentiality                          // messages may be sealed
	ContextReqIntegrity                                // messages may be signed
	ContextReqAnonymous                                // do not transfer the initiator identity
	ContextReqIdentify                                 // acceptor may identify but not impersonate the initiator
	ContextReqConnection                               // connection oriented semantics
	ContextReqStream                                   // stream oriented semantics
	ContextReqDatagram                                 // datagram semantics
	ContextReqExtendedSequence                         // 64-bit message sequence numbers
	ContextReqChannelBound                             // channel bindings must be verified
	ContextReqExtendedError                            // return extended error information to the peer
)

// Engine control flags.  These steer the engine and are never granted as context attributes.
const (
	ContextReqAllocateMemory ContextFlag = 1 << (iota + 24) // the engine allocates output buffers
	ContextReqRenegotiate                                   // restart negotiation on an established context
)

const engineControlFlags = ContextReqAllocateMemory | ContextReqRenegotiate

// Negotiable returns the flags in f that a mechanism may grant.
func (f ContextFlag) Negotiable() ContextFlag {
	return f &^ engineControlFlags
}

// Has reports whether all the flags in want are set in f.
func (f ContextFlag) Has(want ContextFlag) bool {
	return f&want == want
}

// FlagList returns a slice of individual flags derived from the
// composite value f
func FlagList(f ContextFlag) (fl []ContextFlag) {
	t := ContextFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			fl = append(fl, t)
		}

		t <<= 1
	}

	return
}

// FlagName returns a human-readable description of a context flag value
func FlagName(f ContextFlag) string {
	switch f {
	case ContextReqDelegate:
		return "Delegation"
	case ContextReqMutualAuth:
		return "Mutual authentication"
	case ContextReqReplayDetect:
		return "Message replay detection"
	case ContextReqSequenceDetect:
		return "Out of sequence message detection"
	case ContextReqConfidentiality:
		return "Confidentiality"
	case ContextReqIntegrity:
		return "Integrity"
	case ContextReqAnonymous:
		return "Anonymous"
	case ContextReqIdentify:
		return "Identify only"
	case ContextReqConnection:
		return "Connection"
	case ContextReqStream:
		return "Stream"
	case ContextReqDatagram:
		return "Datagram"
	case ContextReqExtendedSequence:
		return "Extended sequence numbers"
	case ContextReqChannelBound:
		return "Channel bindings"
	case ContextReqExtendedError:
		return "Extended errors"
	case ContextReqAllocateMemory:
		return "Allocate memory"
	case ContextReqRenegotiate:
		return "Renegotiate"
	}

	return "Unknown"
}

func (f ContextFlag) String() string {
	var names []string
	for _, flag := range FlagList(f) {
		names = append(names, FlagName(flag))
	}

	return strings.Join(names, ", ")
}

// Capability describes what a security package is able to do.  Capabilities are
// reported in PackageInfo and never change once the package is registered.
type Capability uint32

// Package capability flags
const (
	CapIntegrity       Capability = 1 << iota // supports message signing
	CapPrivacy                                // supports message sealing
	CapTokenOnly                              // only uses the Token buffer during negotiation
	CapDatagram                               // supports datagram style contexts
	CapConnection                             // supports connection oriented contexts
	CapMultiRequired                          // always needs more than one leg
	CapClientOnly                             // no acceptor support
	CapExtendedError                          // reports extended errors
	CapImpersonation                          // acceptor may impersonate the initiator
	CapStream                                 // supports stream semantics, see StreamSizes
	CapNegotiable                             // may be selected by a composite package
	CapMutualAuth                             // supports mutual authentication
	CapDelegation                             // supports credential delegation
	CapExportable                             // contexts can be exported and imported
	CapChannelBindings                        // verifies channel bindings
	CapComposite                              // wraps other packages
)

func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// CapabilityName returns a human-readable description of a single capability flag
func CapabilityName(c Capability) string {
	switch c {
	case CapIntegrity:
		return "Integrity"
	case CapPrivacy:
		return "Privacy"
	case CapTokenOnly:
		return "Token only"
	case CapDatagram:
		return "Datagram"
	case CapConnection:
		return "Connection"
	case CapMultiRequired:
		return "Multiple legs required"
	case CapClientOnly:
		return "Client only"
	case CapExtendedError:
		return "Extended errors"
	case CapImpersonation:
		return "Impersonation"
	case CapStream:
		return "Stream"
	case CapNegotiable:
		return "Negotiable"
	case CapMutualAuth:
		return "Mutual authentication"
	case CapDelegation:
		return "Delegation"
	case CapExportable:
		return "Exportable contexts"
	case CapChannelBindings:
		return "Channel bindings"
	case CapComposite:
		return "Composite"
	}

	return "Unknown"
}

func (c Capability) String() string {
	var names []string
	t := Capability(1)
	for i := 0; i < 32; i++ {
		if c&t != 0 {
			names = append(names, CapabilityName(t))
		}
		t <<= 1
	}

	return strings.Join(names, ", ")
}
