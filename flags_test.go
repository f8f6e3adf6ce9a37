// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagList(t *testing.T) {
	flags := ContextReqConfidentiality | ContextReqMutualAuth | ContextReqDelegate
	flaglist := FlagList(flags)

	assert.ElementsMatch(t, []ContextFlag{ContextReqConfidentiality, ContextReqMutualAuth, ContextReqDelegate}, flaglist)
}

func TestFlagName(t *testing.T) {
	assert.Equal(t, "Delegation", FlagName(ContextReqDelegate))
	assert.Equal(t, "Mutual authentication", FlagName(ContextReqMutualAuth))
	assert.Equal(t, "Message replay detection", FlagName(ContextReqReplayDetect))
	assert.Equal(t, "Out of sequence message detection", FlagName(ContextReqSequenceDetect))
	assert.Equal(t, "Extended sequence numbers", FlagName(ContextReqExtendedSequence))
	assert.Equal(t, "Allocate memory", FlagName(ContextReqAllocateMemory))
	assert.Equal(t, "Unknown", FlagName(ContextReqIntegrity|ContextReqConfidentiality))
}

func TestFlagString(t *testing.T) {
	flags := ContextReqConfidentiality | ContextReqMutualAuth | ContextReqDelegate
	str := flags.String()

	assert.Contains(t, str, "Delegation")
	assert.Contains(t, str, "Mutual")
	assert.Contains(t, str, "Confidentiality")
	assert.NotContains(t, str, "Sequence")
}

func TestNegotiable(t *testing.T) {
	f := ContextReqIntegrity | ContextReqAllocateMemory | ContextReqRenegotiate

	assert.Equal(t, ContextReqIntegrity, f.Negotiable())
	assert.True(t, f.Has(ContextReqIntegrity|ContextReqRenegotiate))
	assert.False(t, f.Has(ContextReqIntegrity|ContextReqConfidentiality))
}

func TestCapabilityString(t *testing.T) {
	c := CapIntegrity | CapExportable | CapClientOnly

	assert.True(t, c.Has(CapIntegrity|CapClientOnly))
	assert.False(t, c.Has(CapPrivacy))
	assert.Equal(t, "Integrity, Client only, Exportable contexts", c.String())
	assert.Equal(t, "Unknown", CapabilityName(0))
}
