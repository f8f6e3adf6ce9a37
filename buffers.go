// SPDX-License-Identifier: Apache-2.0

package sspi

import "fmt"

// BufferVersion is the only descriptor version understood by the engine
const BufferVersion uint32 = 0

// BufferKind tags a Buffer with its role.  Values match the SECBUFFER_* constants;
// Header and Trailer are generic message protection kinds.
type BufferKind uint32

const (
	BufferEmpty                BufferKind = 0  // unused, may be filled by the engine
	BufferData                 BufferKind = 1  // message data
	BufferToken                BufferKind = 2  // negotiation token or message signature
	BufferPackageParams        BufferKind = 3  // opaque package-specific parameters
	BufferMissing              BufferKind = 4  // number of bytes still required
	BufferExtra                BufferKind = 5  // bytes beyond the end of the consumed token
	BufferStreamTrailer        BufferKind = 6  // stream message trailer
	BufferStreamHeader         BufferKind = 7  // stream message header
	BufferPadding              BufferKind = 9  // padding
	BufferStream               BufferKind = 10 // a complete sealed stream message
	BufferTargetName           BufferKind = 13 // target name
	BufferChannelBindings      BufferKind = 14 // channel binding data
	BufferAlert                BufferKind = 17 // alert message
	BufferApplicationProtocols BufferKind = 18 // application protocol list (e.g. ALPN)
	BufferHeader               BufferKind = 0x100
	BufferTrailer              BufferKind = 0x101

	// BufferReadOnly may be or'd with a kind: the engine and packages include the buffer
	// in signatures but never modify it.
	BufferReadOnly BufferKind = 0x80000000

	bufferAttrMask BufferKind = 0xF0000000
)

// Base returns the kind without attribute bits
func (k BufferKind) Base() BufferKind {
	return k &^ bufferAttrMask
}

// IsReadOnly reports whether the ReadOnly attribute is set
func (k BufferKind) IsReadOnly() bool {
	return k&BufferReadOnly != 0
}

func (k BufferKind) String() string {
	var name string
	switch k.Base() {
	case BufferEmpty:
		name = "Empty"
	case BufferData:
		name = "Data"
	case BufferToken:
		name = "Token"
	case BufferPackageParams:
		name = "PackageParams"
	case BufferMissing:
		name = "Missing"
	case BufferExtra:
		name = "Extra"
	case BufferStreamTrailer:
		name = "StreamTrailer"
	case BufferStreamHeader:
		name = "StreamHeader"
	case BufferPadding:
		name = "Padding"
	case BufferStream:
		name = "Stream"
	case BufferTargetName:
		name = "TargetName"
	case BufferChannelBindings:
		name = "ChannelBindings"
	case BufferAlert:
		name = "Alert"
	case BufferApplicationProtocols:
		name = "ApplicationProtocols"
	case BufferHeader:
		name = "Header"
	case BufferTrailer:
		name = "Trailer"
	default:
		name = fmt.Sprintf("Unknown(%d)", uint32(k.Base()))
	}

	if k.IsReadOnly() {
		name += "|ReadOnly"
	}

	return name
}

// Ownership records who must release the memory of a Buffer
type Ownership int

const (
	OwnerCaller Ownership = iota // allocated by the caller
	OwnerEngine                  // allocated by the engine, release with BufferDesc.Release or Engine.FreeBuffer
)

// Buffer is a typed memory region exchanged between the caller and the engine.
//
// Missing buffers carry no data: Count holds the number of bytes still required.  Extra
// buffers hold a copy of the unconsumed input bytes and Count is their length.
type Buffer struct {
	Kind  BufferKind
	Data  []byte
	Owner Ownership
	Count int
}

// Len returns the declared length of the buffer
func (b *Buffer) Len() int {
	if b.Kind.Base() == BufferMissing {
		return b.Count
	}

	return len(b.Data)
}

// NewBuffer returns a caller owned buffer of the given kind wrapping data
func NewBuffer(kind BufferKind, data []byte) Buffer {
	return Buffer{Kind: kind, Data: data}
}

// TokenBuffer returns a caller owned Token buffer wrapping tok
func TokenBuffer(tok []byte) Buffer {
	return NewBuffer(BufferToken, tok)
}

// DataBuffer returns a caller owned Data buffer wrapping data
func DataBuffer(data []byte) Buffer {
	return NewBuffer(BufferData, data)
}

// SizedBuffer returns a caller owned buffer with size bytes of room
func SizedBuffer(kind BufferKind, size int) Buffer {
	return NewBuffer(kind, make([]byte, size))
}

// BufferDesc is an ordered, versioned set of buffers.  Buffers are addressed by index and
// live as long as the descriptor; the order is significant for message protection.
type BufferDesc struct {
	Version uint32
	buffers []Buffer
}

// NewBufferDesc returns a descriptor holding bufs in order
func NewBufferDesc(bufs ...Buffer) *BufferDesc {
	return &BufferDesc{
		Version: BufferVersion,
		buffers: append([]Buffer(nil), bufs...),
	}
}

// Len returns the number of buffers in the descriptor
func (d *BufferDesc) Len() int {
	if d == nil {
		return 0
	}

	return len(d.buffers)
}

// Buffer returns the buffer at index i, or nil if i is out of range
func (d *BufferDesc) Buffer(i int) *Buffer {
	if d == nil || i < 0 || i >= len(d.buffers) {
		return nil
	}

	return &d.buffers[i]
}

// Buffers returns a copy of the buffer headers in the descriptor
func (d *BufferDesc) Buffers() []Buffer {
	if d == nil {
		return nil
	}

	return append([]Buffer(nil), d.buffers...)
}

// Append adds b to the end of the descriptor and returns its index.  A descriptor may hold
// at most one Missing buffer.
func (d *BufferDesc) Append(b Buffer) (int, error) {
	if b.Kind.Base() == BufferMissing && d.Index(BufferMissing) >= 0 {
		return -1, newStatus(statusInvalidParameter, fmt.Errorf("descriptor already has a Missing buffer"))
	}

	d.buffers = append(d.buffers, b)
	return len(d.buffers) - 1, nil
}

// Index returns the index of the first buffer of kind, ignoring attribute bits, or -1
func (d *BufferDesc) Index(kind BufferKind) int {
	if d == nil {
		return -1
	}

	for i := range d.buffers {
		if d.buffers[i].Kind.Base() == kind.Base() {
			return i
		}
	}

	return -1
}

// Find returns the first buffer of kind, or nil
func (d *BufferDesc) Find(kind BufferKind) *Buffer {
	return d.Buffer(d.Index(kind))
}

// FindAll returns the indexes of all buffers of kind in order
func (d *BufferDesc) FindAll(kind BufferKind) []int {
	if d == nil {
		return nil
	}

	var idx []int
	for i := range d.buffers {
		if d.buffers[i].Kind.Base() == kind.Base() {
			idx = append(idx, i)
		}
	}

	return idx
}

// Bytes returns the concatenation of the data of every buffer of kind
func (d *BufferDesc) Bytes(kind BufferKind) []byte {
	var out []byte
	for _, i := range d.FindAll(kind) {
		out = append(out, d.buffers[i].Data...)
	}

	return out
}

// TotalLen returns the summed declared length of the buffers of the given kinds, or of
// all buffers if no kinds are given
func (d *BufferDesc) TotalLen(kinds ...BufferKind) int {
	if d == nil {
		return 0
	}

	total := 0
	for i := range d.buffers {
		if len(kinds) == 0 {
			total += d.buffers[i].Len()
			continue
		}
		for _, k := range kinds {
			if d.buffers[i].Kind.Base() == k.Base() {
				total += d.buffers[i].Len()
				break
			}
		}
	}

	return total
}

// Missing returns the byte count of the Missing buffer, if there is one
func (d *BufferDesc) Missing() (int, bool) {
	b := d.Find(BufferMissing)
	if b == nil {
		return 0, false
	}

	return b.Count, true
}

// Extra returns the data of the Extra buffer, or nil
func (d *BufferDesc) Extra() []byte {
	b := d.Find(BufferExtra)
	if b == nil {
		return nil
	}

	return b.Data
}

// setMissing records that n more bytes are needed, replacing any existing Missing buffer
func (d *BufferDesc) setMissing(n int) {
	if b := d.Find(BufferMissing); b != nil {
		b.Count = n
		return
	}

	d.buffers = append(d.buffers, Buffer{Kind: BufferMissing, Count: n})
}

// setExtra records leftover input bytes, replacing any existing Extra buffer
func (d *BufferDesc) setExtra(extra []byte) {
	data := append([]byte(nil), extra...)
	if b := d.Find(BufferExtra); b != nil {
		b.Data = data
		b.Count = len(data)
		b.Owner = OwnerEngine
		return
	}

	d.buffers = append(d.buffers, Buffer{Kind: BufferExtra, Data: data, Count: len(data), Owner: OwnerEngine})
}

// dropEngineInfo removes Missing and Extra buffers left over from a previous call
func (d *BufferDesc) dropEngineInfo() {
	if d == nil {
		return
	}

	kept := d.buffers[:0]
	for _, b := range d.buffers {
		switch b.Kind.Base() {
		case BufferMissing, BufferExtra:
			continue
		}
		kept = append(kept, b)
	}
	d.buffers = kept
}

// Validate checks the descriptor version, that at most one Missing buffer is present and
// that the token bytes do not exceed maxToken.  A zero maxToken disables the size check.
func (d *BufferDesc) Validate(maxToken uint32) error {
	if d == nil {
		return nil
	}

	if d.Version != BufferVersion {
		return newStatus(statusInvalidParameter, fmt.Errorf("unsupported buffer descriptor version %d", d.Version))
	}

	if len(d.FindAll(BufferMissing)) > 1 {
		return newStatus(statusInvalidParameter, fmt.Errorf("more than one Missing buffer in descriptor"))
	}

	if maxToken > 0 {
		if n := d.TotalLen(BufferToken); n > int(maxToken) {
			return newStatus(statusInvalidToken, fmt.Errorf("token length %d exceeds the package maximum of %d", n, maxToken))
		}
	}

	return nil
}

// Release zeroes and drops every engine owned buffer in the descriptor.  Caller owned
// buffers are left untouched.
func (d *BufferDesc) Release() {
	if d == nil {
		return
	}

	for i := range d.buffers {
		if d.buffers[i].Owner == OwnerEngine {
			releaseBuffer(&d.buffers[i])
		}
	}
}

func releaseBuffer(b *Buffer) {
	clear(b.Data)
	b.Data = nil
	b.Count = 0
	b.Kind = BufferEmpty
	b.Owner = OwnerCaller
}
