// SPDX-License-Identifier: Apache-2.0

package sspi

import (
	"testing"

	"github.com/golang-auth/go-sspi/test"
)

func TestBufferKindString(t *testing.T) {
	assert := test.NewAssert(t)

	assert.Equal("Token", BufferToken.String())
	assert.Equal("Data|ReadOnly", (BufferData | BufferReadOnly).String())
	assert.Equal("Unknown(99)", BufferKind(99).String())
	assert.Equal(BufferData, (BufferData | BufferReadOnly).Base())
	assert.True((BufferData | BufferReadOnly).IsReadOnly())
	assert.False(BufferData.IsReadOnly())
}

func TestBufferDescAccess(t *testing.T) {
	assert := test.NewAssert(t)

	d := NewBufferDesc(
		TokenBuffer([]byte("tok")),
		DataBuffer([]byte("one")),
		NewBuffer(BufferData|BufferReadOnly, []byte("two")),
		SizedBuffer(BufferTrailer, 4),
	)

	assert.Equal(4, d.Len())
	assert.Equal(BufferVersion, d.Version)
	assert.Equal([]byte("tok"), d.Buffer(0).Data)
	assert.Nil(d.Buffer(4))
	assert.Nil(d.Buffer(-1))
	assert.Equal(1, d.Index(BufferData))
	assert.Equal(-1, d.Index(BufferStream))
	assert.Equal([]int{1, 2}, d.FindAll(BufferData))
	assert.Equal([]byte("onetwo"), d.Bytes(BufferData))
	assert.Equal(6, d.TotalLen(BufferData))
	assert.Equal(13, d.TotalLen())
	assert.Equal(10, d.TotalLen(BufferData, BufferTrailer))

	bufs := d.Buffers()
	bufs[0].Kind = BufferEmpty
	assert.Equal(BufferToken, d.Buffer(0).Kind)

	var nilDesc *BufferDesc
	assert.Equal(0, nilDesc.Len())
	assert.Nil(nilDesc.Find(BufferToken))
	assert.Nil(nilDesc.Bytes(BufferToken))
	assert.NoError(nilDesc.Validate(10))
}

func TestBufferDescMissing(t *testing.T) {
	assert := test.NewAssert(t)

	d := NewBufferDesc()
	_, ok := d.Missing()
	assert.False(ok)

	i, err := d.Append(Buffer{Kind: BufferMissing, Count: 3})
	assert.NoErrorFatal(err)
	assert.Equal(0, i)

	_, err = d.Append(Buffer{Kind: BufferMissing, Count: 4})
	assert.ErrorIs(err, ErrInvalidParameter)

	d.setMissing(15)
	n, ok := d.Missing()
	assert.True(ok)
	assert.Equal(15, n)
	assert.Equal(1, d.Len())
	assert.Equal(15, d.TotalLen(BufferMissing))
}

func TestBufferDescExtra(t *testing.T) {
	assert := test.NewAssert(t)

	in := []byte("leftover")
	d := NewBufferDesc(TokenBuffer(nil))
	d.setExtra(in[4:])
	in[4] = 'X'

	assert.Equal([]byte("over"), d.Extra())
	assert.Equal(OwnerEngine, d.Find(BufferExtra).Owner)

	d.setMissing(2)
	d.dropEngineInfo()
	assert.Equal(1, d.Len())
	assert.Nil(d.Extra())
}

func TestBufferDescValidate(t *testing.T) {
	assert := test.NewAssert(t)

	d := NewBufferDesc(TokenBuffer(make([]byte, 10)))
	assert.NoError(d.Validate(10))
	assert.NoError(d.Validate(0))

	err := d.Validate(9)
	assert.ErrorIs(err, ErrInvalidToken)
	assert.Equal(ClassProtocol, ClassOf(err))

	d.Version = 2
	assert.ErrorIs(d.Validate(10), ErrInvalidParameter)

	d = NewBufferDesc(Buffer{Kind: BufferMissing}, Buffer{Kind: BufferMissing})
	assert.ErrorIs(d.Validate(10), ErrInvalidParameter)
}

func TestBufferDescRelease(t *testing.T) {
	assert := test.NewAssert(t)

	secret := []byte("secret")
	mine := []byte("mine")
	d := NewBufferDesc(
		Buffer{Kind: BufferToken, Data: secret, Owner: OwnerEngine},
		DataBuffer(mine),
	)

	d.Release()

	assert.Equal(make([]byte, 6), secret)
	assert.Nil(d.Buffer(0).Data)
	assert.Equal(BufferEmpty, d.Buffer(0).Kind)
	assert.Equal([]byte("mine"), d.Buffer(1).Data)
}
