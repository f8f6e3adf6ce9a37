// SPDX-License-Identifier: Apache-2.0

package psk

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/crypto/etype"
	"github.com/jcmturner/gokrb5/v8/iana/etypeID"
	"github.com/jcmturner/gokrb5/v8/iana/keyusage"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/golang-auth/go-sspi"
)

// SuiteID identifies the message protection algorithms of a context
type SuiteID uint16

const (
	SuiteXChaCha20Poly1305   SuiteID = 1 // XChaCha20-Poly1305 sealing, HMAC-SHA256-128 signatures
	SuiteAES256CTSHMACSHA196 SuiteID = 2 // Kerberos aes256-cts-hmac-sha1-96 (RFC 3962)
)

func (s SuiteID) String() string {
	switch s {
	case SuiteXChaCha20Poly1305:
		return "xchacha20-poly1305"
	case SuiteAES256CTSHMACSHA196:
		return "aes256-cts-hmac-sha1-96"
	}

	return fmt.Sprintf("SuiteID(%d)", uint16(s))
}

// The four keys of a context are distinguished by the GSS-API key usage numbers
var keyUsages = []uint32{
	keyusage.GSSAPI_ACCEPTOR_SEAL,
	keyusage.GSSAPI_ACCEPTOR_SIGN,
	keyusage.GSSAPI_INITIATOR_SEAL,
	keyusage.GSSAPI_INITIATOR_SIGN,
}

func sealUsage(sender sspi.Side) uint32 {
	if sender == sspi.SideAcceptor {
		return keyusage.GSSAPI_ACCEPTOR_SEAL
	}
	return keyusage.GSSAPI_INITIATOR_SEAL
}

func signUsage(sender sspi.Side) uint32 {
	if sender == sspi.SideAcceptor {
		return keyusage.GSSAPI_ACCEPTOR_SIGN
	}
	return keyusage.GSSAPI_INITIATOR_SIGN
}

type cipherSuite interface {
	id() SuiteID
	// overhead returns the number of bytes a sealed message carries before and after
	// the ciphertext of the payload
	overhead() (prefix, suffix int)
	checksumLen() int
	blockSize() int
	connectionInfo() sspi.ConnectionInfo

	deriveKeys(sessionKey []byte) (map[uint32][]byte, error)
	checksum(key []byte, usage uint32, data []byte) ([]byte, error)
	seal(key []byte, usage uint32, hdr, plain []byte) ([]byte, error)
	unseal(key []byte, usage uint32, hdr, sealed []byte) ([]byte, error)
}

func newSuite(id SuiteID) (cipherSuite, error) {
	switch id {
	case SuiteXChaCha20Poly1305:
		return xchachaSuite{}, nil
	case SuiteAES256CTSHMACSHA196:
		et, err := crypto.GetEtype(etypeID.AES256_CTS_HMAC_SHA1_96)
		if err != nil {
			return nil, err
		}
		return aesSuite{et: et}, nil
	}

	return nil, fmt.Errorf("%w: %s", sspi.ErrUnsupportedCipher, id)
}

func expand(prk []byte, label string, context []byte, size int) ([]byte, error) {
	info := join([]byte(label), context)
	out := make([]byte, size)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return out, nil
}

type xchachaSuite struct{}

func (xchachaSuite) id() SuiteID { return SuiteXChaCha20Poly1305 }

func (xchachaSuite) overhead() (int, int) {
	return chacha20poly1305.NonceSizeX, chacha20poly1305.Overhead
}

func (xchachaSuite) checksumLen() int { return 16 }
func (xchachaSuite) blockSize() int   { return 1 }

func (xchachaSuite) connectionInfo() sspi.ConnectionInfo {
	return sspi.ConnectionInfo{
		Protocol:       "PSK/1",
		Cipher:         "XChaCha20-Poly1305",
		CipherStrength: 256,
		Hash:           "HMAC-SHA256",
		HashStrength:   128,
		KeyExchange:    "HKDF-SHA256",
	}
}

func (xchachaSuite) deriveKeys(sessionKey []byte) (map[uint32][]byte, error) {
	keys := make(map[uint32][]byte, len(keyUsages))
	for _, u := range keyUsages {
		var usage [4]byte
		binary.BigEndian.PutUint32(usage[:], u)

		k, err := expand(sessionKey, "psk xchacha20-poly1305 usage", usage[:], chacha20poly1305.KeySize)
		if err != nil {
			return nil, err
		}
		keys[u] = k
	}

	return keys, nil
}

func (xchachaSuite) checksum(key []byte, _ uint32, data []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)[:16], nil
}

func (xchachaSuite) seal(key []byte, _ uint32, hdr, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plain, hdr), nil
}

func (xchachaSuite) unseal(key []byte, _ uint32, hdr, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed message is too short")
	}

	return aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], hdr)
}

// aesSuite seals messages the way RFC 4121 wrap tokens do: the header is appended to
// the plaintext before encryption and checked again after decryption.
type aesSuite struct {
	et etype.EType
}

func (aesSuite) id() SuiteID { return SuiteAES256CTSHMACSHA196 }

func (s aesSuite) overhead() (int, int) {
	return s.et.GetConfounderByteSize(), msgTokenHdrLen + s.et.GetHMACBitLength()/8
}

func (s aesSuite) checksumLen() int { return s.et.GetHMACBitLength() / 8 }
func (s aesSuite) blockSize() int   { return s.et.GetMessageBlockByteSize() }

func (s aesSuite) connectionInfo() sspi.ConnectionInfo {
	return sspi.ConnectionInfo{
		Protocol:       "PSK/1",
		Cipher:         "AES256-CTS",
		CipherStrength: 256,
		Hash:           "HMAC-SHA1-96",
		HashStrength:   96,
		KeyExchange:    "HKDF-SHA256",
	}
}

// gokrb5 derives the per usage keys from the protocol key itself
func (s aesSuite) deriveKeys(sessionKey []byte) (map[uint32][]byte, error) {
	base, err := expand(sessionKey, "psk aes256-cts-hmac-sha1-96", nil, s.et.GetKeyByteSize())
	if err != nil {
		return nil, err
	}

	keys := make(map[uint32][]byte, len(keyUsages))
	for _, u := range keyUsages {
		keys[u] = base
	}

	return keys, nil
}

func (s aesSuite) checksum(key []byte, usage uint32, data []byte) ([]byte, error) {
	return s.et.GetChecksumHash(key, data, usage)
}

func (s aesSuite) seal(key []byte, usage uint32, hdr, plain []byte) ([]byte, error) {
	toEncrypt := join(plain, hdr)
	defer clear(toEncrypt)

	_, encData, err := s.et.EncryptMessage(key, toEncrypt, usage)
	return encData, err
}

func (s aesSuite) unseal(key []byte, usage uint32, hdr, sealed []byte) ([]byte, error) {
	decrypted, err := s.et.DecryptMessage(key, sealed, usage)
	if err != nil {
		return nil, err
	}

	if len(decrypted) < msgTokenHdrLen {
		return nil, errors.New("decrypted wrap token payload is too short")
	}

	// the plaintext header must match the encrypted copy
	n := len(decrypted) - msgTokenHdrLen
	if !hmac.Equal(decrypted[n:], hdr) {
		clear(decrypted)
		return nil, errors.New("wrap token header was modified")
	}

	return decrypted[:n], nil
}
