package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the symmetric key length for both algorithms.
const KeySize = 32

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AES256GCM        Algorithm = "aes-256-gcm"
	ChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

var (
	// ErrUnknownVersion is returned when no key is registered for a blob's version.
	ErrUnknownVersion = errors.New("secret: no key for blob version")

	// ErrDecrypt is returned when authentication fails.
	ErrDecrypt = errors.New("secret: decryption failed")
)

// Key is a 32-byte symmetric key.
type Key [KeySize]byte

// ParseKey decodes a base64 (standard or URL) encoded 32-byte key.
func ParseKey(encoded string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	clear(raw)
	return k, nil
}

// GenerateKey returns a random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generate key: %w", err)
	}
	return k, nil
}

// Cipher seals and opens blobs for one key version.
type Cipher struct {
	version   uint8
	algorithm Algorithm
	aead      cipher.AEAD
}

// NewCipher builds a cipher for key under the given version and algorithm.
func NewCipher(version uint8, algorithm Algorithm, key Key) (*Cipher, error) {
	if version == 0 {
		return nil, errors.New("secret: version 0 is reserved")
	}
	var (
		aead cipher.AEAD
		err  error
	)
	switch algorithm {
	case AES256GCM:
		block, berr := aes.NewCipher(key[:])
		if berr != nil {
			return nil, fmt.Errorf("aes: %w", berr)
		}
		aead, err = cipher.NewGCM(block)
	case ChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("secret: unknown algorithm %q", algorithm)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", algorithm, err)
	}
	return &Cipher{version: version, algorithm: algorithm, aead: aead}, nil
}

// Version returns the version byte this cipher writes.
func (c *Cipher) Version() uint8 { return c.version }

// Algorithm returns the AEAD algorithm.
func (c *Cipher) Algorithm() Algorithm { return c.algorithm }

// Seal encrypts plaintext with a fresh random nonce.
func (c *Cipher) Seal(plaintext, aad []byte) (EncryptedBlob, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return EncryptedBlob{}, fmt.Errorf("nonce: %w", err)
	}
	return c.SealWithNonce(nonce, plaintext, aad), nil
}

// SealWithNonce encrypts with a caller-chosen nonce. A nonce must never be
// reused under the same key.
func (c *Cipher) SealWithNonce(nonce [NonceSize]byte, plaintext, aad []byte) EncryptedBlob {
	sealed := c.aead.Seal(nil, nonce[:], plaintext, aad)
	ctLen := len(sealed) - TagSize
	blob := EncryptedBlob{Version: c.version, Nonce: nonce, Ciphertext: sealed[:ctLen:ctLen]}
	copy(blob.Tag[:], sealed[ctLen:])
	return blob
}

// Open decrypts a blob sealed by this cipher.
func (c *Cipher) Open(blob EncryptedBlob, aad []byte) ([]byte, error) {
	if blob.Version != c.version {
		return nil, fmt.Errorf("%w: blob v%d, cipher v%d", ErrUnknownVersion, blob.Version, c.version)
	}
	sealed := make([]byte, 0, len(blob.Ciphertext)+TagSize)
	sealed = append(sealed, blob.Ciphertext...)
	sealed = append(sealed, blob.Tag[:]...)
	plain, err := c.aead.Open(nil, blob.Nonce[:], sealed, aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Keyring holds every cipher that may have sealed a stored blob and a primary
// cipher used for new encryptions.
//
// Thread-safety: safe for concurrent use. Rotate swaps the primary atomically
// with respect to Seal.
type Keyring struct {
	mu      sync.RWMutex
	ciphers map[uint8]*Cipher
	primary uint8
}

// NewKeyring creates a keyring whose primary is the given cipher.
func NewKeyring(primary *Cipher, others ...*Cipher) *Keyring {
	kr := &Keyring{ciphers: make(map[uint8]*Cipher), primary: primary.version}
	for _, c := range others {
		kr.ciphers[c.version] = c
	}
	kr.ciphers[primary.version] = primary
	return kr
}

// NewStaticKeyring is a convenience for a single AES-256-GCM key at version 1.
func NewStaticKeyring(key Key) (*Keyring, error) {
	c, err := NewCipher(1, AES256GCM, key)
	if err != nil {
		return nil, err
	}
	return NewKeyring(c), nil
}

// Rotate adds c and makes it the primary.
func (k *Keyring) Rotate(c *Cipher) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ciphers[c.version] = c
	k.primary = c.version
}

// PrimaryVersion returns the version new blobs are sealed under.
func (k *Keyring) PrimaryVersion() uint8 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.primary
}

// Versions lists registered versions in ascending order.
func (k *Keyring) Versions() []uint8 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]uint8, 0, len(k.ciphers))
	for v := range k.ciphers {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Seal encrypts under the primary cipher.
func (k *Keyring) Seal(plaintext, aad []byte) (EncryptedBlob, error) {
	k.mu.RLock()
	c := k.ciphers[k.primary]
	k.mu.RUnlock()
	return c.Seal(plaintext, aad)
}

// Open decrypts with the cipher matching the blob's version.
func (k *Keyring) Open(blob EncryptedBlob, aad []byte) ([]byte, error) {
	k.mu.RLock()
	c, ok := k.ciphers[blob.Version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownVersion, blob.Version)
	}
	return c.Open(blob, aad)
}

// Reseal moves a blob under the primary key. Blobs already sealed by the
// primary are returned unchanged.
func (k *Keyring) Reseal(blob EncryptedBlob, aad []byte) (EncryptedBlob, error) {
	if blob.Version == k.PrimaryVersion() {
		return blob, nil
	}
	plain, err := k.Open(blob, aad)
	if err != nil {
		return EncryptedBlob{}, err
	}
	defer clear(plain)
	return k.Seal(plain, aad)
}
