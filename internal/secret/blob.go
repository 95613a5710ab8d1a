package secret

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// NonceSize is the AEAD nonce length shared by both supported algorithms.
	NonceSize = 12

	// TagSize is the AEAD authentication tag length.
	TagSize = 16

	headerSize = 1 + NonceSize
)

// ErrMalformedBlob is returned when a serialized blob cannot be decoded.
var ErrMalformedBlob = errors.New("secret: malformed encrypted blob")

// EncryptedBlob is the at-rest format of a credential's state.
//
// Version identifies the key and algorithm that sealed the blob, which lets a
// Keyring open blobs written before a key rotation.
type EncryptedBlob struct {
	Version    uint8
	Nonce      [NonceSize]byte
	Ciphertext []byte
	Tag        [TagSize]byte
}

// MarshalBinary encodes the blob as version || nonce || ciphertext || tag.
func (b EncryptedBlob) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, headerSize+len(b.Ciphertext)+TagSize)
	out = append(out, b.Version)
	out = append(out, b.Nonce[:]...)
	out = append(out, b.Ciphertext...)
	out = append(out, b.Tag[:]...)
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary format.
func (b *EncryptedBlob) UnmarshalBinary(data []byte) error {
	if len(data) < headerSize+TagSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformedBlob, len(data))
	}
	b.Version = data[0]
	copy(b.Nonce[:], data[1:headerSize])
	ctLen := len(data) - headerSize - TagSize
	b.Ciphertext = make([]byte, ctLen)
	copy(b.Ciphertext, data[headerSize:headerSize+ctLen])
	copy(b.Tag[:], data[headerSize+ctLen:])
	return nil
}

// Equal reports whether two blobs are byte-identical.
func (b EncryptedBlob) Equal(other EncryptedBlob) bool {
	if b.Version != other.Version || b.Nonce != other.Nonce || b.Tag != other.Tag {
		return false
	}
	return bytes.Equal(b.Ciphertext, other.Ciphertext)
}

// IsZero reports whether the blob holds nothing.
func (b EncryptedBlob) IsZero() bool {
	return b.Version == 0 && len(b.Ciphertext) == 0 && b.Tag == [TagSize]byte{}
}

type blobJSON struct {
	Version    uint8  `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// MarshalJSON encodes the byte fields as base64.
func (b EncryptedBlob) MarshalJSON() ([]byte, error) {
	return json.Marshal(blobJSON{
		Version:    b.Version,
		Nonce:      base64.StdEncoding.EncodeToString(b.Nonce[:]),
		Ciphertext: base64.StdEncoding.EncodeToString(b.Ciphertext),
		Tag:        base64.StdEncoding.EncodeToString(b.Tag[:]),
	})
}

// UnmarshalJSON decodes the MarshalJSON format.
func (b *EncryptedBlob) UnmarshalJSON(data []byte) error {
	var w blobJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	nonce, err := base64.StdEncoding.DecodeString(w.Nonce)
	if err != nil || len(nonce) != NonceSize {
		return fmt.Errorf("%w: nonce", ErrMalformedBlob)
	}
	tag, err := base64.StdEncoding.DecodeString(w.Tag)
	if err != nil || len(tag) != TagSize {
		return fmt.Errorf("%w: tag", ErrMalformedBlob)
	}
	ct, err := base64.StdEncoding.DecodeString(w.Ciphertext)
	if err != nil {
		return fmt.Errorf("%w: ciphertext", ErrMalformedBlob)
	}
	b.Version = w.Version
	copy(b.Nonce[:], nonce)
	copy(b.Tag[:], tag)
	b.Ciphertext = ct
	return nil
}
