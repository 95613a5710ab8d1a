package secret

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, fill byte) Key {
	t.Helper()
	var k Key
	for i := range k {
		k[i] = fill
	}
	return k
}

// TestText_NeverRenders covers every formatter path.
func TestText_NeverRenders(t *testing.T) {
	s := NewText("hunter2")

	assert.Equal(t, Redacted, s.String())
	assert.Equal(t, Redacted, fmt.Sprintf("%v", s))
	assert.Equal(t, Redacted, fmt.Sprintf("%s", s))
	assert.Equal(t, Redacted, fmt.Sprintf("%#v", s))
	assert.Equal(t, Redacted, fmt.Sprintf("%q", s))

	data, err := json.Marshal(struct {
		Password *Text `json:"password"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"password":"[REDACTED]"}`, string(data))

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("login", "password", s)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), Redacted)
}

// TestText_ExposeAndDestroy verifies plaintext access and zeroing.
func TestText_ExposeAndDestroy(t *testing.T) {
	s := NewText("hunter2")

	var seen string
	s.Expose(func(p string) { seen = p })
	assert.Equal(t, "hunter2", seen)

	var backing []byte
	s.ExposeBytes(func(p []byte) { backing = p[:cap(p)] })

	s.Destroy()
	assert.True(t, s.Empty())
	assert.Equal(t, make([]byte, len(backing)), backing, "buffer must be zeroed")
}

// TestText_Equal compares secrets by content.
func TestText_Equal(t *testing.T) {
	assert.True(t, NewText("abc").Equal(NewText("abc")))
	assert.False(t, NewText("abc").Equal(NewText("abd")))
	var nilText *Text
	assert.True(t, nilText.Equal(NewText("")))
}

// TestCipher_RoundTrip verifies encrypt-decrypt for both algorithms.
func TestCipher_RoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AES256GCM, ChaCha20Poly1305} {
		t.Run(string(alg), func(t *testing.T) {
			c, err := NewCipher(3, alg, testKey(t, 7))
			require.NoError(t, err)

			plain := []byte(`{"client_secret":"s3cr3t"}`)
			blob, err := c.Seal(plain, []byte("cred-1"))
			require.NoError(t, err)
			assert.Equal(t, uint8(3), blob.Version)
			assert.NotContains(t, string(blob.Ciphertext), "s3cr3t")

			got, err := c.Open(blob, []byte("cred-1"))
			require.NoError(t, err)
			assert.Equal(t, plain, got)

			_, err = c.Open(blob, []byte("cred-2"))
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

// TestCipher_SealWithNonceDeterministic verifies identical key and nonce give identical blobs.
func TestCipher_SealWithNonceDeterministic(t *testing.T) {
	c, err := NewCipher(1, AES256GCM, testKey(t, 1))
	require.NoError(t, err)
	var nonce [NonceSize]byte
	nonce[0] = 9

	a := c.SealWithNonce(nonce, []byte("payload"), nil)
	b := c.SealWithNonce(nonce, []byte("payload"), nil)
	assert.True(t, a.Equal(b))
}

// TestCipher_RejectsTamperedTag verifies authentication.
func TestCipher_RejectsTamperedTag(t *testing.T) {
	c, err := NewCipher(1, ChaCha20Poly1305, testKey(t, 2))
	require.NoError(t, err)
	blob, err := c.Seal([]byte("payload"), nil)
	require.NoError(t, err)

	blob.Tag[0] ^= 0xff
	_, err = c.Open(blob, nil)
	assert.ErrorIs(t, err, ErrDecrypt)
}

// TestEncryptedBlob_BinaryAndJSON verifies both encodings.
func TestEncryptedBlob_BinaryAndJSON(t *testing.T) {
	c, err := NewCipher(2, AES256GCM, testKey(t, 3))
	require.NoError(t, err)
	blob, err := c.Seal([]byte("state"), nil)
	require.NoError(t, err)

	raw, err := blob.MarshalBinary()
	require.NoError(t, err)
	assert.Len(t, raw, 1+NonceSize+len("state")+TagSize)

	var decoded EncryptedBlob
	require.NoError(t, decoded.UnmarshalBinary(raw))
	assert.True(t, blob.Equal(decoded))

	js, err := json.Marshal(blob)
	require.NoError(t, err)
	var fromJSON EncryptedBlob
	require.NoError(t, json.Unmarshal(js, &fromJSON))
	assert.True(t, blob.Equal(fromJSON))

	assert.ErrorIs(t, decoded.UnmarshalBinary([]byte{1, 2, 3}), ErrMalformedBlob)
}

// TestKeyring_RotationAndReseal verifies old blobs stay readable after rotation.
func TestKeyring_RotationAndReseal(t *testing.T) {
	v1, err := NewCipher(1, AES256GCM, testKey(t, 1))
	require.NoError(t, err)
	kr := NewKeyring(v1)

	old, err := kr.Seal([]byte("legacy"), nil)
	require.NoError(t, err)

	v2, err := NewCipher(2, ChaCha20Poly1305, testKey(t, 2))
	require.NoError(t, err)
	kr.Rotate(v2)
	assert.Equal(t, uint8(2), kr.PrimaryVersion())
	assert.Equal(t, []uint8{1, 2}, kr.Versions())

	plain, err := kr.Open(old, nil)
	require.NoError(t, err)
	assert.Equal(t, "legacy", string(plain))

	moved, err := kr.Reseal(old, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), moved.Version)

	same, err := kr.Reseal(moved, nil)
	require.NoError(t, err)
	assert.True(t, moved.Equal(same), "blob under primary is returned unchanged")

	_, err = kr.Open(EncryptedBlob{Version: 9}, nil)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

// TestParseKey validates length and encoding.
func TestParseKey(t *testing.T) {
	k, err := ParseKey("AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")
	require.NoError(t, err)
	assert.Equal(t, byte(1), k[31])

	_, err = ParseKey("AQID")
	assert.Error(t, err)
	_, err = ParseKey("not base64!")
	assert.Error(t, err)
}

// TestRedactor_TokenFields covers JSON, form and header shapes.
func TestRedactor_TokenFields(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name   string
		input  string
		secret string
	}{
		{"json", `{"access_token":"eyJabc.def","token_type":"Bearer"}`, "eyJabc.def"},
		{"json spaced", `{"refresh_token" : "rt-123"}`, "rt-123"},
		{"form", `grant_type=client_credentials&client_secret=shh-123&scope=a`, "shh-123"},
		{"header", `Authorization: Bearer abc.def.ghi`, "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.input)
			assert.NotContains(t, out, tt.secret)
			assert.Contains(t, out, Redacted)
		})
	}

	assert.Contains(t, r.Redact(`{"token_type":"Bearer"}`), "Bearer", "unrelated fields survive")
}

// TestRedactor_TrackedValues scrubs registered values anywhere in the text.
func TestRedactor_TrackedValues(t *testing.T) {
	r := NewRedactor()
	r.TrackText(NewText("pa55word"))
	r.Track("abc") // too short, ignored

	out := r.Redact("dial failed for user:pa55word@db abc")
	assert.False(t, strings.Contains(out, "pa55word"))
	assert.Contains(t, out, "abc")
}
