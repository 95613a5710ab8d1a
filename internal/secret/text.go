// Package secret holds secret material: redacting text containers, the
// encrypted-blob format, AEAD ciphers keyed by a versioned keyring, and the
// redaction pass applied to HTTP bodies and error messages.
package secret

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Redacted is what a secret renders as in every formatter.
const Redacted = "[REDACTED]"

// Text is a secret string. It never renders its contents through fmt, slog or
// encoding/json; the plaintext is reachable only through Expose.
//
// Text zeroes its buffer when Destroy is called, and again from a finalizer
// when the last reference is collected. Copies of the string handed to Expose
// callbacks are owned by the callback.
//
// Thread-safety: Text is safe for concurrent use.
type Text struct {
	mu  sync.RWMutex
	buf []byte
}

// NewText copies s into a new secret.
func NewText(s string) *Text {
	return NewTextBytes([]byte(s))
}

// NewTextBytes takes a copy of b. The caller may zero b afterwards.
func NewTextBytes(b []byte) *Text {
	t := &Text{buf: make([]byte, len(b))}
	copy(t.buf, b)
	runtime.SetFinalizer(t, func(t *Text) { t.Destroy() })
	return t
}

// Expose calls fn with the plaintext.
func (t *Text) Expose(fn func(plaintext string)) {
	if t == nil {
		fn("")
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(string(t.buf))
}

// ExposeBytes calls fn with the backing buffer. fn must not retain it.
func (t *Text) ExposeBytes(fn func(plaintext []byte)) {
	if t == nil {
		fn(nil)
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn(t.buf)
}

// Len returns the length of the plaintext.
func (t *Text) Len() int {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buf)
}

// Empty reports whether the secret has no content.
func (t *Text) Empty() bool { return t.Len() == 0 }

// Equal compares two secrets in constant time.
func (t *Text) Equal(other *Text) bool {
	if t == nil || other == nil {
		return t.Len() == other.Len()
	}
	var eq bool
	t.ExposeBytes(func(a []byte) {
		other.ExposeBytes(func(b []byte) {
			eq = subtle.ConstantTimeCompare(a, b) == 1
		})
	})
	return eq
}

// Clone returns an independent copy, so one holder's Destroy does not zero
// the other's.
func (t *Text) Clone() *Text {
	var c *Text
	t.ExposeBytes(func(b []byte) { c = NewTextBytes(b) })
	return c
}

// Destroy zeroes the buffer. Subsequent Expose calls see an empty string.
func (t *Text) Destroy() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.buf)
	t.buf = t.buf[:0]
}

// String implements fmt.Stringer.
func (t *Text) String() string { return Redacted }

// GoString implements fmt.GoStringer so %#v stays redacted.
func (t *Text) GoString() string { return Redacted }

// Format implements fmt.Formatter for every verb.
func (t *Text) Format(f fmt.State, _ rune) {
	_, _ = f.Write([]byte(Redacted))
}

// LogValue implements slog.LogValuer.
func (t *Text) LogValue() slog.Value {
	return slog.StringValue(Redacted)
}

// MarshalJSON always emits the redaction marker. Persisted state that must
// hold plaintext uses plain strings inside an EncryptedBlob instead.
func (t *Text) MarshalJSON() ([]byte, error) {
	return json.Marshal(Redacted)
}
