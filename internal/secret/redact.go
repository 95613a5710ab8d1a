package secret

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// DefaultFields are the token field names scrubbed from bodies and messages.
var DefaultFields = []string{
	"access_token",
	"refresh_token",
	"id_token",
	"client_secret",
	"password",
	"api_key",
	"apikey",
	"code_verifier",
	"assertion",
	"token",
}

// Redactor scrubs secrets from free text: JSON members, form fields and
// Authorization headers whose names are known token fields, plus any exact
// values registered with Track.
//
// Thread-safety: safe for concurrent use.
type Redactor struct {
	jsonField *regexp.Regexp
	formField *regexp.Regexp
	authValue *regexp.Regexp

	mu      sync.RWMutex
	tracked map[string]struct{}
}

// NewRedactor builds a redactor for the given field names. With no names it
// uses DefaultFields.
func NewRedactor(fields ...string) *Redactor {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = regexp.QuoteMeta(f)
	}
	names := strings.Join(quoted, "|")
	return &Redactor{
		jsonField: regexp.MustCompile(`(?i)("(?:` + names + `)"\s*:\s*)"(?:[^"\\]|\\.)*"`),
		formField: regexp.MustCompile(`(?i)(^|[?&\s])((?:` + names + `)=)[^&\s]*`),
		authValue: regexp.MustCompile(`(?i)(authorization:?\s*(?:bearer|basic)\s+)[A-Za-z0-9\-._~+/=]+`),
		tracked:   make(map[string]struct{}),
	}
}

// Track registers an exact value to be scrubbed wherever it appears.
// Values shorter than four bytes are ignored to avoid mangling ordinary text.
func (r *Redactor) Track(value string) {
	if len(value) < 4 {
		return
	}
	r.mu.Lock()
	r.tracked[value] = struct{}{}
	r.mu.Unlock()
}

// TrackText registers the plaintext of a secret.
func (r *Redactor) TrackText(t *Text) {
	t.Expose(r.Track)
}

// Redact returns s with every known secret replaced by the redaction marker.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	s = r.jsonField.ReplaceAllString(s, `$1"`+Redacted+`"`)
	s = r.formField.ReplaceAllString(s, `$1$2`+Redacted)
	s = r.authValue.ReplaceAllString(s, `$1`+Redacted)

	r.mu.RLock()
	values := make([]string, 0, len(r.tracked))
	for v := range r.tracked {
		values = append(values, v)
	}
	r.mu.RUnlock()
	// longest first so a tracked value containing another is replaced whole
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Redacted)
	}
	return s
}

var defaultRedactor = NewRedactor()

// Redact scrubs s with the default redactor.
func Redact(s string) string {
	return defaultRedactor.Redact(s)
}
