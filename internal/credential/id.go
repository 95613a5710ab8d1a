package credential

import (
	"errors"
	"fmt"

	"github.com/roach88/nebula/internal/fault"
)

// MaxIDLength bounds credential identifiers.
const MaxIDLength = 128

// ErrInvalidID is wrapped by ParseID for malformed identifiers.
var ErrInvalidID = errors.New("invalid credential id")

// ID is a validated credential identifier: non-empty, at most MaxIDLength
// bytes of [A-Za-z0-9_-].
type ID string

// ParseID validates s. It is idempotent on valid input:
// ParseID(s) returns ID(s). Errors are Validation and wrap ErrInvalidID.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", invalidID("empty")
	}
	if len(s) > MaxIDLength {
		return "", invalidID(fmt.Sprintf("longer than %d bytes", MaxIDLength))
	}
	for i := 0; i < len(s); i++ {
		if !idByte(s[i]) {
			return "", invalidID(fmt.Sprintf("%q contains %q at offset %d", s, s[i], i))
		}
	}
	return ID(s), nil
}

func invalidID(reason string) error {
	return &fault.Error{Kind: fault.Validation, Err: fmt.Errorf("%w: %s", ErrInvalidID, reason)}
}

// MustParseID is ParseID for constants; it panics on invalid input.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func idByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}

// String returns the identifier.
func (id ID) String() string { return string(id) }

// UnmarshalText validates while decoding.
func (id *ID) UnmarshalText(b []byte) error {
	v, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}
