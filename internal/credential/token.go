package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/nebula/internal/secret"
)

// TokenKind says how a token is presented to the downstream service.
type TokenKind string

const (
	Bearer TokenKind = "Bearer"
	APIKey TokenKind = "ApiKey"
	Basic  TokenKind = "Basic"
)

// AccessToken is a ready-to-use credential for one request.
type AccessToken struct {
	Secret    *secret.Text
	Kind      TokenKind
	IssuedAt  time.Time
	ExpiresAt *time.Time
	Scopes    []string
	Claims    map[string]any
}

// Expired reports whether the token has an expiry and it has passed.
func (t AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// FreshAt reports whether the token will still be valid skew after now.
func (t AccessToken) FreshAt(now time.Time, skew time.Duration) bool {
	return t.ExpiresAt == nil || now.Add(skew).Before(*t.ExpiresAt)
}

// Clone returns a copy with its own secret buffer.
func (t AccessToken) Clone() AccessToken {
	c := t
	if t.Secret != nil {
		c.Secret = t.Secret.Clone()
	}
	if t.ExpiresAt != nil {
		exp := *t.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.Scopes = append([]string(nil), t.Scopes...)
	return c
}

// Header renders the Authorization header value.
func (t AccessToken) Header() string {
	var v string
	t.Secret.Expose(func(s string) { v = s })
	switch t.Kind {
	case Bearer:
		return "Bearer " + v
	case Basic:
		return "Basic " + v
	default:
		return v
	}
}

// Expiry converts an expires_in seconds value into an absolute time. Zero or
// negative means no expiry.
func Expiry(issued time.Time, expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := issued.Add(time.Duration(expiresIn) * time.Second)
	return &t
}

// WithJWTClaims fills Claims from a JWT bearer token without verifying the
// signature, and takes ExpiresAt from "exp" when the token has none. Opaque
// tokens are returned unchanged.
func WithJWTClaims(t AccessToken) AccessToken {
	var raw string
	t.Secret.Expose(func(s string) { raw = s })
	if strings.Count(raw, ".") != 2 {
		return t
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return t
	}
	t.Claims = make(map[string]any, len(claims))
	for k, v := range claims {
		t.Claims[k] = v
	}
	if t.ExpiresAt == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			e := exp.Time
			t.ExpiresAt = &e
		}
	}
	if len(t.Scopes) == 0 {
		if scope, ok := claims["scope"].(string); ok && scope != "" {
			t.Scopes = strings.Fields(scope)
		}
	}
	return t
}
