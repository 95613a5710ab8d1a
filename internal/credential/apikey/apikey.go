// Package apikey is a static credential: a key presented in a header or
// query parameter. It never expires and refreshing returns it unchanged.
package apikey

import (
	"context"
	"time"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// Type is the credential type name.
const Type = "api_key"

// Input creates an API key credential.
type Input struct {
	Key    string `json:"key" validate:"required,min=8"`
	Header string `json:"header,omitempty" validate:"omitempty,printascii,excludesall=:"`
	// ExpiresAt marks keys issued with a fixed lifetime.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// State is the sealed state.
type State struct {
	Key       string     `json:"key"`
	Header    string     `json:"header"`
	IssuedAt  time.Time  `json:"issued_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Flow implements credential.Flow for API keys.
type Flow struct {
	Clock clock.Clock
}

func (Flow) Type() string { return Type }

func (f Flow) Initialize(_ context.Context, in Input) (credential.Init[State], error) {
	header := in.Header
	if header == "" {
		header = "X-API-Key"
	}
	return credential.Init[State]{State: State{
		Key:       in.Key,
		Header:    header,
		IssuedAt:  clock.OrDefault(f.Clock).Now(),
		ExpiresAt: in.ExpiresAt,
	}}, nil
}

func (Flow) Continue(_ context.Context, s State, _ map[string]string) (State, error) {
	return s, fault.New(fault.Validation, "api key credentials have no callback step")
}

// Refresh cannot renew a key; an expired key must be rotated.
func (f Flow) Refresh(_ context.Context, s State) (State, error) {
	if s.ExpiresAt != nil && !clock.OrDefault(f.Clock).Now().Before(*s.ExpiresAt) {
		return s, fault.New(fault.Authentication, "api key has expired; rotate it")
	}
	return s, nil
}

func (Flow) Token(s State) (credential.AccessToken, error) {
	return credential.AccessToken{
		Secret:    secret.NewText(s.Key),
		Kind:      credential.APIKey,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
	}, nil
}

// Register installs the flow in r.
func Register(r *credential.FactoryRegistry, clk clock.Clock) {
	r.Register(credential.Adapt[Input, State](Flow{Clock: clk}))
}
