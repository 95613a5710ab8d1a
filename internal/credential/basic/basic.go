// Package basic is the HTTP Basic credential type.
package basic

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

// Type is the credential type name.
const Type = "basic"

// Input creates a Basic credential.
type Input struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// Validate rejects usernames Basic auth cannot carry.
func (in Input) Validate() error {
	if strings.Contains(in.Username, ":") {
		return fault.New(fault.Validation, "basic auth username must not contain ':'")
	}
	return nil
}

// State is the sealed state.
type State struct {
	Username string    `json:"username"`
	Password string    `json:"password"`
	IssuedAt time.Time `json:"issued_at"`
}

// Flow implements credential.Flow for Basic auth.
type Flow struct {
	Clock clock.Clock
}

func (Flow) Type() string { return Type }

func (f Flow) Initialize(_ context.Context, in Input) (credential.Init[State], error) {
	return credential.Init[State]{State: State{
		Username: in.Username,
		Password: in.Password,
		IssuedAt: clock.OrDefault(f.Clock).Now(),
	}}, nil
}

func (Flow) Continue(_ context.Context, s State, _ map[string]string) (State, error) {
	return s, fault.New(fault.Validation, "basic credentials have no callback step")
}

func (Flow) Refresh(_ context.Context, s State) (State, error) { return s, nil }

// Token encodes user:password; the header is "Basic <token>".
func (Flow) Token(s State) (credential.AccessToken, error) {
	enc := base64.StdEncoding.EncodeToString([]byte(s.Username + ":" + s.Password))
	return credential.AccessToken{
		Secret:   secret.NewText(enc),
		Kind:     credential.Basic,
		IssuedAt: s.IssuedAt,
	}, nil
}

// Register installs the flow in r.
func Register(r *credential.FactoryRegistry, clk clock.Clock) {
	r.Register(credential.Adapt[Input, State](Flow{Clock: clk}))
}
