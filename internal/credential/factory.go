package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/nebula/internal/fault"
)

var inputValidator = validator.New(validator.WithRequiredStructEnabled())

// validateInput checks `validate` struct tags, then a Validate method.
func validateInput(v any) error {
	if reflect.Indirect(reflect.ValueOf(v)).Kind() == reflect.Struct {
		if err := inputValidator.Struct(v); err != nil {
			return err
		}
	}
	if val, ok := v.(interface{ Validate() error }); ok {
		return val.Validate()
	}
	return nil
}

// Redirect is the next step of an interactive flow: send the user to URL.
type Redirect struct {
	URL   string `json:"url"`
	State string `json:"state,omitempty"`
}

// Pending describes an initialization waiting for a callback.
type Pending struct {
	Next Redirect `json:"next"`
}

// Init is the outcome of Initialize: either a complete State or a partial
// one plus the Pending step.
type Init[S any] struct {
	State   S
	Pending *Pending
}

// Flow is a typed credential type. In is the user-supplied creation input
// and S the state sealed in storage.
type Flow[In, S any] interface {
	// Type names the credential type, e.g. "oauth2_client_credentials".
	Type() string

	// Initialize builds the first state from user input.
	Initialize(ctx context.Context, in In) (Init[S], error)

	// Continue completes a pending initialization with callback parameters.
	Continue(ctx context.Context, partial S, params map[string]string) (S, error)

	// Refresh obtains a new state from an old one.
	Refresh(ctx context.Context, s S) (S, error)

	// Token extracts the access token from a state.
	Token(s S) (AccessToken, error)
}

// Factory is the JSON-erased form of a Flow held by the registry.
type Factory interface {
	Type() string
	Initialize(ctx context.Context, input json.RawMessage) (state json.RawMessage, pending *Pending, err error)
	Continue(ctx context.Context, partial json.RawMessage, params map[string]string) (json.RawMessage, error)
	Refresh(ctx context.Context, state json.RawMessage) (json.RawMessage, error)
	Token(state json.RawMessage) (AccessToken, error)
}

// Adapt erases a typed flow. Undecodable input is Validation; undecodable
// stored state and unencodable output are Fatal. Flow errors pass through.
func Adapt[In, S any](f Flow[In, S]) Factory {
	return flowAdapter[In, S]{f: f}
}

type flowAdapter[In, S any] struct {
	f Flow[In, S]
}

func (a flowAdapter[In, S]) Type() string { return a.f.Type() }

func (a flowAdapter[In, S]) Initialize(ctx context.Context, input json.RawMessage) (json.RawMessage, *Pending, error) {
	var in In
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, nil, fault.Wrap(fault.Validation, err, a.f.Type()+": decode input")
	}
	if err := validateInput(&in); err != nil {
		return nil, nil, fault.Wrap(fault.Validation, err, a.f.Type()+": invalid input")
	}
	res, err := a.f.Initialize(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	out, err := a.encode(res.State)
	return out, res.Pending, err
}

func (a flowAdapter[In, S]) Continue(ctx context.Context, partial json.RawMessage, params map[string]string) (json.RawMessage, error) {
	s, err := a.decode(partial)
	if err != nil {
		return nil, err
	}
	next, err := a.f.Continue(ctx, s, params)
	if err != nil {
		return nil, err
	}
	return a.encode(next)
}

func (a flowAdapter[In, S]) Refresh(ctx context.Context, state json.RawMessage) (json.RawMessage, error) {
	s, err := a.decode(state)
	if err != nil {
		return nil, err
	}
	next, err := a.f.Refresh(ctx, s)
	if err != nil {
		return nil, err
	}
	return a.encode(next)
}

func (a flowAdapter[In, S]) Token(state json.RawMessage) (AccessToken, error) {
	s, err := a.decode(state)
	if err != nil {
		return AccessToken{}, err
	}
	return a.f.Token(s)
}

func (a flowAdapter[In, S]) decode(raw json.RawMessage) (S, error) {
	var s S
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fault.Wrap(fault.Fatal, err, a.f.Type()+": decode state")
	}
	return s, nil
}

func (a flowAdapter[In, S]) encode(s S) (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, a.f.Type()+": encode state")
	}
	return b, nil
}

// FactoryRegistry maps credential type names to factories. Reads do not
// block writers.
type FactoryRegistry struct {
	m sync.Map // string -> Factory
}

// NewFactoryRegistry creates a registry holding fs.
func NewFactoryRegistry(fs ...Factory) *FactoryRegistry {
	r := &FactoryRegistry{}
	for _, f := range fs {
		r.Register(f)
	}
	return r
}

// Register installs f, replacing any factory of the same type.
func (r *FactoryRegistry) Register(f Factory) {
	r.m.Store(f.Type(), f)
}

// Get returns the factory for typ.
func (r *FactoryRegistry) Get(typ string) (Factory, error) {
	v, ok := r.m.Load(typ)
	if !ok {
		return nil, fault.New(fault.Validation, fmt.Sprintf("unknown credential type %q", typ))
	}
	return v.(Factory), nil
}

// Types lists registered types, sorted.
func (r *FactoryRegistry) Types() []string {
	var out []string
	r.m.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}
