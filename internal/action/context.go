package action

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"text/template"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/pool"
)

// Context is what an action sees while it runs.
type Context interface {
	context.Context

	ExecutionID() string
	NodeID() string
	Logger() *slog.Logger

	// Credential returns a ready token for credential id.
	Credential(id credential.ID) (credential.AccessToken, error)

	// Resource checks out an instance from the pool registered under id.
	// Release or Discard the lease when done.
	Resource(id string) (pool.Lease, error)

	// Render evaluates template against data.
	Render(template string, data any) (string, error)
}

// TokenSource hands out access tokens. *credential.Manager implements it.
type TokenSource interface {
	GetToken(ctx context.Context, id credential.ID) (credential.AccessToken, error)
}

// ResourceSource checks out pooled resources. *pool.Manager implements it.
type ResourceSource interface {
	Acquire(ctx context.Context, id string) (pool.Lease, error)
}

// Renderer evaluates templates. It must be deterministic and free of side
// effects.
type Renderer interface {
	Render(template string, data any) (string, error)
}

// Env holds the collaborators a Context delegates to. Nil fields make the
// matching Context method fail.
type Env struct {
	Tokens    TokenSource
	Resources ResourceSource
	Renderer  Renderer
	Logger    *slog.Logger
}

var (
	// ErrNoCredentials is returned by Context.Credential without a TokenSource.
	ErrNoCredentials = errors.New("action: no credential source configured")

	// ErrNoResources is returned by Context.Resource without a ResourceSource.
	ErrNoResources = errors.New("action: no resource source configured")
)

type execContext struct {
	context.Context
	env         Env
	executionID string
	nodeID      string
	log         *slog.Logger
}

// NewContext builds a Context for one node of one execution.
func NewContext(ctx context.Context, env Env, executionID, nodeID string) Context {
	log := env.Logger
	if log == nil {
		log = slog.Default()
	}
	return &execContext{
		Context:     ctx,
		env:         env,
		executionID: executionID,
		nodeID:      nodeID,
		log:         log.With("execution", executionID, "node", nodeID),
	}
}

// WithContext returns a copy of c running under ctx, keeping its identity.
func WithContext(c Context, ctx context.Context) Context {
	if ec, ok := c.(*execContext); ok {
		cp := *ec
		cp.Context = ctx
		return &cp
	}
	return &overlay{Context: ctx, base: c}
}

// overlay swaps the context.Context of a foreign Context implementation.
type overlay struct {
	context.Context
	base Context
}

func (o *overlay) ExecutionID() string  { return o.base.ExecutionID() }
func (o *overlay) NodeID() string       { return o.base.NodeID() }
func (o *overlay) Logger() *slog.Logger { return o.base.Logger() }
func (o *overlay) Credential(id credential.ID) (credential.AccessToken, error) {
	return o.base.Credential(id)
}
func (o *overlay) Resource(id string) (pool.Lease, error) { return o.base.Resource(id) }
func (o *overlay) Render(t string, data any) (string, error) {
	return o.base.Render(t, data)
}

func (c *execContext) ExecutionID() string  { return c.executionID }
func (c *execContext) NodeID() string       { return c.nodeID }
func (c *execContext) Logger() *slog.Logger { return c.log }

func (c *execContext) Credential(id credential.ID) (credential.AccessToken, error) {
	if c.env.Tokens == nil {
		return credential.AccessToken{}, fault.Wrap(fault.Fatal, ErrNoCredentials, "credential "+string(id))
	}
	return c.env.Tokens.GetToken(c, id)
}

func (c *execContext) Resource(id string) (pool.Lease, error) {
	if c.env.Resources == nil {
		return nil, fault.Wrap(fault.Fatal, ErrNoResources, "resource "+id)
	}
	return c.env.Resources.Acquire(c, id)
}

func (c *execContext) Render(t string, data any) (string, error) {
	r := c.env.Renderer
	if r == nil {
		r = DefaultRenderer
	}
	return r.Render(t, data)
}

// TemplateRenderer renders text/template templates with missingkey=error.
// Parsed templates are cached by source.
type TemplateRenderer struct {
	funcs template.FuncMap
	cache sync.Map // string -> *template.Template
}

// DefaultRenderer is used when Env.Renderer is nil.
var DefaultRenderer = NewTemplateRenderer(nil)

// NewTemplateRenderer creates a renderer with extra template functions.
func NewTemplateRenderer(funcs template.FuncMap) *TemplateRenderer {
	return &TemplateRenderer{funcs: funcs}
}

// Render implements Renderer. Parse and execution errors are
// fault.Validation.
func (r *TemplateRenderer) Render(src string, data any) (string, error) {
	t, err := r.parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fault.Wrap(fault.Validation, err, "render template")
	}
	return buf.String(), nil
}

func (r *TemplateRenderer) parse(src string) (*template.Template, error) {
	if t, ok := r.cache.Load(src); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("expr").Option("missingkey=error").Funcs(r.funcs).Parse(src)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, err, "parse template")
	}
	actual, _ := r.cache.LoadOrStore(src, t)
	return actual.(*template.Template), nil
}
