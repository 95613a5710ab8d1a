// Package action defines the contract every workflow node implements: typed
// action interfaces, the flow-control Result language the runtime dispatches
// on, adapters that erase typed actions to JSON handlers, and the Registry
// that holds them.
//
// Actions are written against typed inputs and outputs. RegisterProcess and
// its siblings wrap them in adapters that decode and validate JSON input,
// call the typed method, and encode the output while keeping the Result
// variant. Decode and validation failures are fault.Validation; encode
// failures are fault.Fatal; errors returned by the action keep their kind.
package action

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"time"

	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/resilience"
)

// Kind tags which typed interface an action implements.
type Kind string

const (
	KindProcess       Kind = "process"
	KindStateful      Kind = "stateful"
	KindStreaming     Kind = "streaming"
	KindTrigger       Kind = "trigger"
	KindTransactional Kind = "transactional"
	KindInteractive   Kind = "interactive"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProcess, KindStateful, KindStreaming, KindTrigger, KindTransactional, KindInteractive:
		return true
	}
	return false
}

// Capabilities an action may declare.
const (
	CapNetwork     = "network"
	CapCredentials = "credentials"
	CapResources   = "resources"
	CapIdempotent  = "idempotent"
)

// Metadata describes an action. Key is unique within a registry.
type Metadata struct {
	Key          string          `json:"key" yaml:"key"`
	Name         string          `json:"name" yaml:"name"`
	Description  string          `json:"description,omitempty" yaml:"description"`
	Version      uint32          `json:"version" yaml:"version"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty" yaml:"-"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty" yaml:"-"`
	Capabilities []string        `json:"capabilities,omitempty" yaml:"capabilities"`

	// Retry and Timeout wrap every dispatch of the action.
	Retry   *resilience.RetryConfig `json:"retry,omitempty" yaml:"retry"`
	Timeout time.Duration           `json:"timeout,omitempty" yaml:"timeout"`
}

var keyPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// Validate checks the key format and the optional policies.
func (m Metadata) Validate() error {
	if !keyPattern.MatchString(m.Key) {
		return fault.Newf(fault.Validation, "action key %q must be dotted lower_snake segments", m.Key)
	}
	if m.Timeout < 0 {
		return fault.Newf(fault.Validation, "action %s: negative timeout", m.Key)
	}
	if m.Retry != nil && m.Retry.MaxAttempts < 1 {
		return fault.Newf(fault.Validation, "action %s: retry.max_attempts must be at least 1", m.Key)
	}
	for _, s := range []json.RawMessage{m.InputSchema, m.OutputSchema} {
		if len(s) > 0 && !json.Valid(s) {
			return fault.Newf(fault.Validation, "action %s: schema is not valid JSON", m.Key)
		}
	}
	return nil
}

// Has reports whether the action declares capability c.
func (m Metadata) Has(c string) bool { return slices.Contains(m.Capabilities, c) }

// Policy builds the dispatch policy from Retry and Timeout, or nil when the
// action declares neither. Events go to d, which may be nil.
func (m Metadata) Policy(d *resilience.Dispatcher) (*resilience.Policy, error) {
	if m.Retry == nil && m.Timeout == 0 {
		return nil, nil
	}
	cfg := resilience.PolicyConfig{Timeout: m.Timeout, Retry: m.Retry}
	p, err := resilience.FromConfig("action:"+m.Key, cfg, d)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", m.Key, err)
	}
	return p, nil
}
