package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run of builtin actions against a fresh engine.
// Every step runs in one execution so the trace reads as a single history.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// ExecutionID is the execution every step runs in. Defaults to
	// "test-execution".
	ExecutionID string `yaml:"execution_id,omitempty"`

	// Ledger holds the opening balances of core.ledger.
	Ledger map[string]int64 `yaml:"ledger,omitempty"`

	// Flow lists the steps, run in order.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count,
	// final_state, execution_state, ledger_balance.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one thing the harness does. Exactly one of Invoke, Resume or
// Transact is set.
type Step struct {
	// Invoke is the action key to execute with Input.
	Invoke string `yaml:"invoke,omitempty"`

	// Node overrides the node ID, which defaults to the action key.
	Node string `yaml:"node,omitempty"`

	Input any `yaml:"input,omitempty"`

	// Resume is a resume token. Tokens are handed out as resume-1,
	// resume-2, ... in the order nodes suspend.
	Resume  string `yaml:"resume,omitempty"`
	Payload any    `yaml:"payload,omitempty"`

	// Transact runs the participants under two-phase commit.
	Transact []Participant `yaml:"transact,omitempty"`

	// Expect checks the step's completion. Nil skips the check.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Participant is one transactional action in a Transact step.
type Participant struct {
	Node   string `yaml:"node,omitempty"`
	Action string `yaml:"action"`
	Input  any    `yaml:"input,omitempty"`
}

// Expect describes the completion a step should produce.
type Expect struct {
	// Status is the node status: completed, waiting, ready, skipped or
	// failed.
	Status string `yaml:"status,omitempty"`

	// Result is the result type, e.g. success or wait.
	Result string `yaml:"result,omitempty"`

	// Output is matched against the completion output. Objects match as
	// subsets; anything else must be equal.
	Output any `yaml:"output,omitempty"`

	// Error is the expected fault kind, e.g. Validation.
	Error string `yaml:"error,omitempty"`

	// Committed applies to Transact steps only.
	Committed *bool `yaml:"committed,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the action key (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Input is matched against invocation inputs as a subset
	// (trace_contains).
	Input any `yaml:"input,omitempty"`

	// Count is the expected number of invocations (trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected invocation order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Table, Where and Expect query a store table (final_state). Expect
	// is a subset match on the single matching row.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// State is checked against the execution summary (execution_state).
	State *StateExpect `yaml:"state,omitempty"`

	// Balances are the expected ledger balances (ledger_balance).
	Balances map[string]int64 `yaml:"balances,omitempty"`
}

// StateExpect lists execution summary fields to check. Unset fields are
// not checked.
type StateExpect struct {
	Complete       *bool  `yaml:"complete,omitempty"`
	Pending        *int   `yaml:"pending,omitempty"`
	Waits          *int   `yaml:"waits,omitempty"`
	TerminalStatus string `yaml:"terminal_status,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains  = "trace_contains"
	AssertTraceOrder     = "trace_order"
	AssertTraceCount     = "trace_count"
	AssertFinalState     = "final_state"
	AssertExecutionState = "execution_state"
	AssertLedgerBalance  = "ledger_balance"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	set := 0
	for _, ok := range []bool{s.Invoke != "", s.Resume != "", len(s.Transact) > 0} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of invoke, resume or transact is required", index)
	}
	if s.Invoke == "" && s.Input != nil {
		return fmt.Errorf("flow[%d]: input only applies to invoke", index)
	}
	if s.Resume == "" && s.Payload != nil {
		return fmt.Errorf("flow[%d]: payload only applies to resume", index)
	}
	for j, p := range s.Transact {
		if p.Action == "" {
			return fmt.Errorf("flow[%d].transact[%d]: action is required", index, j)
		}
	}
	if s.Expect != nil && s.Expect.Committed != nil && len(s.Transact) == 0 {
		return fmt.Errorf("flow[%d].expect: committed only applies to transact", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertExecutionState:
		if a.State == nil {
			return fmt.Errorf("assertions[%d]: state is required for execution_state", index)
		}
	case AssertLedgerBalance:
		if len(a.Balances) == 0 {
			return fmt.Errorf("assertions[%d]: balances is required for ledger_balance", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// toJSON encodes a YAML-decoded value for the engine. Nil stays nil.
func toJSON(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// normalize round-trips a YAML-decoded value through JSON so it compares
// equal to a decoded completion output: ints become float64 and so on.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
