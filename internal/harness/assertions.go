package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/nebula/internal/action/builtin"
	"github.com/roach88/nebula/internal/store"
)

// validIdentifier matches valid SQL identifiers (table/column names).
// Only allows alphanumeric and underscore, must start with letter or underscore.
// This prevents SQL injection via identifier interpolation.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventInvocation:
				fmt.Fprintf(&buf, "  [%d] %s %s\n", event.Seq, event.ActionKey, event.Input)
			case EventCompletion:
				outcome := event.ResultType
				if event.Failure != "" {
					outcome = "failed: " + event.Failure
				}
				fmt.Fprintf(&buf, "  [%d]   -> %s\n", event.Seq, outcome)
			}
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation of the
// action whose input matches (subset semantics).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	expected, err := normalize(assertion.Input)
	if err != nil {
		return fmt.Errorf("trace_contains: input is not JSON: %w", err)
	}
	for _, event := range trace {
		if event.Type != EventInvocation || event.ActionKey != assertion.Action {
			continue
		}
		if expected == nil {
			return nil
		}
		var actual any
		if err := json.Unmarshal(event.Input, &actual); err == nil && matchValue(actual, expected) {
			return nil
		}
	}

	want := "action " + assertion.Action
	if assertion.Input != nil {
		want += fmt.Sprintf(" with input %v", assertion.Input)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: want,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// First position of each expected action, 1-indexed so zero means absent.
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		if slices.Contains(assertion.Actions, event.ActionKey) && positions[event.ActionKey] == 0 {
			positions[event.ActionKey] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the action was invoked exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.ActionKey == assertion.Action {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState queries one row of a store table and checks the expected
// columns (subset semantics). Values are bound as parameters; table and
// column names are checked against validIdentifier since they cannot be.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	whereSQL, whereArgs, err := buildWhereClause(assertion.Where)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("SELECT * FROM %s", assertion.Table)
	if whereSQL != "" {
		query += " WHERE " + whereSQL
	}

	rows, err := st.DB().QueryContext(ctx, query, whereArgs...)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("get columns: %w", err)
	}

	whereDesc := formatWhereClause(assertion.Where)
	if !rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", assertion.Table, whereDesc),
			Actual:   "row not found",
		}
	}

	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return fmt.Errorf("scan row: %w", err)
	}

	if rows.Next() {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", assertion.Table, whereDesc),
			Actual:   "multiple rows matched (assertion is ambiguous)",
		}
	}

	actualRow := make(map[string]any, len(columns))
	for i, col := range columns {
		actualRow[col] = values[i]
	}

	for _, key := range slices.Sorted(maps.Keys(assertion.Expect)) {
		expectedValue := assertion.Expect[key]
		actualValue, exists := actualRow[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in result columns: %v", key, columns),
			}
		}
		if !stateValuesEqual(expectedValue, actualValue) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expectedValue, expectedValue),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actualValue, actualValue),
			}
		}
	}
	return nil
}

// assertExecutionState checks the summary of the scenario's execution.
func assertExecutionState(state store.ExecutionState, assertion Assertion) error {
	want := assertion.State
	mismatch := func(field string, expected, actual any) error {
		return &AssertionError{
			Type:     AssertExecutionState,
			Expected: fmt.Sprintf("%s = %v", field, expected),
			Actual:   fmt.Sprintf("%s = %v", field, actual),
		}
	}
	if want.Complete != nil && *want.Complete != state.IsComplete {
		return mismatch("complete", *want.Complete, state.IsComplete)
	}
	if want.Pending != nil && *want.Pending != state.PendingCount {
		return mismatch("pending", *want.Pending, state.PendingCount)
	}
	if want.Waits != nil && *want.Waits != len(state.Waits) {
		return mismatch("waits", *want.Waits, len(state.Waits))
	}
	if want.TerminalStatus != "" && want.TerminalStatus != state.TerminalStatus {
		return mismatch("terminal_status", want.TerminalStatus, state.TerminalStatus)
	}
	return nil
}

// assertLedgerBalance checks committed ledger balances.
func assertLedgerBalance(ledger *builtin.Ledger, assertion Assertion) error {
	for _, account := range slices.Sorted(maps.Keys(assertion.Balances)) {
		want, got := assertion.Balances[account], ledger.Balance(account)
		if want != got {
			return &AssertionError{
				Type:     AssertLedgerBalance,
				Expected: fmt.Sprintf("%s = %d", account, want),
				Actual:   fmt.Sprintf("%s = %d", account, got),
			}
		}
	}
	return nil
}

// buildWhereClause constructs parameterized WHERE clause from assertion.Where.
// Returns SQL fragment, arguments slice, and error. Keys are sorted for determinism.
func buildWhereClause(where map[string]any) (string, []any, error) {
	if len(where) == 0 {
		return "", nil, nil
	}

	keys := slices.Sorted(maps.Keys(where))
	clauses := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, key := range keys {
		if !validIdentifier.MatchString(key) {
			return "", nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, toSQLValue(where[key]))
	}
	return strings.Join(clauses, " AND "), args, nil
}

// toSQLValue converts a YAML-decoded value to a SQL-compatible value.
func toSQLValue(v any) any {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := slices.Sorted(maps.Keys(where))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected YAML value with a scanned column.
// SQLite hands back int64 for integers and booleans, and text may come back
// as []byte.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		return intValue(actual) == int64(exp) && isInt(actual)
	case int64:
		return intValue(actual) == exp && isInt(actual)
	case bool:
		if b, ok := actual.(bool); ok {
			return exp == b
		}
		return isInt(actual) && exp == (intValue(actual) != 0)
	}
	return reflect.DeepEqual(expected, actual)
}

func isInt(v any) bool {
	switch v.(type) {
	case int, int64:
		return true
	}
	return false
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}

// AssertionContext provides what assertions need beyond the trace.
type AssertionContext struct {
	Store  *store.Store
	Ledger *builtin.Ledger
	Ctx    context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertExecutionState:
			err = assertExecutionState(result.State, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertLedgerBalance:
			if actx == nil || actx.Ledger == nil {
				err = fmt.Errorf("assertion[%d]: ledger_balance requires a ledger", i)
			} else {
				err = assertLedgerBalance(actx.Ledger, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
