// Package harness runs scripted scenarios against the engine and the
// builtin actions, then checks the recorded trace and final state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	execution_id: exec-1
//	ledger: { alice: 100 }
//	flow:
//	  - invoke: core.approval
//	    input: { subject: deploy, approvers: [ops] }
//	    expect: { status: waiting, result: wait }
//	  - resume: resume-1
//	    payload: { approved: true, by: ops }
//	    expect:
//	      status: completed
//	      output: { approved_by: ops }
//	  - transact:
//	      - { node: debit, action: core.ledger, input: { account: alice, amount: -40 } }
//	      - { node: credit, action: core.ledger, input: { account: bob, amount: 40 } }
//	    expect: { committed: true }
//	assertions:
//	  - type: trace_order
//	    actions: [core.approval, core.ledger]
//	  - type: final_state
//	    table: completions
//	    where: { seq: 2 }
//	    expect: { result_type: wait }
//	  - type: ledger_balance
//	    balances: { alice: 60, bob: 40 }
//
// # Assertion Types
//
//   - trace_contains: an action was invoked, optionally with a matching input
//   - trace_order: actions were first invoked in the given order
//   - trace_count: an action was invoked exactly N times
//   - final_state: one row of a store table has the expected columns
//   - execution_state: the execution summary (complete, pending, waits)
//   - ledger_balance: committed core.ledger balances
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory SQLite store, a fixed execution ID,
// resume tokens resume-1, resume-2, ... and a manual wall clock, so the
// recorded trace is identical across runs and can be compared against a
// golden file with RunWithGolden.
package harness
