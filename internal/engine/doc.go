// Package engine dispatches invocations to registered actions and
// interprets their results.
//
// The engine is the runtime side of the action model: it resolves an
// action by key, canonicalizes the input, drives the handler through the
// entry point for its kind, and turns the flow-control result into a
// Decision about the node.
//
// ENTRY POINTS:
//
//	Execute       Process, Stateful, Interactive, single Transactional
//	Resume        delivers a payload to a node suspended by WaitFor
//	Stream        pulls a Streaming action with backpressure
//	StartTrigger  runs a Trigger until stopped
//	Coordinator   two-phase commit across Transactional participants
//	Run           drains the invocation queue on one goroutine
//
// Every dispatched invocation and its single completion go to the
// ExecutionLog; *store.Store implements it, and Recover replays what was
// written but never completed after a crash. Unknown actions and kind
// mismatches are rejected before anything is written.
//
// ORDERING:
//
// Invocations and completions are stamped from the logical Clock. Stored
// records are ordered by seq, never by wall time. Invocation IDs hash the
// execution, action key, canonical input and seq, so replaying an
// invocation writes nothing new.
//
// FAILURES:
//
// Action errors keep their fault kind. Failures the engine detects itself
// are RuntimeErrors carrying a code; each code maps to a fault kind, so
// callers classify both with fault.KindOf. Panics in action code become
// Fatal failures. Retry and timeout policies declared in action metadata
// wrap every call into the action.
package engine
