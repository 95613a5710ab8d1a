// Package store provides durable SQL storage for nebula.
//
// One Store backs three concerns:
//   - Credentials: sealed records implementing credential.Storage
//   - Rotation: transactions and backups implementing rotation.Repository
//   - Execution log: invocations, completions, stateful action state and
//     pending waits used by the engine for recovery
//
// # Invariants
//
// Credential state is written as the sealed blob produced by the keyring.
// Plaintext never reaches this package.
//
// Invocations and completions are append-only. Writes use ON CONFLICT DO
// NOTHING so a retried write is a no-op, and each invocation has at most
// one completion.
//
// Ordering uses the logical seq column, then id. Wall-clock columns are
// unix nanoseconds and only drive retention and display.
//
// Payloads are stored as RFC 8785 canonical JSON.
//
// # Dialects
//
// Open creates a SQLite database with WAL journaling, synchronous=NORMAL,
// a 5 second busy timeout and foreign keys enforced. OpenPostgres connects
// through pgx. Queries are written with '?' and rebound per dialect by sqlx.
package store
