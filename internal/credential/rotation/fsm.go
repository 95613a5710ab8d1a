// Package rotation replaces credential state under a transaction with a
// backup, so a failed rotation leaves the credential exactly as it was.
//
// A transaction moves Pending → Creating → Validating → Committing →
// Committed. Any non-terminal state may move to RolledBack. Committed and
// RolledBack are terminal.
package rotation

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
)

// State is a rotation transaction state.
type State string

const (
	Pending    State = "pending"
	Creating   State = "creating"
	Validating State = "validating"
	Committing State = "committing"
	Committed  State = "committed"
	RolledBack State = "rolled_back"
)

// ErrInvalidTransition is wrapped when a transaction is asked to make a move
// the state machine does not allow.
var ErrInvalidTransition = errors.New("invalid rotation transition")

var forward = map[State]State{
	Pending:    Creating,
	Creating:   Validating,
	Validating: Committing,
	Committing: Committed,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Committed || s == RolledBack }

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := forward[s]
	return ok || s.Terminal()
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to State) bool {
	if from.Terminal() || !from.Valid() {
		return false
	}
	return to == RolledBack || forward[from] == to
}

// Step records one transition.
type Step struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Transaction is one rotation attempt.
type Transaction struct {
	ID           string        `json:"id"`
	CredentialID credential.ID `json:"credential_id"`
	State        State         `json:"state"`
	FromVersion  uint32        `json:"from_version"`
	ToVersion    uint32        `json:"to_version,omitempty"`
	BackupID     string        `json:"backup_id,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	History      []Step        `json:"history,omitempty"`
}

// Transition moves the transaction to state to.
func (t *Transaction) Transition(to State, at time.Time, reason string) error {
	if !CanTransition(t.State, to) {
		return fault.Annotate(
			&fault.Error{Kind: fault.Validation, Err: fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.State, to)},
			map[string]string{"transaction": t.ID, "from": string(t.State), "to": string(to)})
	}
	t.History = append(t.History, Step{From: t.State, To: to, At: at, Reason: reason})
	t.State = to
	t.UpdatedAt = at
	if to.Terminal() {
		done := at
		t.CompletedAt = &done
	}
	return nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a lexicographically sortable identifier stamped with at.
func newID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}
