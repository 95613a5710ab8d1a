package builtin

import (
	"fmt"
	"maps"
	"sync"

	"github.com/roach88/nebula/internal/action"
)

// Posting moves Amount into Account. Negative amounts are debits.
type Posting struct {
	Account string `json:"account" validate:"required"`
	Amount  int64  `json:"amount" validate:"ne=0"`
}

// Ledger is an in-memory set of balances that takes part in two-phase
// commits. Prepare reserves a posting against the balance net of other
// reservations; Commit applies every reservation the execution made.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]int64
	pending  map[string][]Posting // execution id -> reserved postings
}

// NewLedger returns a ledger with the given opening balances.
func NewLedger(opening map[string]int64) *Ledger {
	b := maps.Clone(opening)
	if b == nil {
		b = make(map[string]int64)
	}
	return &Ledger{balances: b, pending: make(map[string][]Posting)}
}

func (*Ledger) Metadata() action.Metadata {
	return action.Metadata{
		Key:          "core.ledger",
		Name:         "Ledger",
		Description:  "Posts to in-memory balances under two-phase commit.",
		Version:      1,
		Capabilities: []string{action.CapIdempotent},
	}
}

func (l *Ledger) Prepare(ctx action.Context, p Posting) (action.PrepareResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	avail := l.balances[p.Account]
	for _, ps := range l.pending {
		for _, q := range ps {
			if q.Account == p.Account && q.Amount < 0 {
				avail += q.Amount
			}
		}
	}
	if avail+p.Amount < 0 {
		return action.Abort(fmt.Sprintf("insufficient funds in %s", p.Account)), nil
	}
	id := ctx.ExecutionID()
	l.pending[id] = append(l.pending[id], p)
	return action.Prepared(), nil
}

func (l *Ledger) Commit(ctx action.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := ctx.ExecutionID()
	for _, p := range l.pending[id] {
		l.balances[p.Account] += p.Amount
	}
	delete(l.pending, id)
	return nil
}

func (l *Ledger) Rollback(ctx action.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, ctx.ExecutionID())
	return nil
}

// Balance returns the committed balance of account.
func (l *Ledger) Balance(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account]
}

// Pending returns the number of executions holding reservations.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
