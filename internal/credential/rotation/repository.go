package rotation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/nebula/internal/credential"
)

var (
	// ErrTransactionNotFound is returned for unknown transaction IDs.
	ErrTransactionNotFound = errors.New("rotation transaction not found")
	// ErrBackupNotFound is returned for unknown backup IDs.
	ErrBackupNotFound = errors.New("rotation backup not found")
)

// Repository persists transactions and backups.
type Repository interface {
	SaveTransaction(ctx context.Context, tx Transaction) error
	LoadTransaction(ctx context.Context, id string) (Transaction, error)
	// ListTransactions returns a credential's transactions, oldest first.
	ListTransactions(ctx context.Context, id credential.ID) ([]Transaction, error)

	SaveBackup(ctx context.Context, b Backup) error
	LoadBackup(ctx context.Context, id string) (Backup, error)
	// ListBackups returns a credential's backups, oldest first.
	ListBackups(ctx context.Context, id credential.ID) ([]Backup, error)
	// PurgeBackups deletes backups that expired before now.
	PurgeBackups(ctx context.Context, now time.Time) (int, error)
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.RWMutex
	txs     map[string]Transaction
	backups map[string]Backup
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{txs: make(map[string]Transaction), backups: make(map[string]Backup)}
}

func (r *MemoryRepository) SaveTransaction(_ context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx.History = append([]Step(nil), tx.History...)
	r.txs[tx.ID] = tx
	return nil
}

func (r *MemoryRepository) LoadTransaction(_ context.Context, id string) (Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("load transaction %s: %w", id, ErrTransactionNotFound)
	}
	tx.History = append([]Step(nil), tx.History...)
	return tx, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, id credential.ID) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Transaction
	for _, tx := range r.txs {
		if tx.CredentialID == id {
			out = append(out, tx)
		}
	}
	// ULIDs sort by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveBackup(_ context.Context, b Backup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.State.Ciphertext = append([]byte(nil), b.State.Ciphertext...)
	r.backups[b.ID] = b
	return nil
}

func (r *MemoryRepository) LoadBackup(_ context.Context, id string) (Backup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backups[id]
	if !ok {
		return Backup{}, fmt.Errorf("load backup %s: %w", id, ErrBackupNotFound)
	}
	b.State.Ciphertext = append([]byte(nil), b.State.Ciphertext...)
	return b, nil
}

func (r *MemoryRepository) ListBackups(_ context.Context, id credential.ID) ([]Backup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Backup
	for _, b := range r.backups {
		if b.CredentialID == id {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) PurgeBackups(_ context.Context, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, b := range r.backups {
		if b.Expired(now) {
			delete(r.backups, id)
			n++
		}
	}
	return n, nil
}
