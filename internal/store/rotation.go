package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/credential/rotation"
)

var _ rotation.Repository = (*Store)(nil)

// SaveTransaction implements rotation.Repository. The full transaction,
// history included, is stored as one JSON body.
func (s *Store) SaveTransaction(ctx context.Context, tx rotation.Transaction) error {
	body, err := marshalBody(tx)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO rotation_transactions (id, credential_id, state, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, body = excluded.body
	`), tx.ID, string(tx.CredentialID), string(tx.State), body)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	return nil
}

// LoadTransaction implements rotation.Repository.
func (s *Store) LoadTransaction(ctx context.Context, id string) (rotation.Transaction, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.q(`SELECT body FROM rotation_transactions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Transaction{}, fmt.Errorf("load transaction %s: %w", id, rotation.ErrTransactionNotFound)
	}
	if err != nil {
		return rotation.Transaction{}, fmt.Errorf("load transaction %s: %w", id, err)
	}
	var tx rotation.Transaction
	if err := unmarshalBody(body, &tx); err != nil {
		return rotation.Transaction{}, fmt.Errorf("load transaction %s: %w", id, err)
	}
	return tx, nil
}

// ListTransactions implements rotation.Repository. IDs are ULIDs, so ID
// order is creation order.
func (s *Store) ListTransactions(ctx context.Context, id credential.ID) ([]rotation.Transaction, error) {
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies, s.q(`
		SELECT body FROM rotation_transactions
		WHERE credential_id = ?
		ORDER BY id ASC
	`), string(id))
	if err != nil {
		return nil, fmt.Errorf("list transactions %s: %w", id, err)
	}
	out := make([]rotation.Transaction, len(bodies))
	for i, b := range bodies {
		if err := unmarshalBody(b, &out[i]); err != nil {
			return nil, fmt.Errorf("list transactions %s: %w", id, err)
		}
	}
	return out, nil
}

// SaveBackup implements rotation.Repository.
func (s *Store) SaveBackup(ctx context.Context, b rotation.Backup) error {
	body, err := marshalBody(b)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", b.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO rotation_backups (id, credential_id, expires_at, body)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, body = excluded.body
	`), b.ID, string(b.CredentialID), unixNano(b.ExpiresAt), body)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", b.ID, err)
	}
	return nil
}

// LoadBackup implements rotation.Repository.
func (s *Store) LoadBackup(ctx context.Context, id string) (rotation.Backup, error) {
	var body string
	err := s.db.GetContext(ctx, &body, s.q(`SELECT body FROM rotation_backups WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return rotation.Backup{}, fmt.Errorf("load backup %s: %w", id, rotation.ErrBackupNotFound)
	}
	if err != nil {
		return rotation.Backup{}, fmt.Errorf("load backup %s: %w", id, err)
	}
	var b rotation.Backup
	if err := unmarshalBody(body, &b); err != nil {
		return rotation.Backup{}, fmt.Errorf("load backup %s: %w", id, err)
	}
	return b, nil
}

// ListBackups implements rotation.Repository.
func (s *Store) ListBackups(ctx context.Context, id credential.ID) ([]rotation.Backup, error) {
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies, s.q(`
		SELECT body FROM rotation_backups
		WHERE credential_id = ?
		ORDER BY id ASC
	`), string(id))
	if err != nil {
		return nil, fmt.Errorf("list backups %s: %w", id, err)
	}
	out := make([]rotation.Backup, len(bodies))
	for i, b := range bodies {
		if err := unmarshalBody(b, &out[i]); err != nil {
			return nil, fmt.Errorf("list backups %s: %w", id, err)
		}
	}
	return out, nil
}

// PurgeBackups implements rotation.Repository.
func (s *Store) PurgeBackups(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM rotation_backups WHERE expires_at <= ?`), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge backups: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge backups: %w", err)
	}
	if n > 0 {
		s.log.Info("rotation backups purged", "count", n)
	}
	return int(n), nil
}
