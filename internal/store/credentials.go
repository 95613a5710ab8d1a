package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/nebula/internal/credential"
)

var _ credential.Storage = (*Store)(nil)

type credentialRow struct {
	ID        string `db:"id"`
	Type      string `db:"type"`
	Version   int64  `db:"version"`
	State     []byte `db:"state"`
	Metadata  string `db:"metadata"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r credentialRow) record() (credential.Record, error) {
	rec := credential.Record{ID: credential.ID(r.ID), Type: r.Type, Version: uint32(r.Version)}
	if err := rec.State.UnmarshalBinary(r.State); err != nil {
		return credential.Record{}, err
	}
	if err := unmarshalBody(r.Metadata, &rec.Metadata); err != nil {
		return credential.Record{}, err
	}
	return rec, nil
}

// Load implements credential.Storage.
func (s *Store) Load(ctx context.Context, id credential.ID) (credential.Record, error) {
	var row credentialRow
	err := s.db.GetContext(ctx, &row, s.q(`
		SELECT id, type, version, state, metadata, updated_at
		FROM credentials WHERE id = ?
	`), string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Record{}, fmt.Errorf("load credential %s: %w", id, credential.ErrNotFound)
	}
	if err != nil {
		return credential.Record{}, fmt.Errorf("load credential %s: %w", id, err)
	}
	rec, err := row.record()
	if err != nil {
		return credential.Record{}, fmt.Errorf("load credential %s: %w", id, err)
	}
	return rec, nil
}

// Save implements credential.Storage. Writes are upserts keyed by ID.
func (s *Store) Save(ctx context.Context, r credential.Record) error {
	state, err := r.State.MarshalBinary()
	if err != nil {
		return fmt.Errorf("save credential %s: %w", r.ID, err)
	}
	meta, err := marshalBody(r.Metadata)
	if err != nil {
		return fmt.Errorf("save credential %s: %w", r.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO credentials (id, type, version, state, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			version = excluded.version,
			state = excluded.state,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`), string(r.ID), r.Type, int64(r.Version), state, meta, unixNano(r.Metadata.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save credential %s: %w", r.ID, err)
	}
	return nil
}

// Delete implements credential.Storage.
func (s *Store) Delete(ctx context.Context, id credential.ID) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM credentials WHERE id = ?`), string(id))
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete credential %s: %w", id, credential.ErrNotFound)
	}
	return nil
}

// List implements credential.Storage. The type filter runs in SQL, labels
// in Go. Results are sorted by ID.
func (s *Store) List(ctx context.Context, f credential.Filter) ([]credential.Record, error) {
	query := `SELECT id, type, version, state, metadata, updated_at FROM credentials`
	var args []any
	if f.Type != "" {
		query += ` WHERE type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY id ASC`

	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	out := make([]credential.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.record()
		if err != nil {
			return nil, fmt.Errorf("list credentials: %s: %w", row.ID, err)
		}
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
