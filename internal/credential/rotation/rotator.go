package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
)

// Generator produces and checks replacement state for one credential type.
type Generator interface {
	// Create builds candidate state from the current one.
	Create(ctx context.Context, rec credential.Record, current json.RawMessage) (json.RawMessage, error)
	// Validate tests the candidate against the live system.
	Validate(ctx context.Context, rec credential.Record, candidate json.RawMessage) error
}

// GeneratorFuncs adapts plain functions. A nil ValidateFn accepts every
// candidate.
type GeneratorFuncs struct {
	CreateFn   func(ctx context.Context, rec credential.Record, current json.RawMessage) (json.RawMessage, error)
	ValidateFn func(ctx context.Context, rec credential.Record, candidate json.RawMessage) error
}

func (g GeneratorFuncs) Create(ctx context.Context, rec credential.Record, current json.RawMessage) (json.RawMessage, error) {
	return g.CreateFn(ctx, rec, current)
}

func (g GeneratorFuncs) Validate(ctx context.Context, rec credential.Record, candidate json.RawMessage) error {
	if g.ValidateFn == nil {
		return nil
	}
	return g.ValidateFn(ctx, rec, candidate)
}

// RefreshGenerator rotates by running the credential type's refresh.
func RefreshGenerator(f credential.Factory) Generator {
	return GeneratorFuncs{
		CreateFn: func(ctx context.Context, _ credential.Record, current json.RawMessage) (json.RawMessage, error) {
			return f.Refresh(ctx, current)
		},
		ValidateFn: func(_ context.Context, _ credential.Record, candidate json.RawMessage) error {
			_, err := f.Token(candidate)
			return err
		},
	}
}

// Rotator runs rotation transactions against a credential manager.
type Rotator struct {
	creds      *credential.Manager
	repo       Repository
	generators map[string]Generator
	grace      time.Duration
	retention  time.Duration
	log        *slog.Logger
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithGenerator sets the generator for credential type typ.
func WithGenerator(typ string, g Generator) Option {
	return func(r *Rotator) { r.generators[typ] = g }
}

// WithGracePeriod sets the default grace window.
func WithGracePeriod(d time.Duration) Option { return func(r *Rotator) { r.grace = d } }

// WithBackupRetention sets backup retention; values under MinRetention are
// raised to it.
func WithBackupRetention(d time.Duration) Option { return func(r *Rotator) { r.retention = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Rotator) { r.log = l } }

// NewRotator creates a rotator.
func NewRotator(creds *credential.Manager, repo Repository, opts ...Option) *Rotator {
	r := &Rotator{
		creds:      creds,
		repo:       repo,
		generators: make(map[string]Generator),
		grace:      DefaultGracePeriod,
		retention:  MinRetention,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Repository returns the transaction store.
func (r *Rotator) Repository() Repository { return r.repo }

// Credentials returns the credential manager.
func (r *Rotator) Credentials() *credential.Manager { return r.creds }

func (r *Rotator) generator(typ string) (Generator, error) {
	if g, ok := r.generators[typ]; ok {
		return g, nil
	}
	f, err := r.creds.Factories().Get(typ)
	if err != nil {
		return nil, err
	}
	return RefreshGenerator(f), nil
}

func (r *Rotator) now() time.Time { return r.creds.Clock().Now() }

// Rotate replaces the state of credential id. On any failure after the
// backup is taken, the backup is restored, the transaction ends RolledBack,
// and the cause is returned along with the transaction.
func (r *Rotator) Rotate(ctx context.Context, id credential.ID, reason string) (Transaction, error) {
	var tx Transaction
	err := r.creds.WithLock(ctx, id, func(ctx context.Context) error {
		var err error
		tx, err = r.rotate(ctx, id, reason)
		return err
	})
	if err != nil {
		return tx, err
	}
	if err := r.creds.Invalidate(ctx, id); err != nil {
		r.log.Debug("token cache invalidate failed", "credential", id, "error", err)
	}
	r.creds.ResetFailures(id)
	return tx, nil
}

func (r *Rotator) rotate(ctx context.Context, id credential.ID, reason string) (Transaction, error) {
	rec, err := r.creds.Storage().Load(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if rec.Metadata.Pending {
		return Transaction{}, fault.Newf(fault.Validation, "credential %s has not completed initialization", id)
	}
	gen, err := r.generator(rec.Type)
	if err != nil {
		return Transaction{}, err
	}

	now := r.now()
	backup := NewBackup(rec, now, r.retention)
	if err := r.repo.SaveBackup(ctx, backup); err != nil {
		return Transaction{}, fmt.Errorf("save backup for %s: %w", id, err)
	}
	tx := Transaction{
		ID:           newID(now),
		CredentialID: id,
		State:        Pending,
		FromVersion:  rec.Version,
		BackupID:     backup.ID,
		Reason:       reason,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.repo.SaveTransaction(ctx, tx); err != nil {
		return tx, fmt.Errorf("save transaction %s: %w", tx.ID, err)
	}
	r.log.Info("rotation started", "credential", id, "transaction", tx.ID, "version", rec.Version, "reason", reason)

	fail := func(stage string, cause error) (Transaction, error) {
		cause = fault.Annotate(cause, map[string]string{"transaction": tx.ID, "stage": stage})
		if rbErr := r.rollback(ctx, &tx, backup, cause.Error()); rbErr != nil {
			return tx, errors.Join(cause, rbErr)
		}
		return tx, cause
	}

	if err := r.advance(ctx, &tx, Creating, ""); err != nil {
		return fail("creating", err)
	}
	current, err := r.creds.OpenState(rec)
	if err != nil {
		return fail("creating", err)
	}
	defer clear(current)
	candidate, err := gen.Create(ctx, rec, current)
	if err != nil {
		return fail("creating", err)
	}

	if err := r.advance(ctx, &tx, Validating, ""); err != nil {
		return fail("validating", err)
	}
	if err := gen.Validate(ctx, rec, candidate); err != nil {
		return fail("validating", err)
	}

	if err := r.advance(ctx, &tx, Committing, ""); err != nil {
		return fail("committing", err)
	}
	blob, err := r.creds.SealState(id, candidate)
	if err != nil {
		return fail("committing", err)
	}
	now = r.now()
	grace := r.grace
	if p := rec.Metadata.RotationPolicy; p != nil && p.GracePeriod > 0 {
		grace = p.GracePeriod
	}
	graceUntil := now.Add(grace)
	next := rec
	next.Version = rec.Version + 1
	next.State = blob
	next.Metadata.RotatedAt = &now
	next.Metadata.UpdatedAt = now
	next.Metadata.PreviousVersion = rec.Version
	next.Metadata.GraceUntil = &graceUntil
	if err := r.creds.Storage().Save(ctx, next); err != nil {
		return fail("committing", err)
	}

	tx.ToVersion = next.Version
	if err := r.advance(ctx, &tx, Committed, ""); err != nil {
		// The new state is stored; report but do not undo it.
		r.log.Warn("rotation committed but transaction not recorded", "credential", id, "transaction", tx.ID, "error", err)
	}
	r.log.Info("rotation committed", "credential", id, "transaction", tx.ID,
		"from_version", tx.FromVersion, "to_version", tx.ToVersion, "grace_until", graceUntil)
	return tx, nil
}

func (r *Rotator) advance(ctx context.Context, tx *Transaction, to State, reason string) error {
	if err := tx.Transition(to, r.now(), reason); err != nil {
		return err
	}
	return r.repo.SaveTransaction(ctx, *tx)
}

// rollback restores the backup and ends tx RolledBack.
func (r *Rotator) rollback(ctx context.Context, tx *Transaction, b Backup, reason string) error {
	tx.Error = reason
	if err := r.restore(ctx, b, nil); err != nil {
		r.log.Error("rotation rollback failed", "credential", tx.CredentialID, "transaction", tx.ID, "error", err)
		return fmt.Errorf("restore backup %s: %w", b.ID, err)
	}
	if err := r.advance(ctx, tx, RolledBack, reason); err != nil {
		return err
	}
	r.log.Warn("rotation rolled back", "credential", tx.CredentialID, "transaction", tx.ID,
		"version", b.Version, "reason", reason)
	return nil
}

// restore writes the backup over its credential, letting adjust amend the
// record first. The blob is kept byte for byte when it is sealed under the
// primary key and resealed otherwise.
func (r *Rotator) restore(ctx context.Context, b Backup, adjust func(*credential.Record)) error {
	rec := b.Record()
	blob, err := r.creds.Keyring().Reseal(b.State, credential.AAD(b.CredentialID))
	if err != nil {
		return fault.Wrap(fault.Fatal, err, "reseal backup "+b.ID)
	}
	rec.State = blob
	if adjust != nil {
		adjust(&rec)
	}
	return r.creds.Storage().Save(ctx, rec)
}

// Rollback abandons an unfinished transaction, restoring its backup. Used to
// recover rotations interrupted by a crash. Terminal transactions fail with
// ErrInvalidTransition.
func (r *Rotator) Rollback(ctx context.Context, txID string) (Transaction, error) {
	tx, err := r.repo.LoadTransaction(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if !CanTransition(tx.State, RolledBack) {
		return tx, tx.Transition(RolledBack, r.now(), "manual rollback")
	}
	b, err := r.repo.LoadBackup(ctx, tx.BackupID)
	if err != nil {
		return tx, err
	}
	err = r.creds.WithLock(ctx, tx.CredentialID, func(ctx context.Context) error {
		return r.rollback(ctx, &tx, b, "manual rollback")
	})
	if err != nil {
		return tx, err
	}
	if err := r.creds.Invalidate(ctx, tx.CredentialID); err != nil {
		r.log.Debug("token cache invalidate failed", "credential", tx.CredentialID, "error", err)
	}
	return tx, nil
}

// Restore puts a backup's state back as a new version of its credential, so
// versions stay monotonic. Expired backups fail with ErrBackupExpired.
func (r *Rotator) Restore(ctx context.Context, backupID string) (credential.Record, error) {
	b, err := r.repo.LoadBackup(ctx, backupID)
	if err != nil {
		return credential.Record{}, err
	}
	if b.Expired(r.now()) {
		return credential.Record{}, fault.Annotate(
			&fault.Error{Kind: fault.Validation, Err: fmt.Errorf("%w: %s expired at %s", ErrBackupExpired, b.ID, b.ExpiresAt.Format(time.RFC3339))},
			map[string]string{"backup": b.ID, "credential": string(b.CredentialID)})
	}
	var rec credential.Record
	err = r.creds.WithLock(ctx, b.CredentialID, func(ctx context.Context) error {
		cur, err := r.creds.Storage().Load(ctx, b.CredentialID)
		if err != nil && !errors.Is(err, credential.ErrNotFound) {
			return err
		}
		found := err == nil
		now := r.now()
		err = r.restore(ctx, b, func(rec *credential.Record) {
			if !found || cur.Version < b.Version {
				return
			}
			graceUntil := now.Add(r.grace)
			rec.Version = cur.Version + 1
			rec.Metadata.RotatedAt = &now
			rec.Metadata.UpdatedAt = now
			rec.Metadata.PreviousVersion = cur.Version
			rec.Metadata.GraceUntil = &graceUntil
		})
		if err != nil {
			return err
		}
		rec, err = r.creds.Storage().Load(ctx, b.CredentialID)
		return err
	})
	if err != nil {
		return credential.Record{}, err
	}
	if err := r.creds.Invalidate(ctx, b.CredentialID); err != nil {
		r.log.Debug("token cache invalidate failed", "credential", b.CredentialID, "error", err)
	}
	r.log.Info("backup restored", "credential", b.CredentialID, "backup", b.ID, "version", rec.Version)
	return rec, nil
}
