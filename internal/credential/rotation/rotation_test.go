package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
	"github.com/roach88/nebula/internal/secret"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type pwInput struct {
	Password string `json:"password" validate:"required"`
}

type pwState struct {
	Password string `json:"password"`
	Serial   int    `json:"serial"`
}

type pwFlow struct{}

func (pwFlow) Type() string { return "db_password" }

func (pwFlow) Initialize(_ context.Context, in pwInput) (credential.Init[pwState], error) {
	return credential.Init[pwState]{State: pwState{Password: in.Password}}, nil
}

func (pwFlow) Continue(_ context.Context, s pwState, _ map[string]string) (pwState, error) {
	return s, fault.New(fault.Validation, "not interactive")
}

func (pwFlow) Refresh(_ context.Context, s pwState) (pwState, error) {
	s.Serial++
	s.Password = fmt.Sprintf("pw-%d", s.Serial)
	return s, nil
}

func (pwFlow) Token(s pwState) (credential.AccessToken, error) {
	return credential.AccessToken{Secret: secret.NewText(s.Password), Kind: credential.Basic}, nil
}

type fixture struct {
	creds *credential.Manager
	repo  *MemoryRepository
	clk   *clock.Manual
	kr    *secret.Keyring
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewManual(epoch)
	key, err := secret.GenerateKey()
	require.NoError(t, err)
	kr, err := secret.NewStaticKeyring(key)
	require.NoError(t, err)
	creds := credential.NewManager(credential.NewMemoryStorage(),
		credential.NewFactoryRegistry(credential.Adapt[pwInput, pwState](pwFlow{})), kr,
		credential.WithClock(clk))
	return fixture{creds: creds, repo: NewMemoryRepository(), clk: clk, kr: kr}
}

func (f fixture) create(t *testing.T, id string, policy *credential.RotationPolicy) {
	t.Helper()
	_, err := f.creds.Create(context.Background(), credential.CreateRequest{
		ID:             credential.ID(id),
		Type:           "db_password",
		Input:          json.RawMessage(`{"password":"initial"}`),
		RotationPolicy: policy,
	})
	require.NoError(t, err)
}

// setVersion forces a stored record to a given version.
func (f fixture) setVersion(t *testing.T, id credential.ID, v uint32) credential.Record {
	t.Helper()
	rec, err := f.creds.Storage().Load(context.Background(), id)
	require.NoError(t, err)
	rec.Version = v
	require.NoError(t, f.creds.Storage().Save(context.Background(), rec))
	return rec
}

func (f fixture) password(t *testing.T, id credential.ID) string {
	t.Helper()
	require.NoError(t, f.creds.Invalidate(context.Background(), id))
	tok, err := f.creds.GetToken(context.Background(), id)
	require.NoError(t, err)
	var v string
	tok.Secret.Expose(func(s string) { v = s })
	return v
}

func states(tx Transaction) []State {
	out := []State{}
	for _, s := range tx.History {
		out = append(out, s.To)
	}
	return out
}

// TestCanTransition covers the forward path, rollback and terminal states.
func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(Pending, Creating))
	assert.True(t, CanTransition(Creating, Validating))
	assert.True(t, CanTransition(Validating, Committing))
	assert.True(t, CanTransition(Committing, Committed))
	for _, s := range []State{Pending, Creating, Validating, Committing} {
		assert.True(t, CanTransition(s, RolledBack), s)
	}
	assert.False(t, CanTransition(Pending, Validating), "no skipping")
	assert.False(t, CanTransition(Validating, Creating), "no going back")
	for _, s := range []State{Committed, RolledBack} {
		for _, to := range []State{Pending, Creating, Validating, Committing, Committed, RolledBack} {
			assert.False(t, CanTransition(s, to), "%s -> %s", s, to)
		}
	}
	assert.False(t, CanTransition("bogus", RolledBack))
}

// TestTransaction_Transition records history and rejects illegal moves.
func TestTransaction_Transition(t *testing.T) {
	tx := Transaction{ID: "tx", State: Pending}
	require.NoError(t, tx.Transition(Creating, epoch, ""))
	err := tx.Transition(Committed, epoch, "")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	require.NoError(t, tx.Transition(RolledBack, epoch.Add(time.Second), "abort"))
	require.NotNil(t, tx.CompletedAt)
	assert.Equal(t, []State{Creating, RolledBack}, states(tx))
	assert.ErrorIs(t, tx.Transition(RolledBack, epoch, ""), ErrInvalidTransition)
}

// TestRotate_Commits bumps the version and keeps the old one honored for the
// grace period.
func TestRotate_Commits(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	r := NewRotator(f.creds, f.repo)
	ctx := context.Background()
	assert.Equal(t, "initial", f.password(t, "db-pass"))

	tx, err := r.Rotate(ctx, "db-pass", "manual")
	require.NoError(t, err)
	assert.Equal(t, Committed, tx.State)
	assert.Equal(t, []State{Creating, Validating, Committing, Committed}, states(tx))
	assert.Equal(t, uint32(1), tx.FromVersion)
	assert.Equal(t, uint32(2), tx.ToVersion)

	rec, err := f.creds.Storage().Load(ctx, "db-pass")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rec.Version)
	assert.Equal(t, uint32(1), rec.Metadata.PreviousVersion)
	require.NotNil(t, rec.Metadata.RotatedAt)
	assert.Equal(t, "pw-1", f.password(t, "db-pass"))

	assert.True(t, IsVersionHonored(rec, 2, epoch))
	assert.True(t, IsVersionHonored(rec, 1, epoch.Add(23*time.Hour)))
	assert.False(t, IsVersionHonored(rec, 1, epoch.Add(DefaultGracePeriod)))
	assert.False(t, IsVersionHonored(rec, 0, epoch))

	stored, err := f.repo.LoadTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, Committed, stored.State)
	backups, err := f.repo.ListBackups(ctx, "db-pass")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, uint32(1), backups[0].Version)
}

// TestRotate_ValidationFailureRollsBack leaves version 7 and its sealed state
// byte-identical.
func TestRotate_ValidationFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	before := f.setVersion(t, "db-pass", 7)

	errRejected := errors.New("database rejected candidate")
	r := NewRotator(f.creds, f.repo, WithGenerator("db_password", GeneratorFuncs{
		CreateFn: func(_ context.Context, _ credential.Record, _ json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"password":"candidate"}`), nil
		},
		ValidateFn: func(context.Context, credential.Record, json.RawMessage) error {
			return errRejected
		},
	}))
	ctx := context.Background()

	tx, err := r.Rotate(ctx, "db-pass", "scheduled")
	require.ErrorIs(t, err, errRejected)
	assert.Equal(t, RolledBack, tx.State)
	assert.Equal(t, []State{Creating, Validating, RolledBack}, states(tx))
	assert.Contains(t, tx.Error, "database rejected candidate")

	after, err := f.creds.Storage().Load(ctx, "db-pass")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), after.Version)
	assert.Equal(t, before.State.Version, after.State.Version)
	assert.Equal(t, before.State.Nonce, after.State.Nonce)
	assert.Equal(t, before.State.Ciphertext, after.State.Ciphertext)
	assert.Equal(t, "initial", f.password(t, "db-pass"))

	stored, err := f.repo.LoadTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, RolledBack, stored.State)
}

// TestRotate_CreateFailureRollsBack rolls back from Creating.
func TestRotate_CreateFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	r := NewRotator(f.creds, f.repo, WithGenerator("db_password", GeneratorFuncs{
		CreateFn: func(context.Context, credential.Record, json.RawMessage) (json.RawMessage, error) {
			return nil, fault.New(fault.Retryable, "vault unavailable")
		},
	}))

	tx, err := r.Rotate(context.Background(), "db-pass", "")
	require.Error(t, err)
	assert.Equal(t, fault.Retryable, fault.KindOf(err))
	assert.Equal(t, []State{Creating, RolledBack}, states(tx))
	assert.Equal(t, "creating", fault.From(err).Context["stage"])
}

// TestRollback_Manual recovers an interrupted transaction and refuses
// terminal ones.
func TestRollback_Manual(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	r := NewRotator(f.creds, f.repo)
	ctx := context.Background()

	rec, err := f.creds.Storage().Load(ctx, "db-pass")
	require.NoError(t, err)
	b := NewBackup(rec, epoch, 0)
	require.NoError(t, f.repo.SaveBackup(ctx, b))
	tx := Transaction{ID: "tx-1", CredentialID: "db-pass", State: Pending, BackupID: b.ID, FromVersion: 1}
	require.NoError(t, tx.Transition(Creating, epoch, ""))
	require.NoError(t, f.repo.SaveTransaction(ctx, tx))

	// Simulate a crash after the candidate was half-written.
	half := rec
	half.Version = 99
	require.NoError(t, f.creds.Storage().Save(ctx, half))

	got, err := r.Rollback(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, RolledBack, got.State)
	after, err := f.creds.Storage().Load(ctx, "db-pass")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), after.Version)

	_, err = r.Rollback(ctx, "tx-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.Rollback(ctx, "missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

// TestRestore puts a backup back as a new version and refuses expired ones.
func TestRestore(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	r := NewRotator(f.creds, f.repo)
	ctx := context.Background()

	tx, err := r.Rotate(ctx, "db-pass", "")
	require.NoError(t, err)
	assert.Equal(t, "pw-1", f.password(t, "db-pass"))

	rec, err := r.Restore(ctx, tx.BackupID)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), rec.Version, "versions never go backwards")
	assert.Equal(t, uint32(2), rec.Metadata.PreviousVersion)
	assert.Equal(t, "initial", f.password(t, "db-pass"))

	f.clk.Advance(MinRetention)
	_, err = r.Restore(ctx, tx.BackupID)
	require.ErrorIs(t, err, ErrBackupExpired)

	n, err := f.repo.PurgeBackups(ctx, f.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = r.Restore(ctx, tx.BackupID)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

// TestRestore_ReencryptsUnderNewPrimary reseals backups taken under a retired
// primary key.
func TestRestore_ReencryptsUnderNewPrimary(t *testing.T) {
	f := newFixture(t)
	f.create(t, "db-pass", nil)
	r := NewRotator(f.creds, f.repo)
	ctx := context.Background()

	tx, err := r.Rotate(ctx, "db-pass", "")
	require.NoError(t, err)

	key, err := secret.GenerateKey()
	require.NoError(t, err)
	c, err := secret.NewCipher(2, secret.ChaCha20Poly1305, key)
	require.NoError(t, err)
	f.kr.Rotate(c)

	rec, err := r.Restore(ctx, tx.BackupID)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), rec.State.Version)
	assert.Equal(t, "initial", f.password(t, "db-pass"))
}

// TestBackup_Retention enforces the 30-day floor.
func TestBackup_Retention(t *testing.T) {
	b := NewBackup(credential.Record{ID: "a"}, epoch, time.Hour)
	assert.Equal(t, epoch.Add(MinRetention), b.ExpiresAt)
	assert.False(t, b.Expired(epoch.Add(MinRetention-time.Second)))
	b.Extend(24 * time.Hour)
	assert.False(t, b.Expired(epoch.Add(MinRetention)))
	assert.True(t, b.Expired(epoch.Add(MinRetention+24*time.Hour)))

	b.Extend(-29 * 24 * time.Hour)
	assert.Equal(t, epoch.Add(MinRetention+24*time.Hour), b.ExpiresAt)
	b.Extend(0)
	assert.Equal(t, epoch.Add(MinRetention+24*time.Hour), b.ExpiresAt)
	assert.GreaterOrEqual(t, b.ExpiresAt.Sub(b.CreatedAt), MinRetention)
}

// TestPolicies checks when each policy recommends rotation.
func TestPolicies(t *testing.T) {
	rec := credential.Record{Metadata: credential.Metadata{CreatedAt: epoch}}
	p := Periodic{Interval: 100 * time.Hour}

	due, _ := p.Due(rec, 0, epoch.Add(70*time.Hour))
	assert.False(t, due)
	due, reason := p.Due(rec, 0, epoch.Add(76*time.Hour))
	assert.True(t, due, "under a quarter of the interval remains")
	assert.Contains(t, reason, "periodic")

	rotated := epoch.Add(76 * time.Hour)
	rec.Metadata.RotatedAt = &rotated
	due, _ = p.Due(rec, 0, epoch.Add(80*time.Hour))
	assert.False(t, due, "measured from the last rotation")

	wide := Periodic{Interval: 100 * time.Hour, Window: 50 * time.Hour}
	due, _ = wide.Due(rec, 0, rotated.Add(55*time.Hour))
	assert.True(t, due)

	due, _ = OnDemand{}.Due(rec, 1000, epoch)
	assert.False(t, due)

	due, _ = OnFailure{Threshold: 3}.Due(rec, 2, epoch)
	assert.False(t, due)
	due, _ = OnFailure{Threshold: 3}.Due(rec, 3, epoch)
	assert.True(t, due)

	_, err := PolicyFor(credential.RotationPolicy{Kind: KindPeriodic})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	_, err = PolicyFor(credential.RotationPolicy{Kind: "hourly"})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
	pol, err := PolicyFor(credential.RotationPolicy{Kind: KindOnFailure, Threshold: 2})
	require.NoError(t, err)
	assert.Equal(t, OnFailure{Threshold: 2}, pol)
}

// TestScheduler_RunOnce rotates only due credentials.
func TestScheduler_RunOnce(t *testing.T) {
	f := newFixture(t)
	f.create(t, "periodic", &credential.RotationPolicy{Kind: KindPeriodic, Interval: 40 * time.Hour, Jitter: time.Minute})
	f.create(t, "flaky", &credential.RotationPolicy{Kind: KindOnFailure, Threshold: 2})
	f.create(t, "manual", &credential.RotationPolicy{Kind: KindOnDemand})
	f.create(t, "none", nil)

	s := NewScheduler(NewRotator(f.creds, f.repo))
	var slept []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	ctx := context.Background()

	txs, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs)

	f.clk.Advance(31 * time.Hour)
	f.creds.RecordFailure("flaky")
	f.creds.RecordFailure("flaky")
	txs, err = s.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, credential.ID("flaky"), txs[0].CredentialID)
	assert.Equal(t, credential.ID("periodic"), txs[1].CredentialID)
	assert.Equal(t, int64(0), f.creds.FailureCount("flaky"))
	require.Len(t, slept, 1)
	assert.Less(t, slept[0], time.Minute)

	txs, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, txs, "rotation resets both triggers")
}

// TestScheduler_StartStop runs on a cron schedule.
func TestScheduler_StartStop(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(NewRotator(f.creds, f.repo), WithSchedule("@every 1h"))
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	bad := NewScheduler(NewRotator(f.creds, f.repo), WithSchedule("not a schedule"))
	assert.Error(t, bad.Start())
}
