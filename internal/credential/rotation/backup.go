package rotation

import (
	"errors"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/secret"
)

// MinRetention is the shortest time a backup is kept.
const MinRetention = 30 * 24 * time.Hour

// ErrBackupExpired is wrapped when restoring a backup past its retention.
var ErrBackupExpired = errors.New("rotation backup expired")

// Backup is the sealed pre-rotation state of a credential.
type Backup struct {
	ID           string               `json:"id"`
	CredentialID credential.ID        `json:"credential_id"`
	Type         string               `json:"type"`
	Version      uint32               `json:"version"`
	State        secret.EncryptedBlob `json:"state"`
	Metadata     credential.Metadata  `json:"metadata"`
	CreatedAt    time.Time            `json:"created_at"`
	ExpiresAt    time.Time            `json:"expires_at"`
}

// NewBackup snapshots rec. Retention below MinRetention is raised to it.
func NewBackup(rec credential.Record, now time.Time, retention time.Duration) Backup {
	retention = max(retention, MinRetention)
	return Backup{
		ID:           newID(now),
		CredentialID: rec.ID,
		Type:         rec.Type,
		Version:      rec.Version,
		State:        rec.State,
		Metadata:     rec.Metadata,
		CreatedAt:    now,
		ExpiresAt:    now.Add(retention),
	}
}

// Expired reports whether the retention has passed.
func (b Backup) Expired(now time.Time) bool { return !now.Before(b.ExpiresAt) }

// Extend pushes the expiry out by d. Expiry never moves earlier, so a
// non-positive d is ignored.
func (b *Backup) Extend(d time.Duration) {
	if d <= 0 {
		return
	}
	b.ExpiresAt = b.ExpiresAt.Add(d)
}

// Record rebuilds the credential record captured by the backup.
func (b Backup) Record() credential.Record {
	return credential.Record{
		ID:       b.CredentialID,
		Type:     b.Type,
		Version:  b.Version,
		State:    b.State,
		Metadata: b.Metadata,
	}
}
