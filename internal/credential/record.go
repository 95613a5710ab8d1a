package credential

import (
	"time"

	"github.com/roach88/nebula/internal/secret"
)

// Record is a stored credential. State is the factory state sealed under the
// keyring, with the credential ID as associated data.
type Record struct {
	ID       ID                   `json:"id"`
	Type     string               `json:"type"`
	Version  uint32               `json:"version"`
	State    secret.EncryptedBlob `json:"state"`
	Metadata Metadata             `json:"metadata"`
}

// Metadata describes a record without exposing its state.
type Metadata struct {
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	RotatedAt      *time.Time        `json:"rotated_at,omitempty"`
	RotationPolicy *RotationPolicy   `json:"rotation_policy,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`

	// Pending marks a record whose interactive initialization has not
	// completed; State holds the partial state.
	Pending bool `json:"pending,omitempty"`

	// PreviousVersion and GraceUntil describe the version superseded by the
	// last rotation, which stays honored until GraceUntil.
	PreviousVersion uint32     `json:"previous_version,omitempty"`
	GraceUntil      *time.Time `json:"grace_until,omitempty"`
}

// RotationPolicy is the declarative rotation schedule attached to a record.
// Kind is "periodic", "on_demand" or "on_failure".
type RotationPolicy struct {
	Kind      string        `json:"kind" yaml:"kind"`
	Interval  time.Duration `json:"interval,omitempty" yaml:"interval"`
	Window    time.Duration `json:"window,omitempty" yaml:"window"`
	Jitter    time.Duration `json:"jitter,omitempty" yaml:"jitter"`
	Threshold int           `json:"threshold,omitempty" yaml:"threshold"`

	// GracePeriod overrides the default grace window after a rotation.
	GracePeriod time.Duration `json:"grace_period,omitempty" yaml:"grace_period"`
}

// Filter narrows List.
type Filter struct {
	Type   string
	Labels map[string]string
}

// Matches reports whether r passes the filter.
func (f Filter) Matches(r Record) bool {
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	for k, v := range f.Labels {
		if r.Metadata.Labels[k] != v {
			return false
		}
	}
	return true
}

// AAD is the associated data binding a sealed state to its credential.
func AAD(id ID) []byte {
	return []byte("nebula/credential/" + string(id))
}
