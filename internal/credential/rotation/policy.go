package rotation

import (
	"fmt"
	"time"

	"github.com/roach88/nebula/internal/credential"
	"github.com/roach88/nebula/internal/fault"
)

// DefaultGracePeriod is how long the superseded version stays honored.
const DefaultGracePeriod = 24 * time.Hour

// Policy kinds as stored in credential.RotationPolicy.Kind.
const (
	KindPeriodic  = "periodic"
	KindOnDemand  = "on_demand"
	KindOnFailure = "on_failure"
)

// Policy decides whether a credential is due for rotation. failures is the
// credential's consecutive failure count.
type Policy interface {
	Due(rec credential.Record, failures int64, now time.Time) (bool, string)
}

// Periodic rotates every Interval. Rotation is recommended once less than a
// quarter of the interval remains, or less than Window if that is larger.
// The scheduler delays each rotation by up to Jitter.
type Periodic struct {
	Interval time.Duration
	Window   time.Duration
	Jitter   time.Duration
}

// Due implements Policy.
func (p Periodic) Due(rec credential.Record, _ int64, now time.Time) (bool, string) {
	last := rec.Metadata.CreatedAt
	if rec.Metadata.RotatedAt != nil {
		last = *rec.Metadata.RotatedAt
	}
	remaining := last.Add(p.Interval).Sub(now)
	if remaining < max(p.Interval/4, p.Window) {
		return true, fmt.Sprintf("periodic: %s of %s remaining", remaining.Truncate(time.Second), p.Interval)
	}
	return false, ""
}

// OnDemand never rotates on its own.
type OnDemand struct{}

// Due implements Policy.
func (OnDemand) Due(credential.Record, int64, time.Time) (bool, string) { return false, "" }

// OnFailure rotates after Threshold consecutive failures.
type OnFailure struct {
	Threshold int
}

// Due implements Policy.
func (p OnFailure) Due(_ credential.Record, failures int64, _ time.Time) (bool, string) {
	if failures >= int64(p.Threshold) {
		return true, fmt.Sprintf("on_failure: %d consecutive failures", failures)
	}
	return false, ""
}

// PolicyFor builds the policy described by cfg.
func PolicyFor(cfg credential.RotationPolicy) (Policy, error) {
	switch cfg.Kind {
	case KindPeriodic:
		if cfg.Interval <= 0 {
			return nil, fault.New(fault.Validation, "periodic rotation needs a positive interval")
		}
		return Periodic{Interval: cfg.Interval, Window: cfg.Window, Jitter: cfg.Jitter}, nil
	case KindOnDemand, "":
		return OnDemand{}, nil
	case KindOnFailure:
		if cfg.Threshold < 1 {
			return nil, fault.New(fault.Validation, "on_failure rotation needs a threshold of at least 1")
		}
		return OnFailure{Threshold: cfg.Threshold}, nil
	default:
		return nil, fault.Newf(fault.Validation, "unknown rotation policy %q", cfg.Kind)
	}
}

// IsVersionHonored reports whether version is accepted for rec at now: the
// current version always is, the one it replaced until the grace window
// closes.
func IsVersionHonored(rec credential.Record, version uint32, now time.Time) bool {
	if version == rec.Version {
		return true
	}
	m := rec.Metadata
	return m.PreviousVersion != 0 && version == m.PreviousVersion &&
		m.GraceUntil != nil && now.Before(*m.GraceUntil)
}
