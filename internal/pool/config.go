package pool

import (
	"fmt"
	"strings"
	"time"
)

// Strategy selects which idle instance Acquire hands out.
type Strategy int

const (
	// FIFO hands out the instance idle the longest, spreading use evenly.
	FIFO Strategy = iota

	// LIFO hands out the most recently released instance, letting the rest
	// age out.
	LIFO

	// Random picks uniformly.
	Random
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case FIFO:
		return "fifo"
	case LIFO:
		return "lifo"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name, case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "fifo":
		return FIFO, nil
	case "lifo":
		return LIFO, nil
	case "random":
		return Random, nil
	}
	return FIFO, fmt.Errorf("unknown pool strategy %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config sizes and tunes a pool.
type Config struct {
	// MinSize instances are kept warm.
	MinSize int `yaml:"min_size"`

	// MaxSize bounds live instances, idle and in use together.
	MaxSize int `yaml:"max_size"`

	// AcquireTimeout bounds the wait for a permit. Zero waits until ctx ends.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// IdleTimeout evicts instances idle longer than this. Zero disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// MaxLifetime retires instances older than this. Zero disables.
	MaxLifetime time.Duration `yaml:"max_lifetime"`

	Strategy Strategy `yaml:"strategy"`

	// MaintenanceInterval is the cadence of the background sweep. Zero
	// disables it.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// DefaultConfig returns a small general-purpose configuration.
func DefaultConfig() Config {
	return Config{
		MinSize:             0,
		MaxSize:             10,
		AcquireTimeout:      30 * time.Second,
		IdleTimeout:         10 * time.Minute,
		MaxLifetime:         time.Hour,
		Strategy:            FIFO,
		MaintenanceInterval: 30 * time.Second,
	}
}

// Validate checks sizing constraints.
func (c Config) Validate() error {
	switch {
	case c.MaxSize < 1:
		return fmt.Errorf("max_size must be at least 1, got %d", c.MaxSize)
	case c.MinSize < 0:
		return fmt.Errorf("min_size must not be negative, got %d", c.MinSize)
	case c.MinSize > c.MaxSize:
		return fmt.Errorf("min_size %d exceeds max_size %d", c.MinSize, c.MaxSize)
	case c.AcquireTimeout < 0, c.IdleTimeout < 0, c.MaxLifetime < 0, c.MaintenanceInterval < 0:
		return fmt.Errorf("durations must not be negative")
	case c.Strategy < FIFO || c.Strategy > Random:
		return fmt.Errorf("unknown strategy %s", c.Strategy)
	}
	return nil
}
