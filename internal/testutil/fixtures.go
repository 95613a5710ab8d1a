// Package testutil holds helpers shared by tests across packages: fixed
// clocks and IDs, throwaway stores and keyrings, and a counting pool
// resource.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/clock"
	"github.com/roach88/nebula/internal/secret"
	"github.com/roach88/nebula/internal/store"
)

// Epoch is the start time of ManualClock.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ManualClock returns a manual clock set to Epoch.
func ManualClock() *clock.Manual {
	return clock.NewManual(Epoch)
}

// Keyring returns a keyring with one freshly generated key.
func Keyring(t *testing.T) *secret.Keyring {
	t.Helper()
	key, err := secret.GenerateKey()
	require.NoError(t, err)
	kr, err := secret.NewStaticKeyring(key)
	require.NoError(t, err)
	return kr
}

// Store opens a migrated SQLite store under t.TempDir and closes it when the
// test ends.
func Store(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nebula.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
