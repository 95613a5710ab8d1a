package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/nebula/internal/action"
)

// TestUUIDv7Generator_Format checks the generator emits hyphenated v7 UUIDs.
func TestUUIDv7Generator_Format(t *testing.T) {
	id := UUIDv7Generator{}.Generate()

	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

// TestUUIDv7Generator_Concurrent checks IDs stay unique across goroutines.
func TestUUIDv7Generator_Concurrent(t *testing.T) {
	gen := UUIDv7Generator{}
	const goroutines = 100

	ids := make(chan string, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, goroutines)
}

// TestFixedGenerator_InOrderThenPanics checks tests fail loudly when they
// create more IDs than they planned for.
func TestFixedGenerator_InOrderThenPanics(t *testing.T) {
	gen := NewFixedGenerator("exec-1", "tok-1")

	assert.Equal(t, "exec-1", gen.Generate())
	assert.Equal(t, "tok-1", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })

	assert.Panics(t, func() { NewFixedGenerator().Generate() })
}

// TestSequenceGenerator_Prefix checks the counter-based generator.
func TestSequenceGenerator_Prefix(t *testing.T) {
	gen := &SequenceGenerator{Prefix: "exec"}

	assert.Equal(t, "exec-1", gen.Generate())
	assert.Equal(t, "exec-2", gen.Generate())
	assert.Equal(t, "exec-3", gen.Generate())
}

// TestEngine_NewExecution checks the engine draws execution IDs from its
// generator.
func TestEngine_NewExecution(t *testing.T) {
	e := New(action.NewRegistry(nil), WithIDGenerator(NewFixedGenerator("exec-a", "exec-b")))

	assert.Equal(t, "exec-a", e.NewExecution())
	assert.Equal(t, "exec-b", e.NewExecution())
}
