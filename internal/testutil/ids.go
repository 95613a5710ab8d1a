package testutil

// FixedIDGenerator returns the same ID on every call.
//
// Scenarios that run a single execution use it so stored records and golden
// traces carry a known execution ID. Unlike engine.SequenceGenerator the
// output never changes, so two runs of the same scenario are
// byte-identical.
//
// Thread-safety: FixedIDGenerator is stateless and safe for concurrent use.
type FixedIDGenerator struct {
	id string
}

// NewFixedIDGenerator creates a generator for id. An empty id becomes
// "test-execution".
func NewFixedIDGenerator(id string) *FixedIDGenerator {
	if id == "" {
		id = "test-execution"
	}
	return &FixedIDGenerator{id: id}
}

// Generate implements engine.IDGenerator.
func (g *FixedIDGenerator) Generate() string {
	return g.id
}
