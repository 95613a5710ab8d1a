package builtin

import (
	"errors"
	"sync"

	"github.com/roach88/nebula/internal/action"
)

// SequenceConfig bounds the range core.sequence yields.
type SequenceConfig struct {
	Start int `json:"start"`
	End   int `json:"end"`
	Step  int `json:"step,omitempty" validate:"gte=0"`
}

func (c SequenceConfig) Validate() error {
	if c.End < c.Start {
		return errors.New("end must not be less than start")
	}
	return nil
}

// Sequence yields Start..End one item per pull. Cursors are kept per
// execution and node so concurrent streams don't interfere.
type Sequence struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewSequence returns core.sequence.
func NewSequence() *Sequence {
	return &Sequence{cursors: make(map[string]int)}
}

func (*Sequence) Metadata() action.Metadata {
	return action.Metadata{Key: "core.sequence", Name: "Sequence", Version: 1}
}

func (s *Sequence) Open(ctx action.Context, cfg SequenceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[scope(ctx)] = cfg.Start
	return nil
}

func (s *Sequence) Next(ctx action.Context, cfg SequenceConfig) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope(ctx)
	cur, ok := s.cursors[k]
	if !ok || cur > cfg.End {
		return 0, false, nil
	}
	step := cfg.Step
	if step == 0 {
		step = 1
	}
	s.cursors[k] = cur + step
	return cur, true, nil
}

func (s *Sequence) Close(ctx action.Context, _ SequenceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, scope(ctx))
	return nil
}

// OpenStreams reports how many streams are currently open.
func (s *Sequence) OpenStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cursors)
}
