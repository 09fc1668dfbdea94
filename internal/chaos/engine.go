package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"main/internal/schema"
)

// Config controls delivery chaos injection: the at-least-once failure
// modes a bus exposes between producers and the coordinator.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
}

// Engine applies chaos rules to an envelope stream.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []schema.Envelope
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("dropRate must be between 0 and 1")
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("duplicateRate must be between 0 and 1")
	}
	if c.ReorderWindow <= 0 {
		return fmt.Errorf("reorderWindow must be >= 1")
	}
	return nil
}

// Process applies chaos to one envelope and returns what gets
// delivered in its place, possibly nothing yet.
func (e *Engine) Process(env schema.Envelope) []schema.Envelope {
	if e == nil {
		return []schema.Envelope{env}
	}
	if e.shouldDrop() {
		return nil
	}
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(env)
	}
	e.pending = append(e.pending, env)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	idx := e.rng.Intn(len(e.pending))
	out := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return e.applyDuplicate(out)
}

// Flush drains the reorder buffer after processing completes.
func (e *Engine) Flush() []schema.Envelope {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]schema.Envelope, 0, len(e.pending))
	for len(e.pending) > 0 {
		idx := e.rng.Intn(len(e.pending))
		env := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		out = append(out, e.applyDuplicate(env)...)
	}
	return out
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(env schema.Envelope) []schema.Envelope {
	out := []schema.Envelope{env}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, env)
	}
	return out
}
