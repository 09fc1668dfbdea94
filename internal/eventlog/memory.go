package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/yanun0323/errors"

	"main/internal/schema"
)

// MemoryStore is an in-process log for tests and single-node runs.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[schema.EventID]struct{}
	byCorr map[string][]schema.Envelope
}

// NewMemoryStore creates an empty log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[schema.EventID]struct{}),
		byCorr: make(map[string][]schema.Envelope),
	}
}

// Append writes one envelope, rejecting duplicate event ids.
func (s *MemoryStore) Append(_ context.Context, env schema.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[env.EventID]; ok {
		return errors.Wrap(ErrDuplicateEvent, string(env.EventID))
	}
	s.byID[env.EventID] = struct{}{}
	s.byCorr[env.CorrelationID] = append(s.byCorr[env.CorrelationID], env)
	return nil
}

// Events returns the correlation's envelopes from fromSeq upward in
// ascending sequence order.
func (s *MemoryStore) Events(_ context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Envelope
	for _, env := range s.byCorr[correlationID] {
		if env.Sequence >= fromSeq {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// LastSequence returns the correlation's highest appended sequence.
func (s *MemoryStore) LastSequence(_ context.Context, correlationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last uint64
	for _, env := range s.byCorr[correlationID] {
		if env.Sequence > last {
			last = env.Sequence
		}
	}
	return last, nil
}
