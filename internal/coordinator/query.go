package coordinator

import (
	"context"

	"github.com/yanun0323/errors"

	"main/internal/readmodel"
	"main/internal/schema"
)

// GetIntent serves the intent read model.
func (c *Coordinator) GetIntent(ctx context.Context, id schema.EventID) (readmodel.Intent, error) {
	return c.models.GetIntent(ctx, id)
}

// GetPlan serves the plan read model.
func (c *Coordinator) GetPlan(ctx context.Context, id schema.EventID) (readmodel.Plan, error) {
	return c.models.GetPlan(ctx, id)
}

// GetEvents serves a correlation's envelopes in ascending sequence
// order, starting at fromSeq.
func (c *Coordinator) GetEvents(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error) {
	return c.log.Events(ctx, correlationID, fromSeq)
}

// Rebuild replays a correlation's log prefix through the reducer from
// the empty state and writes the resulting read models back. Invalid
// transitions are skipped the same way live projection skips them.
func (c *Coordinator) Rebuild(ctx context.Context, correlationID string) (CorrelationState, error) {
	events, err := c.log.Events(ctx, correlationID, 0)
	if err != nil {
		return CorrelationState{}, errors.Wrap(err, "load events").With("correlationId", correlationID)
	}
	if len(events) == 0 {
		return CorrelationState{}, errors.New("no events for correlation " + correlationID)
	}

	state := ReplayState(events)
	if err := c.models.PutIntent(ctx, state.Intent); err != nil {
		return CorrelationState{}, err
	}
	for _, plan := range state.Plans {
		if err := c.models.PutPlan(ctx, plan); err != nil {
			return CorrelationState{}, err
		}
	}
	if err := c.models.SetLastSequence(ctx, correlationID, state.Intent.LastSequence); err != nil {
		return CorrelationState{}, err
	}
	return state, nil
}

// ReplayState folds envelopes through the reducer from the empty state.
func ReplayState(events []schema.Envelope) CorrelationState {
	state := NewCorrelationState()
	for _, env := range events {
		if !env.Topic.IsValid() {
			continue
		}
		if _, err := state.Apply(env); err != nil {
			continue
		}
	}
	return state
}
