package coordinator

import (
	"github.com/yanun0323/errors"

	"main/internal/readmodel"
	"main/internal/schema"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// CorrelationState is the materialized view of one correlation: the
// intent read model plus every plan read model it spawned.
type CorrelationState struct {
	Intent readmodel.Intent
	Plans  map[schema.EventID]readmodel.Plan
}

// NewCorrelationState returns the empty state.
func NewCorrelationState() CorrelationState {
	return CorrelationState{Plans: make(map[schema.EventID]readmodel.Plan)}
}

// PlanID returns the plan read model an envelope projects into, if any.
func PlanID(env schema.Envelope) (schema.EventID, bool) {
	switch payload := env.Payload.(type) {
	case schema.ExecutionPlan:
		return payload.PlanID, true
	case schema.PlanRejected:
		return payload.PlanID, !payload.PlanID.IsZero()
	case schema.ExecEvent:
		return payload.PlanID, true
	default:
		return "", false
	}
}

// Apply projects one envelope into the state. It is a pure function of
// (state, envelope): replaying a correlation's prefix from the empty
// state rebuilds the same models. Envelopes at or below the intent's
// last applied sequence are no-ops. The returned id names the touched
// plan model, if any.
func (s *CorrelationState) Apply(env schema.Envelope) (schema.EventID, error) {
	if s.Plans == nil {
		s.Plans = make(map[schema.EventID]readmodel.Plan)
	}
	if env.Sequence <= s.Intent.LastSequence {
		return "", nil
	}

	var touched schema.EventID
	switch env.Topic {
	case schema.TopicIntentSubmitted:
		payload, ok := env.Payload.(schema.Intent)
		if !ok || s.Intent.State != "" {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.IntentID = payload.IntentID
		s.Intent.State = readmodel.IntentSubmitted

	case schema.TopicRiskApproved:
		if s.Intent.State != readmodel.IntentSubmitted {
			return "", transitionErr(env, s.Intent.State)
		}

	case schema.TopicIntentAccepted:
		if s.Intent.State != readmodel.IntentSubmitted {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentAccepted

	case schema.TopicRiskRejected:
		payload, ok := env.Payload.(schema.RiskResult)
		if !ok || s.Intent.State != readmodel.IntentSubmitted {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentRejected
		s.Intent.Reason = payload.Reason

	case schema.TopicIntentFailed:
		payload, ok := env.Payload.(schema.IntentFailed)
		if !ok || s.Intent.State.IsTerminal() || s.Intent.State == "" {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentFailed
		s.Intent.Reason = payload.Reason

	case schema.TopicPlanCreated:
		payload, ok := env.Payload.(schema.ExecutionPlan)
		if !ok || s.Intent.State != readmodel.IntentAccepted {
			return "", transitionErr(env, s.Intent.State)
		}
		if _, exists := s.Plans[payload.PlanID]; exists {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentPlanned
		s.Intent.LatestPlanID = payload.PlanID
		s.Plans[payload.PlanID] = readmodel.Plan{
			PlanID:   payload.PlanID,
			IntentID: payload.IntentID,
			Status:   readmodel.PlanPlanned,
			Steps:    payload.Steps,
		}
		touched = payload.PlanID

	case schema.TopicPlanRejected:
		payload, ok := env.Payload.(schema.PlanRejected)
		if !ok || s.Intent.State != readmodel.IntentAccepted {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentFailed
		s.Intent.Reason = payload.Reason

	case schema.TopicExecStarted:
		plan, ok := s.execPlan(env)
		if !ok || s.Intent.State != readmodel.IntentPlanned || plan.Status != readmodel.PlanPlanned {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentExecuting
		plan.Status = readmodel.PlanExecuting
		touched = s.storePlan(plan, env)

	case schema.TopicExecStepSubmitted:
		plan, ok := s.execPlan(env)
		if !ok || s.Intent.State != readmodel.IntentExecuting || plan.Status != readmodel.PlanExecuting {
			return "", transitionErr(env, s.Intent.State)
		}
		payload := env.Payload.(schema.ExecEvent)
		s.Intent.TxHash = payload.TxHash
		touched = s.storePlan(plan, env)

	case schema.TopicExecStepFilled:
		plan, ok := s.execPlan(env)
		if !ok || s.Intent.State != readmodel.IntentExecuting || plan.Status != readmodel.PlanExecuting {
			return "", transitionErr(env, s.Intent.State)
		}
		payload := env.Payload.(schema.ExecEvent)
		// One fill per submitted tx hash reaches the model.
		if payload.TxHash != "" && payload.TxHash != s.Intent.TxHash {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.AmountOut = payload.AmountOut
		plan.Progress = 1
		touched = s.storePlan(plan, env)

	case schema.TopicExecCompleted:
		plan, ok := s.execPlan(env)
		if !ok || s.Intent.State != readmodel.IntentExecuting || plan.Status != readmodel.PlanExecuting {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentCompleted
		plan.Status = readmodel.PlanCompleted
		touched = s.storePlan(plan, env)

	case schema.TopicExecFailed:
		if s.Intent.State.IsTerminal() || s.Intent.State == "" {
			return "", transitionErr(env, s.Intent.State)
		}
		payload, ok := env.Payload.(schema.ExecEvent)
		if !ok {
			return "", transitionErr(env, s.Intent.State)
		}
		s.Intent.State = readmodel.IntentFailed
		s.Intent.Reason = payload.Reason
		if plan, ok := s.Plans[payload.PlanID]; ok && plan.Status != readmodel.PlanCompleted {
			plan.Status = readmodel.PlanFailed
			touched = s.storePlan(plan, env)
		}

	default:
		// Unknown topics from newer writers are logged but never
		// projected.
		return "", transitionErr(env, s.Intent.State)
	}

	s.Intent.LastEventID = env.EventID
	s.Intent.LastSequence = env.Sequence
	s.Intent.UpdatedAt = env.Timestamp
	return touched, nil
}

// execPlan resolves the plan model an exec envelope targets.
func (s *CorrelationState) execPlan(env schema.Envelope) (readmodel.Plan, bool) {
	payload, ok := env.Payload.(schema.ExecEvent)
	if !ok {
		return readmodel.Plan{}, false
	}
	plan, ok := s.Plans[payload.PlanID]
	return plan, ok
}

func (s *CorrelationState) storePlan(plan readmodel.Plan, env schema.Envelope) schema.EventID {
	plan.LastSequence = env.Sequence
	plan.UpdatedAt = env.Timestamp
	s.Plans[plan.PlanID] = plan
	return plan.PlanID
}

func transitionErr(env schema.Envelope, state readmodel.IntentState) error {
	return errors.Wrap(ErrInvalidTransition, string(env.Topic)).
		With("state", string(state)).
		With("eventId", env.EventID)
}
