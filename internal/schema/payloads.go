package schema

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// IntentType declares the direction of a trading goal.
type IntentType string

const (
	IntentTypeAcquire IntentType = "acquire"
	IntentTypeDispose IntentType = "dispose"
)

// ExecutionStyle hints how aggressively a plan should be executed.
type ExecutionStyle string

const (
	ExecutionStyleAggressive ExecutionStyle = "aggressive"
	ExecutionStylePassive    ExecutionStyle = "passive"
	ExecutionStyleAdaptive   ExecutionStyle = "adaptive"
)

// Asset identifies one token on one chain.
type Asset struct {
	Symbol   string `json:"symbol"`
	ChainID  uint64 `json:"chain_id"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
}

// Constraints bound how an intent may be executed.
type Constraints struct {
	MaxSlippage    decimal.Decimal `json:"max_slippage"`
	TimeWindowMS   int64           `json:"time_window_ms"`
	ExecutionStyle ExecutionStyle  `json:"execution_style"`
	AllowedVenues  []string        `json:"allowed_venues,omitempty"`
}

// Intent is the payload of intent.submitted. Assets holds the ordered
// [target, quote] pair.
type Intent struct {
	IntentID    EventID         `json:"intent_id"`
	IntentType  IntentType      `json:"intent_type"`
	Assets      [2]Asset        `json:"assets"`
	AmountIn    decimal.Decimal `json:"amount_in"`
	Constraints Constraints     `json:"constraints"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Target returns the asset being acquired or disposed.
func (i Intent) Target() Asset { return i.Assets[0] }

// Quote returns the asset the amount is denominated against.
func (i Intent) Quote() Asset { return i.Assets[1] }

// RiskResult is the payload of risk.approved and risk.rejected.
type RiskResult struct {
	IntentID EventID `json:"intent_id"`
	Approved bool    `json:"approved"`
	Reason   Reason  `json:"reason,omitempty"`
}

// IntentAccepted is the payload of intent.accepted.
type IntentAccepted struct {
	IntentID EventID `json:"intent_id"`
}

// IntentFailed is the payload of intent.failed.
type IntentFailed struct {
	IntentID EventID `json:"intent_id"`
	Reason   Reason  `json:"reason"`
}

// PlanStep is one executable swap within a plan.
type PlanStep struct {
	Venue     string          `json:"venue"`
	Base      Asset           `json:"base"`
	Quote     Asset           `json:"quote"`
	AmountIn  decimal.Decimal `json:"amount_in"`
	MinOut    decimal.Decimal `json:"min_out"`
	Recipient string          `json:"recipient"`
}

// ExecutionPlan is the payload of plan.created.
type ExecutionPlan struct {
	PlanID              EventID         `json:"plan_id"`
	IntentID            EventID         `json:"intent_id"`
	Steps               []PlanStep      `json:"steps"`
	EstimatedCost       decimal.Decimal `json:"estimated_cost"`
	EstimatedDurationMS int64           `json:"estimated_duration_ms"`
}

// PlanRejected is the payload of plan.rejected.
type PlanRejected struct {
	PlanID   EventID `json:"plan_id,omitempty"`
	IntentID EventID `json:"intent_id"`
	Reason   Reason  `json:"reason"`
}

// ExecEvent is the payload shared by the exec.* topics. Fields are filled
// per topic: tx_hash from step_submitted onward, amount_out on fills.
type ExecEvent struct {
	PlanID    EventID         `json:"plan_id"`
	IntentID  EventID         `json:"intent_id"`
	StepIndex int             `json:"step_index"`
	TxHash    string          `json:"tx_hash,omitempty"`
	AmountOut decimal.Decimal `json:"amount_out,omitempty"`
	GasUsed   uint64          `json:"gas_used,omitempty"`
	Reason    Reason          `json:"reason,omitempty"`
}

// ValidatePayload checks that the payload carries the type registered for
// the topic.
func ValidatePayload(topic Topic, payload any) error {
	ok := false
	switch topic {
	case TopicIntentSubmitted:
		_, ok = payload.(Intent)
	case TopicIntentAccepted:
		_, ok = payload.(IntentAccepted)
	case TopicIntentFailed:
		_, ok = payload.(IntentFailed)
	case TopicRiskApproved, TopicRiskRejected:
		_, ok = payload.(RiskResult)
	case TopicPlanCreated:
		_, ok = payload.(ExecutionPlan)
	case TopicPlanRejected:
		_, ok = payload.(PlanRejected)
	case TopicExecStarted, TopicExecStepSubmitted, TopicExecStepFilled, TopicExecCompleted, TopicExecFailed:
		_, ok = payload.(ExecEvent)
	default:
		return errors.Wrap(ErrInvalidTopic, string(topic))
	}
	if !ok {
		return errors.Wrap(ErrPayloadMismatch, string(topic))
	}
	return nil
}

// DecodePayload parses raw payload JSON into the typed variant for the
// topic. Unknown topics keep the raw bytes so newer writers pass through
// untouched.
func DecodePayload(topic Topic, raw json.RawMessage) (any, error) {
	var dst any
	switch topic {
	case TopicIntentSubmitted:
		dst = &Intent{}
	case TopicIntentAccepted:
		dst = &IntentAccepted{}
	case TopicIntentFailed:
		dst = &IntentFailed{}
	case TopicRiskApproved, TopicRiskRejected:
		dst = &RiskResult{}
	case TopicPlanCreated:
		dst = &ExecutionPlan{}
	case TopicPlanRejected:
		dst = &PlanRejected{}
	case TopicExecStarted, TopicExecStepSubmitted, TopicExecStepFilled, TopicExecCompleted, TopicExecFailed:
		dst = &ExecEvent{}
	default:
		return raw, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, errors.Wrap(err, "decode payload").With("topic", topic)
	}
	switch payload := dst.(type) {
	case *Intent:
		return *payload, nil
	case *IntentAccepted:
		return *payload, nil
	case *IntentFailed:
		return *payload, nil
	case *RiskResult:
		return *payload, nil
	case *ExecutionPlan:
		return *payload, nil
	case *PlanRejected:
		return *payload, nil
	case *ExecEvent:
		return *payload, nil
	default:
		return raw, nil
	}
}

// UnmarshalJSON decodes the envelope and resolves the payload into its
// typed variant by topic.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	payload, err := DecodePayload(e.Topic, aux.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}
