package readmodel

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// IntentState is the materialized lifecycle state of one intent.
type IntentState string

const (
	IntentSubmitted IntentState = "Submitted"
	IntentAccepted  IntentState = "Accepted"
	IntentPlanned   IntentState = "Planned"
	IntentExecuting IntentState = "Executing"
	IntentCompleted IntentState = "Completed"
	IntentFailed    IntentState = "Failed"
	IntentRejected  IntentState = "Rejected"
)

// IsTerminal reports whether the state is absorbing.
func (s IntentState) IsTerminal() bool {
	switch s {
	case IntentCompleted, IntentFailed, IntentRejected:
		return true
	default:
		return false
	}
}

// PlanState is the materialized lifecycle state of one plan.
type PlanState string

const (
	PlanPlanned   PlanState = "Planned"
	PlanExecuting PlanState = "Executing"
	PlanCompleted PlanState = "Completed"
	PlanFailed    PlanState = "Failed"
)

// Intent is the read model keyed intent:{intent_id}. It reflects the
// highest-sequence event applied for its correlation.
type Intent struct {
	IntentID     schema.EventID  `json:"intent_id"`
	State        IntentState     `json:"state"`
	LastEventID  schema.EventID  `json:"last_event_id"`
	LastSequence uint64          `json:"last_sequence"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LatestPlanID schema.EventID  `json:"latest_plan_id,omitempty"`
	Reason       schema.Reason   `json:"reason,omitempty"`
	TxHash       string          `json:"tx_hash,omitempty"`
	AmountOut    decimal.Decimal `json:"amount_out"`
}

// Plan is the read model keyed plan:{plan_id}.
type Plan struct {
	PlanID       schema.EventID    `json:"plan_id"`
	IntentID     schema.EventID    `json:"intent_id"`
	Status       PlanState         `json:"status"`
	Steps        []schema.PlanStep `json:"steps"`
	Progress     float64           `json:"progress"`
	LastSequence uint64            `json:"last_sequence"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
