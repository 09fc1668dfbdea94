package coordinator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/readmodel"
	"main/internal/schema"
)

// lifecycle builds the full happy-path envelope chain for one intent.
func lifecycle(t *testing.T) []schema.Envelope {
	t.Helper()
	intent := schema.Intent{
		IntentID:   schema.NewID(),
		IntentType: schema.IntentTypeAcquire,
		Assets: [2]schema.Asset{
			{Symbol: "WETH", ChainID: 1, Decimals: 18},
			{Symbol: "USDC", ChainID: 1, Decimals: 6},
		},
		AmountIn: decimal.RequireFromString("1000.00"),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   300_000,
			ExecutionStyle: schema.ExecutionStyleAdaptive,
		},
		SubmittedAt: time.Now().UTC(),
	}
	corr := schema.CorrelationIDFor(intent.IntentID)
	planID := schema.NewID()
	plan := schema.ExecutionPlan{
		PlanID:   planID,
		IntentID: intent.IntentID,
		Steps: []schema.PlanStep{{
			Venue:    "uniswap_v3",
			Base:     intent.Assets[0],
			Quote:    intent.Assets[1],
			AmountIn: intent.AmountIn,
			MinOut:   decimal.RequireFromString("0.32"),
		}},
	}
	exec := schema.ExecEvent{PlanID: planID, IntentID: intent.IntentID}
	submitted := exec
	submitted.TxHash = "0xabc"
	filled := submitted
	filled.AmountOut = decimal.RequireFromString("0.33")
	filled.GasUsed = 120_000

	specs := []struct {
		topic   schema.Topic
		payload any
	}{
		{schema.TopicIntentSubmitted, intent},
		{schema.TopicRiskApproved, schema.RiskResult{IntentID: intent.IntentID, Approved: true}},
		{schema.TopicIntentAccepted, schema.IntentAccepted{IntentID: intent.IntentID}},
		{schema.TopicPlanCreated, plan},
		{schema.TopicExecStarted, exec},
		{schema.TopicExecStepSubmitted, submitted},
		{schema.TopicExecStepFilled, filled},
		{schema.TopicExecCompleted, filled},
	}

	var (
		envs  []schema.Envelope
		cause *schema.EventID
	)
	for i, spec := range specs {
		env, err := schema.NewEnvelope(spec.topic, spec.payload, corr, cause, uint64(i+1))
		require.NoError(t, err)
		id := env.EventID
		cause = &id
		envs = append(envs, env)
	}
	return envs
}

func TestApplyHappyPath(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	for _, env := range envs {
		_, err := state.Apply(env)
		require.NoErrorf(t, err, "apply %s", env.Topic)
	}

	assert.Equal(t, readmodel.IntentCompleted, state.Intent.State)
	assert.Equal(t, uint64(8), state.Intent.LastSequence)
	assert.Equal(t, envs[7].EventID, state.Intent.LastEventID)
	assert.Equal(t, "0xabc", state.Intent.TxHash)
	assert.Equal(t, "0.33", state.Intent.AmountOut.String())

	plan := state.Plans[state.Intent.LatestPlanID]
	assert.Equal(t, readmodel.PlanCompleted, plan.Status)
	assert.Equal(t, float64(1), plan.Progress)
	require.Len(t, plan.Steps, 1)
}

func TestApplyRejectionPath(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	_, err := state.Apply(envs[0])
	require.NoError(t, err)

	rejected, err := schema.NewEnvelope(schema.TopicRiskRejected,
		schema.RiskResult{IntentID: state.Intent.IntentID, Reason: schema.ReasonSlippageLimit},
		envs[0].CorrelationID, &envs[0].EventID, 2)
	require.NoError(t, err)
	_, err = state.Apply(rejected)
	require.NoError(t, err)

	assert.Equal(t, readmodel.IntentRejected, state.Intent.State)
	assert.Equal(t, schema.ReasonSlippageLimit, state.Intent.Reason)

	// Rejected is absorbing: the rest of the chain must not apply.
	for _, env := range envs[1:] {
		env.Sequence += 2
		_, err := state.Apply(env)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, readmodel.IntentRejected, state.Intent.State)
}

func TestApplyInvalidTransitionDoesNotMutate(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	for _, env := range envs[:3] {
		_, err := state.Apply(env)
		require.NoError(t, err)
	}
	before := state.Intent

	// exec.started without a plan.created first.
	exec := envs[4]
	exec.Sequence = 4
	_, err := state.Apply(exec)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, before, state.Intent)
}

func TestApplySequenceNoOp(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	for _, env := range envs[:3] {
		_, err := state.Apply(env)
		require.NoError(t, err)
	}
	before := state.Intent

	// Re-applying an already-applied sequence is a no-op, not an error.
	_, err := state.Apply(envs[1])
	require.NoError(t, err)
	assert.Equal(t, before, state.Intent)
}

func TestApplyTerminalStatesAbsorb(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	for _, env := range envs[:6] {
		_, err := state.Apply(env)
		require.NoError(t, err)
	}

	failed, err := schema.NewEnvelope(schema.TopicExecFailed,
		schema.ExecEvent{PlanID: state.Intent.LatestPlanID, IntentID: state.Intent.IntentID, Reason: schema.ReasonDeadlineExceeded},
		envs[0].CorrelationID, &envs[5].EventID, 7)
	require.NoError(t, err)
	_, err = state.Apply(failed)
	require.NoError(t, err)
	assert.Equal(t, readmodel.IntentFailed, state.Intent.State)
	assert.Equal(t, schema.ReasonDeadlineExceeded, state.Intent.Reason)
	assert.Equal(t, readmodel.PlanFailed, state.Plans[state.Intent.LatestPlanID].Status)

	// exec.completed after exec.failed never applies.
	completed := envs[7]
	completed.Sequence = 8
	_, err = state.Apply(completed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, readmodel.IntentFailed, state.Intent.State)
}

func TestApplyRejectsForeignFillHash(t *testing.T) {
	envs := lifecycle(t)
	state := NewCorrelationState()
	for _, env := range envs[:6] {
		_, err := state.Apply(env)
		require.NoError(t, err)
	}

	foreign, err := schema.NewEnvelope(schema.TopicExecStepFilled,
		schema.ExecEvent{PlanID: state.Intent.LatestPlanID, IntentID: state.Intent.IntentID, TxHash: "0xother", AmountOut: decimal.NewFromInt(1)},
		envs[0].CorrelationID, &envs[5].EventID, 7)
	require.NoError(t, err)
	_, err = state.Apply(foreign)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, state.Intent.AmountOut.IsZero())
}

func TestReplayStateMatchesIncrementalApply(t *testing.T) {
	envs := lifecycle(t)
	incremental := NewCorrelationState()
	for _, env := range envs {
		_, err := incremental.Apply(env)
		require.NoError(t, err)
	}

	replayed := ReplayState(envs)
	assert.Equal(t, incremental.Intent, replayed.Intent)
	assert.Equal(t, incremental.Plans, replayed.Plans)
}
