package app

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/coordinator"
	"main/internal/eventlog"
	"main/internal/gateway"
	"main/internal/intent"
	"main/internal/ops"
	"main/internal/orchestrator"
	"main/internal/planner"
	"main/internal/readmodel"
	"main/internal/risk"
	"main/internal/schema"
	"main/internal/venue"
)

func configFor() (ops.Loaded, error) {
	loaded := ops.Loaded{
		Bus:          bus.DefaultConfig(),
		Risk:         risk.DefaultConfig(),
		Planner:      planner.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Coordinator:  coordinator.DefaultConfig(),
		Gateway:      gateway.DefaultConfig(),
	}
	loaded.Planner.Recipient = "0xrecipient"
	return loaded, nil
}

var (
	weth = schema.Asset{Symbol: "WETH", ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18}
	usdc = schema.Asset{Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6}
)

func testLoaded(t *testing.T) (loaded testWiring) {
	t.Helper()
	loaded.logStore = eventlog.NewMemoryStore()
	loaded.models = readmodel.NewStore(readmodel.NewMemoryKV())
	loaded.chain = venue.NewSimChain(10*time.Millisecond, nil)
	return loaded
}

type testWiring struct {
	logStore *eventlog.MemoryStore
	models   *readmodel.Store
	chain    *venue.SimChain
}

func startApp(t *testing.T, wiring testWiring) *App {
	t.Helper()
	cfg, err := configFor()
	require.NoError(t, err)
	adapter := venue.NewUniswapV3(venue.Config{
		ChainID: 1,
		Pools: []venue.PoolConfig{{
			Address:  "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640",
			TokenA:   weth.Address,
			TokenB:   usdc.Address,
			ReserveA: decimal.RequireFromString("1000"),
			ReserveB: decimal.RequireFromString("3000000"),
			FeeBPS:   5,
		}},
		PollInterval: 5 * time.Millisecond,
	}, wiring.chain)

	application := New(cfg, wiring.logStore, wiring.models, adapter)
	application.Start(context.Background())
	t.Cleanup(application.Stop)
	return application
}

func submission(maxSlippage string) intent.Submission {
	return intent.Submission{
		IntentType: schema.IntentTypeAcquire,
		Assets:     [2]schema.Asset{weth, usdc},
		AmountIn:   decimal.RequireFromString("1000.00"),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString(maxSlippage),
			TimeWindowMS:   300_000,
			ExecutionStyle: schema.ExecutionStyleAdaptive,
		},
	}
}

func TestHappyPathAcquire(t *testing.T) {
	wiring := testLoaded(t)
	application := startApp(t, wiring)
	ctx := context.Background()

	intentID, err := application.Manager.Submit(ctx, submission("0.01"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		model, err := application.Coordinator.GetIntent(ctx, intentID)
		return err == nil && model.State == readmodel.IntentCompleted
	}, 10*time.Second, 20*time.Millisecond)

	model, err := application.Coordinator.GetIntent(ctx, intentID)
	require.NoError(t, err)
	assert.NotEmpty(t, model.TxHash)
	assert.False(t, model.AmountOut.IsZero())
	assert.False(t, model.LatestPlanID.IsZero())

	plan, err := application.Coordinator.GetPlan(ctx, model.LatestPlanID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.PlanCompleted, plan.Status)
	assert.Equal(t, float64(1), plan.Progress)
	require.Len(t, plan.Steps, 1)
	assert.True(t, model.AmountOut.GreaterThanOrEqual(plan.Steps[0].MinOut), "fill respects min_out")

	// The full chain, in order, with contiguous sequences.
	corr := schema.CorrelationIDFor(intentID)
	events, err := application.Coordinator.GetEvents(ctx, corr, 0)
	require.NoError(t, err)
	wantTopics := []schema.Topic{
		schema.TopicIntentSubmitted,
		schema.TopicRiskApproved,
		schema.TopicIntentAccepted,
		schema.TopicPlanCreated,
		schema.TopicExecStarted,
		schema.TopicExecStepSubmitted,
		schema.TopicExecStepFilled,
		schema.TopicExecCompleted,
	}
	require.Len(t, events, len(wantTopics))
	for i, env := range events {
		assert.Equal(t, wantTopics[i], env.Topic)
		assert.Equal(t, uint64(i+1), env.Sequence)
		if i == 0 {
			assert.Nil(t, env.CausationID)
		} else {
			assert.NotNil(t, env.CausationID)
		}
	}
}

func TestRiskRejection(t *testing.T) {
	wiring := testLoaded(t)
	application := startApp(t, wiring)
	ctx := context.Background()

	intentID, err := application.Manager.Submit(ctx, submission("0.1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		model, err := application.Coordinator.GetIntent(ctx, intentID)
		return err == nil && model.State == readmodel.IntentRejected
	}, 5*time.Second, 20*time.Millisecond)

	model, err := application.Coordinator.GetIntent(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, schema.ReasonSlippageLimit, model.Reason)

	events, err := application.Coordinator.GetEvents(ctx, schema.CorrelationIDFor(intentID), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.TopicRiskRejected, events[1].Topic)
}

func TestCircuitBreakerRejectsIntents(t *testing.T) {
	wiring := testLoaded(t)
	application := startApp(t, wiring)
	ctx := context.Background()

	application.Breaker.Trip()
	intentID, err := application.Manager.Submit(ctx, submission("0.01"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		model, err := application.Coordinator.GetIntent(ctx, intentID)
		return err == nil && model.State == readmodel.IntentRejected
	}, 5*time.Second, 20*time.Millisecond)

	model, err := application.Coordinator.GetIntent(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, schema.ReasonKillSwitch, model.Reason)
}

func TestRebuildAfterCompletion(t *testing.T) {
	wiring := testLoaded(t)
	application := startApp(t, wiring)
	ctx := context.Background()

	intentID, err := application.Manager.Submit(ctx, submission("0.01"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		model, err := application.Coordinator.GetIntent(ctx, intentID)
		return err == nil && model.State == readmodel.IntentCompleted
	}, 10*time.Second, 20*time.Millisecond)

	before, err := application.Coordinator.GetIntent(ctx, intentID)
	require.NoError(t, err)

	require.NoError(t, wiring.models.DeleteIntent(ctx, intentID))
	require.NoError(t, wiring.models.DeletePlan(ctx, before.LatestPlanID))

	_, err = application.Coordinator.Rebuild(ctx, schema.CorrelationIDFor(intentID))
	require.NoError(t, err)

	after, err := application.Coordinator.GetIntent(ctx, intentID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
