package planner

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yanun0323/errors"

	"main/internal/bus"
	"main/internal/schema"
)

func plannerIntent() schema.Intent {
	return schema.Intent{
		IntentID:   schema.NewID(),
		IntentType: schema.IntentTypeAcquire,
		Assets: [2]schema.Asset{
			{Symbol: "WETH", ChainID: 1, Address: "0xweth", Decimals: 18},
			{Symbol: "USDC", ChainID: 1, Address: "0xusdc", Decimals: 6},
		},
		AmountIn: decimal.RequireFromString("1000.00"),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   300_000,
			ExecutionStyle: schema.ExecutionStyleAdaptive,
		},
		SubmittedAt: time.Now().UTC(),
	}
}

type staticReader struct {
	events []schema.Envelope
}

func (r staticReader) GetEvents(context.Context, string, uint64) ([]schema.Envelope, error) {
	return r.events, nil
}

// harness wires a planner to a live broker and a capture sub on plan.*.
func harness(t *testing.T, route RouteFunc, reader EventsReader) (*Planner, *bus.QueueSub, schema.Envelope) {
	t.Helper()
	broker := bus.NewBroker(bus.DefaultConfig())
	t.Cleanup(broker.Close)
	capture, err := broker.SubscribeQueue(schema.PatternPlan, "capture")
	require.NoError(t, err)

	intent := plannerIntent()
	corr := schema.CorrelationIDFor(intent.IntentID)
	submitted, err := schema.NewEnvelope(schema.TopicIntentSubmitted, intent, corr, nil, 1)
	require.NoError(t, err)
	accepted, err := schema.NewEnvelope(schema.TopicIntentAccepted,
		schema.IntentAccepted{IntentID: intent.IntentID}, corr, &submitted.EventID, 3)
	require.NoError(t, err)

	if reader == nil {
		reader = staticReader{events: []schema.Envelope{submitted}}
	}
	cfg := DefaultConfig()
	cfg.Recipient = "0xrecipient"
	return New(cfg, broker, route, reader), capture, accepted
}

func capturePlan(t *testing.T, sub *bus.QueueSub) schema.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		sub.Ack(env.EventID)
		return env
	case <-time.After(time.Second):
		t.Fatal("no plan event published")
		return schema.Envelope{}
	}
}

func TestPlanCreatedWithFlooredMinOut(t *testing.T) {
	route := func(_ context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Route, error) {
		return Route{AmountOut: decimal.RequireFromString("0.333055703608081240")}, nil
	}
	p, capture, accepted := harness(t, route, nil)
	require.NoError(t, p.plan(context.Background(), accepted))

	env := capturePlan(t, capture)
	assert.Equal(t, schema.TopicPlanCreated, env.Topic)
	assert.Equal(t, accepted.Sequence+1, env.Sequence)
	require.NotNil(t, env.CausationID)
	assert.Equal(t, accepted.EventID, *env.CausationID)

	plan, ok := env.Payload.(schema.ExecutionPlan)
	require.True(t, ok)
	require.Len(t, plan.Steps, 1)
	step := plan.Steps[0]
	assert.Equal(t, "WETH", step.Base.Symbol)
	assert.Equal(t, "USDC", step.Quote.Symbol)
	assert.Equal(t, "uniswap_v3", step.Venue)
	assert.Equal(t, "0xrecipient", step.Recipient)
	// 0.333055703608081240 * 0.99, truncated toward zero at 18 places.
	assert.Equal(t, "0.329725146572000427", step.MinOut.String())
}

func TestPlanDisposeSwapsPair(t *testing.T) {
	var gotBase, gotQuote string
	route := func(_ context.Context, base, quote schema.Asset, _ decimal.Decimal) (Route, error) {
		gotBase, gotQuote = base.Symbol, quote.Symbol
		return Route{AmountOut: decimal.NewFromInt(2990)}, nil
	}

	broker := bus.NewBroker(bus.DefaultConfig())
	t.Cleanup(broker.Close)
	capture, err := broker.SubscribeQueue(schema.PatternPlan, "capture")
	require.NoError(t, err)

	intent := plannerIntent()
	intent.IntentType = schema.IntentTypeDispose
	intent.AmountIn = decimal.NewFromInt(1)
	corr := schema.CorrelationIDFor(intent.IntentID)
	submitted, err := schema.NewEnvelope(schema.TopicIntentSubmitted, intent, corr, nil, 1)
	require.NoError(t, err)
	accepted, err := schema.NewEnvelope(schema.TopicIntentAccepted,
		schema.IntentAccepted{IntentID: intent.IntentID}, corr, &submitted.EventID, 3)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Recipient = "0xrecipient"
	p := New(cfg, broker, route, staticReader{events: []schema.Envelope{submitted}})
	require.NoError(t, p.plan(context.Background(), accepted))

	env := capturePlan(t, capture)
	require.Equal(t, schema.TopicPlanCreated, env.Topic)
	// Disposing WETH spends WETH for USDC.
	assert.Equal(t, "USDC", gotBase)
	assert.Equal(t, "WETH", gotQuote)
}

func TestPlanRejectedOnNoRoute(t *testing.T) {
	route := func(context.Context, schema.Asset, schema.Asset, decimal.Decimal) (Route, error) {
		return Route{}, errors.Wrap(ErrNoRoute, "WETH/USDC")
	}
	p, capture, accepted := harness(t, route, nil)
	require.NoError(t, p.plan(context.Background(), accepted))

	env := capturePlan(t, capture)
	assert.Equal(t, schema.TopicPlanRejected, env.Topic)
	payload, ok := env.Payload.(schema.PlanRejected)
	require.True(t, ok)
	assert.Equal(t, schema.ReasonNoRoute, payload.Reason)
}

func TestPlanRetriesTransientRouteFailures(t *testing.T) {
	calls := 0
	route := func(context.Context, schema.Asset, schema.Asset, decimal.Decimal) (Route, error) {
		calls++
		if calls < 3 {
			return Route{}, errors.New("router unavailable")
		}
		return Route{AmountOut: decimal.NewFromInt(1)}, nil
	}
	p, capture, accepted := harness(t, route, nil)
	require.NoError(t, p.plan(context.Background(), accepted))

	env := capturePlan(t, capture)
	assert.Equal(t, schema.TopicPlanCreated, env.Topic)
	assert.Equal(t, 3, calls)
}

func TestPlanDoesNotRetryNoRoute(t *testing.T) {
	calls := 0
	route := func(context.Context, schema.Asset, schema.Asset, decimal.Decimal) (Route, error) {
		calls++
		return Route{}, errors.Wrap(ErrNoRoute, "WETH/USDC")
	}
	p, capture, accepted := harness(t, route, nil)
	require.NoError(t, p.plan(context.Background(), accepted))

	capturePlan(t, capture)
	assert.Equal(t, 1, calls)
}

func TestPlanRouteTimeoutReason(t *testing.T) {
	route := func(ctx context.Context, _, _ schema.Asset, _ decimal.Decimal) (Route, error) {
		<-ctx.Done()
		return Route{}, ctx.Err()
	}
	p, capture, accepted := harness(t, route, nil)
	p.cfg.RouteTimeout = 10 * time.Millisecond
	p.cfg.RouteRetries = 0
	require.NoError(t, p.plan(context.Background(), accepted))

	env := capturePlan(t, capture)
	payload, ok := env.Payload.(schema.PlanRejected)
	require.True(t, ok)
	assert.Equal(t, schema.ReasonRouteTimeout, payload.Reason)
}

func TestLookupFallsBackToReader(t *testing.T) {
	route := func(context.Context, schema.Asset, schema.Asset, decimal.Decimal) (Route, error) {
		return Route{AmountOut: decimal.NewFromInt(1)}, nil
	}
	p, capture, accepted := harness(t, route, nil)

	// Cache is cold; the reader supplies intent.submitted.
	require.NoError(t, p.plan(context.Background(), accepted))
	env := capturePlan(t, capture)
	assert.Equal(t, schema.TopicPlanCreated, env.Topic)
}
