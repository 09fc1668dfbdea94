package intent

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/bus"
	"main/internal/risk"
	"main/internal/schema"
)

func submission() Submission {
	return Submission{
		IntentType: schema.IntentTypeAcquire,
		Assets: [2]schema.Asset{
			{Symbol: "WETH", ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			{Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		},
		AmountIn: decimal.RequireFromString("1000.00"),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   300_000,
			ExecutionStyle: schema.ExecutionStyleAdaptive,
		},
	}
}

func drain(t *testing.T, sub *bus.QueueSub, n int) []schema.Envelope {
	t.Helper()
	out := make([]schema.Envelope, 0, n)
	for len(out) < n {
		select {
		case env := <-sub.C():
			sub.Ack(env.EventID)
			out = append(out, env)
		case <-time.After(time.Second):
			t.Fatalf("expected %d envelopes, got %d", n, len(out))
		}
	}
	return out
}

func TestSubmitHappyChain(t *testing.T) {
	broker := bus.NewBroker(bus.DefaultConfig())
	defer broker.Close()
	intents, err := broker.SubscribeQueue(schema.PatternIntent, "capture")
	require.NoError(t, err)
	risks, err := broker.SubscribeQueue(schema.PatternRisk, "capture")
	require.NoError(t, err)

	manager := NewManager(Config{}, broker, risk.NewEngine(risk.DefaultConfig(), nil))
	intentID, err := manager.Submit(context.Background(), submission())
	require.NoError(t, err)
	require.False(t, intentID.IsZero())

	corr := schema.CorrelationIDFor(intentID)
	intentEvents := drain(t, intents, 2)
	riskEvents := drain(t, risks, 1)

	submitted := intentEvents[0]
	assert.Equal(t, schema.TopicIntentSubmitted, submitted.Topic)
	assert.Equal(t, uint64(1), submitted.Sequence)
	assert.Equal(t, corr, submitted.CorrelationID)
	assert.Nil(t, submitted.CausationID)
	payload, ok := submitted.Payload.(schema.Intent)
	require.True(t, ok)
	assert.Equal(t, intentID, payload.IntentID)
	assert.Equal(t, intentID, submitted.EventID, "intent id is the submitted event id")

	approved := riskEvents[0]
	assert.Equal(t, schema.TopicRiskApproved, approved.Topic)
	assert.Equal(t, uint64(2), approved.Sequence)
	require.NotNil(t, approved.CausationID)
	assert.Equal(t, submitted.EventID, *approved.CausationID)

	accepted := intentEvents[1]
	assert.Equal(t, schema.TopicIntentAccepted, accepted.Topic)
	assert.Equal(t, uint64(3), accepted.Sequence)
	require.NotNil(t, accepted.CausationID)
	assert.Equal(t, approved.EventID, *accepted.CausationID, "accepted is caused by risk.approved")
}

func TestSubmitRiskRejection(t *testing.T) {
	broker := bus.NewBroker(bus.DefaultConfig())
	defer broker.Close()
	intents, err := broker.SubscribeQueue(schema.PatternIntent, "capture")
	require.NoError(t, err)
	risks, err := broker.SubscribeQueue(schema.PatternRisk, "capture")
	require.NoError(t, err)

	manager := NewManager(Config{}, broker, risk.NewEngine(risk.DefaultConfig(), nil))
	sub := submission()
	sub.Constraints.MaxSlippage = decimal.RequireFromString("0.1")

	intentID, err := manager.Submit(context.Background(), sub)
	require.NoError(t, err)

	rejected := drain(t, risks, 1)[0]
	assert.Equal(t, schema.TopicRiskRejected, rejected.Topic)
	assert.Equal(t, uint64(2), rejected.Sequence)
	payload, ok := rejected.Payload.(schema.RiskResult)
	require.True(t, ok)
	assert.Equal(t, schema.ReasonSlippageLimit, payload.Reason)
	assert.Equal(t, intentID, payload.IntentID)

	// No intent.accepted follows a rejection.
	drain(t, intents, 1)
	select {
	case env := <-intents.C():
		t.Fatalf("unexpected %s after rejection", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitValidationFailsSynchronously(t *testing.T) {
	broker := bus.NewBroker(bus.DefaultConfig())
	defer broker.Close()
	capture, err := broker.SubscribeQueue(schema.PatternIntent, "capture")
	require.NoError(t, err)

	manager := NewManager(Config{}, broker, risk.NewEngine(risk.DefaultConfig(), nil))

	bad := submission()
	bad.AmountIn = decimal.NewFromInt(-5)
	bad.Constraints.ExecutionStyle = "yolo"

	_, err = manager.Submit(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)

	select {
	case env := <-capture.C():
		t.Fatalf("validation failure must not emit events, got %s", env.Topic)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubmitFailsWhenBusIsDown(t *testing.T) {
	broker := bus.NewBroker(bus.DefaultConfig())
	broker.Close()

	manager := NewManager(Config{}, broker, risk.NewEngine(risk.DefaultConfig(), nil))
	_, err := manager.Submit(context.Background(), submission())
	require.Error(t, err)
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}

func TestValidateCollectsEveryFault(t *testing.T) {
	bad := Submission{}
	faults := Validate(bad)
	assert.GreaterOrEqual(t, len(faults), 5)

	good := submission()
	assert.Empty(t, Validate(good))

	slippageOne := submission()
	slippageOne.Constraints.MaxSlippage = decimal.NewFromInt(1)
	assert.Len(t, Validate(slippageOne), 1)
}
