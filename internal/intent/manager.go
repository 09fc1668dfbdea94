package intent

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/risk"
	"main/internal/schema"
	"main/pkg/backoff"
)

// publishAttempts bounds retries for the post-approval publishes.
const publishAttempts = 3

// Config controls manager behavior.
type Config struct {
	// PublishBackoff paces publish retries.
	PublishBackoff backoff.Backoff
}

func (c Config) withDefaults() Config {
	if c.PublishBackoff == (backoff.Backoff{}) {
		c.PublishBackoff = backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    time.Second,
			Factor: 2,
			Jitter: 0.2,
		}
	}
	return c
}

// Manager accepts intent submissions and emits the submitted → risk →
// accepted chain. It writes to no store; the event log is the
// coordinator's job.
type Manager struct {
	cfg    Config
	broker *bus.Broker
	risk   *risk.Engine
}

// NewManager creates an intent manager.
func NewManager(cfg Config, broker *bus.Broker, riskEngine *risk.Engine) *Manager {
	return &Manager{cfg: cfg.withDefaults(), broker: broker, risk: riskEngine}
}

// Submit validates the submission, publishes intent.submitted, runs the
// risk gate, and publishes the gate's verdict. It returns once the
// chain's publishes are acknowledged. Validation failures surface
// synchronously and emit nothing.
func (m *Manager) Submit(ctx context.Context, sub Submission) (schema.EventID, error) {
	if faults := Validate(sub); len(faults) > 0 {
		return "", validationErr(faults)
	}

	intentID := schema.NewID()
	correlationID := schema.CorrelationIDFor(intentID)
	payload := schema.Intent{
		IntentID:    intentID,
		IntentType:  sub.IntentType,
		Assets:      sub.Assets,
		AmountIn:    sub.AmountIn,
		Constraints: sub.Constraints,
		SubmittedAt: time.Now().UTC(),
	}

	submitted, err := schema.NewEnvelope(schema.TopicIntentSubmitted, payload, correlationID, nil, 1)
	if err != nil {
		return "", err
	}
	if _, err := m.broker.Publish(ctx, submitted); err != nil {
		return "", errors.Wrap(err, "publish intent.submitted")
	}

	decision := m.risk.Evaluate(payload)
	if !decision.Approved {
		rejected, err := schema.NewEnvelope(schema.TopicRiskRejected,
			schema.RiskResult{IntentID: intentID, Approved: false, Reason: decision.Reason},
			correlationID, &submitted.EventID, 2)
		if err != nil {
			return "", err
		}
		if err := m.publishWithRetry(ctx, rejected); err != nil {
			return "", errors.Wrap(err, "publish risk.rejected")
		}
		logs.Infof("intent %s rejected: %s", intentID, decision.Reason)
		return intentID, nil
	}

	approved, err := schema.NewEnvelope(schema.TopicRiskApproved,
		schema.RiskResult{IntentID: intentID, Approved: true},
		correlationID, &submitted.EventID, 2)
	if err != nil {
		return "", err
	}
	if err := m.publishWithRetry(ctx, approved); err != nil {
		return "", errors.Wrap(err, "publish risk.approved")
	}

	accepted, err := schema.NewEnvelope(schema.TopicIntentAccepted,
		schema.IntentAccepted{IntentID: intentID},
		correlationID, &approved.EventID, 3)
	if err != nil {
		return "", err
	}
	if err := m.publishWithRetry(ctx, accepted); err != nil {
		// The approval is on the wire; surface the stall on the stream
		// instead of failing silently.
		logs.Errorf("publish intent.accepted for %s, err: %+v", intentID, err)
		failed, buildErr := schema.NewEnvelope(schema.TopicIntentFailed,
			schema.IntentFailed{IntentID: intentID, Reason: schema.ReasonAcceptPublishFailed},
			correlationID, &approved.EventID, 3)
		if buildErr != nil {
			return "", buildErr
		}
		if pubErr := m.publishWithRetry(ctx, failed); pubErr != nil {
			return "", errors.Wrap(pubErr, "publish intent.failed")
		}
		return intentID, nil
	}

	logs.Infof("intent %s accepted", intentID)
	return intentID, nil
}

// publishWithRetry publishes with jittered retries. A server-side
// duplicate suppression counts as delivered.
func (m *Manager) publishWithRetry(ctx context.Context, env schema.Envelope) error {
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		_, err := m.broker.Publish(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PublishBackoff.Next(attempt)):
		}
	}
	return lastErr
}
