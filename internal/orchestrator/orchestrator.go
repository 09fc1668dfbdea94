package orchestrator

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/obs"
	"main/internal/schema"
	"main/internal/venue"
	"main/pkg/backoff"
)

// QueueGroup is the orchestrator's durable queue group.
const QueueGroup = "orchestrator.workers"

var ErrNoSteps = errors.New("plan has no steps")

// EventsReader looks up a correlation's stored envelopes to recover the
// intent constraints a plan executes under.
type EventsReader interface {
	GetEvents(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error)
}

// Config controls orchestrator behavior.
type Config struct {
	// MaxAttempts bounds total submissions per plan step.
	MaxAttempts int
	// AwaitReceiptTimeout caps one receipt wait.
	AwaitReceiptTimeout time.Duration
	// Retry paces re-submissions.
	Retry backoff.Backoff
}

// DefaultConfig returns the baseline orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:         3,
		AwaitReceiptTimeout: 120 * time.Second,
		Retry:               backoff.Default(),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AwaitReceiptTimeout <= 0 {
		c.AwaitReceiptTimeout = 120 * time.Second
	}
	if c.Retry == (backoff.Backoff{}) {
		c.Retry = backoff.Default()
	}
	return c
}

// Orchestrator consumes created plans and drives each through the
// submit/await lifecycle against the venue adapter.
type Orchestrator struct {
	cfg     Config
	broker  *bus.Broker
	adapter venue.Adapter
	reader  EventsReader
	metrics *obs.Metrics

	mu      sync.Mutex
	started map[schema.EventID]struct{}
}

// New creates an orchestrator.
func New(cfg Config, broker *bus.Broker, adapter venue.Adapter, reader EventsReader, metrics *obs.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		broker:  broker,
		adapter: adapter,
		reader:  reader,
		metrics: metrics,
		started: make(map[schema.EventID]struct{}),
	}
}

// Run consumes plan.created until the context is done, finishing the
// in-flight plan first.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub, err := o.broker.SubscribeQueue(schema.TopicPlanCreated, QueueGroup)
	if err != nil {
		return errors.Wrap(err, "subscribe plan.created")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := o.execute(ctx, env); err != nil {
				logs.Errorf("execute plan %s, err: %+v", env.EventID, err)
				sub.Nack(env.EventID)
				continue
			}
			sub.Ack(env.EventID)
		}
	}
}

// emitter threads sequence numbers and causation through one plan's
// emissions.
type emitter struct {
	broker  *bus.Broker
	corr    string
	nextSeq uint64
	lastID  schema.EventID
}

func (e *emitter) publish(ctx context.Context, topic schema.Topic, payload schema.ExecEvent) error {
	cause := e.lastID
	env, err := schema.NewEnvelope(topic, payload, e.corr, &cause, e.nextSeq+1)
	if err != nil {
		return err
	}
	if _, err := e.broker.Publish(ctx, env); err != nil {
		return errors.Wrap(err, "publish").With("topic", topic)
	}
	e.nextSeq++
	e.lastID = env.EventID
	return nil
}

// execute runs the step state machine for one plan envelope:
// Planned → Building → Submitted → Awaiting → Filled|Reverted|TimedOut.
// Returning an error nacks the envelope for redelivery.
func (o *Orchestrator) execute(ctx context.Context, env schema.Envelope) error {
	plan, ok := env.Payload.(schema.ExecutionPlan)
	if !ok {
		return errors.New("plan.created payload is not an execution plan")
	}
	if len(plan.Steps) == 0 {
		return ErrNoSteps
	}
	step := plan.Steps[0]

	deadline, err := o.deadlineFor(ctx, env.CorrelationID)
	if err != nil {
		return err
	}

	emit := &emitter{broker: o.broker, corr: env.CorrelationID, nextSeq: env.Sequence, lastID: env.EventID}
	base := schema.ExecEvent{PlanID: plan.PlanID, IntentID: plan.IntentID}

	var lastReason schema.Reason
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return o.fail(ctx, emit, base, schema.ReasonDeadlineExceeded)
		}

		// Building: a fresh tx per attempt, deadline re-derived.
		tx, err := o.adapter.BuildSwapTx(ctx, step.Base, step.Quote, step.AmountIn, step.MinOut, step.Recipient, deadline)
		if err != nil {
			if venue.IsTransient(err) && o.wait(ctx, attempt, deadline) {
				lastReason = schema.ReasonMaxAttemptsExceeded
				continue
			}
			return o.fail(ctx, emit, base, schema.ReasonMaxAttemptsExceeded)
		}

		if o.claimStarted(plan.PlanID) {
			if err := emit.publish(ctx, schema.TopicExecStarted, base); err != nil {
				o.releaseStarted(plan.PlanID)
				return err
			}
		}

		o.metrics.IncExecAttempt()
		txHash, err := o.adapter.SubmitTx(ctx, tx)
		if err != nil {
			if venue.IsTransient(err) && o.wait(ctx, attempt, deadline) {
				lastReason = schema.ReasonMaxAttemptsExceeded
				continue
			}
			return o.fail(ctx, emit, base, schema.ReasonMaxAttemptsExceeded)
		}

		submitted := base
		submitted.TxHash = txHash
		if err := emit.publish(ctx, schema.TopicExecStepSubmitted, submitted); err != nil {
			return err
		}

		await := o.cfg.AwaitReceiptTimeout
		if remaining = time.Until(deadline); remaining < await {
			await = remaining
		}
		// The await is bounded by the intent deadline even when the
		// adapter ignores its timeout.
		awaitCtx, cancel := context.WithDeadline(ctx, deadline)
		receipt, err := o.adapter.WaitReceipt(awaitCtx, txHash, await)
		cancel()
		switch {
		case err == nil && receipt.Status == venue.ReceiptSuccess:
			return o.complete(ctx, emit, submitted, receipt)
		case err == nil && receipt.Status == venue.ReceiptReverted:
			logs.Warnf("plan %s attempt %d reverted (tx %s)", plan.PlanID, attempt, txHash)
			lastReason = schema.ReasonReverted
			if !o.wait(ctx, attempt, deadline) {
				return o.finalCheck(ctx, emit, submitted, schema.ReasonDeadlineExceeded)
			}
		case venue.IsTransient(err):
			logs.Warnf("plan %s attempt %d await failed, err: %+v", plan.PlanID, attempt, err)
			lastReason = schema.ReasonMaxAttemptsExceeded
			if !o.wait(ctx, attempt, deadline) {
				return o.finalCheck(ctx, emit, submitted, schema.ReasonDeadlineExceeded)
			}
		case stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return o.finalCheck(ctx, emit, submitted, schema.ReasonDeadlineExceeded)
		default:
			return o.finalCheck(ctx, emit, submitted, schema.ReasonMaxAttemptsExceeded)
		}
	}

	if lastReason == "" {
		lastReason = schema.ReasonMaxAttemptsExceeded
	}
	return o.fail(ctx, emit, base, lastReason)
}

// complete publishes the fill and the terminal success.
func (o *Orchestrator) complete(ctx context.Context, emit *emitter, submitted schema.ExecEvent, receipt venue.Receipt) error {
	filled := submitted
	filled.AmountOut = receipt.AmountOut
	filled.GasUsed = receipt.GasUsed
	if err := emit.publish(ctx, schema.TopicExecStepFilled, filled); err != nil {
		return err
	}
	completed := filled
	return emit.publish(ctx, schema.TopicExecCompleted, completed)
}

// fail publishes the terminal failure.
func (o *Orchestrator) fail(ctx context.Context, emit *emitter, base schema.ExecEvent, reason schema.Reason) error {
	failed := base
	failed.Reason = reason
	return emit.publish(ctx, schema.TopicExecFailed, failed)
}

// finalCheck runs when the deadline interrupts an in-flight tx: if a
// receipt is already observable the fill is reported, otherwise the
// plan fails with the given reason.
func (o *Orchestrator) finalCheck(ctx context.Context, emit *emitter, submitted schema.ExecEvent, reason schema.Reason) error {
	if submitted.TxHash != "" {
		checkCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		receipt, err := o.adapter.WaitReceipt(checkCtx, submitted.TxHash, time.Millisecond)
		cancel()
		if err == nil && receipt.Status == venue.ReceiptSuccess {
			return o.complete(ctx, emit, submitted, receipt)
		}
	}
	return o.fail(ctx, emit, submitted, reason)
}

// wait sleeps the retry backoff, bounded by the deadline. False means
// the deadline (or shutdown) arrived first.
func (o *Orchestrator) wait(ctx context.Context, attempt int, deadline time.Time) bool {
	if attempt >= o.cfg.MaxAttempts {
		return true
	}
	delay := o.cfg.Retry.Next(attempt)
	if time.Until(deadline) <= delay {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// deadlineFor recovers the intent's execution window from the log.
func (o *Orchestrator) deadlineFor(ctx context.Context, correlationID string) (time.Time, error) {
	events, err := o.reader.GetEvents(ctx, correlationID, 0)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "load events").With("correlationId", correlationID)
	}
	for _, env := range events {
		if env.Topic != schema.TopicIntentSubmitted {
			continue
		}
		payload, ok := env.Payload.(schema.Intent)
		if !ok {
			break
		}
		return payload.SubmittedAt.Add(time.Duration(payload.Constraints.TimeWindowMS) * time.Millisecond), nil
	}
	return time.Time{}, errors.New("intent.submitted not found for " + correlationID)
}

func (o *Orchestrator) claimStarted(planID schema.EventID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.started[planID]; ok {
		return false
	}
	o.started[planID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseStarted(planID schema.EventID) {
	o.mu.Lock()
	delete(o.started, planID)
	o.mu.Unlock()
}
