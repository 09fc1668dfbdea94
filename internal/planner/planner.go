package planner

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
)

// QueueGroup is the planner's durable queue group.
const QueueGroup = "planner.workers"

var one = decimal.NewFromInt(1)

// EventsReader looks up a correlation's stored envelopes. Used as the
// fallback when the local intent cache misses.
type EventsReader interface {
	GetEvents(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error)
}

// Config controls planner behavior.
type Config struct {
	// Venue names the venue every plan step targets.
	Venue string
	// Recipient receives the swap output.
	Recipient string
	// RouteTimeout bounds one route call.
	RouteTimeout time.Duration
	// RouteRetries is how many extra route attempts follow a transient
	// failure.
	RouteRetries int
	// EstimatedCost is the flat per-step cost estimate attached to
	// plans, in quote units.
	EstimatedCost decimal.Decimal
	// EstimatedStepMS is the per-step duration estimate.
	EstimatedStepMS int64
	// CacheLimit bounds the local intent cache.
	CacheLimit int
}

func (c Config) withDefaults() Config {
	if c.Venue == "" {
		c.Venue = "uniswap_v3"
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = 5 * time.Second
	}
	if c.RouteRetries < 0 {
		c.RouteRetries = 0
	}
	if c.EstimatedStepMS <= 0 {
		c.EstimatedStepMS = 15_000
	}
	if c.CacheLimit <= 0 {
		c.CacheLimit = 4096
	}
	return c
}

// DefaultConfig returns the baseline planner configuration: one route
// retry budget of two, matching the transient-failure policy.
func DefaultConfig() Config {
	cfg := Config{RouteRetries: 2}
	return cfg.withDefaults()
}

// Planner consumes accepted intents and turns each into a single-step
// execution plan. It holds no state between deliveries beyond the
// intent payload cache.
type Planner struct {
	cfg    Config
	broker *bus.Broker
	route  RouteFunc
	reader EventsReader

	mu    sync.Mutex
	cache map[string]schema.Intent
}

// New creates a planner.
func New(cfg Config, broker *bus.Broker, route RouteFunc, reader EventsReader) *Planner {
	return &Planner{
		cfg:    cfg.withDefaults(),
		broker: broker,
		route:  route,
		reader: reader,
		cache:  make(map[string]schema.Intent),
	}
}

// Run consumes intent.accepted via the planner queue group and caches
// intent payloads from a live tap on intent.submitted. It returns when
// the context is done, finishing the in-flight envelope first.
func (p *Planner) Run(ctx context.Context) error {
	sub, err := p.broker.SubscribeQueue(schema.TopicIntentAccepted, QueueGroup)
	if err != nil {
		return errors.Wrap(err, "subscribe accepted")
	}
	tap, err := p.broker.SubscribeEphemeral(schema.TopicIntentSubmitted)
	if err != nil {
		return errors.Wrap(err, "subscribe submitted tap")
	}
	defer tap.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-tap.C():
			if !ok {
				return nil
			}
			p.remember(env)
		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := p.plan(ctx, env); err != nil {
				logs.Errorf("plan %s, err: %+v", env.EventID, err)
				sub.Nack(env.EventID)
				continue
			}
			sub.Ack(env.EventID)
		}
	}
}

// plan turns one accepted intent into plan.created or plan.rejected.
// Duplicate deliveries are tolerated: the coordinator deduplicates by
// sequence downstream.
func (p *Planner) plan(ctx context.Context, env schema.Envelope) error {
	intent, err := p.lookup(ctx, env.CorrelationID)
	if err != nil {
		return err
	}

	// The swap spends the quote-side asset and receives the base side.
	// Disposals spend the target instead.
	base, quote := intent.Target(), intent.Quote()
	if intent.IntentType == schema.IntentTypeDispose {
		base, quote = quote, base
	}

	route, err := p.findRoute(ctx, base, quote, intent.AmountIn)
	if err != nil {
		reason := classifyRouteErr(err)
		logs.Warnf("route %s/%s failed (%s), err: %+v", base.Symbol, quote.Symbol, reason, err)
		return p.publishRejected(ctx, env, intent, reason)
	}

	minOut := route.AmountOut.Mul(one.Sub(intent.Constraints.MaxSlippage)).Truncate(base.Decimals)
	plan := schema.ExecutionPlan{
		PlanID:   schema.NewID(),
		IntentID: intent.IntentID,
		Steps: []schema.PlanStep{{
			Venue:     p.venueFor(intent),
			Base:      base,
			Quote:     quote,
			AmountIn:  intent.AmountIn,
			MinOut:    minOut,
			Recipient: p.cfg.Recipient,
		}},
		EstimatedCost:       p.cfg.EstimatedCost,
		EstimatedDurationMS: p.cfg.EstimatedStepMS,
	}

	created, err := schema.NewEnvelope(schema.TopicPlanCreated, plan, env.CorrelationID, &env.EventID, env.Sequence+1)
	if err != nil {
		return err
	}
	if _, err := p.broker.Publish(ctx, created); err != nil {
		return errors.Wrap(err, "publish plan.created")
	}
	p.forget(env.CorrelationID)
	return nil
}

func (p *Planner) findRoute(ctx context.Context, base, quote schema.Asset, amountIn decimal.Decimal) (Route, error) {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.RouteRetries; attempt++ {
		routeCtx, cancel := context.WithTimeout(ctx, p.cfg.RouteTimeout)
		route, err := p.route(routeCtx, base, quote, amountIn)
		cancel()
		if err == nil {
			if route.AmountOut.Sign() <= 0 {
				return Route{}, errors.Wrap(ErrNoRoute, "empty route output")
			}
			return route, nil
		}
		lastErr = err
		if !retryableRoute(err) || ctx.Err() != nil {
			break
		}
	}
	return Route{}, lastErr
}

func (p *Planner) publishRejected(ctx context.Context, env schema.Envelope, intent schema.Intent, reason schema.Reason) error {
	rejected, err := schema.NewEnvelope(schema.TopicPlanRejected,
		schema.PlanRejected{IntentID: intent.IntentID, Reason: reason},
		env.CorrelationID, &env.EventID, env.Sequence+1)
	if err != nil {
		return err
	}
	if _, err := p.broker.Publish(ctx, rejected); err != nil {
		return errors.Wrap(err, "publish plan.rejected")
	}
	p.forget(env.CorrelationID)
	return nil
}

func (p *Planner) venueFor(intent schema.Intent) string {
	if venues := intent.Constraints.AllowedVenues; len(venues) > 0 {
		return venues[0]
	}
	return p.cfg.Venue
}

// lookup resolves the intent payload for a correlation: local cache
// first, the durable log as fallback.
func (p *Planner) lookup(ctx context.Context, correlationID string) (schema.Intent, error) {
	p.mu.Lock()
	intent, ok := p.cache[correlationID]
	p.mu.Unlock()
	if ok {
		return intent, nil
	}

	if p.reader == nil {
		return schema.Intent{}, errors.New("intent not cached and no events reader: " + correlationID)
	}
	events, err := p.reader.GetEvents(ctx, correlationID, 0)
	if err != nil {
		return schema.Intent{}, errors.Wrap(err, "load events").With("correlationId", correlationID)
	}
	for _, env := range events {
		if env.Topic == schema.TopicIntentSubmitted {
			if payload, ok := env.Payload.(schema.Intent); ok {
				return payload, nil
			}
		}
	}
	return schema.Intent{}, errors.New("intent.submitted not found for " + correlationID)
}

func (p *Planner) remember(env schema.Envelope) {
	payload, ok := env.Payload.(schema.Intent)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= p.cfg.CacheLimit {
		for key := range p.cache {
			delete(p.cache, key)
			break
		}
	}
	p.cache[env.CorrelationID] = payload
}

func (p *Planner) forget(correlationID string) {
	p.mu.Lock()
	delete(p.cache, correlationID)
	p.mu.Unlock()
}
