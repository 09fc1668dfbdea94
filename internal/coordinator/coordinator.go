package coordinator

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/eventlog"
	"main/internal/obs"
	"main/internal/readmodel"
	"main/internal/schema"
	"main/pkg/backoff"
)

// QueueGroup is the coordinator's durable queue group. It must have a
// single active member to preserve single-writer semantics.
const QueueGroup = "coordinator"

// Config controls coordinator behavior.
type Config struct {
	// GapWindow bounds how many out-of-order envelopes one correlation
	// may park before failing forward.
	GapWindow int
	// GapTimeout bounds how long a gap may stay open.
	GapTimeout time.Duration
	// ProjectionBackoff paces read-model write retries. The log is
	// truth; projection retries never give up.
	ProjectionBackoff backoff.Backoff
}

// DefaultConfig returns the baseline coordinator configuration.
func DefaultConfig() Config {
	return Config{
		GapWindow:  256,
		GapTimeout: 30 * time.Second,
		ProjectionBackoff: backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: 0.2,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.GapWindow <= 0 {
		c.GapWindow = 256
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 30 * time.Second
	}
	return c
}

// Coordinator is the single writer of durable state. It consumes every
// domain topic, claims each event id once, enforces per-correlation
// sequencing, appends to the log, and projects read models.
type Coordinator struct {
	cfg     Config
	broker  *bus.Broker
	log     eventlog.Store
	models  *readmodel.Store
	metrics *obs.Metrics

	mu    sync.Mutex
	corrs map[string]*correlation

	wg sync.WaitGroup
}

// correlation holds the coordinator's in-memory view of one intent's
// stream: its lock, sequence high-water mark, and parked gap entries.
type correlation struct {
	sync.Mutex
	id        string
	lastSeq   uint64
	seqLoaded bool
	parked    map[uint64]schema.Envelope
	gapSince  time.Time
}

// New creates a coordinator.
func New(cfg Config, broker *bus.Broker, log eventlog.Store, models *readmodel.Store, metrics *obs.Metrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		broker:  broker,
		log:     log,
		models:  models,
		metrics: metrics,
		corrs:   make(map[string]*correlation),
	}
}

// Run subscribes to every domain topic class and consumes until the
// context is done. The in-flight envelope is finished before exit.
func (c *Coordinator) Run(ctx context.Context) error {
	patterns := []schema.Topic{schema.PatternIntent, schema.PatternRisk, schema.PatternPlan, schema.PatternExec}
	subs := make([]*bus.QueueSub, 0, len(patterns))
	for _, pattern := range patterns {
		sub, err := c.broker.SubscribeQueue(pattern, QueueGroup)
		if err != nil {
			return errors.Wrap(err, "subscribe").With("pattern", pattern)
		}
		subs = append(subs, sub)
	}

	for _, sub := range subs {
		c.wg.Add(1)
		go func(sub *bus.QueueSub) {
			defer c.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env, ok := <-sub.C():
					if !ok {
						return
					}
					c.handle(ctx, sub, env)
				}
			}
		}(sub)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case <-ticker.C:
			c.expireGaps(ctx)
		}
	}
}

// handle runs the claim → sequence → append → project pipeline for one
// envelope under its correlation lock.
func (c *Coordinator) handle(ctx context.Context, sub *bus.QueueSub, env schema.Envelope) {
	corr := c.correlation(env.CorrelationID)
	corr.Lock()
	defer corr.Unlock()

	claimed, err := c.models.ClaimSeen(ctx, env.EventID)
	if err != nil {
		logs.Errorf("claim seen %s, err: %+v", env.EventID, err)
		sub.Nack(env.EventID)
		return
	}
	if !claimed {
		sub.Ack(env.EventID)
		return
	}

	if err := c.process(ctx, corr, env); err != nil {
		// Release the claim so the redelivered envelope reruns the
		// pipeline from the top.
		if releaseErr := c.models.ReleaseSeen(ctx, env.EventID); releaseErr != nil {
			logs.Errorf("release seen %s, err: %+v", env.EventID, releaseErr)
		}
		logs.Errorf("process %s on %s, err: %+v", env.EventID, env.Topic, err)
		sub.Nack(env.EventID)
		return
	}
	sub.Ack(env.EventID)
}

// process sequences, appends, and projects. Callers hold the
// correlation lock and have claimed the event id.
func (c *Coordinator) process(ctx context.Context, corr *correlation, env schema.Envelope) error {
	if err := c.loadSequence(ctx, corr); err != nil {
		return err
	}

	seq := env.Sequence
	switch {
	case seq == 0:
		seq = corr.lastSeq + 1
		env.Sequence = seq
	case seq <= corr.lastSeq:
		// First writer wins; drop the latecomer.
		c.metrics.IncSequenceConflict()
		logs.Warnf("sequence conflict on %s: seq %d <= %d", corr.id, seq, corr.lastSeq)
		return nil
	case seq > corr.lastSeq+1:
		c.park(corr, env)
		return nil
	}

	if err := c.commit(ctx, corr, env); err != nil {
		return err
	}
	c.releaseParked(ctx, corr)
	return nil
}

// commit appends the envelope and projects it. The sequence advance is
// recorded with the append; the projection is idempotent under
// re-apply, so a crash between the two re-converges on redelivery.
func (c *Coordinator) commit(ctx context.Context, corr *correlation, env schema.Envelope) error {
	started := time.Now()
	if err := c.log.Append(ctx, env); err != nil && !stderrors.Is(err, eventlog.ErrDuplicateEvent) {
		return errors.Wrap(err, "append")
	}
	c.metrics.ObserveAppend(time.Since(started))

	corr.lastSeq = env.Sequence
	if err := c.models.SetLastSequence(ctx, corr.id, corr.lastSeq); err != nil {
		logs.Warnf("record sequence for %s, err: %+v", corr.id, err)
	}

	c.project(ctx, corr, env)
	return nil
}

// project applies the reducer and writes the touched read models back,
// retrying forever on write failure.
func (c *Coordinator) project(ctx context.Context, corr *correlation, env schema.Envelope) {
	if !env.Topic.IsValid() {
		// Stored verbatim for newer writers; nothing to project.
		return
	}

	started := time.Now()
	state, err := c.loadState(ctx, corr, env)
	if err != nil {
		logs.Errorf("load state for %s, err: %+v", corr.id, err)
		return
	}

	touchedPlan, err := state.Apply(env)
	if err != nil {
		c.metrics.IncInvalidTransition()
		logs.Warnf("invalid transition %s in state %s on %s", env.Topic, state.Intent.State, corr.id)
		return
	}

	for attempt := 1; ; attempt++ {
		err := c.writeState(ctx, state, touchedPlan)
		if err == nil {
			break
		}
		c.metrics.IncProjectionRetry()
		logs.Errorf("write read model for %s (attempt %d), err: %+v", corr.id, attempt, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ProjectionBackoff.Next(attempt)):
		}
	}
	c.metrics.ObserveProject(time.Since(started))
}

func (c *Coordinator) loadState(ctx context.Context, corr *correlation, env schema.Envelope) (CorrelationState, error) {
	state := NewCorrelationState()

	intent, err := c.models.GetIntent(ctx, IntentIDOf(corr.id))
	switch {
	case err == nil:
		state.Intent = intent
	case stderrors.Is(err, readmodel.ErrNotFound):
	default:
		return state, err
	}

	if planID, ok := PlanID(env); ok && !planID.IsZero() {
		plan, err := c.models.GetPlan(ctx, planID)
		switch {
		case err == nil:
			state.Plans[planID] = plan
		case stderrors.Is(err, readmodel.ErrNotFound):
		default:
			return state, err
		}
	}
	return state, nil
}

func (c *Coordinator) writeState(ctx context.Context, state CorrelationState, touchedPlan schema.EventID) error {
	if err := c.models.PutIntent(ctx, state.Intent); err != nil {
		return err
	}
	if !touchedPlan.IsZero() {
		if err := c.models.PutPlan(ctx, state.Plans[touchedPlan]); err != nil {
			return err
		}
	}
	return nil
}

// park holds an out-of-order envelope until the gap fills or times out.
// Oversized gaps fail forward immediately.
func (c *Coordinator) park(corr *correlation, env schema.Envelope) {
	if corr.parked == nil {
		corr.parked = make(map[uint64]schema.Envelope)
	}
	if len(corr.parked) == 0 {
		corr.gapSince = time.Now()
	}
	corr.parked[env.Sequence] = env
	if len(corr.parked) > c.cfg.GapWindow {
		c.failForward(context.Background(), corr)
	}
}

// releaseParked applies parked envelopes that became contiguous.
func (c *Coordinator) releaseParked(ctx context.Context, corr *correlation) {
	for {
		env, ok := corr.parked[corr.lastSeq+1]
		if !ok {
			break
		}
		delete(corr.parked, corr.lastSeq+1)
		if err := c.commit(ctx, corr, env); err != nil {
			logs.Errorf("commit parked %s, err: %+v", env.EventID, err)
			break
		}
	}
	if len(corr.parked) == 0 {
		corr.gapSince = time.Time{}
	}
}

// failForward advances past a gap that will not fill and applies
// whatever is parked in order.
func (c *Coordinator) failForward(ctx context.Context, corr *correlation) {
	c.metrics.IncSequenceGap()
	var next uint64
	for seq := range corr.parked {
		if next == 0 || seq < next {
			next = seq
		}
	}
	if next == 0 {
		return
	}
	logs.Warnf("sequence gap on %s: advancing %d -> %d", corr.id, corr.lastSeq, next-1)
	corr.lastSeq = next - 1
	if err := c.models.SetLastSequence(ctx, corr.id, corr.lastSeq); err != nil {
		logs.Warnf("record sequence for %s, err: %+v", corr.id, err)
	}
	c.releaseParked(ctx, corr)
}

// expireGaps fails forward every correlation whose gap timed out.
func (c *Coordinator) expireGaps(ctx context.Context) {
	c.mu.Lock()
	corrs := make([]*correlation, 0, len(c.corrs))
	for _, corr := range c.corrs {
		corrs = append(corrs, corr)
	}
	c.mu.Unlock()

	now := time.Now()
	for _, corr := range corrs {
		corr.Lock()
		if len(corr.parked) > 0 && !corr.gapSince.IsZero() && now.Sub(corr.gapSince) >= c.cfg.GapTimeout {
			c.failForward(ctx, corr)
		}
		corr.Unlock()
	}
}

func (c *Coordinator) correlation(id string) *correlation {
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.corrs[id]
	if !ok {
		corr = &correlation{id: id}
		c.corrs[id] = corr
	}
	return corr
}

// loadSequence primes the in-memory high-water mark from the stores.
// The log is authoritative when the KV lags behind it.
func (c *Coordinator) loadSequence(ctx context.Context, corr *correlation) error {
	if corr.seqLoaded {
		return nil
	}
	fromKV, err := c.models.LastSequence(ctx, corr.id)
	if err != nil {
		return err
	}
	fromLog, err := c.log.LastSequence(ctx, corr.id)
	if err != nil {
		return err
	}
	corr.lastSeq = fromKV
	if fromLog > corr.lastSeq {
		corr.lastSeq = fromLog
	}
	corr.seqLoaded = true
	return nil
}

// IntentIDOf extracts the intent id from a correlation id.
func IntentIDOf(correlationID string) schema.EventID {
	return schema.EventID(strings.TrimPrefix(correlationID, "intent-"))
}
