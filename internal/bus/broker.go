package bus

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/obs"
	"main/internal/schema"
)

var (
	ErrBusClosed      = errors.New("bus closed")
	ErrInvalidPattern = errors.New("pattern not in registry")
)

// PublishResult reports how the broker handled a publish.
type PublishResult uint8

const (
	PublishUnknown PublishResult = iota
	PublishAcked
	PublishDuplicateSuppressed
)

// Config controls broker behavior.
type Config struct {
	DedupWindow        time.Duration
	AckTimeout         time.Duration
	RedeliveryInterval time.Duration
	GroupBuffer        int
	EphemeralBuffer    int
}

// DefaultConfig returns a baseline broker configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:        2 * time.Minute,
		AckTimeout:         5 * time.Second,
		RedeliveryInterval: 500 * time.Millisecond,
		GroupBuffer:        256,
		EphemeralBuffer:    64,
	}
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 2 * time.Minute
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.RedeliveryInterval <= 0 {
		c.RedeliveryInterval = 500 * time.Millisecond
	}
	if c.GroupBuffer <= 0 {
		c.GroupBuffer = 256
	}
	if c.EphemeralBuffer <= 0 {
		c.EphemeralBuffer = 64
	}
	return c
}

// Broker is the single logical in-process event broker. It deduplicates
// publishes by event id, load-balances queue groups with at-least-once
// delivery, and fans out best-effort ephemeral taps.
type Broker struct {
	cfg     Config
	metrics *obs.Metrics

	mu        sync.Mutex
	seen      map[schema.EventID]time.Time
	lastPrune time.Time
	groups    map[groupKey]*queueGroup
	taps      map[*EphemeralSub]struct{}
	closed    bool

	stop chan struct{}
	wg   sync.WaitGroup
}

type groupKey struct {
	pattern schema.Topic
	group   string
}

// NewBroker creates a broker and starts its redelivery scanner.
func NewBroker(cfg Config) *Broker {
	b := &Broker{
		cfg:    cfg.withDefaults(),
		seen:   make(map[schema.EventID]time.Time),
		groups: make(map[groupKey]*queueGroup),
		taps:   make(map[*EphemeralSub]struct{}),
		stop:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.scan()
	return b
}

// SetMetrics attaches publish counters. Call before the first publish.
func (b *Broker) SetMetrics(metrics *obs.Metrics) {
	b.metrics = metrics
}

// Publish delivers the envelope to every matching queue group and tap.
// Publishing the same event id twice within the dedup window is
// suppressed server-side.
func (b *Broker) Publish(ctx context.Context, env schema.Envelope) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishUnknown, err
	}
	if env.EventID.IsZero() {
		return PublishUnknown, errors.New("envelope missing event id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return PublishUnknown, ErrBusClosed
	}

	now := time.Now()
	if at, dup := b.seen[env.EventID]; dup && now.Sub(at) < b.cfg.DedupWindow {
		b.metrics.IncDuplicateSuppressed()
		return PublishDuplicateSuppressed, nil
	}
	b.pruneSeenLocked(now)
	b.seen[env.EventID] = now
	b.metrics.IncPublished()

	for key, group := range b.groups {
		if env.Topic.Match(key.pattern) {
			group.enqueue(env, now)
		}
	}
	for tap := range b.taps {
		if env.Topic.Match(tap.pattern) {
			tap.offer(env)
		}
	}
	return PublishAcked, nil
}

// SubscribeQueue joins a durable queue group. Members of the same
// (pattern, group) pair compete for envelopes; each delivery must be
// acked before the ack timeout or it is redelivered.
func (b *Broker) SubscribeQueue(pattern schema.Topic, group string) (*QueueSub, error) {
	if !pattern.IsValidPattern() {
		return nil, errors.Wrap(ErrInvalidPattern, string(pattern))
	}
	if group == "" {
		return nil, errors.New("queue group name is empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	key := groupKey{pattern: pattern, group: group}
	g, ok := b.groups[key]
	if !ok {
		g = newQueueGroup(key, b.cfg.GroupBuffer)
		b.groups[key] = g
	}
	return g.join(), nil
}

// SubscribeEphemeral attaches a best-effort live tap. The tap's buffer
// drops the oldest envelope on overflow and nothing is redelivered.
func (b *Broker) SubscribeEphemeral(pattern schema.Topic) (*EphemeralSub, error) {
	if !pattern.IsValidPattern() {
		return nil, errors.Wrap(ErrInvalidPattern, string(pattern))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	tap := newEphemeralSub(pattern, b.cfg.EphemeralBuffer, b.detach)
	b.taps[tap] = struct{}{}
	return tap, nil
}

// Close stops delivery. In-flight envelopes already handed to consumers
// stay with them.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	groups := make([]*queueGroup, 0, len(b.groups))
	for _, g := range b.groups {
		groups = append(groups, g)
	}
	taps := make([]*EphemeralSub, 0, len(b.taps))
	for tap := range b.taps {
		taps = append(taps, tap)
	}
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
	for _, g := range groups {
		g.close()
	}
	for _, tap := range taps {
		tap.close()
	}
}

func (b *Broker) detach(tap *EphemeralSub) {
	b.mu.Lock()
	delete(b.taps, tap)
	b.mu.Unlock()
}

// scan redelivers queue-group envelopes whose ack timed out.
func (b *Broker) scan() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.RedeliveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			groups := make([]*queueGroup, 0, len(b.groups))
			for _, g := range b.groups {
				groups = append(groups, g)
			}
			b.mu.Unlock()
			for _, g := range groups {
				for _, id := range g.redeliverExpired(now, b.cfg.AckTimeout) {
					logs.Debugf("redelivered event %s on group %s", id, g.key.group)
				}
			}
		}
	}
}

func (b *Broker) pruneSeenLocked(now time.Time) {
	if now.Sub(b.lastPrune) < b.cfg.DedupWindow {
		return
	}
	for id, at := range b.seen {
		if now.Sub(at) >= b.cfg.DedupWindow {
			delete(b.seen, id)
		}
	}
	b.lastPrune = now
}
