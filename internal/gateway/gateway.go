package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
)

// EventsReader replays stored envelopes for resume requests.
type EventsReader interface {
	GetEvents(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error)
}

// Config controls gateway behavior.
type Config struct {
	// QueueDepth bounds each connection's outbound queue.
	QueueDepth int
	// WriteTimeout bounds one websocket write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the baseline gateway configuration.
func DefaultConfig() Config {
	return Config{
		QueueDepth:   1024,
		WriteTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// SubscribeRequest is the client's subscription command.
type SubscribeRequest struct {
	Action        string   `json:"action"`
	Topics        []string `json:"topics"`
	CorrelationID string   `json:"correlationId,omitempty"`
	ResumeFrom    *uint64  `json:"resumeFrom,omitempty"`
}

// Control is a server-side control frame.
type Control struct {
	Control string `json:"control"`
	Error   string `json:"error,omitempty"`
}

// Gateway exposes the subscription and resume contract to live
// clients. Live envelopes ride ephemeral bus taps; history replays
// from the durable log.
type Gateway struct {
	cfg      Config
	broker   *bus.Broker
	reader   EventsReader
	upgrader websocket.Upgrader
}

// New creates a gateway.
func New(cfg Config, broker *bus.Broker, reader EventsReader) *Gateway {
	return &Gateway{
		cfg:    cfg.withDefaults(),
		broker: broker,
		reader: reader,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs it until either side
// disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("websocket upgrade, err: %+v", err)
		return
	}
	conn := newConn(g, ws)
	conn.run(r.Context())
}

// outbound is one queued frame plus the topic class driving its drop
// policy.
type outbound struct {
	class string
	data  []byte
}

// conn holds per-connection state: subscriptions, the bounded outbound
// queue, and the per-correlation sequence high-water marks.
type conn struct {
	gateway *Gateway
	ws      *websocket.Conn
	send    chan outbound

	mu       sync.Mutex
	taps     []*bus.EphemeralSub
	lastSeen map[string]uint64
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

func newConn(g *Gateway, ws *websocket.Conn) *conn {
	return &conn{
		gateway:  g,
		ws:       ws,
		send:     make(chan outbound, g.cfg.QueueDepth),
		lastSeen: make(map[string]uint64),
		done:     make(chan struct{}),
	}
}

func (c *conn) run(ctx context.Context) {
	defer func() {
		c.close()
		c.wg.Wait()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.writeLoop()
	}()

	for {
		var req SubscribeRequest
		if err := c.ws.ReadJSON(&req); err != nil {
			return
		}
		if req.Action != "subscribe" {
			c.control(Control{Control: "error", Error: "unknown action: " + req.Action})
			continue
		}
		if err := c.subscribe(ctx, req); err != nil {
			c.control(Control{Control: "error", Error: err.Error()})
		}
	}
}

// subscribe validates the patterns, attaches live taps, and replays
// history when the client resumes.
func (c *conn) subscribe(ctx context.Context, req SubscribeRequest) error {
	if len(req.Topics) == 0 {
		return errors.New("topics is empty")
	}
	patterns := make([]schema.Topic, 0, len(req.Topics))
	for _, raw := range req.Topics {
		pattern := schema.Topic(raw)
		if !pattern.IsValidPattern() {
			return errors.New("unknown topic pattern: " + raw)
		}
		patterns = append(patterns, pattern)
	}
	if req.ResumeFrom != nil && req.CorrelationID == "" {
		return errors.New("resumeFrom requires correlationId")
	}

	// Taps attach before the replay so nothing falls between history
	// and live tail; lastSeen suppresses the overlap.
	for _, pattern := range patterns {
		tap, err := c.gateway.broker.SubscribeEphemeral(pattern)
		if err != nil {
			return err
		}
		c.addTap(tap)
		c.wg.Add(1)
		go func(tap *bus.EphemeralSub) {
			defer c.wg.Done()
			c.tail(tap, req.CorrelationID)
		}(tap)
	}

	if req.ResumeFrom != nil {
		if err := c.replay(ctx, req.CorrelationID, *req.ResumeFrom, patterns); err != nil {
			return err
		}
		c.control(Control{Control: "resume_complete"})
	}
	return nil
}

// replay streams stored envelopes with sequence > resumeFrom.
func (c *conn) replay(ctx context.Context, correlationID string, resumeFrom uint64, patterns []schema.Topic) error {
	events, err := c.gateway.reader.GetEvents(ctx, correlationID, resumeFrom+1)
	if err != nil {
		return errors.Wrap(err, "replay").With("correlationId", correlationID)
	}
	for _, env := range events {
		if !matchesAny(env.Topic, patterns) {
			continue
		}
		c.forward(env)
	}
	return nil
}

// tail forwards live envelopes from one tap, filtered by correlation.
func (c *conn) tail(tap *bus.EphemeralSub, correlationID string) {
	for {
		select {
		case <-c.done:
			return
		case env, ok := <-tap.C():
			if !ok {
				return
			}
			if correlationID != "" && env.CorrelationID != correlationID {
				continue
			}
			c.forward(env)
		}
	}
}

// forward enqueues one envelope, tracking the correlation high-water
// mark so replay and live tail never hand the client the same event.
func (c *conn) forward(env schema.Envelope) {
	c.mu.Lock()
	if env.Sequence > 0 && env.Sequence <= c.lastSeen[env.CorrelationID] {
		c.mu.Unlock()
		return
	}
	if env.Sequence > 0 {
		c.lastSeen[env.CorrelationID] = env.Sequence
	}
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		logs.Errorf("marshal envelope %s, err: %+v", env.EventID, err)
		return
	}
	c.enqueue(outbound{class: env.Topic.Class(), data: data})
}

func (c *conn) control(msg Control) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(outbound{class: "control", data: data})
}

// enqueue applies the backpressure policy: market-class frames drop
// oldest on overflow; domain frames are never dropped — a full queue
// disconnects the client instead.
func (c *conn) enqueue(frame outbound) {
	select {
	case c.send <- frame:
		return
	default:
	}

	if frame.class == "market" {
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- frame:
		default:
		}
		return
	}

	logs.Warnf("gateway queue full, disconnecting slow client")
	c.close()
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			deadline := time.Now().Add(c.gateway.cfg.WriteTimeout)
			_ = c.ws.SetWriteDeadline(deadline)
			if err := c.ws.WriteMessage(websocket.TextMessage, frame.data); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) addTap(tap *bus.EphemeralSub) {
	c.mu.Lock()
	c.taps = append(c.taps, tap)
	c.mu.Unlock()
}

func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	taps := c.taps
	c.mu.Unlock()

	close(c.done)
	for _, tap := range taps {
		tap.Unsubscribe()
	}
	_ = c.ws.Close()
}

func matchesAny(topic schema.Topic, patterns []schema.Topic) bool {
	for _, pattern := range patterns {
		if topic.Match(pattern) {
			return true
		}
	}
	return false
}
