package schema

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/yanun0323/errors"
)

// SchemaVersion is the current event envelope version.
const SchemaVersion uint16 = 1

var (
	ErrInvalidTopic     = errors.New("topic not in registry")
	ErrPayloadMismatch  = errors.New("payload does not match topic schema")
	ErrEmptyCorrelation = errors.New("correlation id is empty")
)

// EventID is a 128-bit time-sortable identifier. Lexicographic order
// follows creation order.
type EventID string

// IsZero reports whether the id is unset.
func (id EventID) IsZero() bool {
	return id == ""
}

var idGen = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{
	entropy: ulid.Monotonic(rand.Reader, 0),
}

// NewID mints a ULID. Ids minted by one process are strictly increasing.
func NewID() EventID {
	idGen.Lock()
	defer idGen.Unlock()
	return EventID(ulid.MustNew(ulid.Now(), idGen.entropy).String())
}

// CorrelationIDFor derives the correlation id shared by every event of
// one intent.
func CorrelationIDFor(intentID EventID) string {
	return "intent-" + string(intentID)
}

// Envelope is the immutable record carrying one domain event.
type Envelope struct {
	EventID       EventID   `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	Topic         Topic     `json:"topic"`
	CorrelationID string    `json:"correlationId"`
	CausationID   *EventID  `json:"causationId"`
	Sequence      uint64    `json:"sequence"`
	Payload       any       `json:"payload"`
	Version       uint16    `json:"version"`
}

// NewEnvelope builds a validated envelope. Sequence 0 means unassigned;
// the coordinator fills it on ingest. CausationID is nil only for the
// root intent.submitted event.
func NewEnvelope(topic Topic, payload any, correlationID string, causationID *EventID, sequence uint64) (Envelope, error) {
	if !topic.IsValid() {
		return Envelope{}, errors.Wrap(ErrInvalidTopic, string(topic))
	}
	if correlationID == "" {
		return Envelope{}, ErrEmptyCorrelation
	}
	if err := ValidatePayload(topic, payload); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       NewID(),
		Timestamp:     time.Now().UTC(),
		Topic:         topic,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Sequence:      sequence,
		Payload:       payload,
		Version:       SchemaVersion,
	}, nil
}
