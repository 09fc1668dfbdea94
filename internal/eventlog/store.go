package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"main/internal/schema"
)

var (
	ErrDuplicateEvent = errors.New("event already appended")
)

// Store is the append-only durable event log. The coordinator is its
// only writer; the gateway and planner read it.
type Store interface {
	// Append writes one envelope. Appending an event id twice fails
	// with ErrDuplicateEvent.
	Append(ctx context.Context, env schema.Envelope) error
	// Events returns a correlation's envelopes with sequence >= fromSeq
	// in ascending sequence order.
	Events(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error)
	// LastSequence returns the highest appended sequence for the
	// correlation, 0 when none.
	LastSequence(ctx context.Context, correlationID string) (uint64, error)
}

// Record is the relational shape of one envelope.
type Record struct {
	EventID       string    `gorm:"column:event_id;primaryKey"`
	Time          time.Time `gorm:"column:time;primaryKey;index:idx_events_topic_time,priority:2,sort:desc;index:idx_events_corr_time,priority:2,sort:desc"`
	Topic         string    `gorm:"column:topic;index:idx_events_topic_time,priority:1"`
	CorrelationID string    `gorm:"column:correlation_id;index:idx_events_corr_seq,priority:1;index:idx_events_corr_time,priority:1"`
	CausationID   *string   `gorm:"column:causation_id"`
	Sequence      uint64    `gorm:"column:sequence;index:idx_events_corr_seq,priority:2"`
	Version       uint16    `gorm:"column:version"`
	Payload       []byte    `gorm:"column:payload;type:jsonb"`
}

// TableName pins the relation name.
func (Record) TableName() string {
	return "events"
}

// PostgresStore persists envelopes through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore migrates the events relation and returns the store.
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate events")
	}
	return &PostgresStore{db: db}, nil
}

// Append writes one envelope row.
func (s *PostgresStore) Append(ctx context.Context, env schema.Envelope) error {
	record, err := toRecord(env)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrap(ErrDuplicateEvent, string(env.EventID))
		}
		return errors.Wrap(err, "append event")
	}
	return nil
}

// Events loads a correlation's envelopes from fromSeq upward.
func (s *PostgresStore) Events(ctx context.Context, correlationID string, fromSeq uint64) ([]schema.Envelope, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("correlation_id = ? AND sequence >= ?", correlationID, fromSeq).
		Order("sequence ASC").
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "load events").With("correlationId", correlationID)
	}
	out := make([]schema.Envelope, 0, len(records))
	for _, record := range records {
		env, err := fromRecord(record)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// LastSequence returns the correlation's highest sequence.
func (s *PostgresStore) LastSequence(ctx context.Context, correlationID string) (uint64, error) {
	var last sql.NullInt64
	err := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("correlation_id = ?", correlationID).
		Select("MAX(sequence)").
		Scan(&last).Error
	if err != nil {
		return 0, errors.Wrap(err, "last sequence").With("correlationId", correlationID)
	}
	if !last.Valid {
		return 0, nil
	}
	return uint64(last.Int64), nil
}

func toRecord(env schema.Envelope) (Record, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return Record{}, errors.Wrap(err, "marshal payload").With("eventId", env.EventID)
	}
	record := Record{
		EventID:       string(env.EventID),
		Time:          env.Timestamp,
		Topic:         string(env.Topic),
		CorrelationID: env.CorrelationID,
		Sequence:      env.Sequence,
		Version:       env.Version,
		Payload:       payload,
	}
	if env.CausationID != nil {
		id := string(*env.CausationID)
		record.CausationID = &id
	}
	return record, nil
}

func fromRecord(record Record) (schema.Envelope, error) {
	payload, err := schema.DecodePayload(schema.Topic(record.Topic), record.Payload)
	if err != nil {
		return schema.Envelope{}, err
	}
	env := schema.Envelope{
		EventID:       schema.EventID(record.EventID),
		Timestamp:     record.Time,
		Topic:         schema.Topic(record.Topic),
		CorrelationID: record.CorrelationID,
		Sequence:      record.Sequence,
		Version:       record.Version,
		Payload:       payload,
	}
	if record.CausationID != nil {
		id := schema.EventID(*record.CausationID)
		env.CausationID = &id
	}
	return env, nil
}
