package readmodel

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"

	"main/internal/schema"
)

var ErrNotFound = errors.New("read model not found")

// KV is the key/value backend holding read models and the coordinator's
// bookkeeping keys. Values are JSON; no TTL.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX claims a key; false means someone already holds it.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Store exposes the typed read-model operations over a KV backend. The
// coordinator is the only writer.
type Store struct {
	kv KV
}

// NewStore wraps a KV backend.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

func intentKey(id schema.EventID) string { return "intent:" + string(id) }
func planKey(id schema.EventID) string   { return "plan:" + string(id) }
func seenKey(id schema.EventID) string   { return "seen:" + string(id) }
func seqKey(correlationID string) string { return "seq:" + correlationID }

// GetIntent loads an intent read model.
func (s *Store) GetIntent(ctx context.Context, id schema.EventID) (Intent, error) {
	var model Intent
	if err := s.get(ctx, intentKey(id), &model); err != nil {
		return Intent{}, err
	}
	return model, nil
}

// PutIntent stores an intent read model.
func (s *Store) PutIntent(ctx context.Context, model Intent) error {
	return s.put(ctx, intentKey(model.IntentID), model)
}

// GetPlan loads a plan read model.
func (s *Store) GetPlan(ctx context.Context, id schema.EventID) (Plan, error) {
	var model Plan
	if err := s.get(ctx, planKey(id), &model); err != nil {
		return Plan{}, err
	}
	return model, nil
}

// PutPlan stores a plan read model.
func (s *Store) PutPlan(ctx context.Context, model Plan) error {
	return s.put(ctx, planKey(model.PlanID), model)
}

// ClaimSeen claims the idempotency key for an event id. False means the
// event was already processed.
func (s *Store) ClaimSeen(ctx context.Context, id schema.EventID) (bool, error) {
	claimed, err := s.kv.SetNX(ctx, seenKey(id), []byte("1"))
	if err != nil {
		return false, errors.Wrap(err, "claim seen").With("eventId", id)
	}
	return claimed, nil
}

// ReleaseSeen drops a claim so a nacked envelope can be reprocessed.
func (s *Store) ReleaseSeen(ctx context.Context, id schema.EventID) error {
	return s.kv.Delete(ctx, seenKey(id))
}

// LastSequence reads the recorded sequence high-water mark for a
// correlation, 0 when absent.
func (s *Store) LastSequence(ctx context.Context, correlationID string) (uint64, error) {
	var last uint64
	err := s.get(ctx, seqKey(correlationID), &last)
	if stderrors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return last, nil
}

// SetLastSequence records the sequence high-water mark.
func (s *Store) SetLastSequence(ctx context.Context, correlationID string, seq uint64) error {
	return s.put(ctx, seqKey(correlationID), seq)
}

// DeleteIntent removes an intent read model. Rebuild tooling only.
func (s *Store) DeleteIntent(ctx context.Context, id schema.EventID) error {
	return s.kv.Delete(ctx, intentKey(id))
}

// DeletePlan removes a plan read model. Rebuild tooling only.
func (s *Store) DeletePlan(ctx context.Context, id schema.EventID) error {
	return s.kv.Delete(ctx, planKey(id))
}

func (s *Store) get(ctx context.Context, key string, dst any) error {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, "kv get").With("key", key)
	}
	if !ok {
		return errors.Wrap(ErrNotFound, key)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrap(err, "decode read model").With("key", key)
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encode read model").With("key", key)
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return errors.Wrap(err, "kv set").With("key", key)
	}
	return nil
}

// MemoryKV is an in-process KV for tests and single-node runs.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryKV creates an empty KV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string][]byte)}
}

// Get returns the value for the key.
func (kv *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.entries[key]
	return value, ok, nil
}

// Set stores the value.
func (kv *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.mu.Lock()
	kv.entries[key] = value
	kv.mu.Unlock()
	return nil
}

// SetNX stores the value only when the key is free.
func (kv *MemoryKV) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if _, ok := kv.entries[key]; ok {
		return false, nil
	}
	kv.entries[key] = value
	return true, nil
}

// Delete removes the key.
func (kv *MemoryKV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	delete(kv.entries, key)
	kv.mu.Unlock()
	return nil
}

// RedisKV backs the read models with Redis.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps a Redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

// Get returns the value for the key.
func (kv *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := kv.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get").With("key", key)
	}
	return data, true, nil
}

// Set stores the value without expiry.
func (kv *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	if err := kv.client.Set(ctx, key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set").With("key", key)
	}
	return nil
}

// SetNX stores the value only when the key is free.
func (kv *RedisKV) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := kv.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis setnx").With("key", key)
	}
	return ok, nil
}

// Delete removes the key.
func (kv *RedisKV) Delete(ctx context.Context, key string) error {
	if err := kv.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redis del").With("key", key)
	}
	return nil
}
