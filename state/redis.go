package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "concierge"
	defaultRedisTTL    = 24 * time.Hour
	maxWatchRetries    = 8
	fieldSessionID     = "session_id"
)

// RedisStore keeps each session in one hash, one field per slot. Writes run
// under WATCH so the selection invariant is checked against the search results
// that are actually stored when the write commits.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

type RedisOption func(*RedisStore)

// WithTTL sets how long an idle session's state survives. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		ttl:    defaultRedisTTL,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// NewRedisStoreFromURL parses a redis:// URL and connects lazily.
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(o), opts...), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Init(ctx context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	fields, err := encodeState(newSessionState(sessionID))
	if err != nil {
		return err
	}
	key := s.key(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for field, value := range fields {
			pipe.HSetNX(ctx, key, field, value)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis init failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, sessionID string) (SessionState, error) {
	if err := checkID(sessionID); err != nil {
		return SessionState{}, err
	}
	raw, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return SessionState{}, fmt.Errorf("redis read failed: %w", err)
	}
	return decodeState(raw)
}

func (s *RedisStore) Write(ctx context.Context, sessionID string, slot Slot, value any) error {
	v, err := normalize(slot, value)
	if err != nil {
		return err
	}
	if err := checkID(sessionID); err != nil {
		return err
	}
	key := s.key(sessionID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		current, err := decodeState(raw)
		if err != nil {
			return err
		}
		next := current.clone()
		if err := apply(&next, slot, v); err != nil {
			return err
		}
		fields, err := encodeState(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, string(slot), fields[string(slot)])
			if slot == SlotSearchResults {
				pipe.HSet(ctx, key, string(SlotSelection), fields[string(SlotSelection)])
			}
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			return nil
		})
		return err
	}

	for range maxWatchRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis write of %s failed: too much contention", slot)
}

func (s *RedisStore) Discard(ctx context.Context, sessionID string) error {
	if err := checkID(sessionID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis discard failed: %w", err)
	}
	return nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + ":session:" + sessionID
}

func encodeState(st SessionState) (map[string]string, error) {
	out := map[string]string{fieldSessionID: st.SessionID}
	values := map[Slot]any{
		SlotIntent:        st.Intent,
		SlotSearchResults: st.SearchResults,
		SlotSelection:     st.Selection,
		SlotHold:          st.Hold,
	}
	for slot, v := range values {
		b, err := sonic.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding slot %s: %w", slot, err)
		}
		out[string(slot)] = string(b)
	}
	return out, nil
}

func decodeState(raw map[string]string) (SessionState, error) {
	id, ok := raw[fieldSessionID]
	if !ok || len(raw) == 0 {
		return SessionState{}, ErrNotInitialized
	}
	st := newSessionState(id)
	targets := map[Slot]any{
		SlotIntent:        &st.Intent,
		SlotSearchResults: &st.SearchResults,
		SlotSelection:     &st.Selection,
		SlotHold:          &st.Hold,
	}
	for slot, target := range targets {
		data, ok := raw[string(slot)]
		if !ok {
			continue
		}
		if err := sonic.UnmarshalString(data, target); err != nil {
			return SessionState{}, fmt.Errorf("decoding slot %s: %w", slot, err)
		}
	}
	if st.SearchResults == nil {
		st.SearchResults = []Offer{}
	}
	return st, nil
}
