package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/building"
	"github.com/saeidz70/urban-energy-simulation-backend/internal/cascade"
)

// ErrCacheMiss is returned by a Store when the key is absent.
var ErrCacheMiss = eris.New("source: cache miss")

// Store is the byte cache behind Cached.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CacheOption configures a Redis store.
type CacheOption func(*redisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) CacheOption {
	return func(s *redisStore) { s.prefix = prefix }
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps a go-redis client.
func NewRedisStore(client redis.UniversalClient, opts ...CacheOption) Store {
	s := &redisStore{client: client, prefix: "ubem:"}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, eris.Wrap(err, "source: redis get")
	}
	return b, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return eris.Wrap(err, "source: redis set")
	}
	return nil
}

// Cached decorates a provider with a response cache. Cache failures are
// treated as misses; provider errors are never cached.
type Cached struct {
	inner cascade.Provider
	store Store
	ttl   time.Duration
}

// NewCached wraps inner. A zero ttl keeps entries until evicted.
func NewCached(inner cascade.Provider, store Store, ttl time.Duration) *Cached {
	return &Cached{inner: inner, store: store, ttl: ttl}
}

// Name implements cascade.Provider with the inner provider's name.
func (c *Cached) Name() string { return c.inner.Name() }

// CacheKey derives the key for a request: provider, feature, tag, CRS and
// the sorted target ids.
func CacheKey(provider string, req cascade.Request) string {
	ids := make([]string, len(req.Targets))
	for i, t := range req.Targets {
		ids[i] = t.ID
	}
	slices.Sort(ids)

	d := xxhash.New()
	_, _ = d.WriteString(req.Feature)
	_, _ = d.WriteString("\x00" + req.Key() + "\x00" + strconv.Itoa(req.CRS))
	for _, id := range ids {
		_, _ = d.WriteString("\x00" + id)
	}
	return provider + ":" + req.Feature + ":" + strconv.FormatUint(d.Sum64(), 16)
}

// Lookup implements cascade.Provider.
func (c *Cached) Lookup(ctx context.Context, req cascade.Request) (map[string]building.Value, error) {
	key := CacheKey(c.inner.Name(), req)

	raw, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		values, derr := decodeValues(raw)
		if derr == nil {
			zap.L().Debug("source: cache hit", zap.String("key", key), zap.Int("values", len(values)))
			return values, nil
		}
		zap.L().Warn("source: corrupt cache entry", zap.String("key", key), zap.Error(derr))
	case !errors.Is(err, ErrCacheMiss):
		zap.L().Warn("source: cache get failed", zap.String("key", key), zap.Error(err))
	}

	values, err := c.inner.Lookup(ctx, req)
	if err != nil {
		return nil, err
	}

	raw, err = encodeValues(values)
	if err != nil {
		zap.L().Warn("source: encode cache entry", zap.String("key", key), zap.Error(err))
		return values, nil
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		zap.L().Warn("source: cache set failed", zap.String("key", key), zap.Error(err))
	}
	return values, nil
}

func encodeValues(values map[string]building.Value) ([]byte, error) {
	m := make(map[string]any, len(values))
	for id, v := range values {
		m[id] = v.Any()
	}
	return json.Marshal(m)
}

func decodeValues(raw []byte) (map[string]building.Value, error) {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, eris.Wrap(err, "source: decode cache entry")
	}
	out := make(map[string]building.Value, len(m))
	for id, v := range m {
		out[id] = building.FromAny(v)
	}
	return out, nil
}
