// Package credentials resolves per-server auth overrides for the router,
// optionally backed by a shared Redis cache so multiple router processes
// fed by the same credential-rotation feed agree without a second
// discovery round-trip.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"marchproxy-redis-router/internal/router"
)

type override struct {
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (o override) expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// Store resolves credentials for a ConnectionInfo, preferring a
// time-limited override over the info's own embedded auth field.
type Store struct {
	cache       *redis.Client
	logger      logrus.FieldLogger
	cachePrefix string

	mu        sync.RWMutex
	overrides map[string]override

	hits   uint64
	misses uint64
}

// NewStore constructs a Store. cache may be nil — overrides are then
// process-local only.
func NewStore(cache *redis.Client, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		cache:       cache,
		logger:      logger,
		cachePrefix: "redisrouter:cred:",
		overrides:   make(map[string]override),
	}
}

// Resolve returns the credential the router should use for info: a
// registered override if one exists and hasn't expired, otherwise the
// info's own embedded Username/Password. ok is false only when neither
// source has anything to offer.
func (s *Store) Resolve(info router.ConnectionInfo) (username, password string, ok bool) {
	key := info.Addr()

	s.mu.RLock()
	o, found := s.overrides[key]
	s.mu.RUnlock()

	if found && !o.expired(time.Now()) {
		s.mu.Lock()
		s.hits++
		s.mu.Unlock()
		return o.Username, o.Password, true
	}

	s.mu.Lock()
	s.misses++
	s.mu.Unlock()

	if info.Username != "" || info.Password != "" {
		return info.Username, info.Password, true
	}
	return "", "", false
}

// Put registers a time-limited override for info, valid for ttl. If a
// cache client was configured, the override is also written there so
// other router processes sharing the feed pick it up without rediscovery.
func (s *Store) Put(ctx context.Context, info router.ConnectionInfo, username, password string, ttl time.Duration) error {
	key := info.Addr()
	o := override{Username: username, Password: password}
	if ttl > 0 {
		o.ExpiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.overrides[key] = o
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"addr": key, "username": username}).Debug("credential override registered")

	if s.cache == nil {
		return nil
	}

	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.cacheKey(key), data, ttl).Err()
}

// Refresh pulls the override for addr from the shared cache, if any,
// into the process-local map. Returns false if nothing was cached.
func (s *Store) Refresh(ctx context.Context, addr string) (bool, error) {
	if s.cache == nil {
		return false, nil
	}

	data, err := s.cache.Get(ctx, s.cacheKey(addr)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var o override
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.overrides[addr] = o
	s.mu.Unlock()
	return true, nil
}

func (s *Store) cacheKey(addr string) string {
	return fmt.Sprintf("%s%s", s.cachePrefix, addr)
}

// Stats reports cache hit/miss counts — never credential values.
func (s *Store) Stats() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]uint64{
		"hits":   s.hits,
		"misses": s.misses,
	}
}
