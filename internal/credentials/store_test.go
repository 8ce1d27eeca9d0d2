package credentials

import (
	"context"
	"testing"
	"time"

	"marchproxy-redis-router/internal/router"
)

func TestStoreResolveFallsBackToEmbeddedAuth(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379, Username: "u", Password: "p"}

	username, password, ok := s.Resolve(info)
	if !ok || username != "u" || password != "p" {
		t.Fatalf("expected embedded auth fallback, got %q/%q ok=%v", username, password, ok)
	}
}

func TestStoreResolveNoAuthAvailable(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379}

	_, _, ok := s.Resolve(info)
	if ok {
		t.Fatal("expected Resolve to report no credential available")
	}
}

func TestStorePutOverridesResolve(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379, Username: "embedded", Password: "embedded"}

	if err := s.Put(context.Background(), info, "override-user", "override-pass", time.Minute); err != nil {
		t.Fatalf("unexpected error from Put: %v", err)
	}

	username, password, ok := s.Resolve(info)
	if !ok || username != "override-user" || password != "override-pass" {
		t.Fatalf("expected override to take priority, got %q/%q ok=%v", username, password, ok)
	}
}

func TestStoreOverrideExpires(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379, Username: "embedded", Password: "embedded"}

	if err := s.Put(context.Background(), info, "override-user", "override-pass", -time.Second); err != nil {
		t.Fatalf("unexpected error from Put: %v", err)
	}

	username, _, ok := s.Resolve(info)
	if !ok || username != "embedded" {
		t.Fatalf("expected an expired override to fall back to embedded auth, got %q ok=%v", username, ok)
	}
}

func TestStoreRefreshWithoutCacheIsNoop(t *testing.T) {
	s := NewStore(nil, nil)
	found, err := s.Refresh(context.Background(), "a:6379")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected Refresh to report nothing found without a cache client")
	}
}

func TestStoreStatsNeverExposesCredentialValues(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379, Username: "secret-user", Password: "secret-pass"}
	s.Resolve(info)

	stats := s.Stats()
	for k, v := range stats {
		if k != "hits" && k != "misses" {
			t.Errorf("unexpected stats key %q", k)
		}
		_ = v
	}
	if len(stats) != 2 {
		t.Fatalf("expected exactly hits/misses keys, got %v", stats)
	}
}

func TestStoreStatsCountsHitsAndMisses(t *testing.T) {
	s := NewStore(nil, nil)
	info := router.ConnectionInfo{Host: "a", Port: 6379, Username: "u", Password: "p"}
	s.Put(context.Background(), info, "u", "p", time.Minute)

	s.Resolve(info)
	noAuth := router.ConnectionInfo{Host: "b", Port: 6379}
	s.Resolve(noAuth)

	stats := s.Stats()
	if stats["hits"] != 1 {
		t.Errorf("expected 1 hit, got %d", stats["hits"])
	}
	if stats["misses"] != 1 {
		t.Errorf("expected 1 miss, got %d", stats["misses"])
	}
}
