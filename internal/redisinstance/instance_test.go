package redisinstance

import (
	"testing"

	"marchproxy-redis-router/internal/router"
)

func TestNewHandleStartsInInit(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	if h.State() != router.StateInit {
		t.Fatalf("expected a fresh handle to start in StateInit, got %v", h.State())
	}
	if h.ServerId() != router.ServerId("a:6379") {
		t.Errorf("unexpected ServerId: %v", h.ServerId())
	}
	if h.IsDestroying() || h.IsSyncing() {
		t.Error("expected a fresh handle to be neither destroying nor syncing")
	}
	if h.RunningCommands() != 0 {
		t.Error("expected a fresh handle to have zero running commands")
	}
	if h.PingLatency() != 0 {
		t.Error("expected a fresh handle to report zero ping latency")
	}
}

func TestHandleSubmitRefusedBeforeConnect(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	cmd := &router.Command{Name: "GET", ReadOnly: true, InstanceIdx: router.NoInstanceIdx}
	if h.Submit(cmd) {
		t.Fatal("expected Submit to be refused before Connect has succeeded")
	}
}

func TestHandleSetBufferingNoopWithoutClient(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	h.SetBuffering(router.BufferingSettings{MaxBatchSize: 32})
	if h.State() != router.StateInit {
		t.Fatalf("expected SetBuffering to be a no-op without a client, got state %v", h.State())
	}
}

func TestHandleDestroyWithoutConnectIsSafe(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	h.Destroy()

	if !h.IsDestroying() {
		t.Error("expected IsDestroying true after Destroy")
	}
	if h.State() != router.StateDisconnected {
		t.Fatalf("expected StateDisconnected after Destroy, got %v", h.State())
	}
	if h.Submit(&router.Command{Name: "GET", InstanceIdx: router.NoInstanceIdx}) {
		t.Fatal("expected Submit to be refused once destroying")
	}
}

func TestHandleDestroyIsIdempotent(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	h.Destroy()
	h.Destroy()
	if h.State() != router.StateDisconnected {
		t.Fatalf("expected a second Destroy call to be safe, got state %v", h.State())
	}
}

func TestHandleOnStateChangeFiresOnDestroy(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)

	var seen []router.ConnectionState
	h.OnStateChange(func(s router.ConnectionState) {
		seen = append(seen, s)
	})

	h.Destroy()
	if len(seen) != 1 || seen[0] != router.StateDisconnected {
		t.Fatalf("expected one StateDisconnected event, got %v", seen)
	}
}

func TestHandleString(t *testing.T) {
	h := New(router.ServerId("a:6379"), "groupA", "shard0", nil, DefaultHealthCheckConfig(), nil)
	if h.String() != "redisinstance.Handle(a:6379)" {
		t.Errorf("unexpected String(): %q", h.String())
	}
}

func TestDefaultHealthCheckConfig(t *testing.T) {
	cfg := DefaultHealthCheckConfig()
	if cfg.Interval <= 0 || cfg.DialTimeout <= 0 || cfg.MaxInFlight <= 0 {
		t.Fatalf("expected all positive defaults, got %+v", cfg)
	}
}
