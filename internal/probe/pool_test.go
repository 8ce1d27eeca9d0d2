package probe

import (
	"net"
	"testing"
	"time"

	"marchproxy-redis-router/internal/router"
)

func newPipePair() (client net.Conn, dial func() (net.Conn, error)) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 64)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				if _, err := server.Write([]byte("+PONG\r\n")); err != nil {
					return
				}
			}
		}
	}()
	return client, func() (net.Conn, error) { return client, nil }
}

func TestPoolStartAndLatency(t *testing.T) {
	_, dial := newPipePair()
	p := NewPool(10*time.Millisecond, nil)
	defer p.Close()

	if err := p.Start(router.ServerId("a:6379"), dial); err != nil {
		t.Fatalf("unexpected error from Start: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for p.Latency(router.ServerId("a:6379")) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a probe latency measurement")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolStartIsIdempotent(t *testing.T) {
	_, dial := newPipePair()
	p := NewPool(50*time.Millisecond, nil)
	defer p.Close()

	id := router.ServerId("a:6379")
	if err := p.Start(id, dial); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calledAgain := false
	if err := p.Start(id, func() (net.Conn, error) {
		calledAgain = true
		return nil, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calledAgain {
		t.Fatal("expected Start to be a no-op for an already-running server id")
	}
}

func TestPoolLatencyUnknownServerIsZero(t *testing.T) {
	p := NewPool(time.Second, nil)
	if p.Latency(router.ServerId("missing")) != 0 {
		t.Fatal("expected zero latency for an unknown server id")
	}
}

func TestPoolStop(t *testing.T) {
	_, dial := newPipePair()
	p := NewPool(10*time.Millisecond, nil)

	id := router.ServerId("a:6379")
	p.Start(id, dial)
	p.Stop(id)

	if p.Latency(id) != 0 {
		t.Fatal("expected latency to reset to zero after Stop")
	}

	stats := p.Stats()
	if _, ok := stats[id]; ok {
		t.Fatal("expected the stopped server id to be absent from Stats")
	}
}

func TestPoolClose(t *testing.T) {
	_, dialA := newPipePair()
	_, dialB := newPipePair()
	p := NewPool(10*time.Millisecond, nil)

	p.Start(router.ServerId("a:6379"), dialA)
	p.Start(router.ServerId("b:6379"), dialB)

	p.Close()

	if len(p.Stats()) != 0 {
		t.Fatal("expected Close to stop every probe")
	}
}
