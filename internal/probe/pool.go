// Package probe maintains one long-lived ping connection per server id —
// the source of the latency an InstanceHandle reports for nearest-ping
// routing strategies.
package probe

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"marchproxy-redis-router/internal/router"
)

type probeConn struct {
	conn    net.Conn
	latency time.Duration
	stop    chan struct{}
}

// Pool keeps one probe loop and connection per server id. Unlike a
// checkout/return connection pool, probing needs continuity — the same
// socket, repeated round trips — rather than interchangeable connections.
type Pool struct {
	interval time.Duration
	logger   *logrus.Logger

	mu    sync.RWMutex
	conns map[router.ServerId]*probeConn
}

// NewPool constructs a Pool that pings each started server on interval.
func NewPool(interval time.Duration, logger *logrus.Logger) *Pool {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Pool{
		interval: interval,
		logger:   logger,
		conns:    make(map[router.ServerId]*probeConn),
	}
}

// Start begins an independent probe loop for serverID if one is not
// already running, dialing with the supplied function.
func (p *Pool) Start(serverID router.ServerId, dial func() (net.Conn, error)) error {
	p.mu.Lock()
	if _, exists := p.conns[serverID]; exists {
		p.mu.Unlock()
		return nil
	}

	conn, err := dial()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("probe dial for %s: %w", serverID, err)
	}

	pc := &probeConn{conn: conn, stop: make(chan struct{})}
	p.conns[serverID] = pc
	p.mu.Unlock()

	go p.loop(serverID, pc)

	if p.logger != nil {
		p.logger.WithFields(logrus.Fields{"server_id": serverID}).Info("probe started")
	}
	return nil
}

func (p *Pool) loop(serverID router.ServerId, pc *probeConn) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pc.stop:
			return
		case <-ticker.C:
			p.pingOnce(serverID, pc)
		}
	}
}

func (p *Pool) pingOnce(serverID router.ServerId, pc *probeConn) {
	start := time.Now()
	if err := pc.conn.SetDeadline(time.Now().Add(p.interval)); err != nil {
		return
	}
	if _, err := pc.conn.Write([]byte("PING\r\n")); err != nil {
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{"server_id": serverID}).Warnf("probe write failed: %v", err)
		}
		return
	}

	buf := make([]byte, 64)
	if _, err := pc.conn.Read(buf); err != nil {
		if p.logger != nil {
			p.logger.WithFields(logrus.Fields{"server_id": serverID}).Warnf("probe read failed: %v", err)
		}
		return
	}

	elapsed := time.Since(start)
	p.mu.Lock()
	pc.latency = elapsed
	p.mu.Unlock()
}

// Latency returns the current latency estimate for serverID — zero until
// the first successful probe.
func (p *Pool) Latency(serverID router.ServerId) time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pc, ok := p.conns[serverID]
	if !ok {
		return 0
	}
	return pc.latency
}

// Stop ends the probe loop for serverID and closes its connection.
func (p *Pool) Stop(serverID router.ServerId) {
	p.mu.Lock()
	pc, ok := p.conns[serverID]
	if ok {
		delete(p.conns, serverID)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	close(pc.stop)
	_ = pc.conn.Close()
}

// Stats returns a per-server snapshot of latency.
func (p *Pool) Stats() map[router.ServerId]time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[router.ServerId]time.Duration, len(p.conns))
	for id, pc := range p.conns {
		out[id] = pc.latency
	}
	return out
}

// Close stops every running probe loop.
func (p *Pool) Close() {
	p.mu.Lock()
	ids := make([]router.ServerId, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Stop(id)
	}
}
