// Package guard implements the router's CommandGuard: an exact-match
// blocked-command filter applied before routing begins.
package guard

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"marchproxy-redis-router/internal/router"
)

// DefaultBlockedCommands are the administrative/topology commands that
// make no sense to route through a shard a client already reached by name.
var DefaultBlockedCommands = []string{
	"CLUSTER", "SHUTDOWN", "CONFIG", "DEBUG", "MONITOR", "SLAVEOF", "REPLICAOF", "FAILOVER",
}

// Checker is the concrete router.CommandGuard: it rejects commands whose
// name is in a fixed, case-insensitive blocked set.
type Checker struct {
	blocked        map[string]struct{}
	blockedCount   int64
	inspectedCount int64
	logger         logrus.FieldLogger
	mu             sync.RWMutex
}

// NewChecker builds a Checker from a blocked-command list. A nil or empty
// list falls back to DefaultBlockedCommands.
func NewChecker(blockedCommands []string, logger logrus.FieldLogger) *Checker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if len(blockedCommands) == 0 {
		blockedCommands = DefaultBlockedCommands
	}

	blocked := make(map[string]struct{}, len(blockedCommands))
	for _, cmd := range blockedCommands {
		blocked[strings.ToUpper(cmd)] = struct{}{}
	}

	return &Checker{blocked: blocked, logger: logger}
}

// Check implements router.CommandGuard.
func (c *Checker) Check(cmd *router.Command) (blocked bool, reason string) {
	c.mu.Lock()
	c.inspectedCount++
	c.mu.Unlock()

	name := strings.ToUpper(cmd.Name)
	if _, ok := c.blocked[name]; !ok {
		return false, ""
	}

	c.mu.Lock()
	c.blockedCount++
	c.mu.Unlock()

	reason = "command is administrative/topology and not routable through a shard"
	c.logger.WithFields(logrus.Fields{"command": cmd.Name}).Warn(reason)
	return true, reason
}

// AddBlocked adds a command name to the blocked set at runtime.
func (c *Checker) AddBlocked(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[strings.ToUpper(name)] = struct{}{}
}

// RemoveBlocked removes a command name from the blocked set at runtime.
func (c *Checker) RemoveBlocked(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.blocked, strings.ToUpper(name))
}

// Stats returns inspection/block counters.
func (c *Checker) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"inspected_count": c.inspectedCount,
		"blocked_count":   c.blockedCount,
		"blocked_set_size": len(c.blocked),
	}
}

// Reset zeroes the counters.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inspectedCount = 0
	c.blockedCount = 0
}
