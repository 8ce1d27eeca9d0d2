package guard

import (
	"testing"

	"marchproxy-redis-router/internal/router"
)

func TestCheckerBlocksDefaultCommands(t *testing.T) {
	c := NewChecker(nil, nil)
	blocked, reason := c.Check(&router.Command{Name: "CLUSTER"})
	if !blocked || reason == "" {
		t.Fatalf("expected CLUSTER to be blocked, got blocked=%v reason=%q", blocked, reason)
	}
}

func TestCheckerAllowsOrdinaryCommands(t *testing.T) {
	c := NewChecker(nil, nil)
	blocked, reason := c.Check(&router.Command{Name: "GET"})
	if blocked || reason != "" {
		t.Fatalf("expected GET to pass, got blocked=%v reason=%q", blocked, reason)
	}
}

func TestCheckerIsCaseInsensitive(t *testing.T) {
	c := NewChecker(nil, nil)
	blocked, _ := c.Check(&router.Command{Name: "shutdown"})
	if !blocked {
		t.Fatal("expected lowercase shutdown to be blocked")
	}
}

func TestCheckerCustomBlockedList(t *testing.T) {
	c := NewChecker([]string{"KEYS"}, nil)
	blocked, _ := c.Check(&router.Command{Name: "KEYS"})
	if !blocked {
		t.Fatal("expected custom blocked command KEYS to be blocked")
	}

	blocked, _ = c.Check(&router.Command{Name: "CLUSTER"})
	if blocked {
		t.Fatal("expected CLUSTER to pass when the default list was overridden")
	}
}

func TestCheckerAddAndRemoveBlocked(t *testing.T) {
	c := NewChecker(nil, nil)

	c.AddBlocked("get")
	blocked, _ := c.Check(&router.Command{Name: "GET"})
	if !blocked {
		t.Fatal("expected GET to be blocked after AddBlocked")
	}

	c.RemoveBlocked("GET")
	blocked, _ = c.Check(&router.Command{Name: "GET"})
	if blocked {
		t.Fatal("expected GET to pass after RemoveBlocked")
	}
}

func TestCheckerStatsCounters(t *testing.T) {
	c := NewChecker(nil, nil)
	c.Check(&router.Command{Name: "GET"})
	c.Check(&router.Command{Name: "CLUSTER"})

	stats := c.Stats()
	if stats["inspected_count"] != int64(2) {
		t.Errorf("expected inspected_count 2, got %v", stats["inspected_count"])
	}
	if stats["blocked_count"] != int64(1) {
		t.Errorf("expected blocked_count 1, got %v", stats["blocked_count"])
	}
}

func TestCheckerReset(t *testing.T) {
	c := NewChecker(nil, nil)
	c.Check(&router.Command{Name: "CLUSTER"})
	c.Reset()

	stats := c.Stats()
	if stats["inspected_count"] != int64(0) || stats["blocked_count"] != int64(0) {
		t.Fatalf("expected counters to be zero after Reset, got %v", stats)
	}
}
