package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetInstanceState(t *testing.T) {
	SetInstanceState("groupA", "shard0", "a:6379", 2)
	got := testutil.ToFloat64(instanceState.WithLabelValues("groupA", "shard0", "a:6379"))
	if got != 2 {
		t.Errorf("expected instance_state 2, got %v", got)
	}
}

func TestSetInstanceReady(t *testing.T) {
	SetInstanceReady("groupA", "shard0", "a:6379", true)
	got := testutil.ToFloat64(instanceReady.WithLabelValues("groupA", "shard0", "a:6379"))
	if got != 1 {
		t.Errorf("expected instance_ready 1, got %v", got)
	}

	SetInstanceReady("groupA", "shard0", "a:6379", false)
	got = testutil.ToFloat64(instanceReady.WithLabelValues("groupA", "shard0", "a:6379"))
	if got != 0 {
		t.Errorf("expected instance_ready 0, got %v", got)
	}
}

func TestSetInstancePingLatency(t *testing.T) {
	SetInstancePingLatency("groupA", "shard0", "a:6379", 0.015)
	got := testutil.ToFloat64(instancePingLatency.WithLabelValues("groupA", "shard0", "a:6379"))
	if got != 0.015 {
		t.Errorf("expected ping latency 0.015, got %v", got)
	}
}

func TestSetInstanceRunningCommands(t *testing.T) {
	SetInstanceRunningCommands("groupA", "shard0", "a:6379", 7)
	got := testutil.ToFloat64(instanceRunningCommands.WithLabelValues("groupA", "shard0", "a:6379"))
	if got != 7 {
		t.Errorf("expected running commands 7, got %v", got)
	}
}

func TestIncInstanceError(t *testing.T) {
	before := testutil.ToFloat64(instanceErrors.WithLabelValues("groupA", "shard0", "err-test"))
	IncInstanceError("groupA", "shard0", "err-test")
	after := testutil.ToFloat64(instanceErrors.WithLabelValues("groupA", "shard0", "err-test"))
	if after != before+1 {
		t.Errorf("expected error counter to increment by 1, before=%v after=%v", before, after)
	}
}

func TestSetShardReady(t *testing.T) {
	SetShardReady("groupA", "shard0", true)
	got := testutil.ToFloat64(shardReady.WithLabelValues("groupA", "shard0"))
	if got != 1 {
		t.Errorf("expected shard ready 1, got %v", got)
	}
}

func TestIncCommandSubmittedLabelsResult(t *testing.T) {
	before := testutil.ToFloat64(commandsSubmitted.WithLabelValues("groupA", "shard0", "accepted"))
	IncCommandSubmitted("groupA", "shard0", true)
	after := testutil.ToFloat64(commandsSubmitted.WithLabelValues("groupA", "shard0", "accepted"))
	if after != before+1 {
		t.Errorf("expected accepted counter to increment, before=%v after=%v", before, after)
	}

	before = testutil.ToFloat64(commandsSubmitted.WithLabelValues("groupA", "shard0", "refused"))
	IncCommandSubmitted("groupA", "shard0", false)
	after = testutil.ToFloat64(commandsSubmitted.WithLabelValues("groupA", "shard0", "refused"))
	if after != before+1 {
		t.Errorf("expected refused counter to increment, before=%v after=%v", before, after)
	}
}

func TestIncCommandBlocked(t *testing.T) {
	before := testutil.ToFloat64(commandsBlocked.WithLabelValues("groupA", "shard0"))
	IncCommandBlocked("groupA", "shard0")
	after := testutil.ToFloat64(commandsBlocked.WithLabelValues("groupA", "shard0"))
	if after != before+1 {
		t.Errorf("expected blocked counter to increment, before=%v after=%v", before, after)
	}
}
