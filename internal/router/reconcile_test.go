package router

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeReconcilable struct {
	mu            sync.Mutex
	setCount      int
	createCount   int
	stateCount    int
	lastInfos     []ConnectionInfo
}

func (f *fakeReconcilable) SetConnectionInfos(desired []ConnectionInfo) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCount++
	f.lastInfos = desired
	return true
}

func (f *fakeReconcilable) ReconcileCreate(pool ThreadPool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCount++
	return true
}

func (f *fakeReconcilable) ReconcileState() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCount++
	return true
}

func (f *fakeReconcilable) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCount, f.createCount, f.stateCount
}

func TestReconcileLoopTicksRegisteredShards(t *testing.T) {
	loop := NewReconcileLoop(10*time.Millisecond, nil, nil)
	shard := &fakeReconcilable{}
	loop.Register("shard0", shard, func() []ConnectionInfo {
		return []ConnectionInfo{{Host: "a", Port: 6379}}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		setCount, _, _ := shard.counts()
		if setCount >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the reconcile loop to tick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	loop.Stop()

	setCount, createCount, stateCount := shard.counts()
	if setCount == 0 || createCount == 0 || stateCount == 0 {
		t.Fatalf("expected every tick phase to run, got set=%d create=%d state=%d", setCount, createCount, stateCount)
	}
}

func TestReconcileLoopStopEndsRun(t *testing.T) {
	loop := NewReconcileLoop(5*time.Millisecond, nil, nil)
	shard := &fakeReconcilable{}
	loop.Register("shard0", shard, func() []ConnectionInfo { return nil })

	done := make(chan struct{})
	go func() {
		loop.Run(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	loop.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after Stop")
	}
}

func TestReconcileLoopRegisterMultipleShards(t *testing.T) {
	loop := NewReconcileLoop(10*time.Millisecond, nil, nil)
	a := &fakeReconcilable{}
	b := &fakeReconcilable{}
	loop.Register("a", a, func() []ConnectionInfo { return nil })
	loop.Register("b", b, func() []ConnectionInfo { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		aSet, _, _ := a.counts()
		bSet, _, _ := b.counts()
		if aSet >= 1 && bSet >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for both shards to tick")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	loop.Stop()
}
