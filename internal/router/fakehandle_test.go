package router

import (
	"sync/atomic"
	"time"
)

// fakeHandle is a minimal InstanceHandle used across router package tests.
type fakeHandle struct {
	id          ServerId
	state       int32 // ConnectionState
	ping        time.Duration
	running     int64
	destroying  int32
	syncing     int32
	accept      bool
	submitCount int64

	onState      Observer[ConnectionState]
	onNotCluster Observer[struct{}]
}

func newFakeHandle(id ServerId, state ConnectionState) *fakeHandle {
	return &fakeHandle{id: id, state: int32(state), accept: true}
}

func (f *fakeHandle) State() ConnectionState { return ConnectionState(atomic.LoadInt32(&f.state)) }
func (f *fakeHandle) ServerId() ServerId     { return f.id }
func (f *fakeHandle) ServerHost() string     { return string(f.id) }
func (f *fakeHandle) ServerPort() uint16     { return 0 }
func (f *fakeHandle) PingLatency() time.Duration { return f.ping }
func (f *fakeHandle) RunningCommands() int   { return int(atomic.LoadInt64(&f.running)) }
func (f *fakeHandle) IsDestroying() bool     { return atomic.LoadInt32(&f.destroying) != 0 }
func (f *fakeHandle) IsSyncing() bool        { return atomic.LoadInt32(&f.syncing) != 0 }

func (f *fakeHandle) Submit(cmd *Command) bool {
	atomic.AddInt64(&f.submitCount, 1)
	return f.accept
}

func (f *fakeHandle) Connect(info ConnectionInfo) {
	atomic.StoreInt32(&f.state, int32(StateConnected))
}

func (f *fakeHandle) SetBuffering(settings BufferingSettings) {}

func (f *fakeHandle) OnStateChange(fn func(ConnectionState)) {
	f.onState.Subscribe(fn)
}

func (f *fakeHandle) OnNotInClusterMode(fn func()) {
	f.onNotCluster.Subscribe(fn)
}

func (f *fakeHandle) setState(s ConnectionState) {
	atomic.StoreInt32(&f.state, int32(s))
	f.onState.Emit(s, nil)
}
