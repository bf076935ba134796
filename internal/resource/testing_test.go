package resource

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// fakeConn is the instance type handed out by testFactory.
type fakeConn struct {
	id      int64
	healthy atomic.Bool
	closed  atomic.Bool
}

// testFactory counts calls and lets tests inject failures.
type testFactory struct {
	rtype     ResourceType
	next      atomic.Int64
	created   atomic.Int64
	destroyed atomic.Int64
	size      int64

	mu        sync.Mutex
	createErr error
}

func newTestFactory(t ResourceType) *testFactory {
	return &testFactory{rtype: t}
}

func (f *testFactory) failWith(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

func (f *testFactory) Type() ResourceType { return f.rtype }

func (f *testFactory) Create(_ context.Context, _ Request) (Instance, error) {
	f.mu.Lock()
	err := f.createErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c := &fakeConn{id: f.next.Add(1)}
	c.healthy.Store(true)
	f.created.Add(1)
	return c, nil
}

func (f *testFactory) Destroy(inst Instance) error {
	c, ok := inst.(*fakeConn)
	if !ok {
		return errors.New("unexpected instance")
	}
	c.closed.Store(true)
	f.destroyed.Add(1)
	return nil
}

func (f *testFactory) Healthy(inst Instance) bool {
	c, ok := inst.(*fakeConn)
	return ok && c.healthy.Load() && !c.closed.Load()
}

// sizedFactory additionally reports a fixed instance size.
type sizedFactory struct {
	*testFactory
}

func (f sizedFactory) SizeBytes(Instance) int64 { return f.size }
