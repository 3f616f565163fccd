package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MockDriver is an in-memory Driver, so the pool, runner, and invoker can be
// exercised in tests without a Docker daemon.
type MockDriver struct {
	mu   sync.Mutex
	idx  int64
	cs   map[string]*mockContainer

	// FailCreate, when set, is returned by Create instead of succeeding.
	FailCreate error
	// FailInit, when set, is returned by Init instead of succeeding.
	FailInit error
	// RunFunc, when set, computes the Run response; the default echoes
	// the request body back with a 200 status.
	RunFunc func(argsJSON []byte) (*RunResult, error)
	// PauseFails, when set, is returned by Pause instead of succeeding.
	PauseFails error
	// ResumeFails, when set, is returned by Resume instead of succeeding.
	ResumeFails error
}

type mockContainer struct {
	code   CodeDescriptor
	paused bool
}

func NewMockDriver() *MockDriver {
	return &MockDriver{cs: make(map[string]*mockContainer)}
}

func (d *MockDriver) Create(ctx context.Context, name, image string, memoryMB int, env, labels map[string]string) (*Handle, error) {
	if d.FailCreate != nil {
		return nil, d.FailCreate
	}
	id := fmt.Sprintf("mock-%d", atomic.AddInt64(&d.idx, 1))

	d.mu.Lock()
	d.cs[id] = &mockContainer{}
	d.mu.Unlock()

	return &Handle{ID: id, Address: id + ":0"}, nil
}

func (d *MockDriver) Init(ctx context.Context, h *Handle, code CodeDescriptor) error {
	if d.FailInit != nil {
		return d.FailInit
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cs[h.ID]
	if !ok {
		return &InitError{Diagnostic: "no such container"}
	}
	c.code = code
	return nil
}

func (d *MockDriver) Run(ctx context.Context, h *Handle, argsJSON []byte, deadline time.Time) (*RunResult, error) {
	d.mu.Lock()
	c, ok := d.cs[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil, &RunError{Kind: RunConnection, Err: fmt.Errorf("no such container")}
	}
	if c.paused {
		return nil, &RunError{Kind: RunConnection, Err: fmt.Errorf("container is paused")}
	}
	if d.RunFunc != nil {
		return d.RunFunc(argsJSON)
	}
	return &RunResult{StatusCode: 200, Body: argsJSON}, nil
}

func (d *MockDriver) Pause(ctx context.Context, h *Handle) error {
	if d.PauseFails != nil {
		return d.PauseFails
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cs[h.ID]; ok {
		c.paused = true
	}
	return nil
}

func (d *MockDriver) Resume(ctx context.Context, h *Handle) error {
	if d.ResumeFails != nil {
		return d.ResumeFails
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.cs[h.ID]; ok {
		c.paused = false
	}
	return nil
}

func (d *MockDriver) Destroy(h *Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cs, h.ID)
	return nil
}

func (d *MockDriver) Logs(ctx context.Context, h *Handle, since time.Time) (<-chan LogLine, error) {
	out := make(chan LogLine, 1)
	out <- LogLine{Time: time.Now().UTC(), Stream: "stdout", Text: LogSentinel}
	close(out)
	return out, nil
}
