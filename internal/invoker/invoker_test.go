package invoker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openwhisk/invoker-pool/internal/action"
	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/feed"
	"github.com/openwhisk/invoker-pool/internal/pool"
	"github.com/openwhisk/invoker-pool/internal/runner"
	"github.com/openwhisk/invoker-pool/internal/sandbox"
	"github.com/openwhisk/invoker-pool/internal/sink"
	"github.com/openwhisk/invoker-pool/internal/telemetry"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubStore is a hand-written action.Store, the way runner_test.go and
// pool_test.go stand in for their own collaborators rather than reaching
// for a mocking library.
type stubStore struct {
	descs map[string]*action.Descriptor
	err   error
}

func (s *stubStore) Get(ctx context.Context, namespace, name, rev string) (*action.Descriptor, error) {
	if s.err != nil {
		return nil, s.err
	}
	d, ok := s.descs[namespace+"/"+name+"/"+rev]
	if !ok {
		return nil, action.ErrActionNotFound
	}
	return d, nil
}
func (s *stubStore) Put(ctx context.Context, d *action.Descriptor) error                { return nil }
func (s *stubStore) Delete(ctx context.Context, namespace, name, rev string) error { return nil }

// stubSink records what was written so tests can assert on it without a
// filesystem round trip; sink.FileSink already gets that coverage in
// internal/sink.
type stubSink struct {
	activations []sink.ActivationRecord
	logCalls    int
}

func (s *stubSink) WriteActivation(rec sink.ActivationRecord) error {
	s.activations = append(s.activations, rec)
	return nil
}
func (s *stubSink) WriteLogs(activationID string, lines []sink.LogLine) (string, error) {
	s.logCalls++
	return "ref-" + activationID, nil
}

func newCodePuller(t *testing.T, actionID string, body []byte) *action.CodePuller {
	t.Helper()
	bucketDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(bucketDir, actionID), body, 0644); err != nil {
		t.Fatalf("seed bucket: %v", err)
	}
	return action.NewCodePuller("file://"+bucketDir, t.TempDir())
}

func newTestPool(t *testing.T, driver *sandbox.MockDriver, memoryLimitMB int) *pool.Pool {
	t.Helper()
	cfg := common.PoolConfig{Memory_limit_mb: memoryLimitMB, Namespace_concurrency_default: 4}
	return pool.New(driver, memoryLimitMB, cfg, map[string]string{"python": "img"}, "runc", testLog(), sandbox.NewDebugger())
}

func newInvoker(store action.Store, puller *action.CodePuller, p *pool.Pool, results sink.ResultSink, logs sink.LogSink) *Invoker {
	hooks := telemetry.New()
	return New(p, runner.New(testLog(), 0, hooks), store, puller, &feed.Feed{}, hooks, sandbox.NewDebugger(), results, logs, testLog())
}

func TestHandleActionNotFoundIsNotRetried(t *testing.T) {
	store := &stubStore{descs: map[string]*action.Descriptor{}}
	puller := newCodePuller(t, "a1", []byte("code"))
	p := newTestPool(t, sandbox.NewMockDriver(), 512)
	results := &stubSink{}
	inv := newInvoker(store, puller, p, results, results)

	err := inv.Handle(context.Background(), &feed.Message{Namespace: "ns", ActionID: "a1", Rev: "1"})
	if err == nil {
		t.Fatal("expected an error for an unknown action")
	}
	if !errors.Is(err, action.ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
	if len(results.activations) != 1 {
		t.Fatalf("expected one recorded activation, got %d", len(results.activations))
	}
	if results.activations[0].Status != string(runner.StatusWhiskError) {
		t.Fatalf("expected whisk-error status, got %s", results.activations[0].Status)
	}
}

func TestHandleCodePullFailureRecordsWhiskError(t *testing.T) {
	store := &stubStore{descs: map[string]*action.Descriptor{
		"ns/a1/1": {Namespace: "ns", Name: "a1", Rev: "1", Kind: "python", MemoryMB: 128, CodeRef: "does-not-exist"},
	}}
	puller := newCodePuller(t, "a1", []byte("code")) // seeded under a different key than CodeRef
	p := newTestPool(t, sandbox.NewMockDriver(), 512)
	results := &stubSink{}
	inv := newInvoker(store, puller, p, results, results)

	err := inv.Handle(context.Background(), &feed.Message{Namespace: "ns", ActionID: "a1", Rev: "1"})
	if err == nil {
		t.Fatal("expected an error pulling missing code")
	}
	if len(results.activations) != 1 || results.activations[0].Status != string(runner.StatusWhiskError) {
		t.Fatalf("expected one whisk-error activation record, got %+v", results.activations)
	}
}

func TestHandleSystemOverloadedIsRetryableAndNotRecorded(t *testing.T) {
	store := &stubStore{descs: map[string]*action.Descriptor{
		"ns/a1/1": {Namespace: "ns", Name: "a1", Rev: "1", Kind: "python", MemoryMB: 1024, ConcurrencyLimit: 1, CodeRef: "a1"},
	}}
	puller := newCodePuller(t, "a1", []byte("code"))
	// memory limit smaller than the action needs and nothing free to evict.
	p := newTestPool(t, sandbox.NewMockDriver(), 128)
	results := &stubSink{}
	inv := newInvoker(store, puller, p, results, results)

	err := inv.Handle(context.Background(), &feed.Message{Namespace: "ns", ActionID: "a1", Rev: "1"})
	if !errors.Is(err, pool.ErrSystemOverloaded) {
		t.Fatalf("expected ErrSystemOverloaded, got %v", err)
	}
	if len(results.activations) != 0 {
		t.Fatalf("overload should not produce a terminal activation record, got %+v", results.activations)
	}
}

func TestHandleShuttingDownIsRetryableAndNotRecorded(t *testing.T) {
	store := &stubStore{descs: map[string]*action.Descriptor{
		"ns/a1/1": {Namespace: "ns", Name: "a1", Rev: "1", Kind: "python", MemoryMB: 64, ConcurrencyLimit: 1, CodeRef: "a1"},
	}}
	puller := newCodePuller(t, "a1", []byte("code"))
	p := newTestPool(t, sandbox.NewMockDriver(), 512)
	p.Shutdown(time.Millisecond) // puts the pool into shuttingDown state

	results := &stubSink{}
	inv := newInvoker(store, puller, p, results, results)

	err := inv.Handle(context.Background(), &feed.Message{Namespace: "ns", ActionID: "a1", Rev: "1"})
	if !errors.Is(err, pool.ErrSystemOverloaded) {
		t.Fatalf("expected a submission during drain to surface as ErrSystemOverloaded, got %v", err)
	}
	if len(results.activations) != 0 {
		t.Fatalf("a drain-time submission should not produce a terminal activation record, got %+v", results.activations)
	}
}

func TestHandleSuccessWritesResultAndLogs(t *testing.T) {
	store := &stubStore{descs: map[string]*action.Descriptor{
		"ns/a1/1": {Namespace: "ns", Name: "a1", Rev: "1", Kind: "python", MemoryMB: 128, ConcurrencyLimit: 1, TimeLimitSeconds: 30, CodeRef: "a1"},
	}}
	puller := newCodePuller(t, "a1", []byte("code"))
	driver := sandbox.NewMockDriver()
	driver.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 200, Body: []byte(`{"ok":true}`)}, nil
	}
	p := newTestPool(t, driver, 512)
	results := &stubSink{}
	inv := newInvoker(store, puller, p, results, results)

	err := inv.Handle(context.Background(), &feed.Message{
		Namespace: "ns", ActionID: "a1", Rev: "1", Kind: "python", Image: "img", Args: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(results.activations) != 1 {
		t.Fatalf("expected one recorded activation, got %d", len(results.activations))
	}
	rec := results.activations[0]
	if rec.Status != string(runner.StatusSuccess) {
		t.Fatalf("expected success, got %s", rec.Status)
	}
	if rec.LogsRef == "" {
		t.Fatal("expected a non-empty logs_ref on success")
	}
	if results.logCalls != 1 {
		t.Fatalf("expected exactly one log forwarder write, got %d", results.logCalls)
	}
	if p.Stats()["busy"] != 0 {
		t.Fatalf("expected the container to be released back to the pool, got busy=%d", p.Stats()["busy"])
	}
}
