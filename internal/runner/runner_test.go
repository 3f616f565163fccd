package runner

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openwhisk/invoker-pool/internal/sandbox"
	"github.com/openwhisk/invoker-pool/internal/telemetry"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAssignedProxy(t *testing.T, d *sandbox.MockDriver) *sandbox.Proxy {
	t.Helper()
	h, err := d.Create(context.Background(), "n", "img", 128, nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	p := sandbox.NewProxy(d, h, "python", 128, 1, testLog())
	p.StartNotifying(nil)
	p.MarkPrewarmed()
	if err := p.Assign("python", sandbox.ActionKey{ActionID: "a1", Rev: "1"}); err != nil {
		t.Fatalf("Assign: %v", err)
	}
	return p
}

func TestRunnerSuccess(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 200, Body: []byte(`{"result":42}`)}, nil
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err=%v)", rec.Status, rec.Err)
	}
}

func TestRunnerApplicationError(t *testing.T) {
	d := sandbox.NewMockDriver()
	body, _ := json.Marshal(map[string]any{"error": "boom"})
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 200, Body: body}, nil
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusApplicationError {
		t.Fatalf("expected application-error, got %s", rec.Status)
	}
	if p.State() != sandbox.Initialized {
		t.Fatalf("application error must leave the container warm, got %s", p.State())
	}
}

func TestRunnerDeveloperErrorOn5xx(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 502, Body: []byte(`oops`)}, nil
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusDeveloperError {
		t.Fatalf("expected developer-error, got %s", rec.Status)
	}
}

func TestRunnerInitFailureIsDeveloperError(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.FailInit = &sandbox.InitError{Diagnostic: "bad zip"}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusDeveloperError {
		t.Fatalf("expected developer-error on init failure, got %s", rec.Status)
	}
	if p.State() != sandbox.Removing {
		t.Fatalf("expected container to be Removing after init failure, got %s", p.State())
	}
}

func TestRunnerCollectsLogsUpToSentinel(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", rec.Status)
	}
	for _, l := range rec.LogLines {
		if l.Text == sandbox.LogSentinel {
			t.Fatal("sentinel line must not be included in the collected log lines")
		}
	}
}

func TestRunnerPostHeadersRunErrorIsDeveloperError(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return nil, &sandbox.RunError{Kind: sandbox.RunConnection, HeadersReceived: true, Err: io.ErrUnexpectedEOF}
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusDeveloperError {
		t.Fatalf("expected developer-error for a post-headers run failure, got %s", rec.Status)
	}
}

func TestRunnerPreHeadersRunErrorIsWhiskError(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return nil, &sandbox.RunError{Kind: sandbox.RunConnection, HeadersReceived: false, Err: io.ErrClosedPipe}
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusWhiskError {
		t.Fatalf("expected whisk-error for a pre-headers transport failure, got %s", rec.Status)
	}
}

func TestRunnerConcurrencyLimitHitIncrementsHook(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return nil, sandbox.ErrConcurrencyLimit
	}
	p := newAssignedProxy(t, d)
	hooks := telemetry.New()

	rec := New(testLog(), time.Second, hooks).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusWhiskError {
		t.Fatalf("expected whisk-error for a concurrency-limit rejection, got %s", rec.Status)
	}
	if got := testutil.ToFloat64(hooks.ConcurrencyLimitHits); got != 1 {
		t.Fatalf("expected ConcurrencyLimitHits to be 1, got %v", got)
	}
}

func TestRunnerInitObservesInitTimeAndTracksAvgDuration(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return &sandbox.RunResult{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	p := newAssignedProxy(t, d) // freshly assigned, still Prewarmed: NeedsInit is true
	hooks := telemetry.New()
	r := New(testLog(), time.Second, hooks)

	rec := r.Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (err=%v)", rec.Status, rec.Err)
	}
	if testutil.CollectAndCount(hooks.InitTime) != 1 {
		t.Fatal("expected exactly one InitTime observation")
	}
	if r.AvgDurationMS() < 0 {
		t.Fatal("expected a non-negative rolling average duration")
	}
}

func TestRunnerTimeoutIsWhiskError(t *testing.T) {
	d := sandbox.NewMockDriver()
	d.RunFunc = func(argsJSON []byte) (*sandbox.RunResult, error) {
		return nil, &sandbox.RunError{Kind: sandbox.RunTimeout}
	}
	p := newAssignedProxy(t, d)

	rec := New(testLog(), time.Second, telemetry.New()).Run(context.Background(), p, WorkItem{
		ActionID: "a1", Rev: "1", ArgsJSON: []byte(`{}`), TimeLimit: time.Second,
	})

	if rec.Status != StatusWhiskError {
		t.Fatalf("expected whisk-error on timeout, got %s", rec.Status)
	}
	if p.State() != sandbox.Removing {
		t.Fatalf("expected container Removing after timeout, got %s", p.State())
	}
}
