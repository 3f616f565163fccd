// Package runner drives one assigned container through Init/Run for a
// single activation and classifies the outcome into an activation
// record, grounded on the reference worker's lambda-invocation flow
// and generalised to the whisk-style status taxonomy.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/sandbox"
	"github.com/openwhisk/invoker-pool/internal/telemetry"
)

// Status is one of the four fixed activation outcomes.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusApplicationError Status = "application-error"
	StatusDeveloperError   Status = "developer-error"
	StatusWhiskError       Status = "whisk-error"
)

// WorkItem is one unit of work to execute against an assigned container.
type WorkItem struct {
	ActionID   string
	Rev        string
	Namespace  string
	ArgsJSON   []byte
	Code       sandbox.CodeDescriptor
	TimeLimit  time.Duration
	InitBudget time.Duration // wall-clock already spent selecting/creating the container
}

// ActivationRecord is what gets emitted to the log forwarder and result
// sink for exactly one activation.
type ActivationRecord struct {
	ActionID   string
	Rev        string
	Namespace  string
	Start      time.Time
	End        time.Time
	Status     Status
	StatusCode int
	Response   []byte
	Truncated  bool
	Err        error
	LogLines   []sandbox.LogLine
	Wait       time.Duration
}

// applicationResponse is the subset of an action's JSON body the
// runner inspects to distinguish success from an application-level
// error, matching OpenWhisk's own convention of an "error" top-level
// key.
type applicationResponse struct {
	Error json.RawMessage `json:"error"`
}

// Runner is the Activation Runner (spec component E).
type Runner struct {
	log          *slog.Logger
	sentinelWait time.Duration
	hooks        *telemetry.Hooks

	durMu sync.Mutex
	durMS *common.RollingAvg
}

// New builds a Runner. sentinelWait bounds how long the runner waits
// for the driver's end-of-activation log sentinel before falling back
// to a timestamp cutoff at the activation's recorded end time. hooks
// may be nil in tests that don't care about Prometheus observations.
func New(log *slog.Logger, sentinelWait time.Duration, hooks *telemetry.Hooks) *Runner {
	return &Runner{log: log, sentinelWait: sentinelWait, hooks: hooks, durMS: common.NewRollingAvg(64)}
}

// AvgDurationMS is a rolling average of recent activation durations,
// cheaper than querying the RunDuration histogram for a dashboard that
// just wants a single trending number.
func (r *Runner) AvgDurationMS() int {
	r.durMu.Lock()
	defer r.durMu.Unlock()
	return r.durMS.Avg
}

// Run executes item on p, following the contract: Resume if Paused
// (fatal on failure), Init if Prewarmed (fatal on failure), then Run
// with a deadline bounded by the action's time limit.
func (r *Runner) Run(ctx context.Context, p *sandbox.Proxy, item WorkItem) *ActivationRecord {
	start := time.Now()
	rec := &ActivationRecord{
		ActionID:  item.ActionID,
		Rev:       item.Rev,
		Namespace: item.Namespace,
		Start:     start,
	}

	if p.State() == sandbox.Paused {
		if err := p.Resume(ctx); err != nil {
			return r.finish(ctx, p, rec, StatusWhiskError, 0, nil, false, err)
		}
	}

	if p.NeedsInit() {
		initLat := common.T0("init")
		err := p.Init(ctx, item.Code)
		initLat.T1()
		if r.hooks != nil {
			r.hooks.InitTime.Observe(float64(initLat.Milliseconds) / 1000)
		}
		if err != nil {
			return r.finish(ctx, p, rec, StatusDeveloperError, 0, nil, false, err)
		}
	}

	remaining := item.TimeLimit - item.InitBudget
	if remaining <= 0 {
		return r.finish(ctx, p, rec, StatusWhiskError, 0, nil, false, context.DeadlineExceeded)
	}
	deadline := time.Now().Add(remaining)

	runLat := common.T0("run")
	result, err := p.Run(ctx, item.ArgsJSON, deadline)
	runLat.T1()
	if err != nil {
		if errors.Is(err, sandbox.ErrConcurrencyLimit) && r.hooks != nil {
			r.hooks.ConcurrencyLimitHits.Inc()
		}
		if re, ok := err.(*sandbox.RunError); ok && re.Kind != sandbox.RunTimeout && re.HeadersReceived {
			// the container answered with headers before failing, so the
			// container itself is to blame, not the transport.
			return r.finish(ctx, p, rec, StatusDeveloperError, 0, nil, false, err)
		}
		return r.finish(ctx, p, rec, StatusWhiskError, 0, nil, false, err)
	}

	status := classify(result)
	return r.finish(ctx, p, rec, status, result.StatusCode, result.Body, result.Truncated, nil)
}

// classify maps an HTTP-level result onto the fixed status taxonomy:
// 200 is success unless the body carries an "error" field, 5xx is a
// developer error, everything else in 2xx/3xx/4xx that isn't a
// recognized application error also counts as developer error.
func classify(result *sandbox.RunResult) Status {
	if result.StatusCode >= 500 {
		return StatusDeveloperError
	}
	if result.StatusCode == 200 {
		var body applicationResponse
		if err := json.Unmarshal(result.Body, &body); err == nil && len(body.Error) > 0 {
			return StatusApplicationError
		}
		return StatusSuccess
	}
	return StatusDeveloperError
}

// cutoff drops any line logged after end, the recorded activation end
// time, so a sentinel-wait timeout can't leak a later activation's
// output into this one's record.
func cutoff(lines []sandbox.LogLine, end time.Time) []sandbox.LogLine {
	kept := lines[:0]
	for _, l := range lines {
		if !l.Time.After(end) {
			kept = append(kept, l)
		}
	}
	return kept
}

func (r *Runner) finish(ctx context.Context, p *sandbox.Proxy, rec *ActivationRecord, status Status, code int, body []byte, truncated bool, err error) *ActivationRecord {
	rec.End = time.Now()
	rec.Status = status
	rec.StatusCode = code
	rec.Response = body
	rec.Truncated = truncated
	rec.Err = err
	rec.LogLines = r.collectLogs(ctx, p, rec.Start, rec.End)

	r.durMu.Lock()
	r.durMS.Add(int(rec.End.Sub(rec.Start).Milliseconds()))
	r.durMu.Unlock()

	if err != nil {
		r.log.Warn("activation finished with error", "action", rec.ActionID, "status", status, "err", err, "goroutine", common.GetGoroutineID())
	}
	return rec
}

// collectLogs drains the container's log stream for this activation,
// stopping as soon as the driver's end-of-activation sentinel line is
// seen. If the sentinel never arrives within sentinelWait (spec Open
// Question b), it stops collecting and keeps only the lines collected so
// far whose timestamps are not after the recorded end_ms, on the theory
// that anything logged later belongs to the container's next
// activation, not this one.
func (r *Runner) collectLogs(ctx context.Context, p *sandbox.Proxy, since, end time.Time) []sandbox.LogLine {
	ch, err := p.Logs(ctx, since)
	if err != nil {
		r.log.Warn("could not open log stream", "container", p.ID(), "err", err)
		return nil
	}

	wait := r.sentinelWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var lines []sandbox.LogLine
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return lines
			}
			if line.Text == sandbox.LogSentinel {
				return lines
			}
			lines = append(lines, line)
		case <-timer.C:
			r.log.Debug("log sentinel wait exceeded, using end_ms cutoff", "container", p.ID())
			return cutoff(lines, end)
		}
	}
}
