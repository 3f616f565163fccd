// Package invoker wires the Work Feed, Container Pool, Activation
// Runner, action store, and telemetry hooks into a single message
// handler, grounded on the reference worker's handler.go binding
// between a pulled request and its sandboxed execution.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
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

// Invoker is the assembled process: everything the admin server and
// the Work Feed's handler need to place and drive one activation.
type Invoker struct {
	Pool    *pool.Pool
	Runner  *runner.Runner
	Actions action.Store
	Puller  *action.CodePuller
	Feed    *feed.Feed
	Hooks   *telemetry.Hooks
	Debug   sandbox.Debugger
	Results sink.ResultSink
	Logs    sink.LogSink
	log     *slog.Logger
}

// New assembles the collaborators; construction of the individual
// pieces (driver, accountant-backed pool, etcd store, blob puller,
// kafka feed, filesystem sinks) is left to the caller so each stays
// independently testable.
func New(p *pool.Pool, r *runner.Runner, actions action.Store, puller *action.CodePuller, f *feed.Feed, hooks *telemetry.Hooks, dbg sandbox.Debugger, results sink.ResultSink, logs sink.LogSink, log *slog.Logger) *Invoker {
	return &Invoker{Pool: p, Runner: r, Actions: actions, Puller: puller, Feed: f, Hooks: hooks, Debug: dbg, Results: results, Logs: logs, log: log}
}

// Handle is the feed.Handler bound to this invoker: it looks up the
// action, places it on the pool, drives the runner, and records the
// outcome. Its return value tells the Work Feed whether to retry
// (only ErrSystemOverloaded is retryable) or commit the offset as
// final.
func (inv *Invoker) Handle(ctx context.Context, msg *feed.Message) error {
	waitStart := time.Now()

	desc, err := inv.Actions.Get(ctx, msg.Namespace, msg.ActionID, msg.Rev)
	if err != nil {
		inv.log.Error("action lookup failed", "namespace", msg.Namespace, "action", msg.ActionID, "err", err)
		inv.recordFinal(&runner.ActivationRecord{
			ActionID: msg.ActionID, Rev: msg.Rev, Namespace: msg.Namespace,
			Start: waitStart, End: time.Now(), Status: runner.StatusWhiskError, Err: err,
		}, false)
		return err
	}

	codePath, err := inv.Puller.Pull(ctx, desc.CodeRef)
	if err != nil {
		inv.log.Error("code pull failed", "code_ref", desc.CodeRef, "err", err)
		inv.recordFinal(&runner.ActivationRecord{
			ActionID: msg.ActionID, Rev: msg.Rev, Namespace: msg.Namespace,
			Start: waitStart, End: time.Now(), Status: runner.StatusWhiskError, Err: err,
		}, false)
		return err
	}
	code, err := os.ReadFile(codePath)
	if err != nil {
		inv.log.Error("read cached code failed", "path", codePath, "err", err)
		inv.recordFinal(&runner.ActivationRecord{
			ActionID: msg.ActionID, Rev: msg.Rev, Namespace: msg.Namespace,
			Start: waitStart, End: time.Now(), Status: runner.StatusWhiskError, Err: err,
		}, false)
		return err
	}

	item := pool.WorkItem{
		Kind:             desc.Kind,
		ActionID:         msg.ActionID,
		Rev:              msg.Rev,
		Image:            msg.Image,
		MemoryMB:         desc.MemoryMB,
		ConcurrencyLimit: desc.ConcurrencyLimit,
	}

	sub, err := inv.Pool.Submit(ctx, item)
	if err != nil {
		if err == pool.ErrSystemOverloaded || err == pool.ErrShuttingDown {
			// a drain in progress is the same backpressure signal to the
			// feed as overload: neither is a terminal outcome for this
			// activation, so it must come back as ErrSystemOverloaded for
			// the feed's retry check to recognize it as retryable.
			inv.Hooks.Activations.WithLabelValues(string(runner.StatusWhiskError)).Inc()
			return pool.ErrSystemOverloaded
		}
		inv.log.Error("pool submit failed", "action", msg.ActionID, "err", err)
		inv.recordFinal(&runner.ActivationRecord{
			ActionID: msg.ActionID, Rev: msg.Rev, Namespace: msg.Namespace,
			Start: waitStart, End: time.Now(), Status: runner.StatusWhiskError, Err: err,
		}, false)
		return err
	}

	waitTime := time.Since(waitStart)
	inv.Hooks.WaitTime.Observe(waitTime.Seconds())
	if sub.ColdStart {
		inv.Hooks.ColdStarts.Inc()
	}

	runItem := runner.WorkItem{
		ActionID:  msg.ActionID,
		Rev:       msg.Rev,
		Namespace: msg.Namespace,
		ArgsJSON:  msg.Args,
		Code: sandbox.CodeDescriptor{
			Code:   string(code),
			Binary: desc.Binary,
			Main:   desc.Main,
		},
		TimeLimit:  time.Duration(desc.TimeLimitSeconds) * time.Second,
		InitBudget: waitTime,
	}

	rec := inv.Runner.Run(ctx, sub.Proxy, runItem)
	rec.Wait = waitTime
	inv.Pool.Release(sub.Proxy)
	inv.recordFinal(rec, sub.ColdStart)

	// only whisk-error/application-error/developer-error/success are
	// terminal outcomes at this layer; none of them are retryable by the
	// feed, which only retries on ErrSystemOverloaded returned above.
	return nil
}

func (inv *Invoker) recordFinal(rec *runner.ActivationRecord, cold bool) {
	inv.Hooks.Activations.WithLabelValues(string(rec.Status)).Inc()
	inv.Hooks.RunDuration.Observe(rec.End.Sub(rec.Start).Seconds())
	inv.Hooks.ResponseSize.Observe(float64(len(rec.Response)))
	inv.Hooks.MemoryInUseMB.Set(float64(inv.Pool.Stats()["memory_used_mb"]))
	if rec.Status == runner.StatusWhiskError && rec.Err == context.DeadlineExceeded {
		inv.Hooks.TimeLimitHits.Inc()
	} else if re, ok := rec.Err.(*sandbox.RunError); ok && re.Kind == sandbox.RunTimeout {
		inv.Hooks.TimeLimitHits.Inc()
	}

	activationID := fmt.Sprintf("%s_%s_%s_%d", rec.Namespace, rec.ActionID, rec.Rev, rec.Start.UnixNano())

	var logsRef string
	if inv.Logs != nil {
		sinkLines := make([]sink.LogLine, len(rec.LogLines))
		for i, l := range rec.LogLines {
			sinkLines[i] = sink.LogLine{Time: l.Time, Stream: l.Stream, Text: l.Text}
		}
		ref, err := inv.Logs.WriteLogs(activationID, sinkLines)
		if err != nil {
			inv.log.Warn("log forwarder write failed", "activation_id", activationID, "err", err)
		}
		logsRef = ref
	}

	if inv.Results != nil {
		err := inv.Results.WriteActivation(sink.ActivationRecord{
			ActivationID: activationID,
			Namespace:    rec.Namespace,
			Name:         rec.ActionID,
			Rev:          rec.Rev,
			StartMs:      rec.Start.UnixMilli(),
			EndMs:        rec.End.UnixMilli(),
			Status:       string(rec.Status),
			StatusCode:   rec.StatusCode,
			Truncated:    rec.Truncated,
			Size:         len(rec.Response),
			LogsRef:      logsRef,
			Cold:         cold,
			WaitTimeMs:   rec.Wait.Milliseconds(),
		})
		if err != nil {
			inv.log.Warn("result sink write failed", "activation_id", activationID, "err", err)
		}
	}

	if common.Conf != nil && common.Conf.Trace.Enable_JSON {
		payload := map[string]any{
			"activation_id": fmt.Sprintf("%s/%s@%s", rec.Namespace, rec.ActionID, rec.Rev),
			"namespace":     rec.Namespace,
			"name":          rec.ActionID,
			"start_ms":      rec.Start.UnixMilli(),
			"end_ms":        rec.End.UnixMilli(),
			"status":        rec.Status,
			"cold":          cold,
			"truncated":     rec.Truncated,
			"size":          len(rec.Response),
		}
		if b, err := json.Marshal(payload); err == nil {
			inv.log.Info("activation record", "record", string(b))
		}
	} else {
		inv.log.Info("activation completed",
			"namespace", rec.Namespace, "action", rec.ActionID, "rev", rec.Rev,
			"status", rec.Status, "cold", cold, "duration_ms", rec.End.Sub(rec.Start).Milliseconds())
	}
	if rec.Err != nil {
		inv.log.Warn("activation ended with error", "action", rec.ActionID, "err", rec.Err)
	}
}
