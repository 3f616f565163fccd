package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/invoker"
	"github.com/openwhisk/invoker-pool/internal/pool"
	"github.com/openwhisk/invoker-pool/internal/runner"
	"github.com/openwhisk/invoker-pool/internal/sandbox"
	"github.com/openwhisk/invoker-pool/internal/telemetry"
)

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testInvoker builds an Invoker with just enough real collaborators
// (pool, debugger) to exercise the admin routes; the action store, code
// puller, feed, and sinks are left nil since none of the routes under
// test touch them.
func testInvoker(t *testing.T) *invoker.Invoker {
	t.Helper()
	cfg := common.PoolConfig{Memory_limit_mb: 512, Namespace_concurrency_default: 4}
	dbg := sandbox.NewDebugger()
	p := pool.New(sandbox.NewMockDriver(), 512, cfg, map[string]string{"python": "img"}, "runc", testLog(), dbg)
	hooks := telemetry.New()
	return invoker.New(p, runner.New(testLog(), 0, hooks), nil, nil, nil, hooks, dbg, nil, nil, testLog())
}

func TestHandleGetPidReturnsOwnPid(t *testing.T) {
	s := New(testInvoker(t), testLog())
	rec := httptest.NewRecorder()
	s.handleGetPid(rec, httptest.NewRequest(http.MethodGet, pidPath, nil))

	got := strings.TrimSpace(rec.Body.String())
	want := strconv.Itoa(os.Getpid())
	if got != want {
		t.Fatalf("expected pid %s, got %s", want, got)
	}
}

func TestHandleStatusReportsReady(t *testing.T) {
	s := New(testInvoker(t), testLog())
	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, statusPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "ready" {
		t.Fatalf("expected ready, got %q", rec.Body.String())
	}
}

func TestHandleStatsReturnsPoolAndProcessStats(t *testing.T) {
	s := New(testInvoker(t), testLog())
	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, statsPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if _, ok := stats["memory_limit_mb"]; !ok {
		t.Fatalf("expected memory_limit_mb in stats, got %v", stats)
	}
}

func TestHandleDebugDumpsLiveProxies(t *testing.T) {
	inv := testInvoker(t)
	_, err := inv.Pool.Submit(context.Background(), pool.WorkItem{Kind: "python", ActionID: "a1", Rev: "1", Image: "img", MemoryMB: 64})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s := New(inv, testLog())
	rec := httptest.NewRecorder()
	s.handleDebug(rec, httptest.NewRequest(http.MethodGet, debugPath, nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty debug dump with one live container")
	}
}
