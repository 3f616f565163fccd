// Package server is the admin HTTP surface and process lifecycle for
// an invoker process: PID-file bookkeeping, signal-triggered drain,
// and the /pid, /status, /stats, /debug, /metrics routes, grounded on
// the reference worker's worker/event/server.go Main loop.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/invoker"
)

const (
	pidPath    = "/pid"
	statusPath = "/status"
	statsPath  = "/stats"
	debugPath  = "/debug"
	metricsPath = "/metrics"
)

// Exit codes reported by Main, matching the process entrypoint's
// documented contract.
const (
	ExitOK               = 0
	ExitFatalConfig      = 2
	ExitDriverInitFailed = 3
	ExitAccountantCorrupt = 4
)

// Server is the admin HTTP server bound to one running Invoker.
type Server struct {
	inv *invoker.Invoker
	log *slog.Logger
}

// New builds a Server; it does not start listening until Main runs.
func New(inv *invoker.Invoker, log *slog.Logger) *Server {
	return &Server{inv: inv, log: log}
}

func (s *Server) handleGetPid(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte(strconv.Itoa(os.Getpid()) + "\n")); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte("ready\n")); err != nil {
		s.log.Error("write status response", "err", err)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.inv.Pool.Stats()
	merged := make(map[string]any, len(stats)+2)
	for k, v := range stats {
		merged[k] = v
	}
	for k, v := range common.SnapshotStats() {
		merged[k] = v
	}

	b, err := json.MarshalIndent(merged, "", "\t")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		s.log.Error("write stats response", "err", err)
	}
}

func (s *Server) handleDebug(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte(s.inv.Debug.Dump())); err != nil {
		s.log.Error("write debug response", "err", err)
	}
}

// Main runs the admin server plus the invoker's Work Feed until a kill
// signal or a fatal internal error, then drains the pool and returns
// the exit code the caller should pass to os.Exit. corrupt is closed
// or sent to by the caller's accountant-corruption callback (see
// cmd/invoker) to force an immediate ExitAccountantCorrupt drain.
func Main(inv *invoker.Invoker, log *slog.Logger, corrupt <-chan struct{}) int {
	workerPidPath := filepath.Join(common.Conf.Worker_dir, "worker.pid")
	if _, err := os.Stat(workerPidPath); err == nil {
		log.Error("previous worker may be running", "pid_file", workerPidPath)
		return ExitFatalConfig
	} else if !os.IsNotExist(err) {
		log.Error("could not stat pid file", "err", err)
		return ExitFatalConfig
	}

	if err := os.MkdirAll(common.Conf.Worker_dir, 0700); err != nil {
		log.Error("create worker dir", "err", err)
		return ExitFatalConfig
	}
	if err := os.WriteFile(workerPidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
		log.Error("write pid file", "err", err)
		return ExitFatalConfig
	}
	defer func() {
		if err := os.Remove(workerPidPath); err != nil {
			log.Error("remove pid file", "path", workerPidPath, "err", err)
		}
	}()

	s := New(inv, log)

	mux := http.NewServeMux()
	mux.HandleFunc(pidPath, s.handleGetPid)
	mux.HandleFunc(statusPath, s.handleStatus)
	mux.HandleFunc(statsPath, s.handleStats)
	mux.HandleFunc(debugPath, s.handleDebug)
	mux.Handle(metricsPath, inv.Hooks.Handler())

	addr := fmt.Sprintf("%s:%s", common.Conf.Worker_url, common.Conf.Worker_port)
	httpServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("admin server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server failed: %w", err)
		}
	}()

	feedCtx, cancelFeed := context.WithCancel(context.Background())
	go inv.Feed.Run(feedCtx, inv.Handle)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	exitCode := ExitOK
	select {
	case sig := <-sigCh:
		log.Info("received signal, draining", "signal", sig.String())
	case err := <-errCh:
		log.Error("admin server error, draining", "err", err)
		exitCode = ExitFatalConfig
	case <-corrupt:
		log.Error("accountant corruption detected, draining")
		exitCode = ExitAccountantCorrupt
	}

	cancelFeed()
	grace := time.Duration(common.Conf.Pool.Shutdown_grace_ms) * time.Millisecond
	inv.Feed.Shutdown(grace)
	inv.Pool.Shutdown(grace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		log.Error("admin server shutdown error", "err", err)
	}

	writeFinalStats(inv)
	log.Info("worker stopped", "pid", os.Getpid())
	return exitCode
}

func writeFinalStats(inv *invoker.Invoker) {
	statsPath := filepath.Join(common.Conf.Worker_dir, "stats.json")
	snapshot := map[string]any{}
	for k, v := range inv.Pool.Stats() {
		snapshot[k] = v
	}
	for k, v := range common.SnapshotStats() {
		snapshot[k] = v
	}
	b, err := json.MarshalIndent(snapshot, "", "\t")
	if err != nil {
		return
	}
	_ = os.WriteFile(statsPath, b, 0644)
}
