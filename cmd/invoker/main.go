// Command invoker runs the OpenWhisk-style invoker container pool: it
// pulls activation requests off Kafka, places them on Docker
// containers via the container pool, drives the init/run protocol,
// and reports activation records and Prometheus metrics.
//
// Command tree modeled on the reference project's worker/commands.go
// and go/admin/commands.go: `run` starts the process in the
// foreground, `status` pings a running instance's admin server, and
// `drain` asks a running instance to stop accepting new work and exit
// cleanly.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openwhisk/invoker-pool/internal/action"
	"github.com/openwhisk/invoker-pool/internal/common"
	"github.com/openwhisk/invoker-pool/internal/feed"
	"github.com/openwhisk/invoker-pool/internal/invoker"
	"github.com/openwhisk/invoker-pool/internal/pool"
	"github.com/openwhisk/invoker-pool/internal/runner"
	"github.com/openwhisk/invoker-pool/internal/sandbox"
	"github.com/openwhisk/invoker-pool/internal/server"
	"github.com/openwhisk/invoker-pool/internal/sink"
	"github.com/openwhisk/invoker-pool/internal/telemetry"
)

func newLogger(olPath, component string) (*slog.Logger, error) {
	if err := common.LoadLoggers(olPath); err != nil {
		return nil, err
	}
	level := "INFO"
	if os.Getenv("INVOKER_DEBUG") != "" {
		level = "DEBUG"
	}
	return common.FetchLogger(component, level)
}

// loadConfig loads defaults for olPath, then overlays config.json if
// present, matching the reference project's LoadDefaults-then-LoadConf
// sequencing in worker/commands.go's upCmd.
func loadConfig(olPath string) error {
	if err := common.LoadDefaults(olPath); err != nil {
		return err
	}
	confPath := filepath.Join(olPath, "config.json")
	if _, err := os.Stat(confPath); err == nil {
		return common.LoadConf(confPath)
	}
	return nil
}

func runCmd(ctx *cli.Context) error {
	olPath, err := common.GetOlPath(ctx)
	if err != nil {
		return err
	}
	if err := loadConfig(olPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(server.ExitFatalConfig)
	}

	log, err := newLogger(olPath, "invoker")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(server.ExitFatalConfig)
	}

	driver, err := sandbox.NewDockerDriver(filepath.Base(olPath), common.Conf.Docker.Runtime, log)
	if err != nil {
		log.Error("sandbox driver init failed", "err", err)
		os.Exit(server.ExitDriverInitFailed)
	}

	corrupt := make(chan struct{})
	onCorruption := func(overBy int) {
		log.Error("accountant corruption, forcing shutdown", "over_by", overBy)
		select {
		case corrupt <- struct{}{}:
		default:
		}
	}

	dbg := sandbox.NewDebugger()
	p := pool.New(driver, common.Conf.Pool.Memory_limit_mb, common.Conf.Pool, common.Conf.Docker.Images, common.Conf.Docker.Runtime, log, dbg, onCorruption)
	sentinelWait := time.Duration(common.Conf.Pool.Log_sentinel_wait_ms) * time.Millisecond
	hooks := telemetry.New()
	r := runner.New(log, sentinelWait, hooks)
	fileSink := sink.NewFileSink(common.Conf.Worker_dir)

	actions, err := action.NewEtcdStore(common.Conf.Action.Etcd_endpoints, common.Conf.Action.Key_prefix)
	if err != nil {
		log.Error("action store init failed", "err", err)
		os.Exit(server.ExitFatalConfig)
	}
	puller := action.NewCodePuller(common.Conf.Action.Code_bucket, filepath.Join(common.Conf.Worker_dir, "code-cache"))

	f, err := feed.New(
		common.Conf.Feed.Brokers,
		common.Conf.Feed.Topic,
		common.Conf.Feed.Group,
		common.Conf.Feed.Max_retries,
		common.Conf.Feed.Backoff_base_ms,
		common.Conf.Pool.Namespace_concurrency_default,
		log,
	)
	if err != nil {
		log.Error("work feed init failed", "err", err)
		os.Exit(server.ExitFatalConfig)
	}

	inv := invoker.New(p, r, actions, puller, f, hooks, dbg, fileSink, fileSink, log)

	code := server.Main(inv, log, corrupt)
	os.Exit(code)
	return nil
}

func statusCmd(ctx *cli.Context) error {
	olPath, err := common.GetOlPath(ctx)
	if err != nil {
		return err
	}
	if err := loadConfig(olPath); err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%s/status", common.Conf.Worker_url, common.Conf.Worker_port)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("could not reach invoker at %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read body from %s: %w", url, err)
	}
	fmt.Printf("%s => %s [%s]\n", url, body, resp.Status)
	return nil
}

func drainCmd(ctx *cli.Context) error {
	olPath, err := common.GetOlPath(ctx)
	if err != nil {
		return err
	}
	if err := loadConfig(olPath); err != nil {
		return err
	}

	pidPath := filepath.Join(common.Conf.Worker_dir, "worker.pid")
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return fmt.Errorf("could not read pid file %s: %w", pidPath, err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return fmt.Errorf("pid file %s did not contain an int: %w", pidPath, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find invoker process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("could not signal invoker process %d: %w", pid, err)
	}

	for i := 0; i < 300; i++ {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			fmt.Println("drained")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("invoker process %d did not exit within 30s", pid)
}

func main() {
	pathFlag := &cli.StringFlag{
		Name:    "path",
		Aliases: []string{"p"},
		Usage:   "Path to the invoker's working directory (holds config.json, pid file, logs)",
	}

	app := &cli.App{
		Name:                 "invoker",
		Usage:                "OpenWhisk-style invoker container pool",
		UsageText:            "invoker COMMAND [ARG...]",
		EnableBashCompletion: true,
		HideVersion:          true,
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Start the invoker process in the foreground",
				UsageText: "invoker run [--path=PATH]",
				Flags:     []cli.Flag{pathFlag},
				Action:    runCmd,
			},
			{
				Name:      "status",
				Usage:     "Ping a running invoker's admin server",
				UsageText: "invoker status [--path=PATH]",
				Flags:     []cli.Flag{pathFlag},
				Action:    statusCmd,
			},
			{
				Name:      "drain",
				Usage:     "Ask a running invoker to stop accepting work and exit cleanly",
				UsageText: "invoker drain [--path=PATH]",
				Flags:     []cli.Flag{pathFlag},
				Action:    drainCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
