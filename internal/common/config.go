package common

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// Configuration is stored globally here, loaded once at startup and
// treated as read-only afterward.
var Conf *Config

// PrewarmSpec describes one prewarm target: keep Count Prewarmed
// containers of Kind around, each reserving Memory_mb, replacing any
// that age past Max_age_s.
type PrewarmSpec struct {
	Kind      string `json:"kind"`
	Memory_mb int    `json:"memory_mb"`
	Count     int    `json:"count"`
	Max_age_s int    `json:"max_age_s"`
}

// Config represents the configuration for an invoker process.
type Config struct {
	// worker directory, which contains the pid file, logs, stats, etc.
	Worker_dir string `json:"worker_dir"`

	// url/ip and port the invoker's admin HTTP server listens on
	Worker_url  string `json:"worker_url"`
	Worker_port string `json:"worker_port"`

	// sandbox driver to use: currently only "docker"
	Sandbox string `json:"sandbox"`

	Pool    PoolConfig    `json:"pool"`
	Docker  DockerConfig  `json:"docker"`
	Feed    FeedConfig    `json:"feed"`
	Action  ActionConfig  `json:"action"`
	Trace   TraceConfig   `json:"trace"`
}

// PoolConfig mirrors the Pool configuration keys of the spec.
type PoolConfig struct {
	Memory_limit_mb               int           `json:"memory_limit_mb"`
	Prewarm                       []PrewarmSpec `json:"prewarm"`
	Idle_grace_ms                 int           `json:"idle_grace_ms"`
	Eviction_lru                  bool          `json:"eviction_lru"`
	Concurrent_peek               int           `json:"concurrent_peek"`
	Namespace_concurrency_default int           `json:"namespace_concurrency_default"`
	Pause_failure_removes         bool          `json:"pause_failure_removes"`
	Log_sentinel_wait_ms          int           `json:"log_sentinel_wait_ms"`
	Shutdown_grace_ms             int           `json:"shutdown_grace_ms"`
	Max_response_bytes            int           `json:"max_response_bytes"`
}

type DockerConfig struct {
	// which OCI implementation to use for the docker sandbox (e.g., runc or runsc)
	Runtime string `json:"runtime"`
	// name of the image used for containers, keyed by runtime kind
	Images map[string]string `json:"images"`
}

// FeedConfig configures the Kafka-backed Work Feed.
type FeedConfig struct {
	Brokers        []string `json:"brokers"`
	Topic          string   `json:"topic"`
	Group          string   `json:"group"`
	Max_retries    int      `json:"max_retries"`
	Backoff_base_ms int     `json:"backoff_base_ms"`
}

// ActionConfig configures the action/metadata store.
type ActionConfig struct {
	Etcd_endpoints []string `json:"etcd_endpoints"`
	Key_prefix     string   `json:"key_prefix"`
	Code_bucket    string   `json:"code_bucket"`
}

type TraceConfig struct {
	Enable_JSON bool `json:"enable_json"`
	Latency     bool `json:"latency"`
	Pool        bool `json:"pool"`
}

// LoadDefaults chooses reasonable defaults for an invoker deployment.
// olPath need not exist (it is used to determine default paths).
func LoadDefaults(olPath string) error {
	workerDir := filepath.Join(olPath, "worker")

	Conf = &Config{
		Worker_dir:  workerDir,
		Worker_url:  "localhost",
		Worker_port: "5000",
		Sandbox:     "docker",
		Pool: PoolConfig{
			Memory_limit_mb:               2048,
			Idle_grace_ms:                 50000,
			Eviction_lru:                  true,
			Concurrent_peek:               32,
			Namespace_concurrency_default: 16,
			Pause_failure_removes:         false,
			Log_sentinel_wait_ms:          2000,
			Shutdown_grace_ms:             10000,
			Max_response_bytes:            1 << 20,
		},
		Docker: DockerConfig{
			Runtime: "runc",
			Images: map[string]string{
				"nodejs:14": "openwhisk/action-nodejs-v14",
			},
		},
		Feed: FeedConfig{
			Brokers:         []string{"localhost:9092"},
			Topic:           "invocations",
			Group:           "invoker",
			Max_retries:     3,
			Backoff_base_ms: 50,
		},
		Action: ActionConfig{
			Etcd_endpoints: []string{"localhost:2379"},
			Key_prefix:     "/openwhisk/actions",
			Code_bucket:    "file:///var/lib/openwhisk/action-code",
		},
	}

	return checkConf()
}

// LoadConf reads a file and parses it as JSON into Conf.
func LoadConf(path string) error {
	configRaw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not open config (%v): %v", path, err.Error())
	}

	if err := json.Unmarshal(configRaw, &Conf); err != nil {
		return fmt.Errorf("could not parse config (%v): %v", path, err.Error())
	}

	return checkConf()
}

func checkConf() error {
	if !path.IsAbs(Conf.Worker_dir) {
		return fmt.Errorf("worker_dir cannot be relative")
	}

	if Conf.Sandbox != "docker" {
		return fmt.Errorf("unknown sandbox driver '%s'", Conf.Sandbox)
	}

	if Conf.Pool.Memory_limit_mb <= 0 {
		return fmt.Errorf("pool.memory_limit_mb must be positive")
	}

	for _, p := range Conf.Pool.Prewarm {
		if p.Memory_mb > Conf.Pool.Memory_limit_mb {
			return fmt.Errorf("prewarm kind %s requires %d MB, more than memory_limit_mb (%d)", p.Kind, p.Memory_mb, Conf.Pool.Memory_limit_mb)
		}
	}

	if Conf.Feed.Topic == "" {
		return fmt.Errorf("feed.topic is required")
	}

	return nil
}

// DumpConfStr returns the Config as an indented JSON string.
func DumpConfStr() string {
	s, err := json.MarshalIndent(Conf, "", "\t")
	if err != nil {
		panic(err)
	}
	return string(s)
}

// SaveConf writes the Config as indented JSON to path with 644 mode.
func SaveConf(path string) error {
	s, err := json.MarshalIndent(Conf, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, s, 0644)
}

func GetOlPath(ctx *cli.Context) (string, error) {
	olPath := ctx.String("path")
	if olPath == "" {
		olPath = "default-ol"
	}
	return filepath.Abs(olPath)
}
