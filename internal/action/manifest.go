package action

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// HTTPTrigger fires the action on inbound HTTP requests matching Method.
type HTTPTrigger struct {
	Method string `yaml:"method"`
}

// CronTrigger fires the action on a cron schedule.
type CronTrigger struct {
	Schedule string `yaml:"schedule"`
}

// KafkaTrigger fires the action on messages published to Topic. The
// Work Feed does not read manifests: a pulled message names its action
// and revision itself.
type KafkaTrigger struct {
	Topic string `yaml:"topic"`
}

// Manifest is the per-action ow.yaml sidecar describing what triggers
// invoke it, alongside the code itself.
type Manifest struct {
	HTTPTriggers  []HTTPTrigger  `yaml:"http,omitempty"`
	CronTriggers  []CronTrigger  `yaml:"cron,omitempty"`
	KafkaTriggers []KafkaTrigger `yaml:"kafka,omitempty"`
}

// LoadManifest reads ow.yaml from codeDir; a missing file yields an
// empty Manifest rather than an error, matching the reference
// project's default-on-missing-config behavior.
func LoadManifest(codeDir string) (*Manifest, error) {
	path := filepath.Join(codeDir, "ow.yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Manifest{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, checkManifest(&m)
}

func checkManifest(m *Manifest) error {
	for _, t := range m.HTTPTriggers {
		if t.Method == "" {
			return fmt.Errorf("http trigger method cannot be empty")
		}
	}
	for _, t := range m.CronTriggers {
		if t.Schedule == "" {
			return fmt.Errorf("cron trigger schedule cannot be empty")
		}
	}
	for _, t := range m.KafkaTriggers {
		if t.Topic == "" {
			return fmt.Errorf("kafka trigger topic cannot be empty")
		}
	}
	return nil
}
