package action

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadManifestMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.HTTPTriggers) != 0 || len(m.CronTriggers) != 0 || len(m.KafkaTriggers) != 0 {
		t.Fatalf("expected empty manifest, got %+v", m)
	}
}

func TestLoadManifestParsesTriggers(t *testing.T) {
	dir := t.TempDir()
	content := "http:\n  - method: POST\nkafka:\n  - topic: orders\n"
	if err := os.WriteFile(filepath.Join(dir, "ow.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.HTTPTriggers) != 1 || m.HTTPTriggers[0].Method != "POST" {
		t.Fatalf("expected one POST http trigger, got %+v", m.HTTPTriggers)
	}
	if len(m.KafkaTriggers) != 1 || m.KafkaTriggers[0].Topic != "orders" {
		t.Fatalf("expected one orders kafka trigger, got %+v", m.KafkaTriggers)
	}
}

func TestLoadManifestRejectsEmptyMethod(t *testing.T) {
	dir := t.TempDir()
	content := "http:\n  - method: \"\"\n"
	if err := os.WriteFile(filepath.Join(dir, "ow.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	if _, err := LoadManifest(dir); err == nil {
		t.Fatal("expected error for empty http trigger method")
	}
}
