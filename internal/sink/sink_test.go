package sink

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkWriteActivation(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir)

	rec := ActivationRecord{
		ActivationID: "ns_action_1_123",
		Namespace:    "ns",
		Name:         "action",
		Rev:          "1",
		Status:       "success",
		StatusCode:   200,
		Size:         4,
	}
	if err := s.WriteActivation(rec); err != nil {
		t.Fatalf("WriteActivation: %v", err)
	}

	path := filepath.Join(dir, "results", "ns_action_1_123.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result file: %v", err)
	}
	var got ActivationRecord
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal result file: %v", err)
	}
	if got.Status != "success" || got.StatusCode != 200 {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}
}

func TestFileSinkWriteLogsReturnsUsableRef(t *testing.T) {
	dir := t.TempDir()
	s := NewFileSink(dir)

	lines := []LogLine{
		{Time: time.Unix(0, 0).UTC(), Stream: "stdout", Text: "hello"},
		{Time: time.Unix(1, 0).UTC(), Stream: "stderr", Text: "oops"},
	}
	ref, err := s.WriteLogs("ns_action_1_123", lines)
	if err != nil {
		t.Fatalf("WriteLogs: %v", err)
	}
	if _, err := os.Stat(ref); err != nil {
		t.Fatalf("expected logs_ref to be a readable path, got %s: %v", ref, err)
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	var count int
	for {
		var l LogLine
		if err := dec.Decode(&l); err != nil {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 decoded log lines, got %d", count)
	}
}

func TestSanitizeIDReplacesUnsafeCharacters(t *testing.T) {
	got := sanitizeID("ns/with spaces:and:colons")
	for _, r := range got {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			t.Fatalf("sanitizeID left unsafe character %q in %q", r, got)
		}
	}
}
