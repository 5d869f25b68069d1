package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestConfigureWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Service: "framepacer-test", Level: "debug"})

	WithComponent("aggregator").Info().Str(FieldFrameID, "42").Msg("frame scheduled")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected valid JSON log line, got error %v (line: %q)", err, buf.String())
	}
	if entry["service"] != "framepacer-test" {
		t.Errorf("service = %v, want framepacer-test", entry["service"])
	}
	if entry["component"] != "aggregator" {
		t.Errorf("component = %v, want aggregator", entry["component"])
	}
	if entry[FieldFrameID] != "42" {
		t.Errorf("frame_id = %v, want 42", entry[FieldFrameID])
	}
}

func TestConfigureRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf, Level: "warn"})

	WithComponent("clock").Debug().Msg("should be suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected no output at warn level for a debug log, got %q", buf.String())
	}

	WithComponent("clock").Warn().Msg("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn log to appear, got %q", buf.String())
	}
}
