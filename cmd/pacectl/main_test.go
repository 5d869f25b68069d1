package main

import (
	"testing"
	"time"

	"github.com/framepacer/core/internal/fenceworker"
)

func TestLoadConfigDefaultsUseRequestedStageCount(t *testing.T) {
	cfg, err := loadConfig("", 5)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.NumStages != 5 {
		t.Fatalf("NumStages = %d, want 5", cfg.NumStages)
	}
}

func TestLoadConfigRejectsMissingFile(t *testing.T) {
	if _, err := loadConfig("does-not-exist.yaml", 3); err == nil {
		t.Fatalf("loadConfig with a missing path should return an error")
	}
}

func TestSimulatedGPURoundTripsTimestamps(t *testing.T) {
	gpu := newSimulatedGPU()
	resource := fenceworker.Resource{QuerySlot: 2, CommandBuffer: 2}

	fence := gpu.submit(2, 0, 8*time.Millisecond)
	if fence == 0 {
		t.Fatalf("submit returned a zero fence value")
	}

	start, end, err := gpu.ReadTimestamps(resource)
	if err != nil {
		t.Fatalf("ReadTimestamps: %v", err)
	}
	if end <= start {
		t.Fatalf("end timestamp %d should be after start %d", end, start)
	}
}
