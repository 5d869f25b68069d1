package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestDisabledProviderInstallsNoopTracer(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartFrameSpan(context.Background(), 42)
	if ctx == nil {
		t.Fatalf("StartFrameSpan returned nil context")
	}
	span.End()
}

func TestEndWithErrorRecordsErrorWithoutPanicking(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	_, span := StartStageSpan(context.Background(), 0)
	EndWithError(span, errors.New("fence wait failed"))
}

func TestShutdownOnDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on disabled provider returned error: %v", err)
	}
}
