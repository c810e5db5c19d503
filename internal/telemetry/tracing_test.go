package telemetry

import (
	"context"
	"testing"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := Setup(context.Background(), "collab-test", "  ", "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// Non-routable address: nothing is exported.
	shutdown, err := Setup(context.Background(), "collab-test", "http://192.0.2.1:4318", "node-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Tracer() == nil {
		t.Fatal("expected a tracer")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
