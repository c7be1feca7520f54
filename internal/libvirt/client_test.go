package libvirt

import (
	"context"
	"testing"
	"time"
)

// TestConnect is an integration test that requires libvirtd to be running.
func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	c, err := Connect("", 0)
	if err != nil {
		t.Skipf("libvirt not available: %v", err)
	}
	if err := c.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	// Close is idempotent and leaves the client disconnected.
	if err := c.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := c.Ping(); err == nil {
		t.Fatal("Ping after Close succeeded")
	}
}

func TestConnect_InvalidSocket(t *testing.T) {
	_, err := Connect("/nonexistent/socket", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error connecting to nonexistent socket, got nil")
	}
}

func TestConnectWithContext_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConnectWithContext(ctx, "/nonexistent/socket", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected error from cancelled context, got nil")
	}
}

func TestPing_Disconnected(t *testing.T) {
	c := &Client{libvirt: nil}

	if err := c.Ping(); err == nil {
		t.Fatal("expected error from Ping on nil client, got nil")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil client failed: %v", err)
	}
}
