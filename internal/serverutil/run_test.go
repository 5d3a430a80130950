package serverutil

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestRunRequiresServer(t *testing.T) {
	if err := Run(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error when server is nil")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	ready := make(chan struct{})
	srv := &http.Server{
		Addr: "127.0.0.1:0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprint(w, "ok")
		}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Config{Server: srv, Ready: ready, ShutdownTimeout: time.Second})
	}()

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("server never became ready")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancellation")
	}
}

func TestRunReturnsListenError(t *testing.T) {
	srv := &http.Server{Addr: "256.256.256.256:99999"}
	if err := Run(context.Background(), Config{Server: srv}); err == nil {
		t.Fatalf("expected listen error for invalid address")
	}
}
