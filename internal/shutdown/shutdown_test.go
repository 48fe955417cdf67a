package shutdown

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
)

func TestGracefulServe_StopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler()}
	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- GracefulServe(ctx, srv, time.Second, logger) }()

	// Wait for the listener before cancelling.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if c, err := net.Dial("tcp", addr); err == nil {
			c.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("GracefulServe: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("GracefulServe did not return")
	}
	if last := hook.LastEntry(); last == nil || last.Message != "server stopped cleanly" {
		t.Errorf("last log entry = %+v", last)
	}
}

func TestGracefulServe_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	srv := &http.Server{Addr: ln.Addr().String()}
	logger, _ := test.NewNullLogger()
	if err := GracefulServe(context.Background(), srv, time.Second, logger); err == nil {
		t.Fatal("expected address-in-use error")
	}
}
