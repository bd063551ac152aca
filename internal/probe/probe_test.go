package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Path:           "/run",
		Task:           "Say Hello Carlton",
		Attempts:       5,
		Backoff:        10 * time.Millisecond,
		RequestTimeout: 200 * time.Millisecond,
		Timeout:        5 * time.Second,
	}
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

// closedPort returns a port nothing listens on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestAwaitReadyAnyResponseIsReady(t *testing.T) {
	var gotTask, gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotTask = r.URL.Query().Get("task")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.AwaitReady(context.Background(), Target{Port: serverPort(t, srv)})
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if !res.Ready || res.Attempts != 1 || res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected ready on first attempt, got %+v", res)
	}
	if gotMethod != http.MethodPost || gotPath != "/run" || gotTask != "Say Hello Carlton" {
		t.Fatalf("unexpected request %s %s task=%q", gotMethod, gotPath, gotTask)
	}
}

func TestAwaitReadyGivesUpAfterAttempts(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.AwaitReady(context.Background(), Target{Port: closedPort(t)})
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if res.Ready {
		t.Fatalf("expected not ready")
	}
	if res.Attempts != 5 {
		t.Fatalf("expected exactly 5 attempts, got %d", res.Attempts)
	}
	if res.LastErr == nil {
		t.Fatalf("expected last error to be recorded")
	}
}

func TestAwaitReadyRetriesRequestTimeouts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.AwaitReady(context.Background(), Target{Port: serverPort(t, srv)})
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if !res.Ready || res.Attempts != 3 {
		t.Fatalf("expected ready on third attempt, got %+v", res)
	}
}

func TestAwaitReadyOverallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Attempts = 100
	cfg.Backoff = 50 * time.Millisecond
	cfg.Timeout = 150 * time.Millisecond
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	started := time.Now()
	res, err := p.AwaitReady(context.Background(), Target{Port: closedPort(t)})
	if err != nil {
		t.Fatalf("AwaitReady: %v", err)
	}
	if res.Ready {
		t.Fatalf("expected timeout")
	}
	if res.Attempts >= 100 {
		t.Fatalf("expected overall timeout to cut attempts, got %d", res.Attempts)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatalf("overall timeout not honoured")
	}
}

func TestAwaitReadyParentCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = time.Second
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.AwaitReady(ctx, Target{Port: closedPort(t)}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected parent deadline error, got %v", err)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Attempts = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected attempts error")
	}
	cfg = testConfig()
	cfg.Timeout = 0
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected timeout error")
	}
}

func TestURLEscapesTask(t *testing.T) {
	p, err := New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.URL(Target{Port: 8001}); got != "http://127.0.0.1:8001/run?task=Say+Hello+Carlton" {
		t.Fatalf("unexpected url %q", got)
	}
}
