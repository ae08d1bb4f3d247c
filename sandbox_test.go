package sandboxproxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap/zaptest"
)

func TestRegistryLookup(t *testing.T) {
	reg := newRegistry()

	first := reg.lookup("api")
	second := reg.lookup("api")
	if first != second {
		t.Errorf("repeated lookups of the same name returned different handles")
	}

	other := reg.lookup("worker")
	if other == first {
		t.Errorf("different names share a handle")
	}

	if got := len(reg.snapshot()); got != 2 {
		t.Errorf("snapshot has %d entries, expected 2", got)
	}
}

func TestGetUpstreams_StartsAsleepInstance(t *testing.T) {
	var starts int64
	s := &SandboxProxy{
		Name:      "api",
		Port:      8000,
		logger:    zaptest.NewLogger(t),
		sandboxes: newRegistry(),
		startFn: func(ctx context.Context, inst *instance) error {
			atomic.AddInt64(&starts, 1)
			inst.process = &os.Process{Pid: 1}
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test", nil)

	for i := 0; i < 3; i++ {
		ups, err := s.GetUpstreams(req)
		if err != nil {
			t.Fatalf("GetUpstreams: %v", err)
		}
		if len(ups) != 1 || ups[0].Dial != "127.0.0.1:8000" {
			t.Fatalf("unexpected upstreams: %#v", ups)
		}
	}

	if got := atomic.LoadInt64(&starts); got != 1 {
		t.Errorf("start was triggered %d times, expected 1", got)
	}
}

func TestGetUpstreams_ConcurrentColdStart(t *testing.T) {
	var starts int64
	s := &SandboxProxy{
		Name:      "api",
		Port:      8000,
		logger:    zaptest.NewLogger(t),
		sandboxes: newRegistry(),
		startFn: func(ctx context.Context, inst *instance) error {
			atomic.AddInt64(&starts, 1)
			time.Sleep(50 * time.Millisecond) // simulate cold-start latency
			inst.process = &os.Process{Pid: 1}
			return nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test", nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetUpstreams(req); err != nil {
				t.Errorf("GetUpstreams: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&starts); got != 1 {
		t.Errorf("concurrent requests triggered %d starts, expected 1", got)
	}
}

func TestGetUpstreams_StartFailure(t *testing.T) {
	s := &SandboxProxy{
		Name:      "api",
		Port:      8000,
		logger:    zaptest.NewLogger(t),
		sandboxes: newRegistry(),
		startFn: func(ctx context.Context, inst *instance) error {
			return fmt.Errorf("startup refused")
		},
	}

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test", nil)
	if _, err := s.GetUpstreams(req); err == nil {
		t.Errorf("expected error from failing start")
	}
}

func TestIdleTimer(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inst := &instance{}
	// A pid that cannot exist, so the kill is a harmless no-op.
	inst.process = &os.Process{Pid: 1<<31 - 2}

	inst.beginRequest(logger, "api")
	inst.endRequest(logger, "api", 20*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst.mu.Lock()
		stopped := inst.process == nil
		inst.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("idle timer did not stop the sandbox")
}

func TestIdleTimer_CanceledByNextRequest(t *testing.T) {
	logger := zaptest.NewLogger(t)
	inst := &instance{}
	inst.process = &os.Process{Pid: 1<<31 - 2}

	inst.beginRequest(logger, "api")
	inst.endRequest(logger, "api", 50*time.Millisecond)

	// A new request before the timer fires must keep the sandbox alive.
	inst.beginRequest(logger, "api")
	time.Sleep(150 * time.Millisecond)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.process == nil {
		t.Errorf("sandbox was stopped while a request was in flight")
	}
	if inst.idleTimer != nil {
		t.Errorf("idle timer still pending during an active request")
	}
}

func TestAwaitReady(t *testing.T) {
	t.Run("ready immediately", func(t *testing.T) {
		err := awaitReady(context.Background(), func() bool { return true }, nil, time.Second)
		if err != nil {
			t.Errorf("awaitReady: %v", err)
		}
	})

	t.Run("ready after a few polls", func(t *testing.T) {
		var calls int64
		probe := func() bool {
			return atomic.AddInt64(&calls, 1) >= 3
		}
		err := awaitReady(context.Background(), probe, nil, 5*time.Second)
		if err != nil {
			t.Errorf("awaitReady: %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		err := awaitReady(context.Background(), func() bool { return false }, nil, 150*time.Millisecond)
		if err == nil {
			t.Errorf("expected timeout error")
		}
	})

	t.Run("process exit wins", func(t *testing.T) {
		exitChan := make(chan error, 1)
		exitChan <- fmt.Errorf("exit status 1")
		err := awaitReady(context.Background(), func() bool { return false }, exitChan, 5*time.Second)
		if err == nil {
			t.Errorf("expected exit error")
		}
	})
}

func TestReadinessProbe_TCP(t *testing.T) {
	s := &SandboxProxy{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	probe := s.readinessProbe(ln.Addr().String())
	if !probe() {
		t.Errorf("probe failed against a listening port")
	}

	ln.Close()
	if probe() {
		t.Errorf("probe succeeded against a closed port")
	}
}

func TestReadinessProbe_HTTP(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	addr := backend.Listener.Addr().String()

	ok := &SandboxProxy{ReadinessMethod: "GET", ReadinessPath: "/health"}
	if !ok.readinessProbe(addr)() {
		t.Errorf("probe failed against a healthy backend")
	}

	notFound := &SandboxProxy{ReadinessMethod: "GET", ReadinessPath: "/missing"}
	if notFound.readinessProbe(addr)() {
		t.Errorf("probe succeeded on a 404 readiness path")
	}
}

func TestBuildEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "")
	os.Unsetenv("GEMINI_API_KEY")

	s := &SandboxProxy{
		Port:     8000,
		PassEnvs: []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"},
		Envs:     []string{"LOG_LEVEL=info"},
	}

	env := s.buildEnv()
	expected := []string{
		"PORT=8000",
		"OPENAI_API_KEY=sk-test",
		"ANTHROPIC_API_KEY=",
		"GEMINI_API_KEY=",
		"LOG_LEVEL=info",
	}
	if len(env) != len(expected) {
		t.Fatalf("env = %v, expected %v", env, expected)
	}
	for i := range expected {
		if env[i] != expected[i] {
			t.Errorf("env[%d] = %q, expected %q", i, env[i], expected[i])
		}
	}
}

func TestApplyDefaults(t *testing.T) {
	s := &SandboxProxy{Command: []string{"./main.py"}}
	s.applyDefaults()

	if s.Name != "api" {
		t.Errorf("Name = %q, expected api", s.Name)
	}
	if s.Port != 8000 {
		t.Errorf("Port = %d, expected 8000", s.Port)
	}
	if time.Duration(s.IdleTimeout) != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, expected 5m", time.Duration(s.IdleTimeout))
	}
	if time.Duration(s.StartupTimeout) != 10*time.Second {
		t.Errorf("StartupTimeout = %v, expected 10s", time.Duration(s.StartupTimeout))
	}
	if len(s.PassEnvs) != 3 {
		t.Errorf("PassEnvs = %v, expected the three provider keys", s.PassEnvs)
	}

	// Explicit settings survive defaulting.
	s2 := &SandboxProxy{
		Command:     []string{"./main.py"},
		Name:        "worker",
		Port:        9000,
		IdleTimeout: caddy.Duration(time.Minute),
		PassEnvs:    []string{"OPENAI_API_KEY"},
	}
	s2.applyDefaults()
	if s2.Name != "worker" || s2.Port != 9000 ||
		time.Duration(s2.IdleTimeout) != time.Minute || len(s2.PassEnvs) != 1 {
		t.Errorf("applyDefaults overwrote explicit settings: %#v", s2)
	}
}
