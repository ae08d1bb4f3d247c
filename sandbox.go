/*
 * Copyright (c) 2017 Kurt Jung (Gmail: kurt.w.jung)
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package sandboxproxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

// registry maps logical sandbox names to their long-lived handles.
// Lookups are get-or-create and idempotent: every request for a name
// observes the same handle for the lifetime of the process.
type registry struct {
	mu        sync.Mutex
	instances map[string]*instance
}

func newRegistry() *registry {
	return &registry{instances: make(map[string]*instance)}
}

func (reg *registry) lookup(name string) *instance {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	inst, ok := reg.instances[name]
	if !ok {
		inst = &instance{}
		reg.instances[name] = inst
	}
	return inst
}

func (reg *registry) snapshot() map[string]*instance {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[string]*instance, len(reg.instances))
	for name, inst := range reg.instances {
		out[name] = inst
	}
	return out
}

// instance is the handle for one sandbox backend. A nil process means
// the sandbox is asleep; starting is serialized by mu so concurrent
// requests during a cold start share the single instance.
type instance struct {
	mu             sync.Mutex
	process        *os.Process
	cancel         context.CancelFunc
	activeRequests int64
	idleTimer      *time.Timer
	terminationMsg string
}

func (inst *instance) beginRequest(logger *zap.Logger, name string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.activeRequests++
	logger.Debug("incremented active requests",
		zap.String("name", name),
		zap.Int64("count", inst.activeRequests))
	if inst.idleTimer != nil {
		inst.idleTimer.Stop()
		inst.idleTimer = nil
	}
}

func (inst *instance) endRequest(logger *zap.Logger, name string, idle time.Duration) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.activeRequests--
	logger.Debug("decremented active requests",
		zap.String("name", name),
		zap.Int64("count", inst.activeRequests))

	if inst.activeRequests == 0 {
		logger.Debug("starting idle timer",
			zap.String("name", name),
			zap.Duration("duration", idle))
		inst.idleTimer = time.AfterFunc(idle, func() {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			if inst.activeRequests == 0 && inst.process != nil {
				logger.Info("idle timeout, stopping sandbox",
					zap.String("name", name),
					zap.Int("pid", inst.process.Pid))
				inst.terminationMsg = "idle timeout"
				inst.stopLocked()
			}
		})
	}
}

// stopLocked terminates the sandbox process group. Callers hold inst.mu.
func (inst *instance) stopLocked() {
	killProcessGroup(inst.process)
	if inst.cancel != nil {
		inst.cancel()
		inst.cancel = nil
	}
	inst.process = nil
}

func killProcessGroup(proc *os.Process) {
	if proc == nil {
		return
	}
	if runtime.GOOS != "windows" {
		// Kill the process group
		syscall.Kill(-proc.Pid, syscall.SIGKILL)
	} else {
		proc.Kill()
	}
}

// ServeHTTP implements caddyhttp.MiddlewareHandler. Preflight requests
// are answered synthetically before any sandbox resolution; everything
// else is forwarded to the sandbox, waking it if necessary. All exits,
// including failures, go through the origin gate writer.
func (s *SandboxProxy) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	s.logger.Debug("ServeHTTP", zap.String("uri", r.RequestURI), zap.String("method", r.Method))
	gw := newGateWriter(w, r.Header.Get("Origin"), s.allowList())

	if r.Method == http.MethodOptions {
		gw.WriteHeader(http.StatusNoContent)
		return nil
	}

	if err := s.forward(gw, r, next); err != nil {
		s.logger.Error("sandbox request failed",
			zap.String("name", s.Name),
			zap.String("uri", r.RequestURI),
			zap.Error(err))
		if !gw.wroteHeader {
			writeGatewayError(gw, err)
		}
	}
	return nil
}

func (s *SandboxProxy) forward(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	if s.reverseProxy == nil {
		return fmt.Errorf("reverse proxy not initialized")
	}

	inst := s.sandboxes.lookup(s.Name)
	inst.beginRequest(s.logger, s.Name)
	defer inst.endRequest(s.logger, s.Name, time.Duration(s.IdleTimeout))

	return s.reverseProxy.ServeHTTP(w, r, next)
}

// GetUpstreams implements reverseproxy.UpstreamSource; it resolves the
// sandbox handle and ensures the backend is running before handing its
// address to the proxy, so forwarding simply blocks until the sandbox is
// reachable or startup fails.
func (s *SandboxProxy) GetUpstreams(r *http.Request) ([]*reverseproxy.Upstream, error) {
	inst := s.sandboxes.lookup(s.Name)

	inst.mu.Lock()
	if inst.process == nil {
		if err := s.startFn(r.Context(), inst); err != nil {
			inst.mu.Unlock()
			return nil, err
		}
	}
	// Stop idle timer if running
	if inst.idleTimer != nil {
		inst.idleTimer.Stop()
		inst.idleTimer = nil
	}
	inst.mu.Unlock()

	return []*reverseproxy.Upstream{
		{Dial: s.dialAddr()},
	}, nil
}

func (s *SandboxProxy) dialAddr() string {
	return "127.0.0.1:" + strconv.Itoa(s.Port)
}

// buildEnv assembles the sandbox environment: the listening port, the
// pass-through keys from the edge environment (empty string when unset,
// never inspected), and the fixed key=value pairs from the config.
func (s *SandboxProxy) buildEnv() []string {
	env := []string{"PORT=" + strconv.Itoa(s.Port)}
	for _, key := range s.PassEnvs {
		env = append(env, key+"="+os.Getenv(key))
	}
	env = append(env, s.Envs...)
	return env
}

// startInstance launches the sandbox process and blocks until its
// listening port is reachable, the process exits, or the startup timeout
// elapses. Called with inst.mu held.
func (s *SandboxProxy) startInstance(ctx context.Context, inst *instance) error {
	recentOutput := &OutputLogger{}

	cctx, cancel := context.WithCancel(s.ctx)
	cmd := exec.CommandContext(cctx, s.Command[0], s.Command[1:]...)
	configureSandboxProcAttrs(cmd)
	cmd.Dir = s.WorkingDirectory
	if cmd.Dir == "" {
		cmd.Dir = "."
	}
	cmd.Env = s.buildEnv()

	s.logger.Info("starting sandbox",
		zap.String("name", s.Name),
		zap.String("executable", cmd.Path),
		zap.Strings("args", cmd.Args))

	// Set up output capturing before starting the process so no output is
	// missed; the writers learn the real PID once the process is up.
	stdout := &zapWriter{logger: s.logger, name: "stdout"}
	stderr := &zapWriter{logger: s.logger, name: "stderr"}
	cmd.Stdout = io.MultiWriter(stdout, recentOutput)
	cmd.Stderr = io.MultiWriter(stderr, recentOutput)

	if err := cmd.Start(); err != nil {
		cancel()
		s.logger.Error("failed to start sandbox",
			zap.String("name", s.Name),
			zap.String("executable", cmd.Path),
			zap.Error(err))
		return err
	}
	inst.process = cmd.Process
	inst.cancel = cancel
	pid := inst.process.Pid
	stdout.pid = pid
	stderr.pid = pid

	exitChan := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		exitChan <- err

		inst.mu.Lock()
		reason := inst.terminationMsg
		if reason == "" {
			reason = "unexpected exit"
		}
		inst.terminationMsg = ""
		if inst.process == cmd.Process {
			inst.process = nil
		}
		inst.mu.Unlock()

		s.logger.Info("sandbox terminated",
			zap.String("name", s.Name),
			zap.Int("pid", pid),
			zap.String("reason", reason),
			zap.Error(err))
	}()

	probe := s.readinessProbe(s.dialAddr())
	err := awaitReady(cctx, probe, exitChan, time.Duration(s.StartupTimeout))
	if err != nil {
		inst.terminationMsg = "startup failure"
		inst.stopLocked()
		return fmt.Errorf("sandbox %q failed to become ready: %v\nRecent output:\n%s",
			s.Name, err, recentOutput.String())
	}

	s.logger.Info("sandbox ready",
		zap.String("name", s.Name),
		zap.Int("pid", pid),
		zap.String("address", s.dialAddr()))
	return nil
}

// readinessProbe returns a single-shot reachability check: a TCP dial by
// default, or an HTTP request when readiness_check is configured (for
// backends that bind the port before they can serve).
func (s *SandboxProxy) readinessProbe(addr string) func() bool {
	if s.ReadinessMethod == "" {
		return func() bool {
			conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
			if err != nil {
				return false
			}
			conn.Close()
			return true
		}
	}

	checkURL := fmt.Sprintf("http://%s%s", addr, s.ReadinessPath)
	client := &http.Client{Timeout: 500 * time.Millisecond}
	return func() bool {
		req, err := http.NewRequest(s.ReadinessMethod, checkURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 400
	}
}

// awaitReady polls probe until it succeeds, the process exits, the
// context is canceled, or the timeout elapses.
func awaitReady(ctx context.Context, probe func() bool, exitChan <-chan error, timeout time.Duration) error {
	readyChan := make(chan struct{}, 1)
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			if probe() {
				readyChan <- struct{}{}
				return
			}
			select {
			case <-ticker.C:
			case <-pollCtx.Done():
				return
			}
		}
	}()

	select {
	case <-readyChan:
		return nil
	case err := <-exitChan:
		return fmt.Errorf("process exited during readiness check: %v", err)
	case <-pollCtx.Done():
		return pollCtx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %s waiting for readiness", timeout)
	}
}

// OutputLogger buffers recent subprocess output so startup failures can
// report what the backend printed.
type OutputLogger struct {
	mu sync.Mutex
	sb strings.Builder
}

func (ol *OutputLogger) Write(p []byte) (n int, err error) {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.sb.Write(p)
}

func (ol *OutputLogger) String() string {
	ol.mu.Lock()
	defer ol.mu.Unlock()
	return ol.sb.String()
}

type zapWriter struct {
	logger *zap.Logger
	name   string
	pid    int
}

func (zw *zapWriter) Write(p []byte) (n int, err error) {
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		zw.logger.Info("sandbox "+zw.name,
			zap.Int("pid", zw.pid),
			zap.String("msg", scanner.Text()))
	}
	return len(p), nil
}
