/*
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
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp/reverseproxy"
	"go.uber.org/zap"
)

func init() {
	caddy.RegisterModule(SandboxProxy{})
	// RegisterHandlerDirective associates the "sandbox_proxy" directive in
	// the Caddyfile with the parseCaddyfile function.
	httpcaddyfile.RegisterHandlerDirective("sandbox_proxy", parseCaddyfile)
	// RegisterDirectiveOrder ensures the "sandbox_proxy" handler is executed
	// before the "respond" handler in the HTTP middleware chain. This makes
	// the "order" block in the Caddyfile redundant.
	httpcaddyfile.RegisterDirectiveOrder("sandbox_proxy", httpcaddyfile.Before, "respond")
}

const (
	defaultSandboxName    = "api"
	defaultSandboxPort    = 8000
	defaultIdleTimeout    = 5 * time.Minute
	defaultStartupTimeout = 10 * time.Second
)

// defaultPassEnvs are the upstream credential variables forwarded into
// the sandbox environment at creation time. The values are opaque to the
// proxy; an unset variable is forwarded as the empty string.
var defaultPassEnvs = []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"}

// SandboxProxy implements an HTTP handler that transparently proxies all
// requests to a single named sandbox backend, starting it on demand and
// stopping it after an idle period. Responses are passed through an
// origin allow-list gate on every path, including preflight and errors.
type SandboxProxy struct {
	// Logical name of the sandbox instance (default "api")
	Name string `json:"name,omitempty"`
	// Command (executable and arguments) that runs the sandbox backend
	Command []string `json:"command"`
	// Working directory (default, current Caddy working directory)
	WorkingDirectory string `json:"working_directory,omitempty"`
	// Port the backend listens on (default 8000)
	Port int `json:"port,omitempty"`
	// Quiet period after which an idle sandbox is stopped (default 5m)
	IdleTimeout caddy.Duration `json:"idle_timeout,omitempty"`
	// Ceiling on the cold-start wait (default 10s)
	StartupTimeout caddy.Duration `json:"startup_timeout,omitempty"`
	// Optional HTTP readiness probe; without it readiness is a TCP port check
	ReadinessMethod string `json:"readiness_method,omitempty"`
	ReadinessPath   string `json:"readiness_path,omitempty"`
	// Origins permitted to receive cross-origin headers; overridden per
	// request by the ALLOWED_ORIGINS environment variable
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// Environment key=value pairs injected into the sandbox
	Envs []string `json:"envs,omitempty"`
	// Environment keys whose edge values are forwarded into the sandbox
	PassEnvs []string `json:"pass_envs,omitempty"`

	sandboxes *registry
	startFn   func(ctx context.Context, inst *instance) error

	reverseProxy *reverseproxy.Handler
	ctx          caddy.Context

	logger *zap.Logger
}

// Interface guards
var (
	_ caddyhttp.MiddlewareHandler = (*SandboxProxy)(nil)
	_ caddyfile.Unmarshaler       = (*SandboxProxy)(nil)
	_ caddy.Provisioner           = (*SandboxProxy)(nil)
	_ caddy.CleanerUpper          = (*SandboxProxy)(nil)
	_ reverseproxy.UpstreamSource = (*SandboxProxy)(nil)
)

func (s SandboxProxy) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.sandbox_proxy",
		New: func() caddy.Module { return &SandboxProxy{} },
	}
}

// UnmarshalCaddyfile implements caddyfile.Unmarshaler; it parses the
// sandbox_proxy directive and its subdirectives from the Caddyfile.
func (s *SandboxProxy) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		d.RemainingArgs() // consume matcher if present
		for d.NextBlock(0) {
			switch d.Val() {
			case "name":
				if !d.Args(&s.Name) {
					return d.ArgErr()
				}
			case "exec":
				args := d.RemainingArgs()
				if len(args) < 1 {
					return d.Err("an executable needs to be specified")
				}
				s.Command = args
			case "dir":
				if !d.Args(&s.WorkingDirectory) {
					return d.ArgErr()
				}
			case "port":
				var portStr string
				if !d.Args(&portStr) {
					return d.ArgErr()
				}
				port, err := strconv.Atoi(portStr)
				if err != nil {
					return d.Errf("invalid port %q: %v", portStr, err)
				}
				s.Port = port
			case "idle_timeout":
				var durStr string
				if !d.Args(&durStr) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(durStr)
				if err != nil {
					return d.Errf("invalid idle_timeout %q: %v", durStr, err)
				}
				s.IdleTimeout = caddy.Duration(dur)
			case "startup_timeout":
				var durStr string
				if !d.Args(&durStr) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(durStr)
				if err != nil {
					return d.Errf("invalid startup_timeout %q: %v", durStr, err)
				}
				s.StartupTimeout = caddy.Duration(dur)
			case "readiness_check":
				if !d.Args(&s.ReadinessMethod, &s.ReadinessPath) {
					return d.ArgErr()
				}
				s.ReadinessMethod = strings.ToUpper(s.ReadinessMethod)
			case "allowed_origins":
				s.AllowedOrigins = d.RemainingArgs()
				if len(s.AllowedOrigins) == 0 {
					return d.ArgErr()
				}
			case "env":
				s.Envs = d.RemainingArgs()
				if len(s.Envs) == 0 {
					return d.ArgErr()
				}
			case "pass_env":
				s.PassEnvs = d.RemainingArgs()
				if len(s.PassEnvs) == 0 {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %q", d.Val())
			}
		}
	}
	return nil
}

// applyDefaults fills in the fixed lifecycle parameters for unset fields.
func (s *SandboxProxy) applyDefaults() {
	if s.Name == "" {
		s.Name = defaultSandboxName
	}
	if s.Port == 0 {
		s.Port = defaultSandboxPort
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = caddy.Duration(defaultIdleTimeout)
	}
	if s.StartupTimeout == 0 {
		s.StartupTimeout = caddy.Duration(defaultStartupTimeout)
	}
	if s.PassEnvs == nil {
		s.PassEnvs = defaultPassEnvs
	}
}

func (s *SandboxProxy) validate() error {
	if len(s.Command) == 0 {
		return fmt.Errorf("exec (executable) is required")
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	if s.ReadinessMethod != "" && !strings.HasPrefix(s.ReadinessPath, "/") {
		return fmt.Errorf("readiness_check path must start with /")
	}
	return nil
}

// Provision implements caddy.Provisioner; it sets up the module's
// internal state and provisions the underlying reverse proxy handler.
func (s *SandboxProxy) Provision(ctx caddy.Context) error {
	s.ctx = ctx
	s.logger = ctx.Logger(s)
	s.sandboxes = newRegistry()
	s.startFn = s.startInstance

	s.applyDefaults()
	if err := s.validate(); err != nil {
		return err
	}

	rp := &reverseproxy.Handler{
		DynamicUpstreams: s,
	}
	if err := rp.Provision(ctx); err != nil {
		return fmt.Errorf("failed to provision reverse proxy: %v", err)
	}
	s.reverseProxy = rp

	return nil
}

// Cleanup implements caddy.CleanerUpper; it ensures that any running
// sandbox is terminated when the module is unloaded.
func (s *SandboxProxy) Cleanup() error {
	if s.sandboxes == nil {
		return nil
	}
	for name, inst := range s.sandboxes.snapshot() {
		inst.mu.Lock()
		if inst.idleTimer != nil {
			inst.idleTimer.Stop()
			inst.idleTimer = nil
		}
		if inst.process != nil {
			s.logger.Info("cleaning up sandbox",
				zap.String("name", name),
				zap.Int("pid", inst.process.Pid))
			inst.terminationMsg = "module cleanup"
			inst.stopLocked()
		}
		inst.mu.Unlock()
	}
	return nil
}

// parseCaddyfile unmarshals tokens from h into a new Middleware.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	s := new(SandboxProxy)
	err := s.UnmarshalCaddyfile(h.Dispenser)
	return s, err
}
