// Package factory implements the instance-type registry: a pluggable
// way to build the spawn command and health-check strategy for
// different kinds of agent subprocess, keyed by a type tag instead of
// class inheritance.
package factory

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/telegram-agentctl/controller/internal/agentclient"
)

// Spec describes how to spawn and health-check one instance type.
type Spec struct {
	// Command is the argv template. "{port}" and "{hostname}" are
	// substituted at spawn time.
	Command []string
	// Env holds extra environment variables to set on the spawned
	// process, on top of the controller's own environment. Values may
	// use the same "{port}"/"{hostname}" placeholders as Command.
	Env map[string]string
	// PortEnvVar, if set, additionally exports the allocated port under
	// this environment variable name, for agent types that read their
	// listen port from the environment instead of a CLI flag.
	PortEnvVar string
	// HealthPath is probed via the agent HTTP API during startup and by
	// the health-check loop.
	HealthPath string
	// StartupTimeout bounds how long to wait for the first healthy
	// response after spawn.
	StartupTimeout time.Duration
}

// BuildCommand renders the argv for port p, substituting placeholders.
func (s Spec) BuildCommand(port int) []string {
	out := make([]string, len(s.Command))
	for i, arg := range s.Command {
		out[i] = substitutePlaceholders(arg, port)
	}
	return out
}

// BuildEnv renders the process environment for port p: the controller's
// own environment, overlaid with Env (placeholders substituted), plus
// PortEnvVar if set.
func (s Spec) BuildEnv(port int) []string {
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+substitutePlaceholders(v, port))
	}
	if s.PortEnvVar != "" {
		env = append(env, fmt.Sprintf("%s=%d", s.PortEnvVar, port))
	}
	return env
}

func substitutePlaceholders(s string, port int) string {
	switch s {
	case "{port}":
		return fmt.Sprintf("%d", port)
	case "{hostname}":
		return "127.0.0.1"
	default:
		return s
	}
}

// HealthCheck probes baseURL's health path, defaulting to the agent
// client's /global/health endpoint when HealthPath is empty. The
// opencode built-in uses /global/health and the quantcode built-in
// uses /health.
func (s Spec) HealthCheck(ctx context.Context, baseURL string) bool {
	path := s.HealthPath
	if path == "" {
		path = "/global/health"
	}
	client := agentclient.New(baseURL)
	if path == "/global/health" {
		return client.Health(ctx) == nil
	}
	_, err := client.Call(ctx, "GET", path, nil)
	return err == nil
}

const (
	TypeOpenCode  = "opencode"
	TypeQuantCode = "quantcode"
)

var builtin = map[string]Spec{
	TypeOpenCode: {
		Command:        []string{"opencode", "serve", "--port", "{port}", "--hostname", "{hostname}"},
		HealthPath:     "/global/health",
		StartupTimeout: 30 * time.Second,
	},
	TypeQuantCode: {
		Command:        []string{"quantcode", "serve", "--port", "{port}", "--hostname", "{hostname}"},
		PortEnvVar:     "QUANTCODE_HTTP_PORT",
		HealthPath:     "/health",
		StartupTimeout: 30 * time.Second,
	},
}

// Registry holds built-in and operator-declared instance-type specs.
type Registry struct {
	specs map[string]Spec
}

// NewRegistry returns a registry seeded with the built-in types.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]Spec, len(builtin))}
	for name, spec := range builtin {
		r.specs[name] = spec
	}
	return r
}

// Register adds or overrides a type.
func (r *Registry) Register(instanceType string, spec Spec) {
	r.specs[instanceType] = spec
}

// Get returns the spec for instanceType, or false if unregistered.
func (r *Registry) Get(instanceType string) (Spec, bool) {
	spec, ok := r.specs[instanceType]
	return spec, ok
}

// Types lists registered instance type tags.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	return out
}

// ResolveBinary returns the full path of the command name, searching
// PATH first and then $HOME/.local/bin, $HOME/go/bin, /usr/local/bin
// and /opt/homebrew/bin. If none has it, the bare name is returned.
func ResolveBinary(name string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	home, _ := os.UserHomeDir()
	for _, candidate := range []string{
		home + "/.local/bin/" + name,
		home + "/go/bin/" + name,
		"/usr/local/bin/" + name,
		"/opt/homebrew/bin/" + name,
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return name
}
