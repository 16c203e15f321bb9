// Package runtime abstracts the container runtime behind a small client
// interface so the orchestrator can be exercised against a fake in tests.
package runtime

import (
	"context"
	"errors"
	"time"
)

// ErrUnreachable indicates the container runtime could not be contacted.
var ErrUnreachable = errors.New("container runtime unreachable")

// Health states as reported by the runtime's health probe.
const (
	HealthNone      = ""
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// Mount describes a single mount of a container.
type Mount struct {
	Type        string `yaml:"type"` // bind, volume, tmpfs
	Name        string `yaml:"name,omitempty"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	RW          bool   `yaml:"rw"`
}

// Container is the normalized view of a container the orchestrator works
// with. Env is raw KEY=VALUE pairs; redaction happens at recipe time.
type Container struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Image          string            `yaml:"image"`
	Labels         map[string]string `yaml:"labels,omitempty"`
	Env            []string          `yaml:"env,omitempty"`
	Entrypoint     []string          `yaml:"entrypoint,omitempty"`
	Cmd            []string          `yaml:"cmd,omitempty"`
	Mounts         []Mount           `yaml:"mounts,omitempty"`
	Networks       []string          `yaml:"networks,omitempty"`
	RestartPolicy  string            `yaml:"restart_policy,omitempty"`
	Running        bool              `yaml:"-"`
	HasHealthCheck bool              `yaml:"has_health_check"`
	Health         string            `yaml:"-"`
}

// Network is a custom (user-defined) container network.
type Network struct {
	Name    string `yaml:"name"`
	Driver  string `yaml:"driver"`
	Subnet  string `yaml:"subnet,omitempty"`
	Gateway string `yaml:"gateway,omitempty"`
}

// Client is the runtime surface the orchestrator consumes. All calls are
// synchronous; stop escalation and health polling live above this layer.
type Client interface {
	// Ping verifies the runtime is reachable.
	Ping(ctx context.Context) error
	// ListRunning returns all running containers.
	ListRunning(ctx context.Context) ([]Container, error)
	// Inspect returns the full normalized record for one container.
	Inspect(ctx context.Context, id string) (Container, error)
	// Stop gracefully stops a container, killing it after timeout.
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Start starts a previously stopped container.
	Start(ctx context.Context, id string) error
	// InspectNetwork resolves a network name to its definition.
	InspectNetwork(ctx context.Context, name string) (Network, error)
}
