package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// DockerClient implements Client against the local Docker daemon.
type DockerClient struct {
	api *client.Client
}

var _ Client = (*DockerClient)(nil)

// NewDockerClient connects using the standard environment (DOCKER_HOST etc.)
// with API version negotiation.
func NewDockerClient() (*DockerClient, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{api: api}, nil
}

// Close releases the underlying HTTP client.
func (d *DockerClient) Close() error { return d.api.Close() }

func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (d *DockerClient) ListRunning(ctx context.Context) ([]Container, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %v", ErrUnreachable, err)
	}
	out := make([]Container, 0, len(list))
	for _, c := range list {
		// The list endpoint omits env/health; Inspect fills the rest.
		full, err := d.Inspect(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, full)
	}
	return out, nil
}

func (d *DockerClient) Inspect(ctx context.Context, id string) (Container, error) {
	info, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return Container{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	c := Container{
		ID:    info.ID,
		Name:  strings.TrimPrefix(info.Name, "/"),
		Image: info.Config.Image,
	}
	c.Labels = info.Config.Labels
	c.Env = info.Config.Env
	c.Entrypoint = info.Config.Entrypoint
	c.Cmd = info.Config.Cmd
	if info.HostConfig != nil {
		c.RestartPolicy = string(info.HostConfig.RestartPolicy.Name)
	}
	for _, m := range info.Mounts {
		c.Mounts = append(c.Mounts, Mount{
			Type:        string(m.Type),
			Name:        m.Name,
			Source:      m.Source,
			Destination: m.Destination,
			RW:          m.RW,
		})
	}
	if info.NetworkSettings != nil {
		for name := range info.NetworkSettings.Networks {
			c.Networks = append(c.Networks, name)
		}
	}
	if info.State != nil {
		c.Running = info.State.Running
		if info.State.Health != nil {
			c.HasHealthCheck = true
			c.Health = strings.ToLower(info.State.Health.Status)
		}
	}
	return c, nil
}

func (d *DockerClient) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Round(time.Second) / time.Second)
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (d *DockerClient) Start(ctx context.Context, id string) error {
	if err := d.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", id, err)
	}
	return nil
}

func (d *DockerClient) InspectNetwork(ctx context.Context, name string) (Network, error) {
	info, err := d.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return Network{}, fmt.Errorf("inspect network %s: %w", name, err)
	}
	n := Network{Name: info.Name, Driver: info.Driver}
	if len(info.IPAM.Config) > 0 {
		n.Subnet = info.IPAM.Config[0].Subnet
		n.Gateway = info.IPAM.Config[0].Gateway
	}
	return n, nil
}

// DefaultNetworks are the runtime-managed networks that never belong to a
// backup unit's recipe.
var DefaultNetworks = map[string]bool{
	"bridge": true,
	"host":   true,
	"none":   true,
}
