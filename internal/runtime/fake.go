package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// FakeClient is an in-memory Client implementation for unit tests. It records
// stop/start order and lets tests inject per-container failures and health
// transitions.
type FakeClient struct {
	mu         sync.Mutex
	Containers map[string]*Container
	NetworkMap map[string]Network

	// Error injection, keyed by container ID. StopErr fails every stop;
	// GracefulStopErr fails only attempts with a nonzero timeout, so tests
	// can make the graceful window elapse while the forced stop succeeds.
	StopErr         map[string]error
	GracefulStopErr map[string]error
	StartErr        map[string]error
	PingErr         error

	// HealthAfterPolls makes a container report healthy after N Inspect
	// calls following a Start (0 = immediately healthy).
	HealthAfterPolls map[string]int
	healthPolls      map[string]int

	Stopped []string // IDs in stop order
	Started []string // IDs in start order
}

var _ Client = (*FakeClient)(nil)

// NewFake returns an empty fake runtime.
func NewFake() *FakeClient {
	return &FakeClient{
		Containers:       map[string]*Container{},
		NetworkMap:       map[string]Network{},
		StopErr:          map[string]error{},
		GracefulStopErr:  map[string]error{},
		StartErr:         map[string]error{},
		HealthAfterPolls: map[string]int{},
		healthPolls:      map[string]int{},
	}
}

// AddContainer registers a running container.
func (f *FakeClient) AddContainer(c Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Running = true
	cp := c
	f.Containers[c.ID] = &cp
}

// AddNetwork registers a network definition.
func (f *FakeClient) AddNetwork(n Network) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NetworkMap[n.Name] = n
}

func (f *FakeClient) Ping(ctx context.Context) error {
	if f.PingErr != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, f.PingErr)
	}
	return nil
}

func (f *FakeClient) ListRunning(ctx context.Context) ([]Container, error) {
	if f.PingErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, f.PingErr)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Container, 0, len(f.Containers))
	for _, c := range f.Containers {
		if c.Running {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *FakeClient) Inspect(ctx context.Context, id string) (Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Containers[id]
	if !ok {
		return Container{}, fmt.Errorf("no such container: %s", id)
	}
	if c.HasHealthCheck && c.Running && c.Health == HealthStarting {
		f.healthPolls[id]++
		if f.healthPolls[id] >= f.HealthAfterPolls[id] {
			c.Health = HealthHealthy
		}
	}
	return *c, nil
}

func (f *FakeClient) Stop(ctx context.Context, id string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StopErr[id]; err != nil {
		return err
	}
	if timeout > 0 {
		if err := f.GracefulStopErr[id]; err != nil {
			return err
		}
	}
	c, ok := f.Containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Running = false
	f.Stopped = append(f.Stopped, id)
	return nil
}

func (f *FakeClient) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StartErr[id]; err != nil {
		return err
	}
	c, ok := f.Containers[id]
	if !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	c.Running = true
	if c.HasHealthCheck {
		c.Health = HealthStarting
		f.healthPolls[id] = 0
	}
	f.Started = append(f.Started, id)
	return nil
}

func (f *FakeClient) InspectNetwork(ctx context.Context, name string) (Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.NetworkMap[name]
	if !ok {
		return Network{}, fmt.Errorf("no such network: %s", name)
	}
	return n, nil
}
