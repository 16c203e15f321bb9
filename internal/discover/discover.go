// Package discover enumerates running containers and groups them into
// backup units. A unit is the smallest independently stoppable group: either
// a compose stack or a standalone container.
package discover

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kebairia/stackback/internal/runtime"
)

// ErrDiscovery indicates the runtime could not be queried. It is fatal for
// the whole run; no partial unit set is ever used.
var ErrDiscovery = errors.New("discovery failed")

// Compose labels recognized for stack grouping.
const (
	LabelComposeProject     = "com.docker.compose.project"
	LabelComposeConfigFiles = "com.docker.compose.project.config_files"
)

// VolumeRef is one distinct data source of a unit.
type VolumeRef struct {
	Name     string
	Source   string
	Excludes []string
}

// BackupUnit groups the containers, volumes and custom networks that are
// backed up and restored together. Built fresh on every discovery pass and
// read-only for the duration of one run.
type BackupUnit struct {
	Name        string
	Stack       bool
	ComposeFile string
	Containers  []runtime.Container
	Volumes     []VolumeRef
	Networks    []runtime.Network
}

// Discover queries the runtime and returns all backup units, sorted by name.
// excludes maps volume names to per-volume exclude patterns from the
// configuration.
func Discover(ctx context.Context, client runtime.Client, excludes map[string][]string) ([]BackupUnit, error) {
	containers, err := client.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscovery, err)
	}

	groups := map[string][]runtime.Container{}
	stacks := map[string]bool{}
	for _, c := range containers {
		name := c.Name
		if project := c.Labels[LabelComposeProject]; project != "" {
			name = project
			stacks[name] = true
		}
		groups[name] = append(groups[name], c)
	}

	units := make([]BackupUnit, 0, len(groups))
	for name, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })
		unit := BackupUnit{
			Name:       name,
			Stack:      stacks[name],
			Containers: members,
		}
		unit.ComposeFile = composeFile(members)
		unit.Volumes = collectVolumes(members, excludes)
		nets, err := collectNetworks(ctx, client, members)
		if err != nil {
			return nil, fmt.Errorf("%w: unit %s: %v", ErrDiscovery, name, err)
		}
		unit.Networks = nets
		units = append(units, unit)
	}

	sort.Slice(units, func(i, j int) bool { return units[i].Name < units[j].Name })
	return units, nil
}

// Select filters units by name. An empty selection keeps everything; an
// unknown name is an error so a typo never silently backs up nothing.
func Select(units []BackupUnit, names []string) ([]BackupUnit, error) {
	if len(names) == 0 {
		return units, nil
	}
	byName := make(map[string]BackupUnit, len(units))
	for _, u := range units {
		byName[u.Name] = u
	}
	out := make([]BackupUnit, 0, len(names))
	for _, n := range names {
		u, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: no running unit named %q", ErrDiscovery, n)
		}
		out = append(out, u)
	}
	return out, nil
}

// composeFile returns the stack's declared compose descriptor, if any member
// still carries the label. A stack without one still forms a unit; the
// descriptor is simply absent from its recipe.
func composeFile(members []runtime.Container) string {
	for _, c := range members {
		if files := c.Labels[LabelComposeConfigFiles]; files != "" {
			// The label may list several files; the first is the primary one.
			return strings.Split(files, ",")[0]
		}
	}
	return ""
}

// collectVolumes gathers the unit's writable data mounts, deduplicated by
// mount source so a volume shared between two containers is snapshotted once.
func collectVolumes(members []runtime.Container, excludes map[string][]string) []VolumeRef {
	seen := map[string]bool{}
	var refs []VolumeRef
	for _, c := range members {
		for _, m := range c.Mounts {
			if m.Type == "tmpfs" || m.Source == "" {
				continue
			}
			if seen[m.Source] {
				continue
			}
			seen[m.Source] = true
			name := m.Name
			if name == "" {
				name = filepath.Base(m.Source)
			}
			refs = append(refs, VolumeRef{
				Name:     name,
				Source:   m.Source,
				Excludes: excludes[name],
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

// collectNetworks resolves the unit's custom networks, skipping the
// runtime-managed defaults.
func collectNetworks(ctx context.Context, client runtime.Client, members []runtime.Container) ([]runtime.Network, error) {
	seen := map[string]bool{}
	var nets []runtime.Network
	for _, c := range members {
		for _, name := range c.Networks {
			if runtime.DefaultNetworks[name] || seen[name] {
				continue
			}
			seen[name] = true
			n, err := client.InspectNetwork(ctx, name)
			if err != nil {
				return nil, err
			}
			nets = append(nets, n)
		}
	}
	sort.Slice(nets, func(i, j int) bool { return nets[i].Name < nets[j].Name })
	return nets, nil
}
