package backup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/tags"
)

// streamName builds the virtual filename under which a streamed snapshot is
// stored. It doubles as the snapshot's path identity, so it must be stable
// across runs for dedup and retention to work.
func streamName(unit string, content tags.ContentType) string {
	return "stackback/" + unit + "/" + string(content) + ".yaml"
}

func (o *Orchestrator) snapshotRecipe(ctx context.Context, unit discover.BackupUnit, run *Run) (StepResult, []tags.RetentionTarget) {
	data, err := BuildRecipe(unit, run)
	if err != nil {
		return StepResult{Status: StatusFailed, Detail: err.Error()}, nil
	}
	set := tags.Recipe{Common: run.common(unit.Name)}
	sum, err := o.eng.BackupStream(ctx, streamName(unit.Name, tags.ContentRecipe), set.Encode(), bytes.NewReader(data))
	if err != nil {
		return StepResult{Status: StatusFailed, Detail: err.Error()}, nil
	}
	target := tags.RetentionTarget{Path: sum.Path, Unit: unit.Name, Type: tags.ContentRecipe}
	return StepResult{Status: StatusOK, Snapshots: 1, Bytes: int64(len(data))}, []tags.RetentionTarget{target}
}

// snapshotVolumes snapshots every volume of the unit on a bounded worker
// pool. Volumes are fed in stable name order; completion order is
// unspecified.
func (o *Orchestrator) snapshotVolumes(ctx context.Context, unit discover.BackupUnit, run *Run) (StepResult, []tags.RetentionTarget) {
	if len(unit.Volumes) == 0 {
		return StepResult{Status: StatusOK, Detail: "no volumes"}, nil
	}

	type result struct {
		target tags.RetentionTarget
		bytes  int64
		err    error
	}
	results := make([]result, len(unit.Volumes))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < o.workers(len(unit.Volumes)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				vol := unit.Volumes[i]
				set := tags.Volume{
					Common:     run.common(unit.Name),
					VolumeName: vol.Name,
					SizeBytes:  volumeSize(vol.Source),
				}
				sum, err := o.eng.BackupPath(ctx, vol.Source, vol.Excludes, set.Encode())
				if err != nil {
					results[i] = result{err: fmt.Errorf("volume %s: %w", vol.Name, err)}
					continue
				}
				results[i] = result{
					target: tags.RetentionTarget{Path: sum.Path, Unit: unit.Name, Type: tags.ContentVolume},
					bytes:  sum.SizeBytes,
				}
			}
		}()
	}
	for i := range unit.Volumes {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	res := StepResult{Status: StatusOK}
	var targets []tags.RetentionTarget
	for _, r := range results {
		if r.err != nil {
			res.Status = StatusFailed
			if res.Detail != "" {
				res.Detail += "; "
			}
			res.Detail += r.err.Error()
			continue
		}
		res.Snapshots++
		res.Bytes += r.bytes
		targets = append(targets, r.target)
	}
	return res, targets
}

func (o *Orchestrator) snapshotNetworks(ctx context.Context, unit discover.BackupUnit, run *Run) (StepResult, []tags.RetentionTarget) {
	if len(unit.Networks) == 0 {
		return StepResult{Status: StatusSkipped, Detail: "no custom networks"}, nil
	}
	data, err := yaml.Marshal(unit.Networks)
	if err != nil {
		return StepResult{Status: StatusFailed, Detail: err.Error()}, nil
	}
	set := tags.Networks{Common: run.common(unit.Name)}
	sum, err := o.eng.BackupStream(ctx, streamName(unit.Name, tags.ContentNetworks), set.Encode(), bytes.NewReader(data))
	if err != nil {
		return StepResult{Status: StatusFailed, Detail: err.Error()}, nil
	}
	target := tags.RetentionTarget{Path: sum.Path, Unit: unit.Name, Type: tags.ContentNetworks}
	return StepResult{Status: StatusOK, Snapshots: 1, Bytes: int64(len(data))}, []tags.RetentionTarget{target}
}

// Host daemon configuration locations captured at full scope.
var daemonConfigPaths = struct {
	daemonJSON  string
	overrideDir string
}{
	daemonJSON:  "/etc/docker/daemon.json",
	overrideDir: "/etc/systemd/system/docker.service.d",
}

// daemonConfigDoc bundles the host-level runtime configuration. It is only
// ever extracted manually at restore time, never applied automatically.
type daemonConfigDoc struct {
	DaemonJSON       string            `yaml:"daemon_json,omitempty"`
	ServiceOverrides map[string]string `yaml:"service_overrides,omitempty"`
}

// snapshotDaemonConfig captures daemon config at full scope. Any failure is
// a warning: host config capture must never abort the unit.
func (o *Orchestrator) snapshotDaemonConfig(ctx context.Context, unit discover.BackupUnit, run *Run) (StepResult, []tags.RetentionTarget) {
	doc := daemonConfigDoc{ServiceOverrides: map[string]string{}}
	if data, err := os.ReadFile(daemonConfigPaths.daemonJSON); err == nil {
		doc.DaemonJSON = string(data)
	}
	if entries, err := os.ReadDir(daemonConfigPaths.overrideDir); err == nil {
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".conf" {
				continue
			}
			if data, err := os.ReadFile(filepath.Join(daemonConfigPaths.overrideDir, e.Name())); err == nil {
				doc.ServiceOverrides[e.Name()] = string(data)
			}
		}
	}
	if doc.DaemonJSON == "" && len(doc.ServiceOverrides) == 0 {
		return StepResult{Status: StatusSkipped, Detail: "no daemon configuration present"}, nil
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return StepResult{Status: StatusWarning, Detail: err.Error()}, nil
	}
	set := tags.DaemonConfig{Common: run.common(unit.Name)}
	sum, err := o.eng.BackupStream(ctx, streamName(unit.Name, tags.ContentDaemonConfig), set.Encode(), bytes.NewReader(data))
	if err != nil {
		return StepResult{Status: StatusWarning, Detail: err.Error()}, nil
	}
	target := tags.RetentionTarget{Path: sum.Path, Unit: unit.Name, Type: tags.ContentDaemonConfig}
	return StepResult{Status: StatusOK, Snapshots: 1, Bytes: int64(len(data))}, []tags.RetentionTarget{target}
}
