package restore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

// VolumeRestore is the self-contained procedure for one volume: stop the
// dependent containers, keep a safety copy of the current contents, then
// stream the snapshot back in place. Restarting containers is deliberately
// left to the operator (or their compose tooling).
type VolumeRestore struct {
	VolumeName     string
	SnapshotID     string
	TargetPath     string
	SafetyCopyPath string
	StopContainers []string
}

// Plan is an ordered restore plan for one chosen restore point.
type Plan struct {
	Point              RestorePoint
	RecipeSnapshotID   string
	NetworksSnapshotID string
	// DaemonConfigIDs are listed for manual, operator-reviewed extraction
	// only; a plan never applies host-level configuration automatically.
	DaemonConfigIDs []string
	Volumes         []VolumeRestore
	Warnings        []string
	HostMismatch    bool
}

// Dependents maps every data mount of the running containers to the
// container names using it, keyed by both the volume name and the mount
// source path. Bind mounts carry no volume name at the runtime, so the
// source key is the only way a plan can find their dependents.
func Dependents(ctx context.Context, client runtime.Client) (map[string][]string, error) {
	running, err := client.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string][]string{}
	add := func(key, container string) {
		if key == "" {
			return
		}
		out[key] = append(out[key], container)
	}
	for _, c := range running {
		for _, m := range c.Mounts {
			if m.Type == "tmpfs" {
				continue
			}
			add(m.Name, c.Name)
			add(m.Source, c.Name)
		}
	}
	return out, nil
}

// BuildPlan constructs the restore plan for a point. dependents maps volume
// names and mount sources to the container names currently mounting them
// (empty when the unit is not running on this host). currentHost flags
// cross-machine restores.
func BuildPlan(point RestorePoint, dependents map[string][]string, currentHost string) Plan {
	plan := Plan{Point: point, Warnings: append([]string(nil), point.Warnings...)}

	if point.Host != "" && currentHost != "" && point.Host != currentHost {
		plan.HostMismatch = true
		plan.Warnings = append(plan.Warnings, fmt.Sprintf(
			"restore point was taken on host %q, this is %q; paths and container names may differ",
			point.Host, currentHost,
		))
	}

	if recipes := point.SnapshotsOf(tags.ContentRecipe); len(recipes) > 0 {
		plan.RecipeSnapshotID = recipes[0].ID
	}
	if nets := point.SnapshotsOf(tags.ContentNetworks); len(nets) > 0 {
		plan.NetworksSnapshotID = nets[0].ID
	}
	for _, s := range point.SnapshotsOf(tags.ContentDaemonConfig) {
		plan.DaemonConfigIDs = append(plan.DaemonConfigIDs, s.ID)
	}
	if len(plan.DaemonConfigIDs) > 0 {
		plan.Warnings = append(plan.Warnings,
			"daemon_config snapshots are listed for manual extraction only and are never applied automatically")
	}

	stamp := time.Now().UTC().Format(tags.TimestampFormat)
	volumes := point.SnapshotsOf(tags.ContentVolume)
	sort.Slice(volumes, func(i, j int) bool {
		return volumes[i].Parsed.VolumeName < volumes[j].Parsed.VolumeName
	})
	for _, s := range volumes {
		// The snapshot identity records the original mount source; restoring
		// in place reuses it. Without one (exotic listing), stage under a
		// scratch path instead of guessing.
		target := s.SourcePath
		if target == "" {
			target = "/" + filepath.Join("stackback-restore", point.Unit, s.Parsed.VolumeName)
		}
		plan.Volumes = append(plan.Volumes, VolumeRestore{
			VolumeName:     s.Parsed.VolumeName,
			SnapshotID:     s.ID,
			TargetPath:     target,
			SafetyCopyPath: target + ".pre-restore-" + stamp,
			StopContainers: stopContainers(dependents, s.Parsed.VolumeName, s.SourcePath),
		})
	}
	return plan
}

// stopContainers merges the dependents recorded under the volume's name and
// under its mount source. A bind-mounted volume is only found by the source.
func stopContainers(dependents map[string][]string, keys ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, k := range keys {
		if k == "" {
			continue
		}
		for _, name := range dependents[k] {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Render writes the plan as an operator-readable procedure.
func (p Plan) Render(w io.Writer) {
	fmt.Fprintf(w, "restore plan: unit %s, backup %s (scope %s)\n", p.Point.Unit, p.Point.BackupID, p.Point.Scope)
	for _, warn := range p.Warnings {
		fmt.Fprintf(w, "  WARNING: %s\n", warn)
	}
	if p.RecipeSnapshotID != "" {
		fmt.Fprintf(w, "  1. extract recipe snapshot %s and review it\n", p.RecipeSnapshotID)
	}
	if p.NetworksSnapshotID != "" {
		fmt.Fprintf(w, "  2. recreate custom networks from snapshot %s\n", p.NetworksSnapshotID)
	}
	for i, v := range p.Volumes {
		fmt.Fprintf(w, "  volume %d/%d %q:\n", i+1, len(p.Volumes), v.VolumeName)
		if len(v.StopContainers) > 0 {
			fmt.Fprintf(w, "     stop containers: %s\n", strings.Join(v.StopContainers, ", "))
		}
		fmt.Fprintf(w, "     safety copy %s -> %s\n", v.TargetPath, v.SafetyCopyPath)
		fmt.Fprintf(w, "     restore snapshot %s into %s\n", v.SnapshotID, v.TargetPath)
	}
	for _, id := range p.DaemonConfigIDs {
		fmt.Fprintf(w, "  manual only: daemon_config snapshot %s (extract and review before applying)\n", id)
	}
	fmt.Fprintln(w, "  container restart is left to the operator")
}

// VolumeRestorer executes one volume procedure.
type VolumeRestorer struct {
	Engine *engine.Engine
	Client runtime.Client
	Log    logger.Logger
}

// Restore runs the volume procedure: stop dependents, safety-copy the
// current contents, then stream the snapshot back preserving ownership and
// permission metadata. Containers are not restarted.
func (r *VolumeRestorer) Restore(ctx context.Context, v VolumeRestore, stopTimeout time.Duration) error {
	for _, name := range v.StopContainers {
		if err := r.Client.Stop(ctx, name, stopTimeout); err != nil {
			return fmt.Errorf("stop dependent container %s: %w", name, err)
		}
		r.Log.Info("stopped dependent container", "container", name, "volume", v.VolumeName)
	}

	if _, err := os.Stat(v.TargetPath); err == nil {
		if err := copyTree(v.TargetPath, v.SafetyCopyPath); err != nil {
			return fmt.Errorf("safety copy of %s: %w", v.TargetPath, err)
		}
		r.Log.Info("safety copy created", "volume", v.VolumeName, "path", v.SafetyCopyPath)
	}

	// restic restores into --target relative to the snapshot's absolute
	// path; targeting / puts the data back where it was captured.
	if err := r.Engine.Restore(ctx, v.SnapshotID, "/"); err != nil {
		return fmt.Errorf("restore volume %s: %w", v.VolumeName, err)
	}
	r.Log.Info("volume restored", "volume", v.VolumeName, "snapshot", v.SnapshotID)
	return nil
}

// copyTree copies a directory tree preserving file modes. Ownership is
// preserved implicitly when running as root, which volume restores require
// anyway.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		switch {
		case info.IsDir():
			return os.MkdirAll(out, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, out, info.Mode().Perm())
		default:
			// Sockets, devices and links inside volumes are not part of the
			// safety copy; the snapshot itself still has them.
			return nil
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
