// Package restore turns the repository's snapshot listing back into
// restorable units: it groups snapshots into restore points, derives their
// backup scope, and builds per-volume restore procedures. Nothing here is
// persisted; every listing is computed fresh from the engine.
package restore

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/tags"
)

// MachineScope selects whose snapshots a listing covers.
type MachineScope string

const (
	ThisMachineOnly MachineScope = "this-machine"
	AllMachines     MachineScope = "all-machines"
)

// ManualRecreationWarning is surfaced on every minimal-scope restore point:
// minimal backups carry no recipe, so containers and networks must be
// recreated by hand from externally held descriptors.
const ManualRecreationWarning = "minimal-scope backup: container and network recreation is not automated; " +
	"recreate them manually from your compose files before restoring volumes"

// legacyScopeWarning marks snapshot sets written before the scope tag
// existed. Their scope is assumed standard.
const legacyScopeWarning = "no member snapshot carries a scope tag; assuming scope=standard"

// Snapshot pairs an engine snapshot with its decoded tag set. SourcePath is
// the path identity the engine recorded at creation (the volume's mount
// source for volume snapshots).
type Snapshot struct {
	ID         string
	Time       time.Time
	SourcePath string
	Parsed     tags.Parsed
}

// RestorePoint is one (unit, backup_id) pair with all snapshots the run
// produced for that unit. Constructed transiently, never persisted.
type RestorePoint struct {
	Unit      string
	BackupID  string
	Time      time.Time
	Scope     tags.Scope
	Host      string
	Snapshots []Snapshot
	Warnings  []string
}

// SnapshotsOf returns the point's snapshots of one content type.
func (p RestorePoint) SnapshotsOf(ct tags.ContentType) []Snapshot {
	var out []Snapshot
	for _, s := range p.Snapshots {
		if s.Parsed.ContentType == ct {
			out = append(out, s)
		}
	}
	return out
}

// SnapshotLister is the engine slice the planner consumes.
type SnapshotLister interface {
	ListSnapshots(ctx context.Context, filters []string) ([]engine.Snapshot, error)
}

// ListRestorePoints queries the engine and groups every recognized snapshot
// by (unit, backup_id), sorted by descending timestamp. With ThisMachineOnly
// the listing is filtered to snapshots tagged with the current hostname.
func ListRestorePoints(ctx context.Context, lister SnapshotLister, scope MachineScope) ([]RestorePoint, error) {
	snaps, err := lister.ListSnapshots(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list restore points: %w", err)
	}

	host := ""
	if scope == ThisMachineOnly {
		host, _ = os.Hostname()
	}

	groups := map[string]*RestorePoint{}
	seen := map[string]bool{}
	for _, snap := range snaps {
		parsed, err := tags.Parse(snap.TagMap())
		if err != nil {
			// Not one of ours (or corrupt); the listing ignores it.
			continue
		}
		snapHost := parsed.Host
		if snapHost == "" {
			snapHost = snap.Hostname
		}
		if scope == ThisMachineOnly && snapHost != host {
			continue
		}
		// (unit, backup_id, content_type, volume) is the true uniqueness
		// key; a duplicate listing entry is collapsed rather than trusted.
		if seen[parsed.Key()] {
			continue
		}
		seen[parsed.Key()] = true

		gk := parsed.Unit + "\x00" + parsed.BackupID
		point, ok := groups[gk]
		if !ok {
			point = &RestorePoint{Unit: parsed.Unit, BackupID: parsed.BackupID, Host: snapHost}
			groups[gk] = point
		}
		if snap.Time.After(point.Time) {
			point.Time = snap.Time
		}
		source := ""
		if len(snap.Paths) > 0 {
			source = snap.Paths[0]
		}
		point.Snapshots = append(point.Snapshots, Snapshot{ID: snap.ID, Time: snap.Time, SourcePath: source, Parsed: parsed})
	}

	points := make([]RestorePoint, 0, len(groups))
	for _, p := range groups {
		deriveScope(p)
		if p.Scope == tags.ScopeMinimal {
			p.Warnings = append(p.Warnings, ManualRecreationWarning)
		}
		points = append(points, *p)
	}
	sort.Slice(points, func(i, j int) bool {
		if !points[i].Time.Equal(points[j].Time) {
			return points[i].Time.After(points[j].Time)
		}
		return points[i].Unit < points[j].Unit
	})
	return points, nil
}

// deriveScope resolves a point's backup scope: the recipe snapshot's tag
// wins, then any volume snapshot's tag, then the standard default (with an
// integrity warning for fully legacy sets).
func deriveScope(p *RestorePoint) {
	for _, s := range p.Snapshots {
		if s.Parsed.ContentType == tags.ContentRecipe && s.Parsed.ScopeTagged {
			p.Scope = s.Parsed.Scope
			return
		}
	}
	for _, s := range p.Snapshots {
		if s.Parsed.ContentType == tags.ContentVolume && s.Parsed.ScopeTagged {
			p.Scope = s.Parsed.Scope
			return
		}
	}
	p.Scope = tags.ScopeStandard
	p.Warnings = append(p.Warnings, legacyScopeWarning)
}

// GroupByHost buckets restore points by the host that produced them, for the
// cross-machine listing.
func GroupByHost(points []RestorePoint) map[string][]RestorePoint {
	out := map[string][]RestorePoint{}
	for _, p := range points {
		out[p.Host] = append(out[p.Host], p)
	}
	return out
}
