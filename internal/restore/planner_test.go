package restore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/tags"
)

type fakeLister struct {
	snaps []engine.Snapshot
	err   error
}

func (f *fakeLister) ListSnapshots(ctx context.Context, filters []string) ([]engine.Snapshot, error) {
	return f.snaps, f.err
}

var baseTime = time.Date(2026, 8, 20, 3, 0, 0, 0, time.UTC)

func snap(id, unit, backupID, contentType, volume, scope, host string, at time.Time) engine.Snapshot {
	tagSet := []string{
		"type=" + contentType,
		"unit=" + unit,
		"backup_id=" + backupID,
	}
	if volume != "" {
		tagSet = append(tagSet, "volume="+volume)
	}
	if scope != "" {
		tagSet = append(tagSet, "scope="+scope)
	}
	if host != "" {
		tagSet = append(tagSet, "host="+host)
	}
	return engine.Snapshot{
		ID:       id,
		Time:     at,
		Hostname: host,
		Tags:     tagSet,
		Paths:    []string{"/var/lib/docker/volumes/" + volume + "/_data"},
	}
}

func TestListRestorePoints_GroupsByUnitAndBackupID(t *testing.T) {
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "web", "T1", "recipe", "", "standard", "", baseTime),
		snap("s2", "web", "T1", "volume", "data", "standard", "", baseTime),
		snap("s3", "web", "T2", "recipe", "", "standard", "", baseTime.Add(time.Hour)),
		snap("s4", "web", "T2", "volume", "data", "standard", "", baseTime.Add(time.Hour)),
		snap("s5", "db", "T1", "volume", "pgdata", "minimal", "", baseTime),
	}}

	points, err := ListRestorePoints(context.Background(), lister, AllMachines)
	if err != nil {
		t.Fatalf("ListRestorePoints: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("got %d restore points, want 3", len(points))
	}
	// Descending by time: web/T2 first.
	if points[0].Unit != "web" || points[0].BackupID != "T2" {
		t.Errorf("first point = %s/%s, want web/T2", points[0].Unit, points[0].BackupID)
	}
	for _, p := range points {
		for _, s := range p.Snapshots {
			if s.Parsed.Unit != p.Unit || s.Parsed.BackupID != p.BackupID {
				t.Errorf("point %s/%s contains foreign snapshot %s", p.Unit, p.BackupID, s.ID)
			}
		}
	}
}

func TestListRestorePoints_TwoSnapshotScenario(t *testing.T) {
	// Unit web, one volume, scope standard, backup_id T1: exactly one
	// restore point holding the recipe and the volume snapshot.
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "web", "T1", "recipe", "", "standard", "", baseTime),
		snap("s2", "web", "T1", "volume", "data", "standard", "", baseTime),
	}}
	points, err := ListRestorePoints(context.Background(), lister, AllMachines)
	if err != nil {
		t.Fatalf("ListRestorePoints: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	p := points[0]
	if len(p.Snapshots) != 2 {
		t.Fatalf("point has %d snapshots, want 2", len(p.Snapshots))
	}
	if len(p.SnapshotsOf(tags.ContentRecipe)) != 1 || len(p.SnapshotsOf(tags.ContentVolume)) != 1 {
		t.Error("point must contain one recipe and one volume snapshot")
	}
	if p.Scope != tags.ScopeStandard {
		t.Errorf("scope = %s, want standard", p.Scope)
	}
}

func TestListRestorePoints_LegacyScopeDefaultsToStandardWithWarning(t *testing.T) {
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "web", "T1", "volume", "data", "", "", baseTime),
	}}
	points, err := ListRestorePoints(context.Background(), lister, AllMachines)
	if err != nil {
		t.Fatalf("ListRestorePoints: %v", err)
	}
	p := points[0]
	if p.Scope != tags.ScopeStandard {
		t.Errorf("scope = %s, want standard default", p.Scope)
	}
	if len(p.Warnings) == 0 {
		t.Error("legacy scope-less point should carry an integrity warning")
	}
}

func TestListRestorePoints_RecipeScopeWinsOverVolume(t *testing.T) {
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "web", "T1", "recipe", "", "full", "", baseTime),
		snap("s2", "web", "T1", "volume", "data", "standard", "", baseTime),
	}}
	points, _ := ListRestorePoints(context.Background(), lister, AllMachines)
	if points[0].Scope != tags.ScopeFull {
		t.Errorf("scope = %s, want full (recipe tag wins)", points[0].Scope)
	}
}

func TestListRestorePoints_MinimalScopeCarriesManualWarning(t *testing.T) {
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "db", "T1", "volume", "pgdata", "minimal", "", baseTime),
	}}
	points, _ := ListRestorePoints(context.Background(), lister, AllMachines)
	p := points[0]
	if p.Scope != tags.ScopeMinimal {
		t.Fatalf("scope = %s", p.Scope)
	}
	found := false
	for _, w := range p.Warnings {
		if w == ManualRecreationWarning {
			found = true
		}
	}
	if !found {
		t.Error("minimal-scope point lacks the manual recreation warning")
	}
	if len(p.SnapshotsOf(tags.ContentRecipe)) != 0 {
		t.Error("minimal point must not contain a recipe snapshot")
	}
}

func TestListRestorePoints_ThisMachineOnlyFiltersByHost(t *testing.T) {
	self, _ := os.Hostname()
	lister := &fakeLister{snaps: []engine.Snapshot{
		snap("s1", "web", "T1", "volume", "data", "standard", self, baseTime),
		snap("s2", "web", "T9", "volume", "data", "standard", "other-host", baseTime),
	}}
	points, err := ListRestorePoints(context.Background(), lister, ThisMachineOnly)
	if err != nil {
		t.Fatalf("ListRestorePoints: %v", err)
	}
	if len(points) != 1 || points[0].BackupID != "T1" {
		t.Errorf("points = %+v, want only this machine's T1", points)
	}

	all, err := ListRestorePoints(context.Background(), lister, AllMachines)
	if err != nil {
		t.Fatalf("ListRestorePoints all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all-machines listing has %d points, want 2", len(all))
	}
	byHost := GroupByHost(all)
	if len(byHost[self]) != 1 || len(byHost["other-host"]) != 1 {
		t.Errorf("GroupByHost = %v", byHost)
	}
}

func TestListRestorePoints_IgnoresForeignSnapshots(t *testing.T) {
	lister := &fakeLister{snaps: []engine.Snapshot{
		{ID: "x1", Time: baseTime, Tags: []string{"something=else"}},
		snap("s1", "web", "T1", "volume", "data", "standard", "", baseTime),
	}}
	points, err := ListRestorePoints(context.Background(), lister, AllMachines)
	if err != nil {
		t.Fatalf("ListRestorePoints: %v", err)
	}
	if len(points) != 1 || len(points[0].Snapshots) != 1 {
		t.Errorf("foreign snapshot leaked into listing: %+v", points)
	}
}
