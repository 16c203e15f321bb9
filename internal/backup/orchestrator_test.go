package backup

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

type snapshotCall struct {
	path    string
	tagSet  []string
	stream  bool
	payload []byte
}

// fakeEngine records snapshot and retention calls in place of restic.
type fakeEngine struct {
	mu        sync.Mutex
	calls     []snapshotCall
	retention []tags.RetentionTarget

	failPathContaining string
	failStreams        bool
	retentionErr       error
}

func (f *fakeEngine) BackupPath(ctx context.Context, path string, excludes, tagSet []string) (engine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPathContaining != "" && strings.Contains(path, f.failPathContaining) {
		return engine.Summary{}, errors.New("engine refused path")
	}
	f.calls = append(f.calls, snapshotCall{path: path, tagSet: tagSet})
	return engine.Summary{SnapshotID: "snap", Path: path, SizeBytes: 100}, nil
}

func (f *fakeEngine) BackupStream(ctx context.Context, filename string, tagSet []string, r io.Reader) (engine.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStreams {
		return engine.Summary{}, errors.New("engine refused stream")
	}
	payload, _ := io.ReadAll(r)
	identity := engine.StreamIdentity(filename)
	f.calls = append(f.calls, snapshotCall{path: identity, tagSet: tagSet, stream: true, payload: payload})
	return engine.Summary{SnapshotID: "snap", Path: identity, SizeBytes: int64(len(payload))}, nil
}

func (f *fakeEngine) ApplyRetention(ctx context.Context, target tags.RetentionTarget, policy config.RetentionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retentionErr != nil {
		return f.retentionErr
	}
	f.retention = append(f.retention, target)
	return nil
}

func (f *fakeEngine) tagValues(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		for _, tag := range c.tagSet {
			if v, ok := strings.CutPrefix(tag, key+"="); ok {
				out = append(out, v)
			}
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		Backup: config.BackupConfig{
			Scope:        "standard",
			StopTimeout:  time.Second,
			StartTimeout: 50 * time.Millisecond,
		},
		Retention: config.RetentionConfig{Daily: 7},
	}
}

func testOrchestrator(client runtime.Client, eng SnapshotEngine) *Orchestrator {
	o := New(testConfig(), client, eng)
	o.healthPoll = time.Millisecond
	o.workers = func(int) int { return 2 }
	return o
}

func webUnit(f *runtime.FakeClient) discover.BackupUnit {
	f.AddContainer(runtime.Container{ID: "c-web", Name: "web-1"})
	return discover.BackupUnit{
		Name:       "web",
		Containers: []runtime.Container{{ID: "c-web", Name: "web-1"}},
		Volumes: []discover.VolumeRef{
			{Name: "data", Source: "/var/lib/docker/volumes/data/_data"},
		},
	}
}

func TestExecute_StandardScopeProducesRecipeAndVolume(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{}
	unit := webUnit(client)
	run := NewRun(tags.ScopeStandard)

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, run)

	if report.Failed() {
		t.Fatalf("report failed: %+v", report.Units)
	}
	ur := report.Units[0]
	if ur.Steps[StepRecipe].Status != StatusOK || ur.Steps[StepVolumes].Status != StatusOK {
		t.Errorf("steps = %+v", ur.Steps)
	}
	if ur.Steps[StepNetworks].Status != StatusSkipped {
		t.Errorf("networks step = %+v, want skipped (no custom networks)", ur.Steps[StepNetworks])
	}
	if _, ok := ur.Steps[StepDaemonConfig]; ok {
		t.Error("daemon_config ran at standard scope")
	}

	// Exactly two snapshots: recipe + one volume.
	types := eng.tagValues("type")
	if len(types) != 2 {
		t.Fatalf("snapshot types = %v, want 2 snapshots", types)
	}

	// Every snapshot of the run carries the same backup_id.
	for _, id := range eng.tagValues("backup_id") {
		if id != run.ID {
			t.Errorf("snapshot backup_id = %q, want %q", id, run.ID)
		}
	}

	// Stop/start bookkeeping.
	if len(client.Stopped) != 1 || len(client.Started) != 1 {
		t.Errorf("stopped %v started %v, want one each", client.Stopped, client.Started)
	}
}

func TestExecute_SnapshotFailureNeverLeavesContainersStopped(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{failPathContaining: "/volumes/"}
	unit := webUnit(client)

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	ur := report.Units[0]
	if !ur.Failed {
		t.Error("unit should be failed after volume snapshot error")
	}
	if ur.Steps[StepVolumes].Status != StatusFailed {
		t.Errorf("volumes step = %+v", ur.Steps[StepVolumes])
	}
	// Recipe ran independently of the volume failure.
	if ur.Steps[StepRecipe].Status != StatusOK {
		t.Errorf("recipe step = %+v, want ok despite volume failure", ur.Steps[StepRecipe])
	}
	// The container stopped by this run was started again.
	if len(client.Started) != 1 || client.Started[0] != "c-web" {
		t.Errorf("started = %v, want [c-web]", client.Started)
	}
}

func TestExecute_StopFailureSkipsSnapshotsRestartsStopped(t *testing.T) {
	client := runtime.NewFake()
	client.AddContainer(runtime.Container{ID: "c1", Name: "app-db"})
	client.AddContainer(runtime.Container{ID: "c2", Name: "app-web"})
	client.StopErr["c2"] = errors.New("device busy")
	eng := &fakeEngine{}

	unit := discover.BackupUnit{
		Name: "app",
		Containers: []runtime.Container{
			{ID: "c1", Name: "app-db"},
			{ID: "c2", Name: "app-web"},
		},
		Volumes: []discover.VolumeRef{{Name: "data", Source: "/src/data"}},
	}

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	ur := report.Units[0]
	if !ur.Failed {
		t.Error("unit should be failed")
	}
	if len(eng.calls) != 0 {
		t.Errorf("snapshots taken despite failed stop: %+v", eng.calls)
	}
	for _, step := range stepsFor(tags.ScopeStandard) {
		if ur.Steps[step].Status != StatusSkipped {
			t.Errorf("step %s = %+v, want skipped", step, ur.Steps[step])
		}
	}
	// c1 was stopped, so c1 must be restarted; c2 never stopped.
	if len(client.Started) != 1 || client.Started[0] != "c1" {
		t.Errorf("started = %v, want [c1]", client.Started)
	}
}

func TestExecute_ForcedStopEscalationSucceeds(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{}
	unit := webUnit(client)
	// The graceful window elapses; the forced stop reaches the cold state.
	client.GracefulStopErr["c-web"] = errors.New("timed out waiting for exit")

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	ur := report.Units[0]
	if ur.Failed {
		t.Errorf("forced-stop success must not fail the unit: %+v", ur)
	}
	if len(eng.calls) == 0 {
		t.Error("no snapshots taken after a successful forced stop")
	}
	if len(ur.StopErrs) != 1 || !strings.Contains(ur.StopErrs[0], ErrStopTimeout.Error()) {
		t.Errorf("stop warnings = %v, want the stop-timeout warning", ur.StopErrs)
	}
	if len(client.Stopped) != 1 || len(client.Started) != 1 {
		t.Errorf("stopped %v started %v, want one each", client.Stopped, client.Started)
	}
}

func TestExecute_MinimalScopeOnlyVolumes(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{}
	unit := webUnit(client)

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeMinimal))

	types := eng.tagValues("type")
	if len(types) != 1 || types[0] != "volume" {
		t.Errorf("snapshot types = %v, want only volume", types)
	}
	ur := report.Units[0]
	if _, ok := ur.Steps[StepRecipe]; ok {
		t.Error("recipe step present at minimal scope")
	}
}

func TestExecute_RetentionUsesRecordedIdentities(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{}
	unit := webUnit(client)

	testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	// Two different identity schemes in one run: a filesystem path for the
	// volume, a stream identity for the recipe. Retention must be applied
	// under both, using exactly the identities recorded at creation.
	want := map[string]bool{
		"/var/lib/docker/volumes/data/_data": false,
		"/stackback/web/recipe.yaml":         false,
	}
	for _, target := range eng.retention {
		if _, ok := want[target.Path]; !ok {
			t.Errorf("retention applied to unrecorded identity %q", target.Path)
			continue
		}
		want[target.Path] = true
	}
	for path, pruned := range want {
		if !pruned {
			t.Errorf("retention never applied to %q", path)
		}
	}
}

func TestExecute_RetentionFailureDoesNotFailUnit(t *testing.T) {
	client := runtime.NewFake()
	eng := &fakeEngine{retentionErr: errors.New("repository locked")}
	unit := webUnit(client)

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	ur := report.Units[0]
	if ur.Failed {
		t.Error("retention failure must not fail the unit")
	}
	if ur.RetentionErr == "" {
		t.Error("retention error not recorded")
	}
}

func TestExecute_HealthTimeoutIsWarningOnly(t *testing.T) {
	client := runtime.NewFake()
	client.AddContainer(runtime.Container{ID: "c-db", Name: "db-1", HasHealthCheck: true})
	client.HealthAfterPolls["c-db"] = 1 << 30 // never healthy within the test window
	eng := &fakeEngine{}

	unit := discover.BackupUnit{
		Name:       "db",
		Containers: []runtime.Container{{ID: "c-db", Name: "db-1", HasHealthCheck: true}},
	}

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	ur := report.Units[0]
	if ur.Failed {
		t.Error("health timeout must not fail the unit")
	}
	if len(ur.HealthWarnings) != 1 || !strings.Contains(ur.HealthWarnings[0], ErrStartTimeout.Error()) {
		t.Errorf("health warnings = %v", ur.HealthWarnings)
	}
}

func TestExecute_HealthRecoversBeforeTimeout(t *testing.T) {
	client := runtime.NewFake()
	client.AddContainer(runtime.Container{ID: "c-db", Name: "db-1", HasHealthCheck: true})
	client.HealthAfterPolls["c-db"] = 2
	eng := &fakeEngine{}

	unit := discover.BackupUnit{
		Name:       "db",
		Containers: []runtime.Container{{ID: "c-db", Name: "db-1", HasHealthCheck: true}},
	}

	report := testOrchestrator(client, eng).Execute(context.Background(), []discover.BackupUnit{unit}, NewRun(tags.ScopeStandard))

	if len(report.Units[0].HealthWarnings) != 0 {
		t.Errorf("unexpected health warnings: %v", report.Units[0].HealthWarnings)
	}
}

func TestExecute_UnitFailureDoesNotAbortOthers(t *testing.T) {
	client := runtime.NewFake()
	client.AddContainer(runtime.Container{ID: "a1", Name: "alpha-1"})
	client.AddContainer(runtime.Container{ID: "b1", Name: "beta-1"})
	client.StopErr["a1"] = errors.New("stuck")
	eng := &fakeEngine{}

	units := []discover.BackupUnit{
		{Name: "alpha", Containers: []runtime.Container{{ID: "a1", Name: "alpha-1"}}},
		{Name: "beta", Containers: []runtime.Container{{ID: "b1", Name: "beta-1"}}},
	}

	report := testOrchestrator(client, eng).Execute(context.Background(), units, NewRun(tags.ScopeMinimal))

	if !report.Units[0].Failed {
		t.Error("alpha should have failed")
	}
	if report.Units[1].Failed {
		t.Errorf("beta should have completed: %+v", report.Units[1])
	}
	if !report.Failed() {
		t.Error("run-level Failed() should reflect alpha")
	}
}

func TestNewRun_IDsAreUniqueAndImmutable(t *testing.T) {
	a := NewRun(tags.ScopeStandard)
	b := NewRun(tags.ScopeStandard)
	if a.ID == b.ID {
		t.Error("two runs share a backup_id")
	}
	if !strings.HasPrefix(a.ID, a.Started.Format(tags.TimestampFormat)) {
		t.Errorf("run ID %q does not embed its start timestamp", a.ID)
	}
}
