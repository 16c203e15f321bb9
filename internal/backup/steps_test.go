package backup

import (
	"runtime"
	"slices"
	"testing"

	"github.com/kebairia/stackback/internal/tags"
)

func TestStepTable(t *testing.T) {
	cases := []struct {
		scope tags.Scope
		want  []Step
	}{
		{tags.ScopeMinimal, []Step{StepVolumes}},
		{tags.ScopeStandard, []Step{StepRecipe, StepVolumes, StepNetworks}},
		{tags.ScopeFull, []Step{StepRecipe, StepVolumes, StepNetworks, StepDaemonConfig}},
	}
	for _, c := range cases {
		if got := stepsFor(c.scope); !slices.Equal(got, c.want) {
			t.Errorf("stepsFor(%s) = %v, want %v", c.scope, got, c.want)
		}
	}
}

func TestInScope(t *testing.T) {
	if inScope(tags.ScopeMinimal, StepRecipe) {
		t.Error("minimal scope must not include the recipe step")
	}
	if !inScope(tags.ScopeFull, StepDaemonConfig) {
		t.Error("full scope must include daemon_config")
	}
}

func TestWorkerCount_Bounds(t *testing.T) {
	if got := workerCount(0); got != 1 {
		t.Errorf("workerCount(0) = %d, want 1", got)
	}
	if got := workerCount(1); got != 1 {
		t.Errorf("workerCount(1) = %d, want 1", got)
	}
	for _, volumes := range []int{2, 8, 64} {
		got := workerCount(volumes)
		if got < 1 {
			t.Errorf("workerCount(%d) = %d, below 1", volumes, got)
		}
		if got > runtime.NumCPU() {
			t.Errorf("workerCount(%d) = %d, above CPU cap %d", volumes, got, runtime.NumCPU())
		}
		if got > volumes {
			t.Errorf("workerCount(%d) = %d, more workers than volumes", volumes, got)
		}
	}
}
