package backup

import "github.com/kebairia/stackback/internal/tags"

// Step is one snapshot-producing phase of the per-unit state machine.
type Step string

const (
	StepRecipe       Step = "recipe"
	StepVolumes      Step = "volumes"
	StepNetworks     Step = "networks"
	StepDaemonConfig Step = "daemon_config"
)

// AllSteps in state-machine order.
var AllSteps = []Step{StepRecipe, StepVolumes, StepNetworks, StepDaemonConfig}

// stepTable maps a scope to the ordered steps it runs. Adding a scope is a
// data change here, not new control flow in the orchestrator.
var stepTable = map[tags.Scope][]Step{
	tags.ScopeMinimal:  {StepVolumes},
	tags.ScopeStandard: {StepRecipe, StepVolumes, StepNetworks},
	tags.ScopeFull:     {StepRecipe, StepVolumes, StepNetworks, StepDaemonConfig},
}

// stepsFor returns the steps a scope runs, in order.
func stepsFor(scope tags.Scope) []Step {
	return stepTable[scope]
}

// inScope reports whether the scope includes the step.
func inScope(scope tags.Scope, step Step) bool {
	for _, s := range stepTable[scope] {
		if s == step {
			return true
		}
	}
	return false
}
