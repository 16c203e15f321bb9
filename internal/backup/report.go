package backup

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kebairia/stackback/internal/tags"
)

// StepStatus classifies the outcome of one snapshot step.
type StepStatus string

const (
	StatusOK      StepStatus = "ok"
	StatusFailed  StepStatus = "failed"
	StatusWarning StepStatus = "warning"
	StatusSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome for the end-of-run summary.
type StepResult struct {
	Status    StepStatus
	Detail    string
	Snapshots int
	Bytes     int64
}

// UnitReport accumulates everything that happened to one unit. Stop and
// start bookkeeping is kept separate from snapshot outcomes so the
// restart guarantee can be asserted independently.
type UnitReport struct {
	Unit           string
	StoppedIDs     []string
	StopErrs       []string
	StartedIDs     []string
	StartErrs      []string
	HealthWarnings []string
	Steps          map[Step]StepResult
	RetentionErr   string
	Failed         bool
}

func newUnitReport(unit string) *UnitReport {
	return &UnitReport{Unit: unit, Steps: map[Step]StepResult{}}
}

// Report is the run-level accumulation of per-unit results.
type Report struct {
	RunID      string
	Scope      tags.Scope
	StartedAt  time.Time
	FinishedAt time.Time
	Units      []UnitReport
}

// Failed reports whether any unit had a fatal-for-that-unit error. One
// unit's failure never aborts the others, but it does set the exit code.
func (r *Report) Failed() bool {
	for _, u := range r.Units {
		if u.Failed {
			return true
		}
	}
	return false
}

// TotalBytes sums the processed bytes across all units and steps.
func (r *Report) TotalBytes() int64 {
	var total int64
	for _, u := range r.Units {
		for _, s := range u.Steps {
			total += s.Bytes
		}
	}
	return total
}

// Render writes the structured end-of-run summary: per unit, which content
// types succeeded, failed, or were skipped by scope.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "backup run %s (scope %s)\n", r.RunID, r.Scope)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tRECIPE\tVOLUMES\tNETWORKS\tDAEMON_CONFIG\tRESULT")
	for _, u := range r.Units {
		result := "completed"
		switch {
		case u.Failed:
			result = "failed"
		case len(u.HealthWarnings) > 0 || len(u.StopErrs) > 0:
			result = "completed-with-warning"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			u.Unit,
			cellFor(u, StepRecipe),
			cellFor(u, StepVolumes),
			cellFor(u, StepNetworks),
			cellFor(u, StepDaemonConfig),
			result,
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "processed %s in %s\n",
		humanize.Bytes(uint64(r.TotalBytes())),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
	)
}

func cellFor(u UnitReport, step Step) string {
	res, ok := u.Steps[step]
	if !ok {
		return string(StatusSkipped)
	}
	return string(res.Status)
}
