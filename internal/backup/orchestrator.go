// Package backup drives the cold backup state machine: stop a unit's
// containers, snapshot its content types according to scope, restart, wait
// for health, then apply retention. Units run sequentially to bound total
// downtime; only volume snapshots within a unit run concurrently.
package backup

import (
	"context"
	"io"
	"time"

	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/engine"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

// SnapshotEngine is the slice of the external engine the orchestrator
// consumes. *engine.Engine implements it; tests substitute a fake.
type SnapshotEngine interface {
	BackupPath(ctx context.Context, path string, excludes, tagSet []string) (engine.Summary, error)
	BackupStream(ctx context.Context, filename string, tagSet []string, r io.Reader) (engine.Summary, error)
	ApplyRetention(ctx context.Context, target tags.RetentionTarget, policy config.RetentionConfig) error
}

// Orchestrator executes one backup run.
type Orchestrator struct {
	cfg    config.Config
	client runtime.Client
	eng    SnapshotEngine
	log    logger.Logger

	// test seams
	healthPoll time.Duration
	workers    func(volumes int) int
}

// New builds an Orchestrator with production defaults.
func New(cfg config.Config, client runtime.Client, eng SnapshotEngine) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		client:     client,
		eng:        eng,
		log:        logger.Global(),
		healthPoll: 2 * time.Second,
		workers:    workerCount,
	}
}

// Execute processes the units sequentially and returns the run report.
// A unit's failure never aborts the remaining units.
func (o *Orchestrator) Execute(ctx context.Context, units []discover.BackupUnit, run *Run) *Report {
	report := &Report{RunID: run.ID, Scope: run.Scope, StartedAt: run.Started}
	for _, unit := range units {
		report.Units = append(report.Units, *o.backupUnit(ctx, unit, run))
	}
	report.FinishedAt = time.Now()
	return report
}

func (o *Orchestrator) backupUnit(ctx context.Context, unit discover.BackupUnit, run *Run) *UnitReport {
	ur := newUnitReport(unit.Name)
	o.log.Info("unit backup started", "unit", unit.Name, "backup_id", run.ID, "scope", run.Scope)

	stopped, stopFailed := o.stopUnit(ctx, unit, ur)

	var targets []tags.RetentionTarget
	if stopFailed {
		// Partial cold state is not a consistent backup; every snapshot step
		// is skipped, but the stopped containers still get restarted below.
		ur.Failed = true
		for _, step := range stepsFor(run.Scope) {
			ur.Steps[step] = StepResult{Status: StatusSkipped, Detail: "unit did not stop cleanly"}
		}
	} else {
		targets = o.snapshotUnit(ctx, unit, run, ur)
	}

	// Starting is gated only on having attempted a stop, never on snapshot
	// outcome: no container stays down because a later snapshot failed.
	o.startUnit(ctx, stopped, ur)

	if len(targets) > 0 {
		o.applyRetention(ctx, targets, ur)
	}

	o.log.Info("unit backup finished",
		"unit", unit.Name,
		"failed", ur.Failed,
		"warnings", len(ur.HealthWarnings)+len(ur.StopErrs),
	)
	return ur
}

// stopUnit gracefully stops every container of the unit, escalating to a
// forced stop when the graceful window elapses. Returns the containers that
// are actually stopped (they must all be restarted later) and whether any
// container could not be stopped at all.
func (o *Orchestrator) stopUnit(ctx context.Context, unit discover.BackupUnit, ur *UnitReport) ([]runtime.Container, bool) {
	var stopped []runtime.Container
	failed := false
	for _, c := range unit.Containers {
		err := o.client.Stop(ctx, c.ID, o.cfg.Backup.StopTimeout)
		if err != nil {
			o.log.Warn("graceful stop failed, forcing", "container", c.Name, "error", err)
			if killErr := o.client.Stop(ctx, c.ID, 0); killErr != nil {
				ur.StopErrs = append(ur.StopErrs, c.Name+": "+killErr.Error())
				failed = true
				continue
			}
			// Forced stop succeeded: the cold state is reached, record the
			// timeout as a warning only.
			ur.StopErrs = append(ur.StopErrs, c.Name+": "+ErrStopTimeout.Error())
		}
		stopped = append(stopped, c)
		ur.StoppedIDs = append(ur.StoppedIDs, c.ID)
	}
	return stopped, failed
}

// snapshotUnit runs the scope's snapshot steps. Steps fail independently:
// volumes failing does not prevent the recipe or network snapshots.
func (o *Orchestrator) snapshotUnit(ctx context.Context, unit discover.BackupUnit, run *Run, ur *UnitReport) []tags.RetentionTarget {
	var targets []tags.RetentionTarget
	for _, step := range stepsFor(run.Scope) {
		var (
			res  StepResult
			tgts []tags.RetentionTarget
		)
		switch step {
		case StepRecipe:
			res, tgts = o.snapshotRecipe(ctx, unit, run)
		case StepVolumes:
			res, tgts = o.snapshotVolumes(ctx, unit, run)
		case StepNetworks:
			res, tgts = o.snapshotNetworks(ctx, unit, run)
		case StepDaemonConfig:
			res, tgts = o.snapshotDaemonConfig(ctx, unit, run)
		}
		ur.Steps[step] = res
		targets = append(targets, tgts...)
		if res.Status == StatusFailed {
			ur.Failed = true
			o.log.Error("snapshot step failed", "unit", unit.Name, "step", step, "detail", res.Detail)
		}
	}
	return targets
}

// startUnit restarts every container this run stopped, in original order,
// then waits on declared health probes.
func (o *Orchestrator) startUnit(ctx context.Context, stopped []runtime.Container, ur *UnitReport) {
	for _, c := range stopped {
		if err := o.client.Start(ctx, c.ID); err != nil {
			ur.StartErrs = append(ur.StartErrs, c.Name+": "+err.Error())
			ur.Failed = true
			o.log.Error("restart failed", "container", c.Name, "error", err)
			continue
		}
		ur.StartedIDs = append(ur.StartedIDs, c.ID)
	}
	for _, c := range stopped {
		if !c.HasHealthCheck {
			continue
		}
		if err := o.waitHealthy(ctx, c.ID); err != nil {
			// Reported, not fatal: the unit completes with a warning.
			ur.HealthWarnings = append(ur.HealthWarnings, c.Name+": "+err.Error())
			o.log.Warn("health wait", "container", c.Name, "error", err)
		}
	}
}

func (o *Orchestrator) waitHealthy(ctx context.Context, id string) error {
	deadline := time.Now().Add(o.cfg.Backup.StartTimeout)
	for {
		c, err := o.client.Inspect(ctx, id)
		if err != nil {
			return err
		}
		if c.Health == runtime.HealthHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStartTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.healthPoll):
		}
	}
}

// applyRetention prunes each recorded target. Retention failing must never
// block backup completion, so errors are logged and noted in the report.
func (o *Orchestrator) applyRetention(ctx context.Context, targets []tags.RetentionTarget, ur *UnitReport) {
	if !o.cfg.Retention.Enabled() {
		return
	}
	for _, target := range tags.Dedup(targets) {
		if err := o.eng.ApplyRetention(ctx, target, o.cfg.Retention); err != nil {
			ur.RetentionErr = err.Error()
			o.log.Warn("retention not applied", "path", target.Path, "error", err)
		}
	}
}
