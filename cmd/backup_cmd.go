package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kebairia/stackback/internal/backup"
	"github.com/kebairia/stackback/internal/config"
	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/lock"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

var (
	backupUnits []string
	backupScope string
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Stop units, snapshot them, and restart them",
	Long: `backup discovers running backup units (compose stacks and standalone
containers), then for each unit: stops its containers, snapshots its
volumes and descriptors into the repository, restarts the containers,
and applies the retention policy. Units are processed one at a time.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logger.Global()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		scopeName := cfg.Backup.Scope
		if backupScope != "" {
			scopeName = backupScope
		}
		scope, err := tags.ParseScope(scopeName)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrValidateConfig, err)
		}

		handle, err := lock.Acquire(cfg.Lock.Directory, cfg.Repository.Profile)
		if err != nil {
			return err
		}
		defer handle.Release()

		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}
		if err := eng.EnsureRepository(ctx); err != nil {
			return err
		}

		client, err := runtime.NewDockerClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(ctx); err != nil {
			return err
		}

		units, err := discover.Discover(ctx, client, cfg.Backup.Exclude)
		if err != nil {
			return err
		}
		if len(backupUnits) > 0 {
			if units, err = discover.Select(units, backupUnits); err != nil {
				return err
			}
		}
		if len(units) == 0 {
			log.Warn("no running backup units found, nothing to do")
			return nil
		}

		run := backup.NewRun(scope)
		log.Info("backup run starting",
			"backup_id", run.ID, "scope", scope, "units", len(units))

		report := backup.New(cfg, client, eng).Execute(ctx, units, run)
		report.Render(os.Stdout)

		if cfg.DR.AfterBackup {
			if err := buildBundleAfterBackup(ctx, cfg, eng); err != nil {
				// The backup itself succeeded; a bundle problem is reported
				// but does not change the run's outcome.
				log.Warn("post-backup bundle not written", "error", err)
			}
		}

		if report.Failed() {
			return errUnitsFailed
		}
		return nil
	},
}

func init() {
	backupCmd.Flags().
		StringSliceVarP(&backupUnits, "unit", "u", nil, "back up only the named units (repeatable)")
	backupCmd.Flags().
		StringVarP(&backupScope, "scope", "s", "", "backup scope: minimal, standard or full (overrides config)")
}
