package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kebairia/stackback/internal/lock"
	"github.com/kebairia/stackback/internal/logger"
	"github.com/kebairia/stackback/internal/restore"
	"github.com/kebairia/stackback/internal/runtime"
)

var (
	restoreAdvanced    bool
	restoreYes         bool
	restoreAllMachines bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore [unit]",
	Short: "Plan and execute a restore from a restore point",
	Long: `restore lists the repository's restore points, builds a restore plan
for the chosen one, shows it, and on confirmation restores the volumes.
Each volume is safety-copied before being overwritten. Containers are
stopped as needed but never restarted; recreation is the operator's step.

By default the newest restore point is used (of the named unit, when one
is given). --advanced offers an interactive choice across all points.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := logger.Global()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, err := newEngine(ctx, cfg)
		if err != nil {
			return err
		}

		machines := restore.ThisMachineOnly
		if restoreAllMachines {
			machines = restore.AllMachines
		}
		points, err := restore.ListRestorePoints(ctx, eng, machines)
		if err != nil {
			return err
		}
		if len(args) == 1 {
			points = filterUnit(points, args[0])
		}
		if len(points) == 0 {
			return errors.New("no matching restore points in the repository")
		}

		point := points[0]
		if restoreAdvanced {
			if point, err = choosePoint(points); err != nil {
				return err
			}
		}

		client, err := runtime.NewDockerClient()
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.Ping(ctx); err != nil {
			return err
		}

		host, _ := os.Hostname()
		deps, err := restore.Dependents(ctx, client)
		if err != nil {
			return err
		}
		plan := restore.BuildPlan(point, deps, host)
		plan.Render(os.Stdout)

		if !restoreYes {
			ok, err := confirm("proceed with this restore? [y/N] ")
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("restore aborted")
				return nil
			}
		}

		handle, err := lock.Acquire(cfg.Lock.Directory, cfg.Repository.Profile)
		if err != nil {
			return err
		}
		defer handle.Release()

		restorer := &restore.VolumeRestorer{Engine: eng, Client: client, Log: log}
		for _, v := range plan.Volumes {
			if err := restorer.Restore(ctx, v, cfg.Backup.StopTimeout); err != nil {
				return err
			}
		}
		log.Info("restore finished",
			"unit", point.Unit, "backup_id", point.BackupID, "volumes", len(plan.Volumes))
		fmt.Println("volumes restored; recreate containers to bring the unit back up")
		return nil
	},
}

func filterUnit(points []restore.RestorePoint, unit string) []restore.RestorePoint {
	var out []restore.RestorePoint
	for _, p := range points {
		if p.Unit == unit {
			out = append(out, p)
		}
	}
	return out
}

func choosePoint(points []restore.RestorePoint) (restore.RestorePoint, error) {
	for i, p := range points {
		fmt.Printf("%3d  %-20s %s  scope=%-8s host=%s\n",
			i+1, p.Unit, p.Time.Format("2006-01-02 15:04:05"), p.Scope, p.Host)
	}
	line, err := readLine("restore point number: ")
	if err != nil {
		return restore.RestorePoint{}, err
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(points) {
		return restore.RestorePoint{}, fmt.Errorf("invalid selection %q", line)
	}
	return points[n-1], nil
}

func confirm(prompt string) (bool, error) {
	line, err := readLine(prompt)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	restoreCmd.Flags().
		BoolVar(&restoreAdvanced, "advanced", false, "choose interactively among all restore points")
	restoreCmd.Flags().
		BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	restoreCmd.Flags().
		BoolVar(&restoreAllMachines, "all-machines", false, "include restore points taken on other machines")
}
