package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kebairia/stackback/internal/discover"
	"github.com/kebairia/stackback/internal/restore"
	"github.com/kebairia/stackback/internal/runtime"
	"github.com/kebairia/stackback/internal/tags"
)

var (
	listUnits       bool
	listSnapshots   bool
	listAllMachines bool
	listOutput      string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List backup units or stored restore points",
	Long: `list shows the running backup units discovery would act on. With
--snapshots it lists the repository's restore points instead, grouped by
unit and backup run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listOutput != "table" && listOutput != "json" {
			return fmt.Errorf("unknown output format %q", listOutput)
		}
		if listUnits && listSnapshots {
			return fmt.Errorf("--units and --snapshots are mutually exclusive")
		}
		if listSnapshots {
			return runListSnapshots(cmd)
		}
		return runListUnits(cmd)
	},
}

func runListUnits(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := runtime.NewDockerClient()
	if err != nil {
		return err
	}
	defer client.Close()

	units, err := discover.Discover(ctx, client, cfg.Backup.Exclude)
	if err != nil {
		return err
	}
	if listOutput == "json" {
		return printJSON(units)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UNIT\tKIND\tCONTAINERS\tVOLUMES\tNETWORKS")
	for _, u := range units {
		kind := "container"
		if u.Stack {
			kind = "stack"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
			u.Name, kind, len(u.Containers), len(u.Volumes), len(u.Networks))
	}
	return w.Flush()
}

func runListSnapshots(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}

	machines := restore.ThisMachineOnly
	if listAllMachines {
		machines = restore.AllMachines
	}
	points, err := restore.ListRestorePoints(ctx, eng, machines)
	if err != nil {
		return err
	}
	if listOutput == "json" {
		return printJSON(points)
	}

	if listAllMachines {
		byHost := restore.GroupByHost(points)
		hosts := make([]string, 0, len(byHost))
		for h := range byHost {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			name := h
			if name == "" {
				name = "(unknown host)"
			}
			fmt.Printf("host %s\n", name)
			if err := renderPoints(os.Stdout, byHost[h]); err != nil {
				return err
			}
		}
		return nil
	}
	return renderPoints(os.Stdout, points)
}

func renderPoints(w io.Writer, points []restore.RestorePoint) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tTIME\tBACKUP_ID\tSCOPE\tSNAPSHOTS\tSIZE")
	for _, p := range points {
		var size uint64
		for _, s := range p.SnapshotsOf(tags.ContentVolume) {
			size += uint64(s.Parsed.SizeBytes)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			p.Unit, p.Time.Format("2006-01-02 15:04:05"), p.BackupID,
			p.Scope, len(p.Snapshots), humanize.Bytes(size))
	}
	return tw.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	listCmd.Flags().
		BoolVar(&listUnits, "units", false, "list running backup units (the default)")
	listCmd.Flags().
		BoolVar(&listSnapshots, "snapshots", false, "list restore points instead of running units")
	listCmd.Flags().
		BoolVar(&listAllMachines, "all-machines", false, "include snapshots taken on other machines")
	listCmd.Flags().
		StringVarP(&listOutput, "output", "o", "table", "output format: table or json")
}
