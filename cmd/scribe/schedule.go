package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/scribe/internal/agent"
)

func scheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled batches (run by serve)",
	}

	var variant string
	add := &cobra.Command{
		Use:     "add <name> <cron> <topic>...",
		Short:   "Schedule a batch of topics",
		Example: `  scribe schedule add morning "0 8 * * *" "edge computing" "AI chips"`,
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := agent.ParseVariant(variant)
			if err != nil {
				return err
			}
			sc, err := agent.NewSchedule(args[0], args[1], args[2:], v, time.Now())
			if err != nil {
				return err
			}
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()

			if sc, err = db.AddSchedule(cmd.Context(), sc); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s (%s), next run %s\n", sc.Name, sc.ID, sc.NextRun.Local().Format(time.DateTime))
			return nil
		},
	}
	add.Flags().StringVar(&variant, "variant", string(agent.VariantGeneral), "content variant: general or paper_analysis")

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()

			schedules, err := db.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCRON\tENABLED\tNEXT RUN\tTOPICS")
			for _, sc := range schedules {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", sc.ID, sc.Name, sc.Cron, sc.Enabled,
					sc.NextRun.Local().Format(time.DateTime), strings.Join(sc.Topics, "; "))
			}
			return w.Flush()
		},
	}

	setEnabled := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				db, logger, err := openHistory(opts.configPath)
				if err != nil {
					return err
				}
				defer logger.Sync()
				defer db.Close()
				return db.SetScheduleEnabled(cmd.Context(), args[0], enabled)
			},
		}
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()
			return db.DeleteSchedule(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(add, list, del,
		setEnabled("enable", "Resume a schedule", true),
		setEnabled("disable", "Pause a schedule", false))
	return cmd
}
