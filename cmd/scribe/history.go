package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rahul/scribe/internal/store"
)

func historyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded jobs",
	}

	var f store.JobFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()

			jobs, err := db.ListJobs(cmd.Context(), f)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFINISHED\tSTATUS\tVARIANT\tTOPIC")
			for _, j := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.FinishedAt.Local().Format(time.DateTime), j.Status, j.Variant, j.Topic)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "filter by status (succeeded, failed)")
	list.Flags().StringVar(&f.Variant, "variant", "", "filter by content variant")
	list.Flags().StringVar(&f.BatchID, "batch", "", "filter by batch id")
	list.Flags().IntVar(&f.Limit, "limit", 20, "maximum jobs to show")
	list.Flags().IntVar(&f.Offset, "offset", 0, "jobs to skip")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one job as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()

			job, err := db.GetJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(job)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a recorded job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()
			return db.DeleteJob(cmd.Context(), args[0])
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show job totals and success rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, logger, err := openHistory(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer db.Close()

			st, err := db.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total %d, succeeded %d, failed %d (%.0f%% success)\n", st.Total, st.Succeeded, st.Failed, st.SuccessRate*100)
			for variant, n := range st.ByVariant {
				fmt.Fprintf(out, "  %s: %d\n", variant, n)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, del, stats)
	return cmd
}
