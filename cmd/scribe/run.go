package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/observability"
)

func generateCmd(opts *rootOptions) *cobra.Command {
	var variant string
	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Research, write and publish one post",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := agent.ParseVariant(variant)
			if err != nil {
				return err
			}
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			job := a.service.Generate(cmd.Context(), strings.Join(args, " "), v)
			printJobs(cmd.OutOrStdout(), []agent.BatchJob{job})
			if !job.Succeeded() {
				return fmt.Errorf("job %s failed", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(agent.VariantGeneral), "content variant: general or paper_analysis")
	return cmd
}

func batchCmd(opts *rootOptions) *cobra.Command {
	var variant, file string
	cmd := &cobra.Command{
		Use:   "batch [topic...]",
		Short: "Run several topics concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := agent.ParseVariant(variant)
			if err != nil {
				return err
			}
			topics := args
			if file != "" {
				fromFile, err := readTopics(file)
				if err != nil {
					return err
				}
				topics = append(topics, fromFile...)
			}
			if len(topics) == 0 {
				return errors.New("no topics given")
			}

			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, sum := a.service.Batch(cmd.Context(), topics, v)
			printJobs(cmd.OutOrStdout(), jobs)
			if sum.Failed > 0 {
				return fmt.Errorf("%d of %d jobs failed", sum.Failed, sum.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&variant, "variant", string(agent.VariantGeneral), "content variant: general or paper_analysis")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read topics from a file, one per line")
	return cmd
}

func topicsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Discover candidate topics",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "trending [domain]",
		Short: "Find trending topics (ai, funding, papers, robotics)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain := ""
			if len(args) == 1 {
				domain = args[0]
			}
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			topics, err := a.service.Trending(cmd.Context(), domain)
			if err != nil {
				return err
			}
			printTopics(cmd.OutOrStdout(), topics)
			return nil
		},
	}, &cobra.Command{
		Use:   "from-url <url>",
		Short: "Extract topics from a web page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			topics, err := a.service.FromURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTopics(cmd.OutOrStdout(), topics)
			return nil
		},
	})
	return cmd
}

func rotateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Advance the credential pool and reconnect bound providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rotated, err := a.broker.Rotate(cmd.Context())
			if err != nil {
				return err
			}
			if !rotated {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to rotate")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated pool %s\n", a.cfg.Credentials.RotationPool)
			return nil
		},
	}
}

func readTopics(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var topics []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		topics = append(topics, line)
	}
	return topics, sc.Err()
}

func printJobs(w io.Writer, jobs []agent.BatchJob) {
	rows := make([]observability.SummaryRow, 0, len(jobs))
	for _, j := range jobs {
		o := j.Outcome
		detail := o.Error
		if j.Succeeded() {
			detail = o.PublishStatus
			if o.Post != nil && o.Post.Title != "" {
				detail = o.Post.Title + " (" + o.PublishStatus + ")"
			}
		}
		rows = append(rows, observability.SummaryRow{Topic: j.Topic, OK: j.Succeeded(), Detail: detail})
	}
	observability.PrintBatchSummary(w, rows)
}

func printTopics(w io.Writer, topics []agent.Topic) {
	for i, t := range topics {
		fmt.Fprintf(w, "%2d. %s\n", i+1, t.Title)
		if t.Summary != "" {
			fmt.Fprintf(w, "    %s\n", t.Summary)
		}
	}
}
