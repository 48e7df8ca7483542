package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/tools/web"
)

func toolsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect and serve tool providers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Connect to every enabled provider and list its tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, logger: logger, metrics: observability.NewMetrics()}
			defer a.Close()
			if err := a.connectTools(cmd.Context()); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSTATE\tTOOL\tDESCRIPTION")
			for _, c := range a.broker.Connections() {
				descs, err := c.ListTools(cmd.Context())
				if err != nil {
					fmt.Fprintf(w, "%s\t%s\t-\t%v\n", c.Name(), c.State(), err)
					continue
				}
				sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
				for _, d := range descs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name(), c.State(), d.Name, firstLine(d.Description))
				}
			}
			return w.Flush()
		},
	}, &cobra.Command{
		Use:   "serve",
		Short: "Serve the builtin web tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			p, err := web.New(web.Options{Version: version, Logger: logger})
			if err != nil {
				return err
			}
			defer p.Close()
			return p.ServeStdio()
		},
	})
	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
