package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rahul/scribe/internal/agent"
	"github.com/rahul/scribe/internal/gateway"
	"github.com/rahul/scribe/internal/observability"
	"github.com/rahul/scribe/internal/server"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the batch scheduler and the chat gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.app(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			observability.PrintBanner(cmd.OutOrStdout(), version)
			if addr == "" {
				addr = a.cfg.Server.Addr
			}

			g, ctx := errgroup.WithContext(cmd.Context())

			sched := agent.NewScheduler(a.history, a.batch, a.notify, a.cfg.Batch.PollInterval, a.logger)
			g.Go(func() error {
				sched.Start(ctx)
				return nil
			})

			if a.telegram != nil {
				commands := gateway.NewCommandHandler(a.service, a.logger)
				g.Go(func() error { return a.telegram.Start(ctx, commands) })
			}

			srv := server.New(server.Deps{
				Service: a.service,
				History: a.history,
				Tools:   a.broker,
				Rotator: a.broker,
				Status:  a.status,
				Metrics: a.metrics,
				Logger:  a.logger,
			})
			g.Go(func() error { return srv.Start(ctx, addr) })

			a.logger.Info("scribe started",
				zap.String("addr", addr),
				zap.Int("providers", len(a.broker.Connections())),
				zap.Int("messengers", len(a.notify)),
				zap.Bool("dry_run", a.cfg.Agent.DryRun))
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
