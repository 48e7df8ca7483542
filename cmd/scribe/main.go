package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "scribe",
		Short:        "Agentic content engine: research, write and publish posts through tool providers",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is scribe.yaml in . or ./config)")

	root.AddCommand(
		serveCmd(opts),
		generateCmd(opts),
		batchCmd(opts),
		topicsCmd(opts),
		toolsCmd(opts),
		historyCmd(opts),
		scheduleCmd(opts),
		rotateCmd(opts),
		credentialsCmd(opts),
	)
	return root
}

func (o *rootOptions) app(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig(o.configPath)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}
