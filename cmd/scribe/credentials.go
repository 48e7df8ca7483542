package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rahul/scribe/pkg/config"
)

func credentialsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Edit the credentials file named by credentials.file",
	}

	open := func() (*config.CredentialFile, error) {
		cfg, logger, err := loadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		defer logger.Sync()
		return config.OpenCredentialFile(cfg.Credentials.File), nil
	}

	setSecret := &cobra.Command{
		Use:   "set-secret <name> <value>",
		Short: "Store a static credential",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := open()
			if err != nil {
				return err
			}
			if err := creds.SetSecret(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s in %s\n", args[0], creds.Path())
			return nil
		},
	}

	setPool := &cobra.Command{
		Use:     "set-pool <name> <key>...",
		Short:   "Replace a rotation pool's keys and reset it to the first key",
		Example: `  scribe credentials set-pool tavily tvly-aaa tvly-bbb tvly-ccc`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := open()
			if err != nil {
				return err
			}
			if err := creds.SetPool(args[0], args[1:]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pool %s now has %d keys, current %s\n", args[0], len(args)-1, config.Mask(args[1]))
			return nil
		},
	}

	showPool := &cobra.Command{
		Use:   "show-pool <name>",
		Short: "List a pool's keys, masked, marking the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := open()
			if err != nil {
				return err
			}
			keys, current, err := creds.Pool(args[0]).LoadPool(cmd.Context())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return fmt.Errorf("pool %s is empty or missing", args[0])
			}
			if current == "" {
				current = keys[0]
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tKEY\tACTIVE")
			for i, k := range keys {
				active := ""
				if k == current {
					active = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, config.Mask(k), active)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(setSecret, setPool, showPool)
	return cmd
}
