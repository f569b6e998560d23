package main

import (
	"github.com/spf13/cobra"
	"github.com/unijord/shardlog/pkg/replication"
)

// applierOptions holds flags for the applier configure command.
type applierOptions struct {
	*rootOptions
	Endpoint  string
	AutoStart bool
}

func newApplierCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "applier",
		Short: "Inspect or configure the replication applier",
	}
	cmd.AddCommand(newApplierStateCommand(rootOpts))
	cmd.AddCommand(newApplierConfigureCommand(&applierOptions{rootOptions: rootOpts}))
	return cmd
}

func newApplierStateCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted applier state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			n, err := openIdleNode(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.Close()
			return writeJSON(cmd.OutOrStdout(), n.Applier().State())
		},
	}
}

func newApplierConfigureCommand(opts *applierOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Persist the applier endpoint and autoStart flag",
		Long: `Persist new applier properties. The next serve picks them up and, with
--auto-start, starts tailing without an explicit start.

Example:
  shardlogd applier configure --endpoint tcp://leader:8529 --auto-start`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			n, err := openIdleNode(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer n.Close()

			applier := n.Applier()
			if err := applier.Stop(); err != nil {
				return err
			}
			props := replication.Properties{Endpoint: opts.Endpoint, AutoStart: opts.AutoStart}
			if err := applier.Configure(props); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), applier.State())
		},
	}

	cmd.Flags().StringVar(&opts.Endpoint, "endpoint", "", "leader endpoint, e.g. tcp://host:8529 (required)")
	cmd.Flags().BoolVar(&opts.AutoStart, "auto-start", false, "start the applier whenever the node opens")
	_ = cmd.MarkFlagRequired("endpoint")

	return cmd
}
