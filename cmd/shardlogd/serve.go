package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/unijord/shardlog/pkg/config"
	"github.com/unijord/shardlog/pkg/node"
	"github.com/unijord/shardlog/pkg/tailhttp"
)

func newServeCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node and its tail endpoint",
		Long: `Open the node, replay the log into the document state and serve the WAL
tail endpoint until SIGINT or SIGTERM.

Example:
  shardlogd serve -c ./shardlogd.yaml
  shardlogd serve --data-dir /var/lib/shardlog`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logOut io.Writer) (err error) {
	n, logger, err := openNode(cfg, logOut)
	if err != nil {
		return fmt.Errorf("open node: %w", err)
	}
	defer func() {
		err = errors.Join(err, n.Close())
	}()

	if err := configureApplier(n, cfg.Applier); err != nil {
		return err
	}

	server := tailhttp.NewServer(n.Leader(), cfg.HTTP.Addr, logger)
	if err := server.Start(); err != nil {
		return err
	}

	logger.Info("shardlogd started", "node", n.ID(), "role", n.Role(), "addr", cfg.HTTP.Addr)
	<-ctx.Done()
	logger.Info("received signal, shutting down")

	return server.Stop()
}

// configureApplier applies the applier section of the config file when
// it names an endpoint and differs from the persisted properties.
func configureApplier(n *node.Node, cfg config.ApplierConfig) error {
	if cfg.Endpoint == "" {
		return nil
	}
	applier := n.Applier()
	props := cfg.Properties()
	if applier.Properties() == props {
		return nil
	}
	if err := applier.Stop(); err != nil {
		return err
	}
	if err := applier.Configure(props); err != nil {
		return fmt.Errorf("configure applier: %w", err)
	}
	if props.AutoStart {
		return applier.Start()
	}
	return nil
}
