package main

import (
	"encoding/json"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/unijord/shardlog/pkg/config"
	"github.com/unijord/shardlog/pkg/node"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	DataDir    string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "shardlogd",
		Short: "shardlogd - replicated shard log",
		Long: `shardlogd runs one replica of a shard: a segmented write-ahead log, the
document state applied from it, and the applier that tails a leader when the
node is a follower.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "shardlogd.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "override node.dataDir")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newApplierCommand(opts))

	return cmd
}

// load reads the config and applies flag overrides.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if o.DataDir != "" {
		cfg.Node.DataDir = o.DataDir
	}
	return cfg, nil
}

// openNode opens the node described by cfg with logs going to w.
func openNode(cfg config.Config, w io.Writer) (*node.Node, *slog.Logger, error) {
	logger := config.NewLogger(cfg.Logger, w)
	n, err := node.Open(cfg.ToNode(logger))
	if err != nil {
		return nil, nil, err
	}
	return n, logger, nil
}

// openIdleNode opens the node for inspection, the applier stays stopped
// whatever its persisted autoStart says.
func openIdleNode(cfg config.Config, w io.Writer) (*node.Node, error) {
	ncfg := cfg.ToNode(config.NewLogger(cfg.Logger, w))
	ncfg.HoldApplier = true
	return node.Open(ncfg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
