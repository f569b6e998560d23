package main

import (
	"github.com/spf13/cobra"
	"github.com/unijord/shardlog/pkg/archive"
	"github.com/unijord/shardlog/pkg/recovery"
	"github.com/unijord/shardlog/pkg/replication"
)

type statusReport struct {
	ID           string            `json:"id"`
	Role         string            `json:"role"`
	AppliedTick  uint64            `json:"appliedTick"`
	LogFirstTick uint64            `json:"logFirstTick"`
	LogLastTick  uint64            `json:"logLastTick"`
	Digest       uint64            `json:"digest"`
	Recovery     *recovery.Result  `json:"recovery"`
	Applier      replication.State `json:"applier"`
	Archive      archive.Stats     `json:"archive"`
	Collections  map[string]int    `json:"collections"`
}

func newStatusCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Open the node offline and print its state as JSON",
		Long: `Open the node, which runs crash recovery, print its state and close it.
The node must not be served by another process.`,
		Args: cobra.NoArgs,
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

			digest, err := n.Store().Digest()
			if err != nil {
				return err
			}
			names, err := n.Store().Collections()
			if err != nil {
				return err
			}
			collections := make(map[string]int, len(names))
			for _, name := range names {
				count, err := n.Store().Count(name)
				if err != nil {
					return err
				}
				collections[name] = count
			}

			return writeJSON(cmd.OutOrStdout(), statusReport{
				ID:           n.ID(),
				Role:         n.Role(),
				AppliedTick:  n.AppliedTick(),
				LogFirstTick: n.Log().FirstTick(),
				LogLastTick:  n.LastTick(),
				Digest:       digest,
				Recovery:     n.Recovery(),
				Applier:      n.Applier().State(),
				Archive:      n.Archive().Stats(),
				Collections:  collections,
			})
		},
	}
}
