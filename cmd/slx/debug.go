package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/discovery"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var debugDiscoveryCmd = &cobra.Command{
	Use:    "debugdiscovery <remote>",
	Short:  "run set discovery against a remote and report the result",
	Hidden: true,
	Args:   cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		ctx := cmd.Context()
		p, err := peer.Open(ctx, args[0])
		if err != nil {
			return err
		}
		defer p.Close()

		outcome, err := discovery.FindCommonHeads(ctx, r, p)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stdout,
			"relation: ", colors.UserInput(outcome.Relation.String()), "\n",
			"roundtrips: ", outcome.Roundtrips, "\n",
		)
		for _, n := range outcome.CommonHeads {
			_, _ = fmt.Fprint(os.Stdout, "common head: ", n.Hex(), "\n")
		}
		for _, n := range outcome.RemoteHeads {
			_, _ = fmt.Fprint(os.Stdout, "remote head: ", n.Hex(), "\n")
		}
		return nil
	},
}
