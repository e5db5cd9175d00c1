package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/bundle2"
	"github.com/facebook/sapling-sub002/internal/dag"
	"github.com/facebook/sapling-sub002/internal/exchange"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var bundleFlags struct {
	Type string
	Base []string
	Revs []string
}

var bundleCmd = &cobra.Command{
	Use:   "bundle <file>",
	Short: "write commits to a bundle file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		spec, err := bundle2.ParseBundleSpec(bundleFlags.Type)
		if err != nil {
			return err
		}
		heads, err := parseRevs(bundleFlags.Revs)
		if err != nil {
			return err
		}
		if len(heads) == 0 {
			all, err := r.Heads()
			if err != nil {
				return err
			}
			heads = all.Sorted()
		}
		base, err := parseRevs(bundleFlags.Base)
		if err != nil {
			return err
		}
		outgoing, err := dag.ComputeOutgoing(r.Parents, heads, base)
		if err != nil {
			return err
		}

		var phaseHeads []bundle2.PhaseHead
		if !spec.Legacy {
			for _, h := range outgoing.MissingHeads {
				p, err := r.Phases().Phase(h)
				if err != nil {
					return err
				}
				phaseHeads = append(phaseHeads, bundle2.PhaseHead{Phase: p, Node: h})
			}
		}
		if err := bundle2.WriteBundleFile(args[0], r.Store(), outgoing, spec, phaseHeads); err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stderr,
			"Wrote ", len(outgoing.Missing), " commits to ", colors.UserInput(args[0]), "\n",
		)
		return nil
	},
}

var unbundleCmd = &cobra.Command{
	Use:   "unbundle <file>",
	Short: "apply commits from a bundle file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		added, err := exchange.ApplyBundleFile(r, "unbundle", args[0])
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stderr,
			"Added ", len(added), " commits from ", colors.UserInput(args[0]), "\n",
		)
		return nil
	},
}

func init() {
	bundleCmd.Flags().StringVarP(
		&bundleFlags.Type, "type", "t", "zstd-v2",
		"bundle spec, e.g. zstd-v2, gzip-v1, none-v2",
	)
	bundleCmd.Flags().StringArrayVar(
		&bundleFlags.Base, "base", nil,
		"assume the receiver has this head and its ancestors (may be repeated)",
	)
	bundleCmd.Flags().StringArrayVarP(
		&bundleFlags.Revs, "rev", "r", nil,
		"bundle the given head and its ancestors (may be repeated)",
	)
}
