package main

import (
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/phases"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var phaseFlags struct {
	Public bool
	Draft  bool
	Secret bool
	Force  bool
}

var phaseCmd = &cobra.Command{
	Use:   "phase <rev>...",
	Short: "show or change the phase of commits",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		var nodes []node.Node
		for _, arg := range args {
			n, err := peer.LookupKey(r, arg)
			if err != nil {
				return err
			}
			nodes = append(nodes, n)
		}

		target, set, err := phaseTarget(cmd.Flags())
		if err != nil {
			return err
		}
		if !set {
			for _, n := range nodes {
				p, err := r.Phases().Phase(n)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprint(os.Stdout, n.Short(), ": ", p.String(), "\n")
			}
			return nil
		}

		if err := r.LockStore(); err != nil {
			return err
		}
		defer r.UnlockStore()
		tr, err := r.Transaction("phase")
		if err != nil {
			return err
		}
		// Moving toward public advances the boundary; moving away from
		// it is a retraction and needs --force.
		if target == phases.Public {
			err = r.Phases().AdvanceBoundary(tr, target, nodes)
		} else {
			err = r.Phases().RetractBoundary(tr, target, nodes, phaseFlags.Force)
		}
		if err != nil {
			_ = tr.Abort()
			return err
		}
		if err := tr.Close(); err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stderr,
			"Marked ", len(nodes), " commits ", colors.UserInput(target.String()), "\n",
		)
		return nil
	},
}

func phaseTarget(flags *pflag.FlagSet) (phases.Phase, bool, error) {
	var target phases.Phase
	count := 0
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "public":
			target = phases.Public
			count++
		case "draft":
			target = phases.Draft
			count++
		case "secret":
			target = phases.Secret
			count++
		}
	})
	if count > 1 {
		return 0, false, errors.New("at most one of --public, --draft, --secret")
	}
	return target, count == 1, nil
}

func init() {
	phaseCmd.Flags().BoolVarP(&phaseFlags.Public, "public", "p", false, "mark commits public")
	phaseCmd.Flags().BoolVarP(&phaseFlags.Draft, "draft", "d", false, "mark commits draft")
	phaseCmd.Flags().BoolVarP(&phaseFlags.Secret, "secret", "s", false, "mark commits secret")
	phaseCmd.Flags().BoolVarP(&phaseFlags.Force, "force", "f", false, "allow retracting a phase boundary")
}
