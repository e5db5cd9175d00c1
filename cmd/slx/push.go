package main

import (
	"fmt"
	"os"
	"strings"

	"emperror.dev/errors"
	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/exchange"
	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var pushFlags struct {
	Revs      []string
	Bookmarks []string
	Force     bool
	PushVars  []string
}

var pushCmd = &cobra.Command{
	Use:   "push <destination>",
	Short: "send commits and bookmarks to a remote repository",
	Args:  cobra.ExactArgs(1),
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

		revs, err := parseRevs(pushFlags.Revs)
		if err != nil {
			return err
		}
		pushVars, err := parsePushVars(pushFlags.PushVars)
		if err != nil {
			return err
		}

		res, err := exchange.Push(ctx, r, p, exchange.PushOpts{
			Revs:      revs,
			Bookmarks: pushFlags.Bookmarks,
			Force:     pushFlags.Force,
			PushVars:  pushVars,
		})
		if err != nil {
			return err
		}
		for _, line := range res.RemoteOutput {
			_, _ = fmt.Fprint(os.Stderr, colors.Faint("remote: "+line), "\n")
		}
		switch res.ExitCode {
		case exchange.PushNoChanges:
			_, _ = fmt.Fprint(os.Stderr, "No changes found\n")
			return exchange.ErrExitSilently{ExitCode: exchange.PushNoChanges}
		case exchange.PushBookmarks:
			for name, cause := range res.BookmarkErrors {
				_, _ = fmt.Fprint(os.Stderr,
					colors.Failure("Failed to push bookmark ", name, ": ", cause.Error()), "\n",
				)
			}
			return exchange.ErrExitSilently{ExitCode: exchange.PushBookmarks}
		}
		_, _ = fmt.Fprint(os.Stderr,
			colors.Success("Pushed ", english.Plural(len(res.Pushed), "commit", "")),
			" to ", colors.UserInput(p.URL()), "\n",
		)
		return nil
	},
}

func parseRevs(revs []string) ([]node.Node, error) {
	var out []node.Node
	for _, rev := range revs {
		n, err := node.FromHex(rev)
		if err != nil {
			return nil, errors.WrapIff(err, "invalid revision %q", rev)
		}
		out = append(out, n)
	}
	return out, nil
}

func parsePushVars(vars []string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(vars))
	for _, v := range vars {
		key, value, ok := strings.Cut(v, "=")
		if !ok {
			return nil, errors.Errorf("pushvar %q is not KEY=VALUE", v)
		}
		out[key] = value
	}
	return out, nil
}

func init() {
	pushCmd.Flags().StringArrayVarP(
		&pushFlags.Revs, "rev", "r", nil,
		"push only the given head and its ancestors (may be repeated)",
	)
	pushCmd.Flags().StringArrayVarP(
		&pushFlags.Bookmarks, "bookmark", "B", nil,
		"bookmark to push (may be repeated)",
	)
	pushCmd.Flags().BoolVarP(
		&pushFlags.Force, "force", "f", false,
		"skip the head race check and the obsolete-head guard",
	)
	pushCmd.Flags().StringArrayVar(
		&pushFlags.PushVars, "pushvars", nil,
		"KEY=VALUE variables relayed to the remote (may be repeated)",
	)
}
