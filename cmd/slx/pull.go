package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize/english"
	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/exchange"
	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var pullFlags struct {
	Revs      []string
	Bookmarks []string
	Force     bool
}

var pullCmd = &cobra.Command{
	Use:   "pull <source>",
	Short: "fetch commits and bookmarks from a remote repository",
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

		heads, err := parseRevs(pullFlags.Revs)
		if err != nil {
			return err
		}
		res, err := exchange.Pull(ctx, r, p, exchange.PullOpts{
			Heads:     heads,
			Bookmarks: pullFlags.Bookmarks,
			Force:     pullFlags.Force,
		})
		if err != nil {
			return err
		}
		for _, line := range res.RemoteOutput {
			_, _ = fmt.Fprint(os.Stderr, colors.Faint("remote: "+line), "\n")
		}
		if res.ExitCode == exchange.PullNoChanges {
			_, _ = fmt.Fprint(os.Stderr, "No changes found\n")
			return exchange.ErrExitSilently{ExitCode: exchange.PullNoChanges}
		}
		if res.UsedCloneBundle {
			_, _ = fmt.Fprint(os.Stderr, "Seeded store from a clone bundle\n")
		}
		_, _ = fmt.Fprint(os.Stderr,
			colors.Success("Pulled ", english.Plural(len(res.Added), "commit", "")),
			" from ", colors.UserInput(p.URL()), "\n",
		)
		for name, n := range res.Bookmarks {
			_, _ = fmt.Fprint(os.Stderr,
				"Remote bookmark ", colors.UserInput(name), " is now ", n.Short(), "\n",
			)
		}
		return nil
	},
}

func init() {
	pullCmd.Flags().StringArrayVarP(
		&pullFlags.Revs, "rev", "r", nil,
		"pull only the given head and its ancestors (may be repeated)",
	)
	pullCmd.Flags().StringArrayVarP(
		&pullFlags.Bookmarks, "bookmark", "B", nil,
		"remote bookmark to pull and track (may be repeated)",
	)
	pullCmd.Flags().BoolVarP(
		&pullFlags.Force, "force", "f", false,
		"allow pulling from an unrelated repository",
	)
}
