package main

import (
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/node"
	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var commitFlags struct {
	Message string
	User    string
	Parents []string
}

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "record a new commit on top of the current tip",
	RunE: func(cmd *cobra.Command, args []string) error {
		if commitFlags.Message == "" {
			return errors.New("a commit message is required (-m)")
		}
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		var parents []node.Node
		for _, p := range commitFlags.Parents {
			n, err := node.FromHex(p)
			if err != nil {
				return errors.WrapIff(err, "invalid parent %q", p)
			}
			parents = append(parents, n)
		}
		n, err := r.Commit(repo.CommitOpts{
			Parents: parents,
			User:    commitFlags.User,
			Message: commitFlags.Message,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprint(os.Stderr, "Committed ", colors.UserInput(n.Short()), "\n")
		return nil
	},
}

func init() {
	commitCmd.Flags().StringVarP(
		&commitFlags.Message, "message", "m", "",
		"commit message",
	)
	commitCmd.Flags().StringVarP(
		&commitFlags.User, "user", "u", "",
		"commit author",
	)
	commitCmd.Flags().StringArrayVar(
		&commitFlags.Parents, "parent", nil,
		"explicit parent node (may be repeated; default is the current tip)",
	)
}
