package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/repo"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var initFlags struct {
	HeadBasedPhases bool
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "create a new repository",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		r, err := repo.Init(dir, repo.InitOpts{
			HeadBasedPhases: initFlags.HeadBasedPhases,
		})
		if err != nil {
			return err
		}
		defer r.Close()
		_, _ = fmt.Fprint(os.Stderr,
			"Initialized repository at ", colors.UserInput(r.Dir()), "\n",
		)
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(
		&initFlags.HeadBasedPhases, "head-based-phases", false,
		"derive phases from remote bookmarks instead of storing phase roots",
	)
}
