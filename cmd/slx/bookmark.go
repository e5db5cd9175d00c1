package main

import (
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/facebook/sapling-sub002/internal/peer"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

var bookmarkFlags struct {
	Rev    string
	Delete bool
}

var bookmarkCmd = &cobra.Command{
	Use:   "bookmark [name]",
	Short: "list, set, or delete bookmarks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()

		if len(args) == 0 {
			if bookmarkFlags.Delete || bookmarkFlags.Rev != "" {
				return errors.New("a bookmark name is required")
			}
			all := r.Bookmarks().All()
			names := maps.Keys(all)
			slices.Sort(names)
			for _, name := range names {
				_, _ = fmt.Fprint(os.Stdout,
					colors.UserInput(name), " ", all[name].Short(), "\n",
				)
			}
			return nil
		}

		name := args[0]
		if err := r.LockStore(); err != nil {
			return err
		}
		defer r.UnlockStore()
		tr, err := r.Transaction("bookmark")
		if err != nil {
			return err
		}
		if bookmarkFlags.Delete {
			err = r.Bookmarks().Delete(tr, name)
		} else {
			key := bookmarkFlags.Rev
			if key == "" {
				_ = tr.Abort()
				return errors.New("a target revision is required (-r)")
			}
			n, lookupErr := peer.LookupKey(r, key)
			if lookupErr != nil {
				_ = tr.Abort()
				return lookupErr
			}
			err = r.Bookmarks().Set(tr, name, n)
		}
		if err != nil {
			_ = tr.Abort()
			return err
		}
		return tr.Close()
	},
}

func init() {
	bookmarkCmd.Flags().StringVarP(
		&bookmarkFlags.Rev, "rev", "r", "",
		"revision or prefix the bookmark should point at",
	)
	bookmarkCmd.Flags().BoolVarP(
		&bookmarkFlags.Delete, "delete", "d", false,
		"delete the bookmark",
	)
}
