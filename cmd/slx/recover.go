package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/facebook/sapling-sub002/internal/transaction"
	"github.com/facebook/sapling-sub002/internal/utils/colors"
)

// Opening the repository rolls back any abandoned transaction, so the
// command only has to report the result.
var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "roll back an interrupted transaction",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()
		_, _ = fmt.Fprint(os.Stderr, colors.Success("Repository is consistent"), "\n")
		return nil
	},
}

var debugRollbackCmd = &cobra.Command{
	Use:    "debugrollback",
	Short:  "undo the last completed transaction",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRepo()
		if err != nil {
			return err
		}
		defer r.Close()
		if err := r.LockStore(); err != nil {
			return err
		}
		defer r.UnlockStore()
		rolled, err := transaction.Rollback(r.StoreDir())
		if err != nil {
			return err
		}
		if !rolled {
			_, _ = fmt.Fprint(os.Stderr, "No transaction to roll back\n")
			return nil
		}
		_, _ = fmt.Fprint(os.Stderr, colors.Warning("Rolled back the last transaction"), "\n")
		return nil
	},
}
