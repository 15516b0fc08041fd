// Command boardctl runs maintenance tasks against the task board database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "boardctl",
		Short:         "Task board maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		migrateCmd(),
		createAdminCmd(),
		seedCmd(),
		columnsCmd(),
		genTokenCmd(),
		cleanupSessionsCmd(),
		setActiveCmd(),
	)
	return root
}
