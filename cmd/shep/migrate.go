package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/Shepherd/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "ops",
	Short:   "Run pending store migrations",
	Long: `Run all unapplied store migrations in registration order.

Opening the store already migrates it, so this command mostly exists to
inspect the registry and to migrate explicitly before an upgrade.
Destructive migrations snapshot the store into backups/ first and verify
row counts after.

Examples:
  shep migrate             # apply pending migrations
  shep migrate --list      # show the registry without applying`,
	Run: func(cmd *cobra.Command, args []string) {
		list, _ := cmd.Flags().GetBool("list")
		if list {
			migrations := store.ListMigrations()
			if jsonOutput {
				outputJSON(migrations)
				return
			}
			for _, m := range migrations {
				marker := " "
				if m.Destructive {
					marker = "!"
				}
				fmt.Printf("%s %s\n", marker, m.Name)
			}
			return
		}

		// Open runs migrations; reaching here means they applied.
		s, _ := openStore()
		defer func() { _ = s.Close() }()
		fmt.Printf("Store at %s is up to date.\n", s.Path())
	},
}

func init() {
	migrateCmd.Flags().Bool("list", false, "List registered migrations without applying")
	rootCmd.AddCommand(migrateCmd)
}
