package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// migrateCmd creates or updates the database schema
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Migrate creates the processing_jobs, reports and clients tables, or adds
missing columns and indexes to existing ones.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", settings.Database.Driver)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
