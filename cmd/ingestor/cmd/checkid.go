package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"billing-report-ingestor/internal/identity"
	"billing-report-ingestor/pkg/errors"
)

// checkIDCmd runs the identifier checksum on its arguments
var checkIDCmd = &cobra.Command{
	Use:   "check-id ID...",
	Short: "Check customer identifiers against the checksum",
	Long: `Check-id normalizes each argument to nine digits and verifies its check
digit. It exits non-zero when any identifier is invalid.

Examples:
  ingestor check-id 280340639
  ingestor check-id 1234566 28034063-9 123456789`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		invalid := 0
		for _, raw := range args {
			normalized, ok := identity.Normalize(raw)
			verdict := "valid"
			if !ok {
				verdict = "invalid"
				invalid++
			}
			if normalized == "" {
				normalized = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-9s %s\n", raw, normalized, verdict)
		}

		if invalid > 0 {
			return errors.Newf(errors.CategoryValidation, errors.CodeInvalidIdentifier,
				"%d of %d identifiers are invalid", invalid, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkIDCmd)
}
