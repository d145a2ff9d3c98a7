package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"billing-report-ingestor/internal/identity"
	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// clientColumns maps client fields to accepted header spellings
var clientColumns = map[string][]string{
	"client_id":  {"client_id", "id", "customer_id", "תז", "ת.ז"},
	"first_name": {"first_name", "firstname", "שם פרטי"},
	"last_name":  {"last_name", "lastname", "surname", "שם משפחה"},
	"provider":   {"provider", "provider_name", "ספק"},
}

// clientsCmd groups client reference data commands
var clientsCmd = &cobra.Command{
	Use:   "clients",
	Short: "Manage the client reference table",
}

// clientsImportCmd loads clients used to backfill provider and name
var clientsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import clients from a CSV or XLSX file",
	Long: `Import reads a file whose first row names the columns client_id,
first_name, last_name and provider, and inserts or updates one client per
row. Rows with an invalid identifier are skipped.

Examples:
  ingestor clients import clients.xlsx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfg, err := settings.PipelineConfig()
		if err != nil {
			return err
		}
		raw, err := table.ReadFile(path, cfg.Read)
		if err != nil {
			return err
		}

		clients, skipped, err := parseClients(raw)
		if err != nil {
			return err
		}

		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.UpsertClients(cmd.Context(), clients); err != nil {
			return err
		}

		logger.GetGlobalLogger().WithComponent("cli").WithFields(logger.Fields{
			"file":     path,
			"imported": len(clients),
			"skipped":  skipped,
		}).Info("Clients imported")
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d clients, skipped %d rows\n", len(clients), skipped)
		return nil
	},
}

func init() {
	clientsCmd.AddCommand(clientsImportCmd)
	rootCmd.AddCommand(clientsCmd)
}

// parseClients reads clients from a raw table whose first row is the header
func parseClients(raw *table.Table) ([]models.Client, int, error) {
	if raw.NumRows() < 2 {
		return nil, 0, errors.StructuralError(errors.CodeNoDataRows, "client file has no data rows")
	}

	header := raw.Row(0)
	index := make(map[string]int)
	for field, aliases := range clientColumns {
		for c, name := range header {
			if containsFold(aliases, name) {
				index[field] = c
				break
			}
		}
	}
	for _, field := range []string{"client_id", "first_name", "last_name", "provider"} {
		if _, ok := index[field]; !ok {
			return nil, 0, errors.Newf(errors.CategoryStructural, errors.CodeRoleNotFound, "client file has no %s column", field).
				WithSuggestion("name the columns client_id, first_name, last_name and provider")
		}
	}

	seen := make(map[string]int)
	var clients []models.Client
	skipped := 0
	for r := 1; r < raw.NumRows(); r++ {
		id, ok := identity.Normalize(raw.Cell(r, index["client_id"]))
		provider := raw.Cell(r, index["provider"])
		if !ok || table.IsNull(provider) {
			skipped++
			continue
		}
		c := models.Client{
			ClientID:  id,
			FirstName: raw.Cell(r, index["first_name"]),
			LastName:  raw.Cell(r, index["last_name"]),
			Provider:  provider,
		}
		// last row wins for repeated identifiers
		if i, dup := seen[id]; dup {
			clients[i] = c
			skipped++
			continue
		}
		seen[id] = len(clients)
		clients = append(clients, c)
	}
	return clients, skipped, nil
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
