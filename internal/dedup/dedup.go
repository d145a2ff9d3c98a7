// Package dedup separates report rows whose natural key is already stored,
// or repeated earlier in the same file, from rows that can be inserted.
package dedup

import (
	"context"
	"fmt"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/validation"
	"billing-report-ingestor/pkg/logger"
)

// KeyLookup reports which natural keys are already persisted. Returned keys
// are normalized.
type KeyLookup interface {
	ExistingReportKeys(ctx context.Context, keys []models.ReportKey) (map[models.ReportKey]bool, error)
}

// Result is the partition of a batch of valid rows
type Result struct {
	Unique     []validation.ValidRow
	Duplicates []models.InvalidRow
}

// Checker partitions rows against a KeyLookup
type Checker struct {
	lookup KeyLookup
	logger logger.Logger
}

// NewChecker creates a duplicate checker
func NewChecker(lookup KeyLookup) *Checker {
	return &Checker{
		lookup: lookup,
		logger: logger.GetGlobalLogger().WithComponent("dedup"),
	}
}

// Partition splits rows into unique and duplicate rows, preserving order.
// The first occurrence of a key within rows is kept; later ones are
// duplicates. Calling Partition again on the returned unique rows yields no
// further duplicates.
func (c *Checker) Partition(ctx context.Context, rows []validation.ValidRow) (*Result, error) {
	keys := make([]models.ReportKey, len(rows))
	for i := range rows {
		keys[i] = rows[i].Report.Key()
	}

	stored, err := c.lookup.ExistingReportKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	firstSeen := make(map[models.ReportKey]int, len(rows))
	for i, row := range rows {
		k := keys[i].Normalized()

		var reason string
		if stored[k] {
			reason = fmt.Sprintf("duplicate: customer %s already has a %s report for %s",
				row.Report.CustomerID, row.Report.Provider, row.Report.PaidMonth)
		} else if first, seen := firstSeen[k]; seen {
			reason = fmt.Sprintf("duplicate: same customer, provider and month as row %d", first)
		}

		if reason == "" {
			firstSeen[k] = row.RowIndex
			result.Unique = append(result.Unique, row)
			continue
		}
		result.Duplicates = append(result.Duplicates, models.InvalidRow{
			RowIndex: row.RowIndex,
			Data:     row.Data,
			Errors:   []string{reason},
			Kind:     models.IssueDuplicate,
		})
	}

	c.logger.WithFields(logger.Fields{
		"rows":       len(rows),
		"unique":     len(result.Unique),
		"duplicates": len(result.Duplicates),
	}).Debug("Duplicate check completed")
	return result, nil
}
