// Package validation turns an inferred table into canonical report records.
//
// Each row is first enriched with its resolved provider, reporting period and
// name, then checked against every rule. All violations of a row are
// collected; a row with none becomes a ValidRow, any other row becomes an
// InvalidRow carrying its original cells and the full list of reasons. Rows
// are never dropped silently.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"billing-report-ingestor/internal/identity"
	"billing-report-ingestor/internal/inference"
	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// Rules configures row validation
type Rules struct {
	Mandatory       []inference.Role
	FeeCeiling      decimal.Decimal
	RejectProviders []string
	PeriodLayouts   []string
	Providers       inference.ProviderConfig
}

// DefaultRules returns the rules applied to provider reports
func DefaultRules() Rules {
	return Rules{
		Mandatory:       []inference.Role{inference.RoleIdentifier, inference.RoleFee, inference.RoleProvider, inference.RolePeriod},
		FeeCeiling:      decimal.NewFromInt(999),
		RejectProviders: []string{"unknown"},
		PeriodLayouts:   inference.DefaultConfig().Period.Layouts,
		Providers:       inference.DefaultConfig().Provider,
	}
}

// Validate checks the rules for consistency
func (r Rules) Validate() error {
	if len(r.Mandatory) == 0 {
		return fmt.Errorf("mandatory roles cannot be empty")
	}
	for _, role := range r.Mandatory {
		switch role {
		case inference.RoleIdentifier, inference.RoleFee, inference.RoleProvider, inference.RolePeriod, inference.RoleName:
		default:
			return fmt.Errorf("unknown mandatory role %q", role)
		}
	}
	if !r.FeeCeiling.IsPositive() {
		return fmt.Errorf("fee ceiling must be positive")
	}
	return nil
}

// ClientLookup resolves reference clients by identifier
type ClientLookup interface {
	ClientsByIDs(ctx context.Context, ids []string) (map[string]models.Client, error)
}

// Enrichment carries the per-file values applied to every row
type Enrichment struct {
	JobID uuid.UUID
	// FileProvider is the provider derived from the file name, used last.
	FileProvider string
	IngestedAt   time.Time
}

// ValidRow is an accepted row and its canonical record
type ValidRow struct {
	RowIndex int
	Data     []string
	Report   models.Report
}

// Outcome partitions the rows of a table
type Outcome struct {
	Header  []string
	Valid   []ValidRow
	Invalid []models.InvalidRow
}

// Processed returns the number of rows examined
func (o *Outcome) Processed() int {
	return len(o.Valid) + len(o.Invalid)
}

// Validator applies Rules to inferred tables
type Validator struct {
	rules   Rules
	clients ClientLookup
	logger  logger.Logger
}

// NewValidator creates a validator. clients may be nil when no reference
// table is available.
func NewValidator(rules Rules, clients ClientLookup) (*Validator, error) {
	if err := rules.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "validation", nil, err)
	}
	return &Validator{
		rules:   rules,
		clients: clients,
		logger:  logger.GetGlobalLogger().WithComponent("validation"),
	}, nil
}

// resolved holds the enriched values of one row
type resolved struct {
	customerID string
	idOK       bool
	fee        decimal.Decimal
	feeRaw     string
	provider   string
	period     string
	periodRaw  string
	name       string
}

// Validate partitions every row of res.Table into valid and invalid rows.
// When no row is valid the outcome is still returned together with a
// validation error.
func (v *Validator) Validate(ctx context.Context, res *inference.Result, env Enrichment) (*Outcome, error) {
	t := res.Table
	out := &Outcome{Header: append([]string(nil), t.Header...)}

	clients, err := v.lookupClients(ctx, res)
	if err != nil {
		return nil, err
	}

	for r := range t.Rows {
		row := v.resolve(res, r, clients, env)
		errs := v.check(res, r, row)

		if len(errs) > 0 {
			out.Invalid = append(out.Invalid, models.InvalidRow{
				RowIndex: t.OriginOf(r),
				Data:     t.Row(r),
				Errors:   errs,
				Kind:     models.IssueInvalid,
			})
			continue
		}

		report := models.Report{
			CustomerID: row.customerID,
			Fee:        row.fee,
			Provider:   row.provider,
			PaidMonth:  row.period,
			IngestedAt: env.IngestedAt,
			Status:     models.ReportStatusIngested,
			JobID:      env.JobID,
		}
		if row.name != "" {
			name := row.name
			report.Name = &name
		}
		out.Valid = append(out.Valid, ValidRow{RowIndex: t.OriginOf(r), Data: t.Row(r), Report: report})
	}

	v.logger.WithFields(logger.Fields{
		"job_id":  env.JobID,
		"valid":   len(out.Valid),
		"invalid": len(out.Invalid),
	}).Info("Row validation completed")

	if len(out.Valid) == 0 {
		return out, errors.Newf(errors.CategoryValidation, errors.CodeNoValidRows,
			"no valid rows after validation (%d rejected)", len(out.Invalid))
	}
	return out, nil
}

// lookupClients fetches reference clients for every well-formed identifier.
func (v *Validator) lookupClients(ctx context.Context, res *inference.Result) (map[string]models.Client, error) {
	if v.clients == nil {
		return nil, nil
	}
	b, ok := res.Roles.Lookup(inference.RoleIdentifier)
	if !ok {
		return nil, nil
	}

	seen := make(map[string]bool)
	var ids []string
	for r := range res.Table.Rows {
		if id, ok := identity.Normalize(res.Table.Cell(r, b.Index)); ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	clients, err := v.clients.ClientsByIDs(ctx, ids)
	if err != nil {
		if ie, ok := errors.AsIngestError(err); ok {
			return nil, ie
		}
		return nil, errors.PersistenceError(errors.CodeQueryFailed, "client lookup", err)
	}
	return clients, nil
}

func (v *Validator) cell(res *inference.Result, role inference.Role, r int) (string, bool) {
	b, ok := res.Roles.Lookup(role)
	if !ok {
		return "", false
	}
	val := res.Table.Cell(r, b.Index)
	if table.IsNull(val) {
		return "", false
	}
	return val, true
}

func (v *Validator) resolve(res *inference.Result, r int, clients map[string]models.Client, env Enrichment) resolved {
	var row resolved

	if raw, ok := v.cell(res, inference.RoleIdentifier, r); ok {
		row.customerID, row.idOK = identity.Normalize(raw)
		if row.customerID == "" {
			row.customerID = raw
		}
	}
	client, hasClient := clients[row.customerID]

	row.feeRaw, _ = v.cell(res, inference.RoleFee, r)

	// registered cell value, then reference client, then raw cell, then file name
	raw, hasRaw := v.cell(res, inference.RoleProvider, r)
	switch canonical, registered := v.rules.Providers.CanonicalProvider(raw); {
	case hasRaw && registered:
		row.provider = canonical
	case hasClient && strings.TrimSpace(client.Provider) != "":
		row.provider = client.Provider
	case hasRaw:
		row.provider = raw
	case res.Provider != "":
		row.provider = res.Provider
	default:
		row.provider = env.FileProvider
	}

	if raw, ok := v.cell(res, inference.RolePeriod, r); ok {
		row.periodRaw = raw
		row.period, _ = inference.NormalizePeriod(raw, v.rules.PeriodLayouts)
	} else if _, bound := res.Roles.Lookup(inference.RolePeriod); !bound {
		row.period = res.Period
	}

	if raw, ok := v.cell(res, inference.RoleName, r); ok {
		row.name = raw
	} else if hasClient {
		row.name = client.FullName()
	}
	return row
}

func (v *Validator) check(res *inference.Result, r int, row resolved) []string {
	var errs []string

	present := map[inference.Role]bool{
		inference.RoleIdentifier: row.customerID != "",
		inference.RoleFee:        row.feeRaw != "",
		inference.RoleProvider:   strings.TrimSpace(row.provider) != "",
		inference.RolePeriod:     row.period != "" || row.periodRaw != "",
		inference.RoleName:       row.name != "",
	}
	for _, role := range v.rules.Mandatory {
		if !present[role] {
			errs = append(errs, fmt.Sprintf("missing value for mandatory field %s", role))
		}
	}

	if row.customerID != "" && !row.idOK {
		errs = append(errs, fmt.Sprintf("identifier %q is not a valid 9-digit identifier", row.customerID))
	}

	if row.feeRaw != "" {
		fee, err := models.ParseDecimalFromString(row.feeRaw)
		switch {
		case err != nil:
			errs = append(errs, fmt.Sprintf("fee %q is not numeric", row.feeRaw))
		case fee.IsNegative():
			errs = append(errs, fmt.Sprintf("fee %s is negative", fee))
		case fee.GreaterThan(v.rules.FeeCeiling):
			errs = append(errs, fmt.Sprintf("fee %s exceeds the ceiling of %s", fee, v.rules.FeeCeiling))
		default:
			if reason, outlier := res.FeeOutliers[r]; outlier {
				errs = append(errs, reason)
			}
		}
	}

	if row.periodRaw != "" && row.period == "" {
		errs = append(errs, fmt.Sprintf("paid_month %q is not a recognizable date", row.periodRaw))
	}

	for _, rejected := range v.rules.RejectProviders {
		if row.provider != "" && strings.EqualFold(strings.TrimSpace(row.provider), strings.TrimSpace(rejected)) {
			errs = append(errs, fmt.Sprintf("provider %q is rejected", row.provider))
			break
		}
	}
	return errs
}
