package inference

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"billing-report-ingestor/internal/identity"
	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

func (s *runState) detectIdentifier() Verdict {
	cfg := s.cfg.Identifier
	useAliases := !s.result.Isolation.HeaderSynthesized
	for _, c := range candidateOrder(s.table.Header, cfg.Aliases, s.assigned, useAliases) {
		smp := s.nonNullSample(c)
		if len(smp) == 0 {
			continue
		}
		passed := 0
		for _, v := range smp {
			if _, ok := identity.Normalize(v); ok {
				passed++
			}
		}
		score := float64(passed) / float64(len(smp))
		s.log.WithFields(logger.Fields{"column": s.table.Header[c], "score": score}).Debug("identifier candidate")
		if score >= cfg.Threshold {
			name := s.table.Header[c]
			s.assign(RoleIdentifier, c)
			return Verdict{
				Step: string(DetectIdentifier), Outcome: OutcomeOK, Role: RoleIdentifier,
				Column: c, ColumnName: name, Score: score,
				Reason: fmt.Sprintf("column %q: %d of %d sampled values are checksum-valid identifiers", name, passed, len(smp)),
			}
		}
	}
	return Verdict{
		Step: string(DetectIdentifier), Outcome: OutcomeFailed, Role: RoleIdentifier, Column: -1,
		Reason: fmt.Sprintf("no column reaches %.0f%% checksum-valid identifiers", cfg.Threshold*100),
		code:   errors.CodeRoleNotFound,
	}
}

func (s *runState) detectFee() Verdict {
	cfg := s.cfg.Fee
	useAliases := !s.result.Isolation.HeaderSynthesized

	for _, c := range candidateOrder(s.table.Header, cfg.Aliases, s.assigned, useAliases) {
		name := s.table.Header[c]
		values, _ := s.table.NonNull(c)
		if len(values) == 0 {
			continue
		}
		if tooWide, v := exceedsDigits(values, cfg.MaxDigits); tooWide {
			s.log.WithFields(logger.Fields{"column": name, "value": v}).Debug("fee candidate looks like an identifier")
			continue
		}

		smp := sample(values, s.cfg.SampleSize, s.cfg.Seed)
		known, numeric := 0, true
		for _, v := range smp {
			d, err := models.ParseDecimalFromString(v)
			if err != nil {
				numeric = false
				break
			}
			if isKnownFee(d, cfg.KnownFees) {
				known++
			}
		}
		if !numeric {
			continue
		}
		score := float64(known) / float64(len(smp))
		if score < cfg.Threshold {
			continue
		}

		outliers := make(map[int]string)
		for r := range s.table.Rows {
			raw := s.table.Cell(r, c)
			if table.IsNull(raw) {
				outliers[r] = "missing fee value"
				continue
			}
			d, err := models.ParseDecimalFromString(raw)
			if err != nil || !isKnownFee(d, cfg.KnownFees) {
				outliers[r] = fmt.Sprintf("fee %q is not a known fee amount", raw)
			}
		}
		if len(outliers) > cfg.MaxOutliers {
			return Verdict{
				Step: string(DetectFee), Outcome: OutcomeFailed, Role: RoleFee, Column: c, ColumnName: name, Score: score,
				Reason: fmt.Sprintf("fee column %q has %d outlier rows (allowed %d)", name, len(outliers), cfg.MaxOutliers),
				code:   errors.CodeTooManyOutliers,
			}
		}

		s.assign(RoleFee, c)
		s.result.FeeOutliers = outliers
		return Verdict{
			Step: string(DetectFee), Outcome: OutcomeOK, Role: RoleFee, Column: c, ColumnName: name, Score: score,
			Reason: fmt.Sprintf("column %q: %d of %d sampled values are known fees, %d outlier rows set aside",
				name, known, len(smp), len(outliers)),
		}
	}

	return Verdict{
		Step: string(DetectFee), Outcome: OutcomeFailed, Role: RoleFee, Column: -1,
		Reason: "no numeric column matches the known fee amounts",
		code:   errors.CodeRoleNotFound,
	}
}

// exceedsDigits reports the first value whose integer part has more than max digits.
func exceedsDigits(values []string, max int) (bool, string) {
	for _, v := range values {
		d, err := models.ParseDecimalFromString(v)
		if err != nil {
			continue
		}
		if len(d.Abs().Truncate(0).String()) > max {
			return true, v
		}
	}
	return false, ""
}

func (s *runState) detectPeriod() Verdict {
	cfg := s.cfg.Period
	target := TargetMonth(s.now, cfg.CutoffDay)
	window := Window(target, cfg.WindowMonths)
	useAliases := !s.result.Isolation.HeaderSynthesized

	for _, c := range candidateOrder(s.table.Header, cfg.Aliases, s.assigned, useAliases) {
		smp := s.nonNullSample(c)
		if len(smp) == 0 {
			continue
		}
		accepted := 0
		for _, v := range smp {
			if t, ok := ParsePeriodValue(v, cfg.Layouts); ok && window[models.FormatPeriod(t)] {
				accepted++
			}
		}
		score := float64(accepted) / float64(len(smp))
		if score >= cfg.Threshold {
			name := s.table.Header[c]
			s.assign(RolePeriod, c)
			return Verdict{
				Step: string(DetectPeriod), Outcome: OutcomeOK, Role: RolePeriod, Column: c, ColumnName: name, Score: score,
				Reason: fmt.Sprintf("column %q: %d of %d sampled values fall within the last %d months",
					name, accepted, len(smp), cfg.WindowMonths),
			}
		}
	}

	s.result.Period = models.FormatPeriod(target)
	return Verdict{
		Step: string(DetectPeriod), Outcome: OutcomeManaged, Role: RolePeriod, Column: -1,
		Reason: fmt.Sprintf("no period column found, using %s", s.result.Period),
	}
}

func (s *runState) detectProvider() Verdict {
	cfg := s.cfg.Provider
	useAliases := !s.result.Isolation.HeaderSynthesized

	for _, c := range candidateOrder(s.table.Header, cfg.Aliases, s.assigned, useAliases) {
		smp := s.nonNullSample(c)
		if len(smp) == 0 || s.mostlyNumericOrDates(smp) {
			continue
		}

		counts := make(map[string]int)
		var order []string
		for _, v := range smp {
			if counts[v] == 0 {
				order = append(order, v)
			}
			counts[v]++
		}
		majority := order[0]
		for _, v := range order[1:] {
			if counts[v] > counts[majority] {
				majority = v
			}
		}
		score := float64(counts[majority]) / float64(len(smp))
		if score <= cfg.MajorityThreshold {
			continue
		}

		name := s.table.Header[c]
		s.assign(RoleProvider, c)
		if canonical, ok := cfg.CanonicalProvider(majority); ok {
			s.result.Provider = canonical
			s.result.ProviderRegistered = true
			return Verdict{
				Step: string(DetectProvider), Outcome: OutcomeOK, Role: RoleProvider, Column: c, ColumnName: name, Score: score,
				Reason: fmt.Sprintf("column %q: provider %q maps to %q", name, majority, canonical),
			}
		}
		s.result.Provider = majority
		return Verdict{
			Step: string(DetectProvider), Outcome: OutcomeManaged, Role: RoleProvider, Column: c, ColumnName: name, Score: score,
			Reason: fmt.Sprintf("column %q: provider %q is not registered, passing it through", name, majority),
		}
	}

	return Verdict{
		Step: string(DetectProvider), Outcome: OutcomeManaged, Role: RoleProvider, Column: -1,
		Reason: "no provider column found, deferring to identifier lookup",
	}
}

func (s *runState) mostlyNumericOrDates(values []string) bool {
	hits := 0
	for _, v := range values {
		if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
			hits++
			continue
		}
		if _, ok := ParsePeriodValue(v, s.cfg.Period.Layouts); ok {
			hits++
		}
	}
	return float64(hits)/float64(len(values)) >= 0.5
}

// TargetMonth returns the first day of the month a report submitted at now
// covers. Before the cutoff day the previous month is assumed.
func TargetMonth(now time.Time, cutoffDay int) time.Time {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if now.Day() < cutoffDay {
		first = first.AddDate(0, -1, 0)
	}
	return first
}

// Window returns the set of MM-YYYY periods from target back months-1 months.
func Window(target time.Time, months int) map[string]bool {
	out := make(map[string]bool, months)
	for i := 0; i < months; i++ {
		out[models.FormatPeriod(target.AddDate(0, -i, 0))] = true
	}
	return out
}

// ParsePeriodValue tries each layout in order. Spreadsheet float renderings
// such as "3032025.0" are tolerated.
func ParsePeriodValue(v string, layouts []string) (time.Time, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(v), ".0")
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizePeriod converts a cell to canonical MM-YYYY form.
func NormalizePeriod(v string, layouts []string) (string, bool) {
	if models.IsPeriod(strings.TrimSpace(v)) {
		return strings.TrimSpace(v), true
	}
	t, ok := ParsePeriodValue(v, layouts)
	if !ok {
		return "", false
	}
	return models.FormatPeriod(t), true
}
