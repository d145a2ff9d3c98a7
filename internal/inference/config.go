package inference

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Role is a semantic meaning assigned to a physical column
type Role string

const (
	RoleIdentifier Role = "identifier"
	RoleFee        Role = "fee"
	RoleProvider   Role = "provider"
	RolePeriod     Role = "paid_month"
	RoleName       Role = "name"
)

// DetectorKind names one of the closed set of column detectors
type DetectorKind string

const (
	DetectIdentifier DetectorKind = "identifier"
	DetectFee        DetectorKind = "fee"
	DetectPeriod     DetectorKind = "period"
	DetectProvider   DetectorKind = "provider"
)

// IsValid reports whether the detector kind is known
func (k DetectorKind) IsValid() bool {
	switch k {
	case DetectIdentifier, DetectFee, DetectPeriod, DetectProvider:
		return true
	}
	return false
}

// IsolationConfig tunes header detection and structural checks
type IsolationConfig struct {
	// NumericHeaderRatio is the share of data-like cells at which row 0 is treated as data.
	NumericHeaderRatio float64
	// MinHeaderTextLength is the mean cell length below which row 0 is treated as data.
	MinHeaderTextLength float64
	// MaxSparseRows is the number of rows missing most non-key values that is still tolerated.
	MaxSparseRows int
}

// IdentifierConfig tunes the identifier detector
type IdentifierConfig struct {
	Aliases   []string
	Threshold float64
}

// FeeConfig tunes the fee detector
type FeeConfig struct {
	Aliases     []string
	KnownFees   []decimal.Decimal
	Threshold   float64
	MaxDigits   int
	MaxOutliers int
}

// ProviderConfig tunes the provider detector
type ProviderConfig struct {
	Aliases           []string
	MajorityThreshold float64
	// Registry maps raw provider spellings to canonical provider names.
	Registry map[string]string
}

// PeriodConfig tunes the reporting-period detector
type PeriodConfig struct {
	Aliases      []string
	Layouts      []string
	Threshold    float64
	CutoffDay    int
	WindowMonths int
}

// Config is the immutable configuration of a column inference run
type Config struct {
	Detectors      []DetectorKind
	SampleSize     int
	Seed           int64
	IssueThreshold int
	NameAliases    []string

	Isolation  IsolationConfig
	Identifier IdentifierConfig
	Fee        FeeConfig
	Provider   ProviderConfig
	Period     PeriodConfig
}

// DefaultConfig returns the configuration used for provider billing reports
func DefaultConfig() Config {
	return Config{
		Detectors:      []DetectorKind{DetectIdentifier, DetectFee, DetectPeriod, DetectProvider},
		SampleSize:     10,
		Seed:           42,
		IssueThreshold: 1,
		NameAliases:    []string{"name", "full_name", "customer_name", "שם", "שם מלא", "שם לקוח"},
		Isolation: IsolationConfig{
			NumericHeaderRatio:  0.5,
			MinHeaderTextLength: 2,
			MaxSparseRows:       1,
		},
		Identifier: IdentifierConfig{
			Aliases:   []string{"id", "customer_id", "client_id", "tz", "תז", "ת.ז", "תעודת זהות", "מס_לקוח", "מספר לקוח", "מזהה"},
			Threshold: 0.8,
		},
		Fee: FeeConfig{
			Aliases:     []string{"fee", "monthly_fee", "amount", "דמי", "דמי מנוי", "סכום"},
			KnownFees:   []decimal.Decimal{decimal.NewFromInt(62), decimal.NewFromInt(30)},
			Threshold:   0.7,
			MaxDigits:   5,
			MaxOutliers: 10,
		},
		Provider: ProviderConfig{
			Aliases:           []string{"provider", "provider_name", "ספק", "שם ספק"},
			MajorityThreshold: 0.8,
			Registry:          map[string]string{},
		},
		Period: PeriodConfig{
			Aliases: []string{"paid_month", "month", "period", "date", "חודש", "תאריך"},
			Layouts: []string{
				"02/01/2006", "2/1/2006", "02-01-2006", "02.01.2006", "02012006",
				"2006-01-02", "2006-01-02 15:04:05", "20060102",
				"01/2006", "1/2006", "01-2006", "01.2006", "2006-01",
				"Jan-2006", "Jan 2006", "January 2006", "01-02-06",
			},
			Threshold:    0.7,
			CutoffDay:    5,
			WindowMonths: 3,
		},
	}
}

// Validate checks the configuration for internal consistency
func (c Config) Validate() error {
	if len(c.Detectors) == 0 {
		return fmt.Errorf("at least one detector is required")
	}
	seen := make(map[DetectorKind]bool)
	for _, d := range c.Detectors {
		if !d.IsValid() {
			return fmt.Errorf("unknown detector %q", d)
		}
		if seen[d] {
			return fmt.Errorf("detector %q listed twice", d)
		}
		seen[d] = true
	}
	if c.SampleSize <= 0 {
		return fmt.Errorf("sample size must be positive")
	}
	if c.IssueThreshold < 0 {
		return fmt.Errorf("issue threshold cannot be negative")
	}
	for name, v := range map[string]float64{
		"identifier threshold": c.Identifier.Threshold,
		"fee threshold":        c.Fee.Threshold,
		"provider majority":    c.Provider.MajorityThreshold,
		"period threshold":     c.Period.Threshold,
		"numeric header ratio": c.Isolation.NumericHeaderRatio,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}
	if len(c.Fee.KnownFees) == 0 {
		return fmt.Errorf("known fees cannot be empty")
	}
	if c.Fee.MaxDigits <= 0 {
		return fmt.Errorf("max fee digits must be positive")
	}
	if c.Fee.MaxOutliers < 0 {
		return fmt.Errorf("max fee outliers cannot be negative")
	}
	if len(c.Period.Layouts) == 0 {
		return fmt.Errorf("period layouts cannot be empty")
	}
	if c.Period.CutoffDay < 1 || c.Period.CutoffDay > 28 {
		return fmt.Errorf("cutoff day must be between 1 and 28")
	}
	if c.Period.WindowMonths < 1 {
		return fmt.Errorf("period window must cover at least one month")
	}
	if c.Isolation.MaxSparseRows < 0 {
		return fmt.Errorf("max sparse rows cannot be negative")
	}
	return nil
}

// CanonicalProvider maps a raw provider spelling through the registry.
// The boolean reports whether the spelling is registered.
func (c ProviderConfig) CanonicalProvider(raw string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return "", false
	}
	for alias, canonical := range c.Registry {
		if strings.ToLower(strings.TrimSpace(alias)) == key {
			return canonical, true
		}
	}
	return "", false
}

// allAliases returns every configured header alias across roles
func (c Config) allAliases() []string {
	var out []string
	out = append(out, c.Identifier.Aliases...)
	out = append(out, c.Fee.Aliases...)
	out = append(out, c.Provider.Aliases...)
	out = append(out, c.Period.Aliases...)
	out = append(out, c.NameAliases...)
	return out
}
