package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"billing-report-ingestor/internal/identity"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ReportGenerator writes sample provider billing reports for manual runs of
// the ingestor against an inbox directory.
type ReportGenerator struct {
	Rows     int
	Provider string
	Period   time.Time
	Fee      decimal.Decimal
	rng      *rand.Rand
}

// ReportRow is one billing line before it is laid out in a file
type ReportRow struct {
	CustomerID string
	Name       string
	Fee        decimal.Decimal
	Date       time.Time
}

var scenarios = map[string]string{
	"clean":      "Well formed report with a header row",
	"preamble":   "Report preceded by title lines and followed by a totals row",
	"headerless": "Report without a header row, provider in its own column",
	"duplicates": "Report that repeats some customers",
	"invalid":    "Report with a share of identifiers failing the checksum",
	"xlsx":       "Clean report saved as a workbook",
}

var firstNames = []string{"Dana", "Noa", "Yossi", "Avi", "Maya", "Tamar", "Eitan", "Lior"}

func main() {
	var (
		outputDir = flag.String("output-dir", "../generated", "Output directory for generated reports")
		scenario  = flag.String("scenario", "all", "Scenario to generate, or 'all'")
		rows      = flag.Int("rows", 50, "Number of billing rows per report")
		provider  = flag.String("provider", "Partner", "Provider name used in file names and cells")
		period    = flag.String("period", "", "Report period as MM-YYYY (default: previous month)")
		fee       = flag.String("fee", "62", "Monthly fee charged per row")
		seed      = flag.Int64("seed", time.Now().UnixNano(), "Random seed for reproducible generation")
		list      = flag.Bool("list", false, "List available scenarios")
	)
	flag.Parse()

	if *list {
		fmt.Println("Available scenarios:")
		for _, name := range sortedScenarios() {
			fmt.Printf("  %-12s %s\n", name, scenarios[name])
		}
		return
	}

	month := time.Now().AddDate(0, -1, 0)
	if *period != "" {
		p, err := time.Parse("01-2006", *period)
		if err != nil {
			log.Fatalf("Invalid period %q: %v", *period, err)
		}
		month = p
	}
	amount, err := decimal.NewFromString(*fee)
	if err != nil {
		log.Fatalf("Invalid fee %q: %v", *fee, err)
	}

	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	gen := &ReportGenerator{
		Rows:     *rows,
		Provider: *provider,
		Period:   time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC),
		Fee:      amount,
		rng:      rand.New(rand.NewSource(*seed)),
	}

	names := []string{*scenario}
	if *scenario == "all" {
		names = sortedScenarios()
	}
	for _, name := range names {
		if _, ok := scenarios[name]; !ok {
			log.Fatalf("Unknown scenario %q, use -list to see the options", name)
		}
		path, err := gen.Generate(name, *outputDir)
		if err != nil {
			log.Fatalf("Failed to generate %s: %v", name, err)
		}
		fmt.Printf("Generated %-12s %s\n", name, path)
	}
	fmt.Printf("Seed used: %d\n", *seed)
}

func sortedScenarios() []string {
	return []string{"clean", "duplicates", "headerless", "invalid", "preamble", "xlsx"}
}

// Generate writes the named scenario into dir and returns the file path
func (g *ReportGenerator) Generate(scenario, dir string) (string, error) {
	base := fmt.Sprintf("%s_%s_%s", strings.ToLower(g.Provider), scenario, g.Period.Format("01-2006"))
	rows := g.rows()

	switch scenario {
	case "preamble":
		records := [][]string{
			{fmt.Sprintf("%s monthly billing", g.Provider)},
			{"Generated " + time.Now().Format("02/01/2006")},
			{},
		}
		records = append(records, g.table(rows, true)...)
		records = append(records, []string{"Total", "", g.Fee.Mul(decimal.NewFromInt(int64(len(rows)))).String(), ""})
		return g.writeCSV(filepath.Join(dir, base+".csv"), records)
	case "headerless":
		var records [][]string
		for _, r := range rows {
			records = append(records, []string{r.CustomerID, g.Provider, r.Fee.StringFixed(2), r.Date.Format("02/01/2006")})
		}
		return g.writeCSV(filepath.Join(dir, base+".csv"), records)
	case "duplicates":
		for i := 0; i < len(rows)/10+1 && i < len(rows); i++ {
			rows = append(rows, rows[g.rng.Intn(len(rows))])
		}
		return g.writeCSV(filepath.Join(dir, base+".csv"), g.table(rows, true))
	case "invalid":
		for i := range rows {
			if g.rng.Float64() < 0.2 {
				rows[i].CustomerID = g.brokenID(rows[i].CustomerID)
			}
		}
		return g.writeCSV(filepath.Join(dir, base+".csv"), g.table(rows, true))
	case "xlsx":
		return g.writeWorkbook(filepath.Join(dir, base+".xlsx"), g.table(rows, true))
	default:
		return g.writeCSV(filepath.Join(dir, base+".csv"), g.table(rows, true))
	}
}

func (g *ReportGenerator) rows() []ReportRow {
	days := time.Date(g.Period.Year(), g.Period.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	out := make([]ReportRow, g.Rows)
	for i := range out {
		out[i] = ReportRow{
			CustomerID: g.validID(),
			Name:       firstNames[g.rng.Intn(len(firstNames))],
			Fee:        g.Fee,
			Date:       g.Period.AddDate(0, 0, g.rng.Intn(days)),
		}
	}
	return out
}

func (g *ReportGenerator) table(rows []ReportRow, header bool) [][]string {
	var records [][]string
	if header {
		records = append(records, []string{"Customer ID", "Name", "Fee", "Date"})
	}
	for _, r := range rows {
		records = append(records, []string{r.CustomerID, r.Name, r.Fee.StringFixed(2), r.Date.Format("02/01/2006")})
	}
	return records
}

func (g *ReportGenerator) validID() string {
	body := fmt.Sprintf("%08d", g.rng.Intn(100000000))
	id, _ := identity.Complete(body)
	return id
}

// brokenID changes the check digit so the identifier fails validation
func (g *ReportGenerator) brokenID(id string) string {
	last := id[len(id)-1] - '0'
	return id[:len(id)-1] + string(rune('0'+(last+1+byte(g.rng.Intn(8)))%10))
}

func (g *ReportGenerator) writeCSV(path string, records [][]string) (string, error) {
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(records); err != nil {
		return "", err
	}
	return path, nil
}

func (g *ReportGenerator) writeWorkbook(path string, records [][]string) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	for i, record := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return "", err
		}
		values := make([]interface{}, len(record))
		for j, v := range record {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return "", err
		}
	}
	if err := f.SaveAs(path); err != nil {
		return "", err
	}
	return path, nil
}
