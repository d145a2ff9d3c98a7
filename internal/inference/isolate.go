package inference

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"billing-report-ingestor/internal/table"
	"billing-report-ingestor/pkg/errors"
)

// IsolationResult describes what the isolator did to the raw table
type IsolationResult struct {
	Outcome           Outcome
	Reason            string
	HeaderSynthesized bool
	DroppedRows       int
	DroppedColumns    int
	SparseRows        int
	// Code classifies a failed isolation.
	Code              errors.ErrorCode
}

// Isolate strips empty rows and columns from a raw table, decides whether its
// first row is a header and checks that the remaining rows are dense enough
// to process. The returned table is nil when the outcome is failed.
func Isolate(raw *table.Table, cfg Config) (*table.Table, IsolationResult) {
	res := IsolationResult{Outcome: OutcomeOK}

	keepRows := make([]int, 0, raw.NumRows())
	for r := range raw.Rows {
		if !allNull(raw.Rows[r]) {
			keepRows = append(keepRows, r)
		}
	}
	res.DroppedRows = raw.NumRows() - len(keepRows)

	var keepCols []int
	for c := 0; c < raw.NumCols(); c++ {
		for _, r := range keepRows {
			if !table.IsNull(raw.Cell(r, c)) {
				keepCols = append(keepCols, c)
				break
			}
		}
	}
	res.DroppedColumns = raw.NumCols() - len(keepCols)

	if len(keepRows) == 0 || len(keepCols) == 0 {
		res.Outcome = OutcomeFailed
		res.Reason = "no usable table: every row or column is empty"
		res.Code = errors.CodeEmptyTable
		return nil, res
	}

	rows := make([][]string, len(keepRows))
	origin := make([]int, len(keepRows))
	for i, r := range keepRows {
		row := make([]string, len(keepCols))
		for j, c := range keepCols {
			row[j] = raw.Cell(r, c)
		}
		rows[i] = row
		origin[i] = raw.OriginOf(r)
	}

	var header []string
	if looksLikeHeader(rows[0], cfg) {
		header = dedupeHeader(rows[0])
		rows, origin = rows[1:], origin[1:]
	} else {
		header = make([]string, len(keepCols))
		for i := range header {
			header[i] = fmt.Sprintf("col_%d", i)
		}
		res.HeaderSynthesized = true
		res.Outcome = OutcomeManaged
		res.Reason = "first row is data; synthesized column names"
	}

	if len(rows) == 0 {
		res.Outcome = OutcomeFailed
		res.Reason = "table has a header but no data rows"
		res.Code = errors.CodeNoDataRows
		return nil, res
	}

	out := &table.Table{Header: header, Rows: rows, Origin: origin, Source: raw.Source}

	nonKey := nonKeyColumns(header, cfg, res.HeaderSynthesized)
	if len(nonKey) > 0 {
		for r := range out.Rows {
			missing := 0
			for _, c := range nonKey {
				if table.IsNull(out.Cell(r, c)) {
					missing++
				}
			}
			if float64(missing) > float64(len(nonKey))*0.5 {
				res.SparseRows++
			}
		}
	}
	if res.SparseRows > cfg.Isolation.MaxSparseRows {
		res.Outcome = OutcomeFailed
		res.Reason = fmt.Sprintf("%d rows are missing more than half of their values (allowed %d)",
			res.SparseRows, cfg.Isolation.MaxSparseRows)
		res.Code = errors.CodeExcessiveMissing
		return nil, res
	}

	if res.Outcome == OutcomeOK {
		res.Reason = "header row detected"
	}
	return out, res
}

func allNull(row []string) bool {
	for _, v := range row {
		if !table.IsNull(v) {
			return false
		}
	}
	return true
}

// looksLikeHeader decides whether row 0 names the columns. A row matching a
// known column alias is a header. Otherwise it is data when most cells are
// data-like or the cells are very short.
func looksLikeHeader(row []string, cfg Config) bool {
	aliases := cfg.allAliases()
	for _, v := range row {
		if !table.IsNull(v) && matchesAlias(v, aliases) {
			return true
		}
	}

	var filled, dataLike, totalLen int
	for _, v := range row {
		if table.IsNull(v) {
			continue
		}
		filled++
		totalLen += utf8.RuneCountInString(v)
		if isDataLike(v) {
			dataLike++
		}
	}
	if filled == 0 {
		return false
	}
	if float64(dataLike)/float64(filled) >= cfg.Isolation.NumericHeaderRatio {
		return false
	}
	if float64(totalLen)/float64(filled) < cfg.Isolation.MinHeaderTextLength {
		return false
	}
	return true
}

// isDataLike reports numbers and digit-dominated values such as dates.
func isDataLike(v string) bool {
	if _, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", ""), 64); err == nil {
		return true
	}
	var digits, total int
	for _, r := range v {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return total > 0 && float64(digits)/float64(total) >= 0.5
}

func dedupeHeader(row []string) []string {
	out := make([]string, len(row))
	seen := make(map[string]int)
	for i, v := range row {
		name := strings.TrimSpace(v)
		if table.IsNull(name) {
			name = fmt.Sprintf("col_%d", i)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

// nonKeyColumns lists the columns whose header matches no role alias. With
// synthesized names nothing is known, so every column counts.
func nonKeyColumns(header []string, cfg Config, synthesized bool) []int {
	aliases := cfg.allAliases()
	var out []int
	for i, h := range header {
		if synthesized || !matchesAlias(h, aliases) {
			out = append(out, i)
		}
	}
	return out
}
