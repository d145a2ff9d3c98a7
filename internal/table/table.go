// Package table holds the untyped tabular dataset passed between pipeline
// stages and the readers that produce it from raw files.
//
// A Table is an ordered sequence of named columns over rows of string cells.
// Every row has exactly one cell per column. A freshly read table has no
// header: the first physical line is still part of Rows until the isolator
// decides whether it is a header.
package table

import (
	"strings"
)

// Source describes how a table was decoded.
type Source struct {
	Path      string
	Format    string
	Encoding  string
	Delimiter rune
}

// Table is an ordered set of named columns over string rows.
type Table struct {
	Header []string
	Rows   [][]string
	// Origin holds, per row, its position in the raw dataset.
	Origin []int
	Source Source
}

// New builds a table, padding or truncating every row to the header width.
// A nil header is widened to the longest row with empty names.
func New(header []string, rows [][]string) *Table {
	width := len(header)
	if header == nil {
		for _, r := range rows {
			if len(r) > width {
				width = len(r)
			}
		}
		header = make([]string, width)
	}

	out := make([][]string, len(rows))
	origin := make([]int, len(rows))
	for i, r := range rows {
		out[i] = fit(r, width)
		origin[i] = i
	}
	return &Table{Header: append([]string(nil), header...), Rows: out, Origin: origin}
}

func fit(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

// NumRows returns the number of data rows
func (t *Table) NumRows() int { return len(t.Rows) }

// NumCols returns the number of columns
func (t *Table) NumCols() int { return len(t.Header) }

// Cell returns the value at row r, column c
func (t *Table) Cell(r, c int) string {
	if r < 0 || r >= len(t.Rows) || c < 0 || c >= len(t.Rows[r]) {
		return ""
	}
	return t.Rows[r][c]
}

// Column returns a copy of the values of column c
func (t *Table) Column(c int) []string {
	out := make([]string, len(t.Rows))
	for i := range t.Rows {
		out[i] = t.Cell(i, c)
	}
	return out
}

// Index returns the position of the column with the given name, or -1.
// Names compare case-insensitively.
func (t *Table) Index(name string) int {
	for i, h := range t.Header {
		if strings.EqualFold(h, name) {
			return i
		}
	}
	return -1
}

// Row returns a copy of row r
func (t *Table) Row(r int) []string {
	return append([]string(nil), t.Rows[r]...)
}

// Clone returns a deep copy of the table
func (t *Table) Clone() *Table {
	rows := make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		rows[i] = append([]string(nil), r...)
	}
	return &Table{
		Header: append([]string(nil), t.Header...),
		Rows:   rows,
		Origin: append([]int(nil), t.Origin...),
		Source: t.Source,
	}
}

var nullTokens = map[string]struct{}{
	"":     {},
	"nan":  {},
	"none": {},
	"null": {},
	"nat":  {},
	"n/a":  {},
}

// IsNull reports whether a cell holds no value
func IsNull(v string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(v))]
	return ok
}

// OriginOf returns the raw dataset position of row r
func (t *Table) OriginOf(r int) int {
	if r >= 0 && r < len(t.Origin) {
		return t.Origin[r]
	}
	return r
}

// NonNull returns the non-null values of a column together with their row positions.
func (t *Table) NonNull(c int) (values []string, rows []int) {
	for i := range t.Rows {
		v := t.Cell(i, c)
		if !IsNull(v) {
			values = append(values, v)
			rows = append(rows, i)
		}
	}
	return values, rows
}
