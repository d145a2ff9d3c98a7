package table

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"billing-report-ingestor/pkg/errors"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestNewPadsRaggedRows(t *testing.T) {
	tb := New(nil, [][]string{{"a", " b "}, {"c"}, {"d", "e", "f"}})
	if tb.NumCols() != 3 {
		t.Fatalf("expected 3 columns, got %d", tb.NumCols())
	}
	if tb.Cell(0, 1) != "b" {
		t.Errorf("expected trimmed cell, got %q", tb.Cell(0, 1))
	}
	if tb.Cell(1, 2) != "" || len(tb.Rows[1]) != 3 {
		t.Errorf("expected padded row, got %v", tb.Rows[1])
	}
	if tb.Cell(10, 0) != "" {
		t.Error("out of range cell should be empty")
	}
}

func TestIsNull(t *testing.T) {
	for _, v := range []string{"", "  ", "NaN", "none", "NULL", "n/a"} {
		if !IsNull(v) {
			t.Errorf("expected %q to be null", v)
		}
	}
	for _, v := range []string{"0", "x", "-"} {
		if IsNull(v) {
			t.Errorf("expected %q to be non-null", v)
		}
	}
}

func TestIndexAndClone(t *testing.T) {
	tb := New([]string{"ID", "Fee"}, [][]string{{"1", "62"}})
	if tb.Index("fee") != 1 || tb.Index("missing") != -1 {
		t.Errorf("unexpected Index results")
	}
	c := tb.Clone()
	c.Rows[0][0] = "changed"
	if tb.Rows[0][0] != "1" {
		t.Error("clone must not share row storage")
	}
	values, rows := New([]string{"a"}, [][]string{{"x"}, {""}, {"y"}}).NonNull(0)
	if len(values) != 2 || rows[1] != 2 {
		t.Errorf("unexpected NonNull result %v %v", values, rows)
	}
}

func TestReadFileDelimited(t *testing.T) {
	tests := []struct {
		name      string
		file      string
		content   []byte
		delimiter rune
		encoding  string
		firstCell string
		cols      int
	}{
		{
			name:      "comma utf8",
			file:      "a.csv",
			content:   []byte("id,fee\n123456782,62\n"),
			delimiter: ',',
			encoding:  "utf-8",
			firstCell: "id",
			cols:      2,
		},
		{
			name:      "semicolon with bom",
			file:      "b.csv",
			content:   append([]byte{0xEF, 0xBB, 0xBF}, []byte("id;fee;month\n123456782;62;03/2025\n")...),
			delimiter: ';',
			encoding:  "utf-8-bom",
			firstCell: "id",
			cols:      3,
		},
		{
			name:      "tab separated",
			file:      "c.tsv",
			content:   []byte("id\tfee\n123456782\t62\n"),
			delimiter: '\t',
			encoding:  "utf-8",
			firstCell: "id",
			cols:      2,
		},
		{
			name:      "pipe ragged",
			file:      "d.txt",
			content:   []byte("123456782|62\n280340639|62|extra\n"),
			delimiter: '|',
			encoding:  "utf-8",
			firstCell: "123456782",
			cols:      3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			tb, err := ReadFile(path, DefaultReadOptions())
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if tb.Source.Delimiter != tt.delimiter {
				t.Errorf("delimiter = %q, want %q", tb.Source.Delimiter, tt.delimiter)
			}
			if tb.Source.Encoding != tt.encoding {
				t.Errorf("encoding = %q, want %q", tb.Source.Encoding, tt.encoding)
			}
			if tb.Cell(0, 0) != tt.firstCell {
				t.Errorf("first cell = %q, want %q", tb.Cell(0, 0), tt.firstCell)
			}
			if tb.NumCols() != tt.cols {
				t.Errorf("cols = %d, want %d", tb.NumCols(), tt.cols)
			}
			if tb.Header[0] != "" {
				t.Error("raw tables must not carry a header")
			}
		})
	}
}

func TestReadFileLegacyEncodingFallback(t *testing.T) {
	encoded, err := charmap.Windows1255.NewEncoder().String("ספק,דמי מנוי\nפרטנר,62\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := writeFile(t, "legacy.csv", []byte(encoded))

	tb, err := ReadFile(path, DefaultReadOptions())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if tb.Source.Encoding != "windows-1255" {
		t.Errorf("expected fallback encoding, got %s", tb.Source.Encoding)
	}
	if tb.Cell(1, 0) != "פרטנר" {
		t.Errorf("expected decoded hebrew, got %q", tb.Cell(1, 0))
	}
}

func TestReadFileWorkbook(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	rows := [][]interface{}{{"id", "fee"}, {"123456782", 62}, {"280340639", 30}}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			t.Fatalf("SetSheetRow: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "report.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs: %v", err)
	}

	tb, err := ReadFile(path, DefaultReadOptions())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if tb.Source.Format != FormatWorkbook {
		t.Errorf("expected workbook format, got %s", tb.Source.Format)
	}
	if tb.NumRows() != 3 || tb.Cell(2, 1) != "30" {
		t.Errorf("unexpected workbook content %v", tb.Rows)
	}
}

func TestReadFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(t.TempDir(), "nope.csv"), DefaultReadOptions())
		ie, ok := errors.AsIngestError(err)
		if !ok || ie.Code != errors.CodeFileNotFound {
			t.Fatalf("expected file not found error, got %v", err)
		}
	})

	t.Run("legacy xls", func(t *testing.T) {
		path := writeFile(t, "old.xls", []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1})
		_, err := ReadFile(path, DefaultReadOptions())
		ie, ok := errors.AsIngestError(err)
		if !ok || ie.Category != errors.CategoryInput || ie.Code != errors.CodeUnsupportedFormat {
			t.Fatalf("expected unsupported format error, got %v", err)
		}
	})

	t.Run("binary content", func(t *testing.T) {
		path := writeFile(t, "blob.bin", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0x0D})
		_, err := ReadFile(path, DefaultReadOptions())
		if !errors.IsCategory(err, errors.CategoryInput) {
			t.Fatalf("expected input error, got %v", err)
		}
	})
}

func TestReadOptionsValidate(t *testing.T) {
	if err := DefaultReadOptions().Validate(); err != nil {
		t.Errorf("default options invalid: %v", err)
	}
	bad := DefaultReadOptions()
	bad.FallbackEncoding = "klingon"
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown encoding to fail validation")
	}
}
