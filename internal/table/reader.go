package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

const (
	FormatDelimited = "delimited"
	FormatWorkbook  = "workbook"

	mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeXLS  = "application/vnd.ms-excel"
)

// ReadOptions controls decoding of raw files
type ReadOptions struct {
	// FallbackEncoding is used for text that carries no BOM and is not valid UTF-8.
	FallbackEncoding string
	// SniffLines is how many lines are inspected to guess the delimiter.
	SniffLines int
}

// DefaultReadOptions returns the options used for provider reports
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		FallbackEncoding: "windows-1255",
		SniffLines:       20,
	}
}

// Validate checks that the fallback encoding is known
func (o ReadOptions) Validate() error {
	if _, err := htmlindex.Get(o.FallbackEncoding); err != nil {
		return fmt.Errorf("unknown fallback encoding %q: %w", o.FallbackEncoding, err)
	}
	if o.SniffLines <= 0 {
		return fmt.Errorf("sniff lines must be positive")
	}
	return nil
}

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// ReadFile reads a delimited text file or a workbook into a header-less table.
// Unsupported or unreadable input yields an input-category IngestError.
func ReadFile(path string, opts ReadOptions) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.InputFormatError(errors.CodeFileNotFound, path, err)
		}
		return nil, errors.InputFormatError(errors.CodeUnreadable, path, err)
	}
	return Read(data, path, opts)
}

// Read decodes raw file bytes. name is used for extension hints and messages.
func Read(data []byte, name string, opts ReadOptions) (*Table, error) {
	log := logger.GetGlobalLogger().WithComponent("table_reader").WithField("file", filepath.Base(name))

	format, err := detectFormat(data, name)
	if err != nil {
		return nil, err
	}

	var t *Table
	switch format {
	case FormatWorkbook:
		t, err = readWorkbook(data, name)
	default:
		t, err = readDelimited(data, name, opts)
	}
	if err != nil {
		return nil, err
	}

	t.Source.Path = name
	t.Source.Format = format
	log.WithFields(logger.Fields{
		"format":    t.Source.Format,
		"encoding":  t.Source.Encoding,
		"delimiter": string(t.Source.Delimiter),
		"rows":      t.NumRows(),
		"columns":   t.NumCols(),
	}).Debug("Read raw table")
	return t, nil
}

func detectFormat(data []byte, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	mtype := mimetype.Detect(data)

	switch {
	case mtype.Is(mimeXLSX):
		return FormatWorkbook, nil
	case mtype.Is(mimeXLS), ext == ".xls":
		return "", errors.InputFormatError(errors.CodeUnsupportedFormat, name,
			fmt.Errorf("legacy workbook format %s", mtype.String()))
	case ext == ".xlsx":
		return "", errors.InputFormatError(errors.CodeUnreadable, name,
			fmt.Errorf("workbook extension but content is %s", mtype.String()))
	case ext == ".csv", ext == ".tsv", ext == ".txt":
		return FormatDelimited, nil
	case strings.HasPrefix(mtype.String(), "text/"):
		return FormatDelimited, nil
	}
	return "", errors.InputFormatError(errors.CodeUnsupportedFormat, name,
		fmt.Errorf("detected content type %s", mtype.String()))
}

func readWorkbook(data []byte, name string) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.InputFormatError(errors.CodeUnreadable, name, err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	if sheet == "" {
		return nil, errors.InputFormatError(errors.CodeUnreadable, name, fmt.Errorf("workbook has no sheets"))
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.InputFormatError(errors.CodeUnreadable, name, err)
	}

	t := New(nil, rows)
	t.Source.Encoding = "utf-8"
	return t, nil
}

func readDelimited(data []byte, name string, opts ReadOptions) (*Table, error) {
	text, encoding, err := decodeText(data, opts.FallbackEncoding)
	if err != nil {
		return nil, errors.InputFormatError(errors.CodeEncodingError, name, err)
	}

	delim := sniffDelimiter(text, opts.SniffLines)
	if strings.EqualFold(filepath.Ext(name), ".tsv") {
		delim = '\t'
	}

	r := csv.NewReader(strings.NewReader(text))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.InputFormatError(errors.CodeUnreadable, name, err)
		}
		rows = append(rows, rec)
	}

	t := New(nil, rows)
	t.Source.Encoding = encoding
	t.Source.Delimiter = delim
	return t, nil
}

// decodeText returns UTF-8 text and the name of the encoding used.
func decodeText(data []byte, fallback string) (string, string, error) {
	if enc, ok := bomEncoding(data); ok {
		decoded, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), data)
		if err != nil {
			return "", "", fmt.Errorf("decode %s: %w", enc, err)
		}
		return string(decoded), enc, nil
	}

	if utf8.Valid(data) {
		return string(data), "utf-8", nil
	}

	enc, err := htmlindex.Get(fallback)
	if err != nil {
		return "", "", fmt.Errorf("fallback encoding %q: %w", fallback, err)
	}
	decoded, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", fmt.Errorf("decode %s: %w", fallback, err)
	}
	return string(decoded), strings.ToLower(fallback), nil
}

func bomEncoding(data []byte) (string, bool) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8-bom", true
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}):
		return "utf-16le", true
	case bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		return "utf-16be", true
	}
	return "", false
}

// sniffDelimiter picks the candidate that splits the sampled lines most
// consistently. Lines without any candidate default to a comma.
func sniffDelimiter(text string, maxLines int) rune {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) >= maxLines {
			break
		}
	}
	if len(lines) == 0 {
		return ','
	}

	best, bestMin, bestTotal := ',', 0, 0
	for _, d := range delimiterCandidates {
		minCount, total := -1, 0
		for _, line := range lines {
			n := strings.Count(line, string(d))
			total += n
			if minCount < 0 || n < minCount {
				minCount = n
			}
		}
		if minCount > bestMin || (minCount == bestMin && total > bestTotal) {
			best, bestMin, bestTotal = d, minCount, total
		}
	}
	return best
}
