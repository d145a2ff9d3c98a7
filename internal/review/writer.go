// Package review writes the workbooks a person uses to fix rejected rows.
//
// For a job with invalid or duplicate rows two files are produced next to
// each other in the review directory:
//
//	<base>_<job>_review.xlsx       only the problem rows, with an errors column
//	<base>_<job>_highlighted.xlsx  every row, problem rows filled and annotated
package review

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// Column titles added to the source columns
const (
	RowColumn    = "row"
	ErrorsColumn = "errors"
	KindColumn   = "issue"
)

// Config controls where and how artifacts are written
type Config struct {
	Dir            string `json:"dir" mapstructure:"dir"`
	Sheet          string `json:"sheet" mapstructure:"sheet"`
	HighlightColor string `json:"highlight_color" mapstructure:"highlight_color"`
}

// DefaultConfig returns the default artifact settings
func DefaultConfig() Config {
	return Config{
		Dir:            "review",
		Sheet:          "review",
		HighlightColor: "#FFC7CE",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if strings.TrimSpace(c.Dir) == "" {
		return fmt.Errorf("review directory cannot be empty")
	}
	if strings.TrimSpace(c.Sheet) == "" {
		return fmt.Errorf("sheet name cannot be empty")
	}
	if !strings.HasPrefix(c.HighlightColor, "#") || len(c.HighlightColor) != 7 {
		return fmt.Errorf("highlight color must be #RRGGBB, got %q", c.HighlightColor)
	}
	return nil
}

// Row is one data row of the processed table with its original position
type Row struct {
	Index int
	Data  []string
}

// Set is the content of the artifacts of one job
type Set struct {
	JobID    uuid.UUID
	FileName string
	Header   []string
	// Rows is the full processed table, used for the highlighted workbook.
	Rows     []Row
	Problems []models.InvalidRow
}

// Writer writes review artifacts
type Writer struct {
	cfg    Config
	logger logger.Logger
}

// NewWriter creates a writer
func NewWriter(cfg Config) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "review", cfg.Dir, err)
	}
	return &Writer{cfg: cfg, logger: logger.GetGlobalLogger().WithComponent("review")}, nil
}

// Write produces the review and highlighted workbooks and returns their
// paths. Nothing is written when the set has no problem rows.
func (w *Writer) Write(ctx context.Context, set Set) ([]string, error) {
	if len(set.Problems) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot create review directory")
	}

	problems := append([]models.InvalidRow(nil), set.Problems...)
	sort.SliceStable(problems, func(i, j int) bool { return problems[i].RowIndex < problems[j].RowIndex })

	base := artifactBase(set)
	reviewPath := filepath.Join(w.cfg.Dir, base+"_review.xlsx")
	highlightPath := filepath.Join(w.cfg.Dir, base+"_highlighted.xlsx")

	if err := w.writeReview(reviewPath, set.Header, problems); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return []string{reviewPath}, err
	}
	if err := w.writeHighlighted(highlightPath, set, problems); err != nil {
		return []string{reviewPath}, err
	}

	w.logger.WithFields(logger.Fields{
		"job_id":   set.JobID,
		"problems": len(problems),
		"review":   reviewPath,
	}).Info("Review artifacts written")
	return []string{reviewPath, highlightPath}, nil
}

func artifactBase(set Set) string {
	name := filepath.Base(set.FileName)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" || name == "." {
		name = "report"
	}
	return fmt.Sprintf("%s_%s", name, set.JobID.String()[:8])
}

func (w *Writer) writeReview(path string, header []string, problems []models.InvalidRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet, err := w.prepareSheet(f)
	if err != nil {
		return w.fail(path, err)
	}

	titles := append([]string{RowColumn}, header...)
	titles = append(titles, KindColumn, ErrorsColumn)
	if err := w.writeHeader(f, sheet, titles); err != nil {
		return w.fail(path, err)
	}

	for i, p := range problems {
		values := []interface{}{p.RowIndex}
		for c := range header {
			values = append(values, cellAt(p.Data, c))
		}
		values = append(values, string(p.Kind), p.ErrorText())
		if err := setRow(f, sheet, i+2, values); err != nil {
			return w.fail(path, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return w.fail(path, err)
	}
	return nil
}

func (w *Writer) writeHighlighted(path string, set Set, problems []models.InvalidRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet, err := w.prepareSheet(f)
	if err != nil {
		return w.fail(path, err)
	}

	titles := append(append([]string(nil), set.Header...), ErrorsColumn)
	if err := w.writeHeader(f, sheet, titles); err != nil {
		return w.fail(path, err)
	}

	fill, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{w.cfg.HighlightColor}},
	})
	if err != nil {
		return w.fail(path, err)
	}

	byIndex := make(map[int]string, len(problems))
	for _, p := range problems {
		if prev, ok := byIndex[p.RowIndex]; ok {
			byIndex[p.RowIndex] = prev + "; " + p.ErrorText()
			continue
		}
		byIndex[p.RowIndex] = p.ErrorText()
	}

	for i, row := range set.Rows {
		excelRow := i + 2
		values := make([]interface{}, 0, len(titles))
		for c := range set.Header {
			values = append(values, cellAt(row.Data, c))
		}
		reason, flagged := byIndex[row.Index]
		values = append(values, reason)
		if err := setRow(f, sheet, excelRow, values); err != nil {
			return w.fail(path, err)
		}
		if !flagged {
			continue
		}
		first, _ := excelize.CoordinatesToCellName(1, excelRow)
		last, _ := excelize.CoordinatesToCellName(len(titles), excelRow)
		if err := f.SetCellStyle(sheet, first, last, fill); err != nil {
			return w.fail(path, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return w.fail(path, err)
	}
	return nil
}

func (w *Writer) prepareSheet(f *excelize.File) (string, error) {
	current := f.GetSheetName(0)
	if current == w.cfg.Sheet {
		return current, nil
	}
	if err := f.SetSheetName(current, w.cfg.Sheet); err != nil {
		return "", err
	}
	return w.cfg.Sheet, nil
}

func (w *Writer) writeHeader(f *excelize.File, sheet string, titles []string) error {
	values := make([]interface{}, len(titles))
	for i, t := range titles {
		values[i] = t
	}
	if err := setRow(f, sheet, 1, values); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	last, _ := excelize.CoordinatesToCellName(len(titles), 1)
	return f.SetCellStyle(sheet, "A1", last, bold)
}

func (w *Writer) fail(path string, err error) error {
	return errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot write review artifact").
		WithContext("file_path", path)
}

func setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, cell, &values)
}

func cellAt(data []string, c int) string {
	if c < len(data) {
		return data[c]
	}
	return ""
}
