// Package files handles the inbox side of ingestion: discovering report
// files, fingerprinting them and moving them to their disposition directory
// once their job is terminal.
package files

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
	"billing-report-ingestor/pkg/logger"
)

// SupportedExtensions lists the file types picked up from an inbox
var SupportedExtensions = []string{".csv", ".tsv", ".txt", ".xlsx"}

// ListFiles returns the supported report files directly inside dir, sorted
// by name. Hidden files and subdirectories are skipped.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.InputFormatError(errors.CodeFileNotFound, dir, err)
		}
		return nil, errors.InputFormatError(errors.CodeUnreadable, dir, err)
	}

	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "~$") {
			continue
		}
		if isSupported(name) {
			out = append(out, filepath.Join(dir, name))
		}
	}
	sort.Strings(out)
	return out, nil
}

func isSupported(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// Checksum returns the hex encoded xxhash64 digest of the file content.
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer file.Close()

	hasher := xxhash.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// ProviderHint returns the file name prefix before the first underscore,
// which by convention names the submitting provider.
func ProviderHint(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return ""
	}
	return strings.TrimSpace(prefix)
}

// Mover places finished files into one directory per disposition
type Mover struct {
	Dirs map[models.Disposition]string
	Now  func() time.Time

	logger logger.Logger
}

// NewMover creates a mover rooted at the given directories
func NewMover(processed, failed, review string) *Mover {
	return &Mover{
		Dirs: map[models.Disposition]string{
			models.DispositionProcessed: processed,
			models.DispositionFailed:    failed,
			models.DispositionReview:    review,
		},
		Now:    time.Now,
		logger: logger.GetGlobalLogger().WithComponent("files"),
	}
}

// maxCollisionAttempts bounds the counter suffix search
const maxCollisionAttempts = 1000

// Move renames path into the directory for d as <name>_<d><ext>. An existing
// target is never overwritten: a timestamp, then a counter, is appended.
func (m *Mover) Move(path string, d models.Disposition) (string, error) {
	dir, ok := m.Dirs[d]
	if !ok || dir == "" {
		return "", errors.ConfigurationError(errors.CodeMissingConfig, fmt.Sprintf("%s directory", d), nil, nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot create disposition directory")
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	base := fmt.Sprintf("%s_%s", stem, d)

	target := filepath.Join(dir, base+ext)
	if exists(target) {
		stamped := fmt.Sprintf("%s_%s", base, m.Now().Format("20060102T150405"))
		target = filepath.Join(dir, stamped+ext)
		for i := 1; exists(target); i++ {
			if i > maxCollisionAttempts {
				return "", errors.Newf(errors.CategoryInternal, errors.CodeUnexpectedError,
					"no free name for %s in %s", base, dir)
			}
			target = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stamped, i, ext))
		}
	}

	if err := os.Rename(path, target); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "cannot move file").
			WithContext("file_path", path).
			WithContext("target", target)
	}

	m.log().WithFields(logger.Fields{"file": path, "target": target, "disposition": d}).Info("File moved")
	return target, nil
}

func (m *Mover) log() logger.Logger {
	if m.logger == nil {
		m.logger = logger.GetGlobalLogger().WithComponent("files")
	}
	return m.logger
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
