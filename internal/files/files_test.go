package files

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"billing-report-ingestor/internal/models"
	"billing-report-ingestor/pkg/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b_03-2025.csv", "a_03-2025.XLSX", "notes.pdf", ".hidden.csv", "~$lock.xlsx", "c.tsv"} {
		writeFile(t, filepath.Join(dir, name), "x")
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.csv"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles() error = %v", err)
	}
	want := []string{
		filepath.Join(dir, "a_03-2025.XLSX"),
		filepath.Join(dir, "b_03-2025.csv"),
		filepath.Join(dir, "c.tsv"),
	}
	if len(got) != len(want) {
		t.Fatalf("ListFiles() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ListFiles()[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if _, err := ListFiles(filepath.Join(dir, "missing")); !errors.IsCategory(err, errors.CategoryInput) {
		t.Errorf("expected input error for missing dir, got %v", err)
	}
}

func TestChecksum(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	c := filepath.Join(dir, "c.csv")
	writeFile(t, a, "id,fee\n280340639,62\n")
	writeFile(t, b, "id,fee\n280340639,62\n")
	writeFile(t, c, "id,fee\n280340639,30\n")

	sumA, err := Checksum(a)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	sumB, _ := Checksum(b)
	sumC, _ := Checksum(c)

	if len(sumA) != 16 {
		t.Errorf("expected 16 hex chars, got %q", sumA)
	}
	if sumA != sumB {
		t.Errorf("identical content gave %s and %s", sumA, sumB)
	}
	if sumA == sumC {
		t.Errorf("different content gave the same checksum %s", sumA)
	}
	if _, err := Checksum(filepath.Join(dir, "missing.csv")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestProviderHint(t *testing.T) {
	tests := map[string]string{
		"/inbox/partner_03-2025.csv": "partner",
		"פרטנר_דוח.xlsx":             "פרטנר",
		"report.csv":                 "",
		"_03-2025.csv":               "",
	}
	for in, want := range tests {
		if got := ProviderHint(in); got != want {
			t.Errorf("ProviderHint(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMoverCollisions(t *testing.T) {
	root := t.TempDir()
	inbox := filepath.Join(root, "inbox")
	if err := os.Mkdir(inbox, 0o755); err != nil {
		t.Fatal(err)
	}

	m := NewMover(filepath.Join(root, "processed"), filepath.Join(root, "failed"), filepath.Join(root, "review"))
	m.Now = func() time.Time { return time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC) }

	want := []string{
		filepath.Join(root, "review", "partner_review.csv"),
		filepath.Join(root, "review", "partner_review_20250315T103000.csv"),
		filepath.Join(root, "review", "partner_review_20250315T103000_1.csv"),
	}
	for i, w := range want {
		src := filepath.Join(inbox, "partner.csv")
		writeFile(t, src, "run")

		got, err := m.Move(src, models.DispositionReview)
		if err != nil {
			t.Fatalf("Move() #%d error = %v", i, err)
		}
		if got != w {
			t.Errorf("Move() #%d = %s, want %s", i, got, w)
		}
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("source still present after move #%d", i)
		}
	}
}

func TestMoverUnknownDisposition(t *testing.T) {
	m := NewMover("p", "f", "")
	if _, err := m.Move("x.csv", models.DispositionReview); !errors.IsCategory(err, errors.CategoryConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
