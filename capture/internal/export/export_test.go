package export

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"PROJ-123: Fix the thing!", "proj-123-fix-the-thing"},
		{"  spaces   everywhere  ", "spaces-everywhere"},
		{"émoji 🎉 and unicode", "moji-and-unicode"},
		{"", ""},
		{"///", ""},
		{strings.Repeat("a", 200), strings.Repeat("a", 60)},
	}
	for _, c := range cases {
		if got := Sanitize(c.in); got != c.want {
			t.Errorf("Sanitize(%q): got %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFilename_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	got := Filename("PROJ-123: Fix the thing!", "jira.example.com", ts)
	want := "proj-123-fix-the-thing_jira-example-com_20260314-092653.png"
	if got != want {
		t.Fatalf("Filename: got %q, want %q", got, want)
	}
}

func TestFilename_EmptyFragmentsFallBack(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Filename("", "", ts)
	if !strings.HasPrefix(got, "capture_page_") {
		t.Fatalf("Filename: got %q", got)
	}
}

func TestExport_WritesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "captures")
	e := New(dir, nil)

	data := []byte("not-really-a-png")
	path, err := e.Export("Title", "example.com", time.Now(), data)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	read, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(read) != string(data) {
		t.Fatal("content mismatch")
	}
}

func TestExport_BadDirectory(t *testing.T) {
	// A file in place of the directory makes MkdirAll fail.
	base := t.TempDir()
	blocker := filepath.Join(base, "blocked")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New(filepath.Join(blocker, "sub"), nil)
	if _, err := e.Export("t", "h", time.Now(), []byte("d")); err == nil {
		t.Fatal("expected error")
	}
}
