package buffer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWrite_RoundTripsFrontmatter(t *testing.T) {
	// WHAT: A written file parses back to the same metadata and body.
	// WHY: Consumers route documents on the frontmatter.
	dir := filepath.Join(t.TempDir(), "pending")
	w := NewWriter(dir)
	meta := Metadata{
		ID:          "doc-001",
		SourceID:    "arxiv-ml",
		Link:        "https://arxiv.org/abs/2403.00001",
		Title:       `Tricky: "quotes" & [brackets] # hash`,
		Tags:        []string{"cs.lg", "safety"},
		PublishedAt: time.Date(2026, 2, 24, 14, 30, 0, 0, time.UTC),
		ContentHash: "abc123",
		StoredAt:    time.Date(2026, 2, 25, 9, 0, 0, 0, time.UTC),
	}
	path, err := w.Write(context.Background(), meta, "Body line one.\n\n--- not a fence\n")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "doc-001.md" {
		t.Fatalf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got, body, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Title != meta.Title || got.Link != meta.Link || len(got.Tags) != 2 || !got.PublishedAt.Equal(meta.PublishedAt) {
		t.Fatalf("metadata = %+v", got)
	}
	if !strings.HasPrefix(body, "Body line one.") || !strings.Contains(body, "--- not a fence") {
		t.Fatalf("body = %q", body)
	}
}

func TestWrite_NoTempLeftAndGeneratedID(t *testing.T) {
	dir := t.TempDir()
	path, err := NewWriter(dir).Write(context.Background(), Metadata{Title: "x"}, "text")
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || !strings.HasSuffix(path, ".md") {
		t.Fatalf("dir entries = %v", entries)
	}
}

func TestWrite_RejectsTraversalID(t *testing.T) {
	if _, err := NewWriter(t.TempDir()).Write(context.Background(), Metadata{ID: "../../etc/evil"}, "x"); err == nil {
		t.Fatal("traversal id should be rejected")
	}
}

func TestWrite_Concurrent(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.Write(context.Background(), Metadata{Title: "c"}, "body"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 20 {
		t.Fatalf("files = %d, want 20", len(entries))
	}
}
