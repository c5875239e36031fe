// Package buffer drops stored knowledge documents as markdown files with a
// YAML frontmatter, for downstream consumers that index a directory.
// Files are written to a temporary name and renamed so readers never see
// a partial file.
package buffer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/savoir/horosafe"
	"github.com/hazyhaar/savoir/idgen"
)

// Metadata is the frontmatter of one file.
type Metadata struct {
	ID          string    `yaml:"id"`
	SourceID    string    `yaml:"source_id"`
	Link        string    `yaml:"link"`
	Title       string    `yaml:"title"`
	Tags        []string  `yaml:"tags,omitempty"`
	PublishedAt time.Time `yaml:"published_at,omitempty"`
	ContentHash string    `yaml:"content_hash"`
	StoredAt    time.Time `yaml:"stored_at"`
}

// Writer deposits .md files into one directory.
type Writer struct {
	dir   string
	newID idgen.Generator
}

// NewWriter creates a Writer for dir, created on first write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, newID: idgen.Default}
}

// Dir returns the target directory.
func (w *Writer) Dir() string { return w.dir }

// Write creates <id>.md holding the frontmatter and text, and returns its
// path. An empty meta.ID is generated.
func (w *Writer) Write(ctx context.Context, meta Metadata, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("buffer: mkdir %s: %w", w.dir, err)
	}
	if meta.ID == "" {
		meta.ID = w.newID()
	}
	if meta.StoredAt.IsZero() {
		meta.StoredAt = time.Now().UTC()
	}

	target, err := horosafe.SafePath(w.dir, meta.ID+".md")
	if err != nil {
		return "", fmt.Errorf("buffer: %w", err)
	}
	data, err := Format(meta, text)
	if err != nil {
		return "", err
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("buffer: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("buffer: rename: %w", err)
	}
	return target, nil
}

// Format renders a document: "---", YAML frontmatter, "---", blank line, text.
func Format(meta Metadata, text string) ([]byte, error) {
	fm, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("buffer: frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(text)
	if len(text) > 0 && text[len(text)-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// Parse splits a file written by Write into its metadata and text.
func Parse(data []byte) (Metadata, string, error) {
	var meta Metadata
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return meta, "", fmt.Errorf("buffer: missing frontmatter")
	}
	fm, body, ok := bytes.Cut(rest, []byte("\n---\n"))
	if !ok {
		return meta, "", fmt.Errorf("buffer: unterminated frontmatter")
	}
	if err := yaml.Unmarshal(fm, &meta); err != nil {
		return meta, "", fmt.Errorf("buffer: frontmatter: %w", err)
	}
	return meta, string(bytes.TrimPrefix(body, []byte("\n"))), nil
}
