// Package knowledge is the SQLite knowledge store the pipeline feeds:
// documents keyed by link, indexed with FTS5, optionally mirrored to a
// markdown buffer directory.
package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/savoir/dbopen"
	"github.com/hazyhaar/savoir/idgen"
	"github.com/hazyhaar/savoir/ingest/internal/buffer"
)

// ErrDuplicate is returned by AddEntry when a document with the same link
// or the same text is already stored.
var ErrDuplicate = errors.New("knowledge: duplicate document")

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("knowledge: document not found")

// Schema is the DDL of the store.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
    id            TEXT PRIMARY KEY,
    link          TEXT NOT NULL DEFAULT '',
    source        TEXT NOT NULL DEFAULT '',
    title         TEXT NOT NULL DEFAULT '',
    text          TEXT NOT NULL,
    metadata_json TEXT NOT NULL DEFAULT '{}',
    content_hash  TEXT NOT NULL,
    created_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_link ON documents(link) WHERE link != '';
CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    title, text, content='documents', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, title, text) VALUES (new.rowid, new.title, new.text);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, title, text) VALUES('delete', old.rowid, old.title, old.text);
END;
`

// Metadata keys with a meaning to the store.
const (
	MetaLink  = "link"
	MetaTitle = "title"
	MetaID    = "id"
	MetaSrc   = "source"
)

// Document is one stored document.
type Document struct {
	ID        string            `json:"id"`
	Link      string            `json:"link"`
	Source    string            `json:"source"`
	Title     string            `json:"title"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	buf    *buffer.Writer
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithBuffer mirrors every added document as a markdown file.
func WithBuffer(w *buffer.Writer) Option { return func(s *Store) { s.buf = w } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithIDGenerator sets the document id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Store) { s.newID = g } }

// New applies Schema to db and returns a Store on it.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:     db,
		newID:  idgen.Prefixed("doc_", idgen.Default),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("knowledge: init schema: %w", err)
	}
	return s, nil
}

// AddEntry stores text under source with its metadata and returns the new
// document id. The link is taken from metadata["link"].
func (s *Store) AddEntry(ctx context.Context, text, source string, metadata map[string]string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("knowledge: empty text")
	}
	link := metadata[MetaLink]
	title := metadata[MetaTitle]
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("knowledge: metadata: %w", err)
	}
	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])
	id := s.newID()
	now := s.now()

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM documents WHERE (link = ? AND link != '') OR content_hash = ?`,
			link, hash).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicate
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, link, source, title, text, metadata_json, content_hash, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, link, source, title, text, string(meta), hash, now.UnixMilli())
		return err
	})
	if errors.Is(err, ErrDuplicate) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("knowledge: add: %w", err)
	}

	if s.buf != nil {
		bm := buffer.Metadata{
			ID:          id,
			SourceID:    source,
			Link:        link,
			Title:       title,
			ContentHash: hash,
			StoredAt:    now.UTC(),
		}
		if tags := metadata["tags"]; tags != "" {
			bm.Tags = strings.Split(tags, ",")
		}
		if pub, err := time.Parse(time.RFC3339, metadata["published_at"]); err == nil {
			bm.PublishedAt = pub
		}
		if _, err := s.buf.Write(ctx, bm, text); err != nil {
			s.logger.Warn("knowledge: buffer write failed", "id", id, "error", err)
		}
	}
	return id, nil
}

// Lookup finds documents. A URL query matches the link exactly; anything
// else is a full-text search. Each result holds the document metadata plus
// its id, link, title and source.
func (s *Store) Lookup(ctx context.Context, query string, limit int) ([]map[string]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var rows *sql.Rows
	var err error
	if isURL(query) {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, link, source, title, metadata_json FROM documents WHERE link = ? LIMIT ?`,
			query, limit)
	} else {
		match := ftsQuery(query)
		if match == "" {
			return nil, nil
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT d.id, d.link, d.source, d.title, d.metadata_json
			FROM documents_fts f JOIN documents d ON d.rowid = f.rowid
			WHERE documents_fts MATCH ?
			ORDER BY rank LIMIT ?`, match, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: lookup: %w", err)
	}
	defer rows.Close()

	var out []map[string]string
	for rows.Next() {
		var id, link, source, title, metaJSON string
		if err := rows.Scan(&id, &link, &source, &title, &metaJSON); err != nil {
			return nil, fmt.Errorf("knowledge: scan: %w", err)
		}
		m := make(map[string]string)
		json.Unmarshal([]byte(metaJSON), &m)
		m[MetaID] = id
		m[MetaLink] = link
		m[MetaSrc] = source
		m[MetaTitle] = title
		out = append(out, m)
	}
	return out, rows.Err()
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, id string) (*Document, error) {
	var d Document
	var metaJSON string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, link, source, title, text, metadata_json, created_at FROM documents WHERE id = ?`, id).
		Scan(&d.ID, &d.Link, &d.Source, &d.Title, &d.Text, &metaJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &d.Metadata); err != nil {
		return nil, fmt.Errorf("knowledge: metadata of %s: %w", id, err)
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	return &d, nil
}

// Count returns the number of stored documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count: %w", err)
	}
	return n, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// ftsQuery turns free text into an FTS5 query of quoted terms, so user
// input never reaches the FTS5 syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, f := range strings.Fields(q) {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " ")
}
