// Package ledger is the durable history of ingestion: one row per cycle and
// one append-only row per candidate item. Every write is retried while
// SQLite reports the database busy.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/savoir/dbopen"
	"github.com/hazyhaar/savoir/idgen"
	"github.com/hazyhaar/savoir/ingest/internal/content"
)

// Ledger records cycles and items. Safe for concurrent use.
type Ledger struct {
	db      *sql.DB
	retry   dbopen.RetryPolicy
	cycleID idgen.Generator
	itemID  idgen.Generator
	now     func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetry sets the busy-retry policy of writes.
func WithRetry(p dbopen.RetryPolicy) Option { return func(l *Ledger) { l.retry = p } }

// WithIDs sets the id generators of cycles and items.
func WithIDs(cycles, items idgen.Generator) Option {
	return func(l *Ledger) { l.cycleID, l.itemID = cycles, items }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// New applies Schema to db and returns a Ledger on it.
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		db:      db,
		retry:   dbopen.DefaultRetry,
		cycleID: idgen.Prefixed("cyc_", idgen.Default),
		itemID:  idgen.Prefixed("itm_", idgen.Default),
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if err := dbopen.Retry(context.Background(), l.retry, func() error {
		_, err := db.Exec(Schema)
		return err
	}); err != nil {
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return l, nil
}

// CreateCycle opens a cycle and returns its id.
func (l *Ledger) CreateCycle(ctx context.Context, number int64) (string, error) {
	id := l.cycleID()
	_, err := dbopen.ExecPolicy(ctx, l.db, l.retry,
		`INSERT INTO cycles (id, cycle_number, started_at) VALUES (?, ?, ?)`,
		id, number, toMillis(l.now()))
	if err != nil {
		return "", fmt.Errorf("ledger: create cycle: %w", err)
	}
	return id, nil
}

// AddItem records one candidate entry and increments the cycle's fetched
// counter plus the counter of status, in one transaction.
func (l *Ledger) AddItem(ctx context.Context, cycleID string, e content.Entry, status Status, reason, knowledgeRef string) (string, error) {
	col, err := status.counterColumn()
	if err != nil {
		return "", err
	}
	id := l.itemID()
	var ref any
	if knowledgeRef != "" {
		ref = knowledgeRef
	}
	ts := toMillis(l.now())

	err = dbopen.RunTxPolicy(ctx, l.db, l.retry, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE cycles SET fetched = fetched + 1, `+col+` = `+col+` + 1 WHERE id = ?`, cycleID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCycleNotFound
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO items (id, cycle_id, title, source_id, link, summary,
			fetch_timestamp, status, status_reason, knowledge_ref)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, cycleID, e.Title, e.SourceID, e.Link, e.Summary, ts, string(status), reason, ref)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ledger: add item to %s: %w", cycleID, err)
	}
	return id, nil
}

// CompleteCycle stamps the completion time. Counters are left as they are.
// Completing an already closed cycle is a no-op.
func (l *Ledger) CompleteCycle(ctx context.Context, cycleID string) error {
	return l.closeCycle(ctx, cycleID, "completed_at = ?", toMillis(l.now()))
}

// AbortCycle closes a cycle that failed as a whole: it is stamped, its
// number reset to 0 and reason kept.
func (l *Ledger) AbortCycle(ctx context.Context, cycleID, reason string) error {
	return l.closeCycle(ctx, cycleID, "completed_at = ?, cycle_number = 0, error = ?", toMillis(l.now()), reason)
}

func (l *Ledger) closeCycle(ctx context.Context, cycleID, set string, args ...any) error {
	args = append(args, cycleID)
	res, err := dbopen.ExecPolicy(ctx, l.db, l.retry,
		`UPDATE cycles SET `+set+` WHERE id = ? AND completed_at IS NULL`, args...)
	if err != nil {
		return fmt.Errorf("ledger: close cycle %s: %w", cycleID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := l.GetCycle(ctx, cycleID); err != nil {
			return err
		}
	}
	return nil
}

// MaxCycleNumber returns the highest number of any cycle, 0 when none.
func (l *Ledger) MaxCycleNumber(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(cycle_number) FROM cycles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: max cycle number: %w", err)
	}
	return n.Int64, nil
}

const cycleColumns = `id, cycle_number, started_at, completed_at, fetched, added,
	filtered_duplicate, filtered_low_score, errored, error`

type scanner interface{ Scan(dest ...any) error }

func scanCycle(s scanner) (*Cycle, error) {
	var c Cycle
	var started int64
	var completed sql.NullInt64
	if err := s.Scan(&c.ID, &c.Number, &started, &completed, &c.Fetched, &c.Added,
		&c.FilteredDuplicate, &c.FilteredLowScore, &c.Errored, &c.Error); err != nil {
		return nil, err
	}
	c.StartedAt = fromMillis(started)
	if completed.Valid {
		c.CompletedAt = fromMillis(completed.Int64)
	}
	return &c, nil
}

// GetCycle returns one cycle.
func (l *Ledger) GetCycle(ctx context.Context, cycleID string) (*Cycle, error) {
	c, err := scanCycle(l.db.QueryRowContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, cycleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get cycle: %w", err)
	}
	return c, nil
}

// RecentCycles returns cycles newest first.
func (l *Ledger) RecentCycles(ctx context.Context, limit int) ([]*Cycle, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+cycleColumns+` FROM cycles ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent cycles: %w", err)
	}
	defer rows.Close()

	var out []*Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan cycle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const itemColumns = `id, cycle_id, title, source_id, link, summary, fetch_timestamp,
	status, status_reason, knowledge_ref`

func scanItems(rows *sql.Rows) ([]*Item, error) {
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		var it Item
		var ts int64
		var status string
		var ref sql.NullString
		if err := rows.Scan(&it.ID, &it.CycleID, &it.Title, &it.SourceID, &it.Link, &it.Summary,
			&ts, &status, &it.Reason, &ref); err != nil {
			return nil, fmt.Errorf("ledger: scan item: %w", err)
		}
		it.FetchTimestamp = fromMillis(ts)
		it.Status = Status(status)
		it.KnowledgeRef = ref.String
		out = append(out, &it)
	}
	return out, rows.Err()
}

// ItemsByCycle returns the items of a cycle, newest first. An empty status
// returns every status.
func (l *Ledger) ItemsByCycle(ctx context.Context, cycleID string, status Status, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items
		WHERE cycle_id = ? AND (? = '' OR status = ?)
		ORDER BY fetch_timestamp DESC, rowid DESC LIMIT ?`,
		cycleID, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: items by cycle: %w", err)
	}
	return scanItems(rows)
}

// LatestItems returns the items of the most recently completed cycle,
// newest first. Before any cycle completed it falls back to the most
// recently started cycle. Aborted cycles do not count as completed.
func (l *Ledger) LatestItems(ctx context.Context, limit int) ([]*Item, error) {
	var cycleID string
	err := l.db.QueryRowContext(ctx,
		`SELECT id FROM cycles WHERE completed_at IS NOT NULL AND cycle_number > 0
		ORDER BY completed_at DESC, rowid DESC LIMIT 1`).Scan(&cycleID)
	if errors.Is(err, sql.ErrNoRows) {
		err = l.db.QueryRowContext(ctx,
			`SELECT id FROM cycles ORDER BY started_at DESC, rowid DESC LIMIT 1`).Scan(&cycleID)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: latest cycle: %w", err)
	}
	return l.ItemsByCycle(ctx, cycleID, "", limit)
}

// StatusCounts counts items per status fetched at or after since. A zero
// since counts everything.
func (l *Ledger) StatusCounts(ctx context.Context, since time.Time) (map[Status]int, error) {
	var from int64
	if !since.IsZero() {
		from = toMillis(since)
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM items WHERE fetch_timestamp >= ? GROUP BY status`, from)
	if err != nil {
		return nil, fmt.Errorf("ledger: status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		out[s] = 0
	}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan status count: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// Stats summarizes the ledger.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var last sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN completed_at IS NOT NULL AND cycle_number > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN completed_at IS NOT NULL AND cycle_number = 0 THEN 1 ELSE 0 END), 0),
			MAX(CASE WHEN cycle_number > 0 THEN completed_at END)
		FROM cycles`).Scan(&st.Cycles, &st.CompletedCycles, &st.AbortedCycles, &last)
	if err != nil {
		return nil, fmt.Errorf("ledger: stats: %w", err)
	}
	if last.Valid {
		st.LastCompletedAt = fromMillis(last.Int64)
	}
	if st.ByStatus, err = l.StatusCounts(ctx, time.Time{}); err != nil {
		return nil, err
	}
	for _, n := range st.ByStatus {
		st.Items += n
	}
	return &st, nil
}
