package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBusyExhausted is returned when a write is still blocked by another
// writer after every retry attempt.
var ErrBusyExhausted = errors.New("dbopen: database still busy after retries")

// RetryPolicy bounds the busy-retry loop of Exec and RunTx.
// Attempt n (0-based) waits BaseDelay << n before the next one.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetry is 5 attempts with 50, 100, 200 and 400 ms between them.
var DefaultRetry = RetryPolicy{Attempts: 5, BaseDelay: 50 * time.Millisecond}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetry.Attempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetry.BaseDelay
	}
	return p
}

// IsBusy reports whether err indicates an SQLite BUSY condition.
// It checks for SQLITE_BUSY, "database is locked", and "database table is locked".
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Retry runs fn until it succeeds, fails with a non-busy error, or the policy
// is exhausted. Exhaustion wraps both ErrBusyExhausted and the last error.
func Retry(ctx context.Context, p RetryPolicy, fn func() error) error {
	p = p.normalized()
	var err error
	for i := range p.Attempts {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if i == p.Attempts-1 {
			break
		}
		if serr := sleepCtx(ctx, p.BaseDelay<<uint(i)); serr != nil {
			return fmt.Errorf("dbopen: context cancelled during retry: %w", serr)
		}
	}
	return fmt.Errorf("%w (%d attempts): %w", ErrBusyExhausted, p.Attempts, err)
}

// RunTx executes fn inside a transaction, retrying the whole transaction on
// SQLITE_BUSY with DefaultRetry.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return RunTxPolicy(ctx, db, DefaultRetry, fn)
}

// RunTxPolicy is RunTx with an explicit retry policy.
func RunTxPolicy(ctx context.Context, db *sql.DB, p RetryPolicy, fn func(*sql.Tx) error) error {
	return Retry(ctx, p, func() error { return runOnce(ctx, db, fn) })
}

func runOnce(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dbopen: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dbopen: commit: %w", err)
	}
	return nil
}

// Exec executes a statement, retrying on SQLITE_BUSY with DefaultRetry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return ExecPolicy(ctx, db, DefaultRetry, query, args...)
}

// ExecPolicy is Exec with an explicit retry policy.
func ExecPolicy(ctx context.Context, db *sql.DB, p RetryPolicy, query string, args ...any) (sql.Result, error) {
	var result sql.Result
	err := Retry(ctx, p, func() error {
		var err error
		result, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return result, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
