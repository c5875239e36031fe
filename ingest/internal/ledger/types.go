package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrCycleNotFound is returned for an unknown cycle id.
var ErrCycleNotFound = errors.New("ledger: cycle not found")

// Status is the disposition of one candidate item.
type Status string

const (
	Added             Status = "added"
	FilteredDuplicate Status = "filtered_duplicate"
	FilteredLowScore  Status = "filtered_low_score"
	Error             Status = "error"
)

// Statuses lists every status.
var Statuses = []Status{Added, FilteredDuplicate, FilteredLowScore, Error}

// counterColumn is the cycles column incremented for s.
func (s Status) counterColumn() (string, error) {
	switch s {
	case Added:
		return "added", nil
	case FilteredDuplicate:
		return "filtered_duplicate", nil
	case FilteredLowScore:
		return "filtered_low_score", nil
	case Error:
		return "errored", nil
	}
	return "", fmt.Errorf("ledger: unknown status %q", string(s))
}

// Counters are the running totals of a cycle.
type Counters struct {
	Fetched           int `json:"fetched"`
	Added             int `json:"added"`
	FilteredDuplicate int `json:"filtered_duplicate"`
	FilteredLowScore  int `json:"filtered_low_score"`
	Errored           int `json:"errored"`
}

// Cycle is one scheduler run. Number is 0 for an aborted cycle.
type Cycle struct {
	ID          string    `json:"id"`
	Number      int64     `json:"cycle_number"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	Counters
}

// Completed reports whether the cycle was closed, successfully or not.
func (c *Cycle) Completed() bool { return !c.CompletedAt.IsZero() }

// Aborted reports whether the cycle was closed by AbortCycle.
func (c *Cycle) Aborted() bool { return c.Completed() && c.Number == 0 }

// Item is the append-only record of one candidate entry within a cycle.
type Item struct {
	ID             string    `json:"id"`
	CycleID        string    `json:"cycle_id"`
	Title          string    `json:"title"`
	SourceID       string    `json:"source_id"`
	Link           string    `json:"link"`
	Summary        string    `json:"summary"`
	FetchTimestamp time.Time `json:"fetch_timestamp"`
	Status         Status    `json:"status"`
	Reason         string    `json:"status_reason,omitempty"`
	KnowledgeRef   string    `json:"knowledge_ref,omitempty"`
}

// Stats summarizes the whole ledger.
type Stats struct {
	Cycles          int            `json:"cycles"`
	CompletedCycles int            `json:"completed_cycles"`
	AbortedCycles   int            `json:"aborted_cycles"`
	Items           int            `json:"items"`
	ByStatus        map[Status]int `json:"by_status"`
	LastCompletedAt time.Time      `json:"last_completed_at,omitzero"`
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
