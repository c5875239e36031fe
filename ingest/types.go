// Package ingest runs the continuous knowledge ingestion pipeline.
//
// Each cycle harvests every configured source concurrently through the
// resilient fetch layer, validates and scores the entries, stores the
// accepted ones in the knowledge store and records every candidate in the
// fetch history ledger. The package exposes the service, its chi routes
// and its MCP tools; everything else lives under internal/.
package ingest

import (
	"github.com/hazyhaar/savoir/ingest/internal/integration"
	"github.com/hazyhaar/savoir/ingest/internal/ledger"
	"github.com/hazyhaar/savoir/ingest/internal/scheduler"
)

// Re-export internal types for the public API.
type (
	Cycle           = ledger.Cycle
	Item            = ledger.Item
	ItemStatus      = ledger.Status
	Counters        = ledger.Counters
	LedgerStats     = ledger.Stats
	SourceStatus    = integration.SourceStatus
	StatusUpdate    = integration.StatusUpdate
	StatusSink      = integration.StatusSink
	Summary         = scheduler.Summary
	SchedulerStatus = scheduler.Status
	KnowledgeStore  = scheduler.KnowledgeStore
	MetricsRecorder = scheduler.MetricsRecorder
)

// Item statuses.
const (
	StatusAdded             = ledger.Added
	StatusFilteredDuplicate = ledger.FilteredDuplicate
	StatusFilteredLowScore  = ledger.FilteredLowScore
	StatusError             = ledger.Error
)

// Stats summarizes the service.
type Stats struct {
	Ledger    *LedgerStats    `json:"ledger"`
	Documents int             `json:"documents"`
	Sources   int             `json:"sources"`
	Failing   int             `json:"failing_sources"`
	Scheduler SchedulerStatus `json:"scheduler"`
}
