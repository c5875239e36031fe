package ingest

import (
	"errors"

	"github.com/hazyhaar/savoir/ingest/internal/ledger"
	"github.com/hazyhaar/savoir/ingest/internal/scheduler"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("ingest: invalid config")

// ErrNoKnowledgeStore is returned by Start and RunCycle when the service
// was built without a knowledge store.
var ErrNoKnowledgeStore = scheduler.ErrNoKnowledgeStore

// ErrAlreadyRunning is returned by Start on a running service.
var ErrAlreadyRunning = scheduler.ErrAlreadyRunning

// ErrCycleNotFound is returned by Cycle for an unknown id.
var ErrCycleNotFound = ledger.ErrCycleNotFound
