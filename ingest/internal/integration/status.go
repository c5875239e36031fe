package integration

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Source health values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// StatusUpdate is pushed after every fetch attempt of a source.
type StatusUpdate struct {
	SourceID    string    `json:"source_id"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	ErrorCount  int       `json:"error_count"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	At          time.Time `json:"at"`

	Endpoint     string `json:"endpoint,omitempty"`
	Entries      int    `json:"entries"`
	UsedFallback bool   `json:"used_fallback,omitempty"`
	Breaker      string `json:"breaker,omitempty"`
}

// StatusSink receives source health updates.
type StatusSink interface {
	UpdateStatus(ctx context.Context, u StatusUpdate)
}

// SourceStatus is the live state of one source. It is kept in memory only.
type SourceStatus = StatusUpdate

// Registry owns the SourceStatus of every source. It is itself a
// StatusSink so updates computed elsewhere can be stored as is.
type Registry struct {
	mu sync.RWMutex
	m  map[string]SourceStatus
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]SourceStatus)}
}

// Observe folds the outcome of one attempt into the source's status and
// returns the resulting update. ErrorCount counts every failed attempt
// since the process started; LastSuccess survives failures.
func (r *Registry) Observe(sourceID string, err error, at time.Time) StatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.m[sourceID]
	u := StatusUpdate{
		SourceID:    sourceID,
		Status:      StatusOK,
		ErrorCount:  prev.ErrorCount,
		LastSuccess: prev.LastSuccess,
		At:          at,
	}
	if err != nil {
		u.Status = StatusError
		u.Message = err.Error()
		u.ErrorCount++
	} else {
		u.LastSuccess = at
	}
	r.m[sourceID] = u
	return u
}

// UpdateStatus stores u, replacing the previous status of the source.
func (r *Registry) UpdateStatus(_ context.Context, u StatusUpdate) {
	r.mu.Lock()
	r.m[u.SourceID] = u
	r.mu.Unlock()
}

// Get returns the status of one source.
func (r *Registry) Get(sourceID string) (SourceStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[sourceID]
	return s, ok
}

// All returns a copy of every status, sorted by source id.
func (r *Registry) All() []SourceStatus {
	r.mu.RLock()
	out := make([]SourceStatus, 0, len(r.m))
	for _, s := range r.m {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// LogSink logs every update: errors at warn level, successes at debug.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) UpdateStatus(ctx context.Context, u StatusUpdate) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if u.Status == StatusError {
		logger.WarnContext(ctx, "integration: source failed",
			"source_id", u.SourceID, "error", u.Message, "error_count", u.ErrorCount)
		return
	}
	logger.DebugContext(ctx, "integration: source ok",
		"source_id", u.SourceID, "entries", u.Entries, "endpoint", u.Endpoint, "fallback", u.UsedFallback)
}

// MultiSink fans an update out to several sinks in order.
type MultiSink []StatusSink

func (m MultiSink) UpdateStatus(ctx context.Context, u StatusUpdate) {
	for _, s := range m {
		if s != nil {
			s.UpdateStatus(ctx, u)
		}
	}
}
