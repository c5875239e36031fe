package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/savoir/dbopen"
)

// Metric names recorded after every fetch cycle.
const (
	MetricCycleFetched           = "ingest_cycle_fetched"
	MetricCycleAdded             = "ingest_cycle_added"
	MetricCycleFilteredDuplicate = "ingest_cycle_filtered_duplicate"
	MetricCycleFilteredLowScore  = "ingest_cycle_filtered_low_score"
	MetricCycleErrored           = "ingest_cycle_errored"
	MetricCycleDurationMs        = "ingest_cycle_duration_ms"
)

// Metric is one timeseries point.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// MetricsManager buffers metrics in memory and flushes them in one
// transaction when the buffer fills, on every tick, and on Close.
type MetricsManager struct {
	db       *sql.DB
	logger   *slog.Logger
	size     int
	interval time.Duration

	mu     sync.Mutex
	buffer []Metric

	stop chan struct{}
	done chan struct{}
}

// NewMetricsManager starts the flush loop. Typical values: 100, 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if logger == nil {
		logger = slog.Default()
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	mm := &MetricsManager{
		db:       db,
		logger:   logger,
		size:     bufferSize,
		interval: flushInterval,
		buffer:   make([]Metric, 0, bufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go mm.loop()
	return mm
}

// Record queues m. A zero Timestamp is set to now.
func (mm *MetricsManager) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.size {
		mm.flushLocked()
	}
}

// Flush writes the buffered metrics now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns metrics named name (all when empty), newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, limit int) ([]Metric, error) {
	q := `SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries`
	var args []any
	if name != "" {
		q += ` WHERE metric_name = ?`
		args = append(args, name)
	}
	q += ` ORDER BY timestamp DESC, rowid DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close flushes what is left and stops the loop.
func (mm *MetricsManager) Close() error {
	close(mm.stop)
	<-mm.done
	return nil
}

func (mm *MetricsManager) loop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	batch := mm.buffer
	err := dbopen.RunTx(ctx, mm.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range batch {
			var labels sql.NullString
			if len(m.Labels) > 0 {
				if b, err := json.Marshal(m.Labels); err == nil {
					labels = sql.NullString{String: string(b), Valid: true}
				}
			}
			if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labels, m.Unit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		mm.logger.Error("observability: flush metrics", "error", err, "dropped", len(batch))
	}
	mm.buffer = make([]Metric, 0, mm.size)
}
