package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/hazyhaar/savoir/dbopen"
)

// HeartbeatWriter writes periodic liveness rows to worker_heartbeats.
type HeartbeatWriter struct {
	db       *sql.DB
	name     string
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewHeartbeatWriter creates a writer for the worker called name.
func NewHeartbeatWriter(db *sql.DB, name string, interval time.Duration, logger *slog.Logger) *HeartbeatWriter {
	if logger == nil {
		logger = slog.Default()
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:       db,
		name:     name,
		hostname: hostname,
		pid:      os.Getpid(),
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start writes one heartbeat immediately and then one per interval until
// Stop is called or ctx is done.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// Stop terminates the loop and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

// WriteHeartbeat inserts one row with the current runtime stats.
func (hw *HeartbeatWriter) WriteHeartbeat(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := dbopen.Exec(ctx, hw.db, `
		INSERT INTO worker_heartbeats
			(worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb, gc_count)
		VALUES (?,?,?,?,?,?,?)`,
		hw.name, hw.hostname, hw.pid, time.Now().Unix(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, mem.NumGC)
	if err != nil {
		return fmt.Errorf("observability: insert heartbeat: %w", err)
	}
	return nil
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	hw.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			hw.beat(ctx)
		}
	}
}

func (hw *HeartbeatWriter) beat(ctx context.Context) {
	if err := hw.WriteHeartbeat(ctx); err != nil && ctx.Err() == nil {
		hw.logger.Error("observability: heartbeat write failed", "error", err, "worker", hw.name)
	}
}

// HeartbeatStatus is the latest heartbeat of a worker.
type HeartbeatStatus struct {
	WorkerName string    `json:"worker_name"`
	Hostname   string    `json:"hostname"`
	PID        int       `json:"pid"`
	Timestamp  time.Time `json:"timestamp"`
	Goroutines int       `json:"goroutines"`
	AllocMB    float64   `json:"alloc_mb"`
	Alive      bool      `json:"alive"`
}

// LatestHeartbeat returns the newest heartbeat of name, Alive when it is not
// older than staleAfter. Returns nil, nil when none was recorded.
func LatestHeartbeat(ctx context.Context, db *sql.DB, name string, staleAfter time.Duration) (*HeartbeatStatus, error) {
	var hs HeartbeatStatus
	var ts int64
	err := db.QueryRowContext(ctx, `
		SELECT worker_name, hostname, worker_pid, timestamp, goroutines_count, memory_alloc_mb
		FROM worker_heartbeats WHERE worker_name = ?
		ORDER BY timestamp DESC LIMIT 1`, name).
		Scan(&hs.WorkerName, &hs.Hostname, &hs.PID, &ts, &hs.Goroutines, &hs.AllocMB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("observability: latest heartbeat: %w", err)
	}
	hs.Timestamp = time.Unix(ts, 0)
	hs.Alive = time.Since(hs.Timestamp) <= staleAfter
	return &hs, nil
}

// CleanupHeartbeats deletes rows older than retention.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, retention time.Duration) (int64, error) {
	res, err := dbopen.Exec(ctx, db, `DELETE FROM worker_heartbeats WHERE timestamp < ?`,
		time.Now().Add(-retention).Unix())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
