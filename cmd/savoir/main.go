// Command savoir runs the knowledge ingestion pipeline: the cycle loop, its
// HTTP API and its MCP tools.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/savoir/dbopen"
	"github.com/hazyhaar/savoir/ingest"
	"github.com/hazyhaar/savoir/observability"
)

const workerName = "savoir"

func main() {
	configPath := env("CONFIG", "")
	ledgerPath := env("LEDGER_DB", "db/ledger.db")
	knowledgePath := env("KNOWLEDGE_DB", "db/knowledge.db")
	bufferDir := env("BUFFER_DIR", "")
	httpAddr := env("HTTP_ADDR", ":8086")
	mcpTransport := env("MCP_TRANSPORT", "http")
	logLevel := env("LOG_LEVEL", "info")

	// Logging. stdout belongs to the protocol when MCP runs over stdio.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	out := os.Stdout
	if mcpTransport == "stdio" {
		out = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config.
	cfg := &ingest.Config{}
	if configPath != "" {
		var err error
		if cfg, err = ingest.LoadConfigFile(configPath); err != nil {
			slog.Error("config", "path", configPath, "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("CONFIG not set, running without sources")
	}
	if bufferDir != "" {
		cfg.BufferDir = bufferDir
	}

	// Ledger DB also holds heartbeats and metrics.
	ledgerDB, err := dbopen.Open(ledgerPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("ledger db", "error", err)
		os.Exit(1)
	}
	defer ledgerDB.Close()
	if err := observability.Init(ledgerDB); err != nil {
		slog.Error("observability init", "error", err)
		os.Exit(1)
	}

	knowledgeDB, err := dbopen.Open(knowledgePath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("knowledge db", "error", err)
		os.Exit(1)
	}
	defer knowledgeDB.Close()

	metrics := observability.NewMetricsManager(ledgerDB, 100, 5*time.Second, logger)
	defer metrics.Close()

	hb := observability.NewHeartbeatWriter(ledgerDB, workerName, 30*time.Second, logger)
	hb.Start(ctx)
	defer hb.Stop()
	if n, err := observability.CleanupHeartbeats(ctx, ledgerDB, 7*24*time.Hour); err != nil {
		slog.Warn("heartbeat cleanup", "error", err)
	} else if n > 0 {
		slog.Info("heartbeat cleanup", "deleted", n)
	}

	svc, err := ingest.New(cfg, ledgerDB, knowledgeDB, logger, ingest.WithMetrics(metrics))
	if err != nil {
		slog.Error("ingest service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "savoir", Version: "1.0.0"}, nil)
	svc.RegisterMCP(mcpSrv)

	if err := svc.Start(ctx); err != nil {
		slog.Error("scheduler start", "error", err)
		os.Exit(1)
	}

	if mcpTransport == "stdio" {
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
		}
		return
	}

	r := chi.NewRouter()
	r.Get("/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		hs, err := observability.LatestHeartbeat(r.Context(), ledgerDB, workerName, 2*time.Minute)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if hs == nil || !hs.Alive {
			writeJSON(w, http.StatusServiceUnavailable, hs)
			return
		}
		writeJSON(w, http.StatusOK, hs)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 100
		}
		ms, err := metrics.Query(r.Context(), r.URL.Query().Get("name"), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, ms)
	})
	if mcpTransport == "http" {
		r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	}
	r.Mount("/", svc.Routes())

	server := &http.Server{
		Addr:              httpAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP starting", "addr", httpAddr, "mcp", mcpTransport)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown", "error", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
