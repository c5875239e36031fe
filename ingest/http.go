package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Routes returns the HTTP API:
//
//	GET  /healthz        liveness and scheduler state
//	GET  /sources        health of every source
//	GET  /sources/{id}   health of one source
//	GET  /cycles         recent cycles (?limit=)
//	GET  /cycles/{id}    one cycle with its items (?status=&limit=)
//	POST /cycles/run     run a cycle now and return its summary
//	GET  /items/latest   items of the last completed cycle (?limit=)
//	GET  /stats          ledger, store and source totals
func (svc *Service) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := svc.Status()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"scheduler": st.State,
			"last_run":  st.LastNumber,
		})
	})

	r.Get("/sources", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.SourceStatuses())
	})

	r.Get("/sources/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := svc.SourceStatus(chi.URLParam(r, "id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown source"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	r.Route("/cycles", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			cycles, err := svc.RecentCycles(r.Context(), queryInt(r, "limit", defaultLimit))
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, cycles)
		})

		r.Post("/run", func(w http.ResponseWriter, r *http.Request) {
			// A client hanging up must not abort the cycle half way.
			sum, err := svc.RunCycle(context.WithoutCancel(r.Context()))
			if err != nil {
				code := http.StatusInternalServerError
				if errors.Is(err, ErrNoKnowledgeStore) {
					code = http.StatusServiceUnavailable
				}
				writeError(w, code, err)
				return
			}
			writeJSON(w, http.StatusOK, sum)
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			c, err := svc.Cycle(r.Context(), id)
			if errors.Is(err, ErrCycleNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			status := ItemStatus(r.URL.Query().Get("status"))
			items, err := svc.CycleItems(r.Context(), id, status, queryInt(r, "limit", defaultLimit))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"cycle": c, "items": items})
		})
	})

	r.Get("/items/latest", func(w http.ResponseWriter, r *http.Request) {
		items, err := svc.LatestItems(r.Context(), queryInt(r, "limit", defaultLimit))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
