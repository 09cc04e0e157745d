// internal/collector/handler.go
package collector

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/signalnine/statebridge/internal/protocol"
)

// History limits for GET /state/history
const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 200
)

// StateHandler serves the /state endpoints agents and readers talk to
type StateHandler struct {
	db              *DB
	logger          *slog.Logger
	maxPayloadBytes int64
}

// NewStateHandler creates a new state handler
func NewStateHandler(db *DB, logger *slog.Logger, maxPayloadBytes int64) *StateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StateHandler{
		db:              db,
		logger:          logger,
		maxPayloadBytes: maxPayloadBytes,
	}
}

// Ingest handles POST /state
func (h *StateHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxPayloadBytes+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > h.maxPayloadBytes {
		http.Error(w, "Request Entity Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	var snap protocol.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	stored, err := h.db.InsertSnapshot(snap)
	if err != nil {
		h.logger.Error("store snapshot", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	h.logger.Debug("snapshot stored",
		"id", stored.ID,
		"url", snap.URL,
		"console", len(snap.Console),
		"network", len(snap.Network),
		"errors", len(snap.Errors))

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "id": stored.ID})
}

// Latest handles GET /state
func (h *StateHandler) Latest(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.Latest()
	if errors.Is(err, ErrNoSnapshot) {
		http.Error(w, "No snapshot yet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load latest snapshot", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// Get handles GET /state/{id}
func (h *StateHandler) Get(w http.ResponseWriter, r *http.Request) {
	stored, err := h.db.Get(chi.URLParam(r, "id"))
	if errors.Is(err, ErrNoSnapshot) {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("load snapshot", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// History handles GET /state/history?limit=N&url=U
func (h *StateHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	var results []protocol.StoredSnapshot
	if pageURL := r.URL.Query().Get("url"); pageURL != "" {
		results, err = h.db.HistoryByURL(pageURL, limit)
	} else {
		results, err = h.db.History(limit)
	}
	if err != nil {
		h.logger.Error("load history", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// Stats handles GET /state/stats
func (h *StateHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.db.Stats()
	if err != nil {
		h.logger.Error("load stats", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// parseLimit applies the history default and clamps to the maximum
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > MaxHistoryLimit {
		n = MaxHistoryLimit
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
