// Package handlers serves the read-only HTTP surface of the poller: cycle
// health, delay statistics and route status.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/hzpp-delays/poller/internal/metrics"
)

// ErrorResponse is the JSON body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// Pinger checks database connectivity
type Pinger interface {
	Ping(ctx context.Context) error
}

// CycleHealth exposes the outcome of recent cycles
type CycleHealth interface {
	Last() *metrics.CycleReport
	Overruns() int64
	Recent(ctx context.Context, limit int) ([]metrics.CycleReport, error)
}

// HealthHandler handles HTTP requests for poller health
type HealthHandler struct {
	db      Pinger
	cycles  CycleHealth
	running func() bool
}

// NewHealthHandler creates a handler. running reports whether a cycle is in flight.
func NewHealthHandler(db Pinger, cycles CycleHealth, running func() bool) *HealthHandler {
	return &HealthHandler{db: db, cycles: cycles, running: running}
}

// HealthResponse is the JSON response for GET /health
type HealthResponse struct {
	Status       string               `json:"status"`
	Database     string               `json:"database"`
	CycleRunning bool                 `json:"cycleRunning"`
	Overruns     int64                `json:"overruns"`
	LastCycle    *metrics.CycleReport `json:"lastCycle"`
	Timestamp    time.Time            `json:"timestamp"`
}

// CyclesResponse is the JSON response for GET /health/cycles
type CyclesResponse struct {
	Cycles []metrics.CycleReport `json:"cycles"`
	Count  int                   `json:"count"`
}

// GetHealth handles GET /health
// Status is the grade of the last cycle, or "starting" before the first one.
func (h *HealthHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:       "starting",
		Database:     "connected",
		CycleRunning: h.running(),
		Overruns:     h.cycles.Overruns(),
		LastCycle:    h.cycles.Last(),
		Timestamp:    time.Now().UTC(),
	}
	if response.LastCycle != nil {
		response.Status = response.LastCycle.Status
	}

	code := http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "disconnected"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, response)
}

// GetCycles handles GET /health/cycles
// Query params: limit (optional, default 20, max 200)
func (h *HealthHandler) GetCycles(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	cycles, err := h.cycles.Recent(ctx, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get cycle history")
		return
	}
	if cycles == nil {
		cycles = []metrics.CycleReport{}
	}

	writeJSON(w, http.StatusOK, CyclesResponse{Cycles: cycles, Count: len(cycles)})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
