package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hzpp-delays/poller/internal/db"
	"github.com/hzpp-delays/poller/internal/delays"
	"github.com/hzpp-delays/poller/internal/engine"
	"github.com/hzpp-delays/poller/internal/metrics"
	"github.com/hzpp-delays/poller/internal/models"
	"github.com/hzpp-delays/poller/internal/scheduler"
)

// Engine is the query and control surface served over HTTP
type Engine interface {
	GetDelayStats(f delays.Filter) ([]delays.DelayStat, error)
	GetDelayTotals(f delays.Filter) ([]delays.DelayStat, error)
	GetRouteStatus(ctx context.Context, routeNumber int) (*engine.RouteStatus, error)
	RegisterFavorite(ctx context.Context, f models.Favorite) error
	RunCycle(ctx context.Context) (*metrics.CycleReport, error)
}

// DelayHandler handles HTTP requests for delay data, routes and favorites
type DelayHandler struct {
	engine Engine
}

// NewDelayHandler creates a new handler backed by the engine
func NewDelayHandler(e Engine) *DelayHandler {
	return &DelayHandler{engine: e}
}

// DelayStatsResponse is the JSON response for GET /api/delays
type DelayStatsResponse struct {
	Stats       []delays.DelayStat `json:"stats"`
	Count       int                `json:"count"`
	LastChecked time.Time          `json:"lastChecked"`
}

// GetDelayStats handles GET /api/delays
// Query params: dimension (station, line or region), key, from, to (RFC3339),
// totals (optional, merge windows per key)
func (h *DelayHandler) GetDelayStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := delays.Filter{
		Dimension: delays.Dimension(q.Get("dimension")),
		Key:       q.Get("key"),
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, p.name+" must be an RFC3339 time")
			return
		}
		*p.dst = t
	}

	query := h.engine.GetDelayStats
	if totals, _ := strconv.ParseBool(q.Get("totals")); totals {
		query = h.engine.GetDelayTotals
	}

	stats, err := query(filter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if stats == nil {
		stats = []delays.DelayStat{}
	}

	writeJSON(w, http.StatusOK, DelayStatsResponse{
		Stats:       stats,
		Count:       len(stats),
		LastChecked: time.Now().UTC(),
	})
}

// GetRouteStatus handles GET /api/routes/{routeNumber}/status
func (h *DelayHandler) GetRouteStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	number, err := strconv.Atoi(chi.URLParam(r, "routeNumber"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "route number must be an integer")
		return
	}

	status, err := h.engine.GetRouteStatus(ctx, number)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "Route not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to get route status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// PostFavorite handles POST /api/favorites
func (h *DelayHandler) PostFavorite(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var favorite models.Favorite
	if err := json.NewDecoder(r.Body).Decode(&favorite); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	err := h.engine.RegisterFavorite(ctx, favorite)
	if errors.Is(err, engine.ErrInvalidRequest) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to register favorite")
		return
	}

	writeJSON(w, http.StatusCreated, favorite)
}

// PostCycle handles POST /api/cycles
// Runs one cycle out of schedule. Responds 409 while another cycle is running.
func (h *DelayHandler) PostCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.RunCycle(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrCycleOverrun):
		writeError(w, http.StatusConflict, "A cycle is already running")
		return
	case errors.Is(err, scheduler.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "Poller is shutting down")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Cycle failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}
