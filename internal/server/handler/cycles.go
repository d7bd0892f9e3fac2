package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/cyclearb/internal/domain"
)

// CycleHandler serves stored cycle results.
type CycleHandler struct {
	results domain.ResultStore
	logger  *slog.Logger
}

// NewCycleHandler creates a CycleHandler.
func NewCycleHandler(results domain.ResultStore, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{results: results, logger: logger}
}

type listCyclesResponse struct {
	Cycles []domain.CycleResult `json:"cycles"`
}

// ListRecent returns the most recent cycles, optionally for one venue.
// GET /api/cycles?venue=binance&limit=20
func (h *CycleHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	venue := r.URL.Query().Get("venue")

	cycles, err := h.results.ListRecent(r.Context(), venue, opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list cycles failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	if cycles == nil {
		cycles = []domain.CycleResult{}
	}
	writeJSON(w, http.StatusOK, listCyclesResponse{Cycles: cycles})
}
