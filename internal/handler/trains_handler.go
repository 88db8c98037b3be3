package handler

import (
	"log/slog"
	"net/http"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/registry"
)

type TrainsHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
}

func NewTrainsHandler(reg *registry.Registry, logger *slog.Logger) *TrainsHandler {
	return &TrainsHandler{
		registry: reg,
		logger:   logger.With("handler", "trains"),
	}
}

type TrainsResponse struct {
	Trains     []domain.TrainInfo `json:"trains"`
	Count      int                `json:"count"`
	ServerTime time.Time          `json:"serverTime"`
}

func (h *TrainsHandler) ListTrains(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	trains := h.registry.All()

	h.logger.Debug("ListTrains response",
		"count", len(trains),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	respondJSON(w, http.StatusOK, TrainsResponse{
		Trains:     trains,
		Count:      len(trains),
		ServerTime: time.Now(),
	})
}

func (h *TrainsHandler) GetTrain(w http.ResponseWriter, r *http.Request) {
	number := r.PathValue("number")
	if number == "" {
		respondError(w, http.StatusBadRequest, "missing train number")
		return
	}

	info, ok := h.registry.Lookup(number)
	if !ok {
		h.logger.Debug("GetTrain not found", "train_number", number)
		respondError(w, http.StatusNotFound, "train not found")
		return
	}

	respondJSON(w, http.StatusOK, info)
}
