package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/ingestor"
)

type GPSHandler struct {
	svc    *ingestor.Service
	logger *slog.Logger

	now func() time.Time
}

func NewGPSHandler(svc *ingestor.Service, logger *slog.Logger) *GPSHandler {
	return &GPSHandler{
		svc:    svc,
		logger: logger.With("handler", "gps"),
		now:    time.Now,
	}
}

func (h *GPSHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("rejected submission", "remote_addr", r.RemoteAddr, "error", err)
		respondDomainError(w, h.logger, err)
		return
	}

	res, err := h.svc.Submit(r.Context(), req, h.now())
	if err != nil {
		h.logger.Warn("rejected submission",
			"train_number", req.TrainNumber,
			"device_id", req.DeviceID,
			"positions", len(req.Positions),
			"error", err,
		)
		respondDomainError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusOK, res)
}

type SummaryResponse struct {
	Trains     []domain.TrainSummary `json:"trains"`
	Count      int                   `json:"count"`
	ServerTime time.Time             `json:"serverTime"`
}

// Get serves one train's detail when ?train= is given, otherwise the
// summary of every tracked train.
func (h *GPSHandler) Get(w http.ResponseWriter, r *http.Request) {
	now := h.now()

	if train := strings.TrimSpace(r.URL.Query().Get("train")); train != "" {
		detail, err := h.svc.Detail(train, now)
		if err != nil {
			respondDomainError(w, h.logger, err)
			return
		}
		respondJSON(w, http.StatusOK, detail)
		return
	}

	trains := h.svc.Summary(now)
	respondJSON(w, http.StatusOK, SummaryResponse{
		Trains:     trains,
		Count:      len(trains),
		ServerTime: now,
	})
}

type NearbyResponse struct {
	Trains     []ingestor.NearbyTrain `json:"trains"`
	Count      int                    `json:"count"`
	ServerTime time.Time              `json:"serverTime"`
}

func (h *GPSHandler) Nearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid lat parameter")
		return
	}
	lng, err := strconv.ParseFloat(q.Get("lng"), 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid lng parameter")
		return
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			respondError(w, http.StatusBadRequest, "invalid limit parameter")
			return
		}
	}

	now := h.now()
	trains := h.svc.Nearby(lat, lng, limit, now)
	respondJSON(w, http.StatusOK, NearbyResponse{
		Trains:     trains,
		Count:      len(trains),
		ServerTime: now,
	})
}

type OperationsRequest struct {
	OccupancyPct float64 `json:"occupancyPct"`
	DelayMinutes float64 `json:"delayMinutes"`
}

type OperationsResponse struct {
	TrainNumber  string              `json:"trainNumber"`
	SafetyStatus domain.SafetyStatus `json:"safetyStatus"`
	Alerts       []string            `json:"alerts,omitempty"`
	ServerTime   time.Time           `json:"serverTime"`
}

// ReportOperations records occupancy and delay figures for a train.
func (h *GPSHandler) ReportOperations(w http.ResponseWriter, r *http.Request) {
	train := strings.TrimSpace(r.PathValue("number"))
	var req OperationsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}

	now := h.now()
	a, err := h.svc.ReportOperations(train, req.OccupancyPct, req.DelayMinutes, now)
	if err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, OperationsResponse{
		TrainNumber:  train,
		SafetyStatus: a.Status,
		Alerts:       a.Alerts,
		ServerTime:   now,
	})
}
