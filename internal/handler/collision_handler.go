package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"railpulse/internal/domain"
	"railpulse/internal/ingestor"
	"railpulse/internal/knn"
	"railpulse/internal/metrics"
)

// MaxBatchTrains caps batch prediction input; cost grows with its square.
const MaxBatchTrains = 50

// CorpusSaver persists the estimator corpus after it grows.
type CorpusSaver interface {
	Save(ctx context.Context, corpus []knn.Example) error
}

type CollisionHandler struct {
	estimator *knn.Estimator
	svc       *ingestor.Service
	corpus    CorpusSaver
	metrics   *metrics.Metrics
	logger    *slog.Logger

	now func() time.Time
}

func NewCollisionHandler(svc *ingestor.Service, corpus CorpusSaver, m *metrics.Metrics, logger *slog.Logger) *CollisionHandler {
	return &CollisionHandler{
		estimator: svc.Estimator(),
		svc:       svc,
		corpus:    corpus,
		metrics:   m,
		logger:    logger.With("handler", "collision"),
		now:       time.Now,
	}
}

type PredictRequest struct {
	TrainA domain.KinematicState `json:"trainA"`
	TrainB domain.KinematicState `json:"trainB"`
}

func (h *CollisionHandler) Predict(w http.ResponseWriter, r *http.Request) {
	var req PredictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if req.TrainA.ID == "" || req.TrainB.ID == "" {
		respondError(w, http.StatusBadRequest, "trainA.id and trainB.id are required")
		return
	}

	pred := h.estimator.Predict(req.TrainA, req.TrainB, h.now())
	h.metrics.ObservePrediction(string(pred.RiskLevel))
	respondJSON(w, http.StatusOK, pred)
}

type BatchRequest struct {
	Trains []domain.KinematicState `json:"trains"`
}

type PredictionsResponse struct {
	Predictions []domain.CollisionPrediction `json:"predictions"`
	Count       int                          `json:"count"`
	ServerTime  time.Time                    `json:"serverTime"`
}

func (h *CollisionHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if len(req.Trains) > MaxBatchTrains {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d trains per batch", MaxBatchTrains))
		return
	}

	now := h.now()
	preds := h.estimator.BatchPredict(req.Trains, now)
	for _, p := range preds {
		h.metrics.ObservePrediction(string(p.RiskLevel))
	}
	respondJSON(w, http.StatusOK, PredictionsResponse{Predictions: preds, Count: len(preds), ServerTime: now})
}

// Live predicts across every train currently reporting positions.
func (h *CollisionHandler) Live(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	preds := h.svc.Collisions(now)
	respondJSON(w, http.StatusOK, PredictionsResponse{Predictions: preds, Count: len(preds), ServerTime: now})
}

type TrainingRequest struct {
	Features []float64 `json:"features"`
	Risk     *float64  `json:"risk"`
}

type TrainingResponse struct {
	Success    bool `json:"success"`
	CorpusSize int  `json:"corpusSize"`
}

func (h *CollisionHandler) Training(w http.ResponseWriter, r *http.Request) {
	var req TrainingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondDomainError(w, h.logger, err)
		return
	}
	if len(req.Features) != knn.NumFeatures {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("features must have %d entries", knn.NumFeatures))
		return
	}
	if req.Risk == nil {
		respondError(w, http.StatusBadRequest, "risk is required")
		return
	}

	var f knn.Features
	copy(f[:], req.Features)
	h.estimator.AddTrainingData(f, *req.Risk)

	corpus := h.estimator.Corpus()
	if h.corpus != nil {
		if err := h.corpus.Save(r.Context(), corpus); err != nil {
			h.logger.Warn("failed to persist corpus", "error", err)
		}
	}

	h.logger.Info("training example added", "corpus_size", len(corpus), "risk", *req.Risk)
	respondJSON(w, http.StatusOK, TrainingResponse{Success: true, CorpusSize: len(corpus)})
}
