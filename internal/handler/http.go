package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"railpulse/internal/domain"
)

// maxBodyBytes bounds request bodies; a full 100-sample batch is far below it.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type unknownTrainResponse struct {
	Error       string   `json:"error"`
	ValidTrains []string `json:"validTrains"`
}

type notFoundResponse struct {
	Error       string `json:"error"`
	TrainNumber string `json:"trainNumber"`
	TrainName   string `json:"trainName,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondDomainError maps the domain error taxonomy onto HTTP statuses.
// Unexpected errors are logged and answered with a generic message.
func respondDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var unknown *domain.UnknownTrainError
	var notFound *domain.NotFoundError

	switch {
	case errors.As(err, &unknown):
		respondJSON(w, http.StatusBadRequest, unknownTrainResponse{
			Error:       "Invalid train number",
			ValidTrains: unknown.Known,
		})
	case errors.As(err, &notFound):
		respondJSON(w, http.StatusNotFound, notFoundResponse{
			Error:       "No GPS data found for this train",
			TrainNumber: notFound.TrainNumber,
			TrainName:   notFound.TrainName,
		})
	case errors.Is(err, domain.ErrValidation):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNoValidCoordinates):
		respondError(w, http.StatusBadRequest, "No valid GPS coordinates provided")
	case errors.Is(err, domain.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		respondError(w, http.StatusTooManyRequests, "Too many submissions. Please slow down.")
	default:
		logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeJSON reads a bounded JSON body into dst. The error is a
// *domain.ValidationError when the body is malformed.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
