package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrUnknownTrain       = errors.New("unknown train")
	ErrNoValidCoordinates = errors.New("no valid coordinates")
	ErrNotFound           = errors.New("not found")
	ErrUnsupported        = errors.New("location capability unsupported")
	ErrPermission         = errors.New("location permission denied")
	ErrNetwork            = errors.New("network error")
	ErrTimeout            = errors.New("request timed out")
)

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnknownTrainError is returned for train numbers missing from the registry.
// Known carries a sample of valid numbers for diagnostics.
type UnknownTrainError struct {
	TrainNumber string
	Known       []string
}

func (e *UnknownTrainError) Error() string {
	return fmt.Sprintf("unknown train %q (known trains include: %s)", e.TrainNumber, strings.Join(e.Known, ", "))
}

func (e *UnknownTrainError) Unwrap() error { return ErrUnknownTrain }

// NotFoundError is returned when a train has no stored data. TrainName is
// set when the number is recognised by the registry.
type NotFoundError struct {
	TrainNumber string
	TrainName   string
}

func (e *NotFoundError) Error() string {
	if e.TrainName != "" {
		return fmt.Sprintf("no position data for train %s (%s)", e.TrainNumber, e.TrainName)
	}
	return fmt.Sprintf("no position data for train %s", e.TrainNumber)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }
