// Package handlers provides the HTTP handlers of the dosewatch API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-dosewatch/internal/api/middleware"
	"github.com/drfirst/go-dosewatch/internal/domain/medication"
)

// maxBodyBytes bounds request bodies; FHIR bundles of one request stay well below
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, medication.ErrNotFound),
		errors.Is(err, medication.ErrUnknownPrescription):
		return http.StatusNotFound
	case errors.Is(err, medication.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, medication.ErrOutOfWindow),
		errors.Is(err, medication.ErrInventoryNotTracked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, medication.ErrInvalidPrescription),
		errors.Is(err, medication.ErrInvalidFrequency),
		errors.Is(err, medication.ErrInvalidWindow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with its user message. Internal errors are logged
// and never echoed.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, medication.UserMessage(err), code)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// timeParam reads an RFC 3339 path parameter
func timeParam(r *http.Request, name string) (time.Time, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", medication.ErrInvalidWindow, name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339, got %q", medication.ErrInvalidWindow, name, raw)
	}
	return t, nil
}

// rangeParams reads ?from=&to= as RFC 3339, falling back to the defaults
func rangeParams(r *http.Request, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	from, to := defFrom, defTo
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("%w: from must be RFC 3339, got %q", medication.ErrInvalidWindow, v)
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, fmt.Errorf("%w: to must be RFC 3339, got %q", medication.ErrInvalidWindow, v)
		}
		to = t
	}
	if to.Before(from) {
		return from, to, fmt.Errorf("%w: from is after to", medication.ErrInvalidWindow)
	}
	return from, to, nil
}
