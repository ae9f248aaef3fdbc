package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/apiengine/internal/shared/apperr"
)

// errorResponse is the body of every error answer.
type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Window     string `json:"window,omitempty"`
	Used       int64  `json:"used,omitempty"`
	Limit      int64  `json:"limit,omitempty"`
	RetryAfter int64  `json:"retry_after,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err onto a status and a caller-safe body and returns the
// status written. Causes only go to the log.
func writeError(w http.ResponseWriter, log logrus.FieldLogger, err error) int {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	body := errorResponse{Error: string(kind), Message: apperr.MessageOf(err)}
	var ae *apperr.Error
	if kind == apperr.QuotaExceeded && errors.As(err, &ae) {
		body.Window, body.Used, body.Limit = ae.Window, ae.Used, ae.Limit
	}
	if retry := w.Header().Get("Retry-After"); retry != "" {
		body.RetryAfter, _ = strconv.ParseInt(retry, 10, 64)
	}

	switch {
	case kind == apperr.Unavailable:
		log.WithError(err).WithField("kind", kind).Warn("request failed")
	case status >= http.StatusInternalServerError:
		log.WithError(err).WithField("kind", kind).Error("request failed")
	}
	writeJSON(w, status, body)
	return status
}

// retryAfterSeconds rounds the wait until resetAt up to whole seconds, at least 1.
func retryAfterSeconds(now, resetAt time.Time) int64 {
	secs := int64(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apperr.Wrap(apperr.Invalid, err, "invalid request body")
	}
	return nil
}

// readAll buffers a request body of at most limit bytes.
func readAll(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	if err != nil {
		return nil, apperr.Wrap(apperr.Invalid, err, "invalid request body")
	}
	return data, nil
}
