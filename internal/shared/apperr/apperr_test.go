package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("deploy: %w", Wrap(StartFailed, cause, "instance did not start"))

	assert.Equal(t, StartFailed, KindOf(err))
	assert.True(t, Is(err, StartFailed))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, New(StartFailed, "")))
	assert.False(t, errors.Is(err, New(BuildFailed, "")))
	assert.Equal(t, "instance did not start", MessageOf(err))

	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, "internal error", MessageOf(errors.New("secret=abc")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestQuota(t *testing.T) {
	err := Quota("hour", 3, 3)

	assert.Equal(t, QuotaExceeded, err.Kind)
	assert.Equal(t, int64(3), err.Used)
	assert.Equal(t, int64(3), err.Limit)
	assert.Equal(t, "hour quota exceeded (3/3)", err.Message)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Invalid, http.StatusBadRequest},
		{UnsupportedLanguage, http.StatusBadRequest},
		{Unauthenticated, http.StatusUnauthorized},
		{Unauthorized, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{QuotaExceeded, http.StatusTooManyRequests},
		{Unavailable, http.StatusServiceUnavailable},
		{ProvisionerUnavailable, http.StatusServiceUnavailable},
		{UpstreamTimeout, http.StatusGatewayTimeout},
		{UpstreamError, http.StatusBadGateway},
		{BuildFailed, http.StatusInternalServerError},
		{Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.kind))
		})
	}
}
