package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Code
	}{
		{
			name:     "direct taxonomy error",
			err:      New(NotFound, "flow missing"),
			expected: NotFound,
		},
		{
			name:     "wrapped taxonomy error",
			err:      fmt.Errorf("update failed: %w", New(RateLimit, "hourly budget exhausted")),
			expected: RateLimit,
		},
		{
			name:     "plain error defaults to processing",
			err:      errors.New("boom"),
			expected: Processing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CodeOf(tt.err))
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KVUnavailable, "get after retries")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, IsCode(err, KVUnavailable))
	assert.False(t, IsCode(err, NotFound))
	assert.Contains(t, err.Error(), "KV_UNAVAILABLE")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(AuthFailed))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimit))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(ConnLimit))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(Validation))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(NotInProject))
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(SizeLimit))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KVUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Processing))
}
