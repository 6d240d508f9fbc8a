package errors

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindAuthExpired, KindOf(NewAuthExpired("strava", nil)))
	assert.Equal(t, KindRateLimited, KindOf(NewRateLimited("strava", time.Minute, nil)))
	assert.Equal(t, KindStorageUnavailable, KindOf(NewStorageUnavailable("strava", nil)))
	assert.Equal(t, KindTransient, KindOf(errors.New("plain")), "unknown errors default to transient")

	wrapped := fmt.Errorf("fetching page: %w", NewAuthExpired("fitbit", errors.New("401")))
	assert.Equal(t, KindAuthExpired, KindOf(wrapped))
}

func TestRetryAfterOf(t *testing.T) {
	assert.Equal(t, 15*time.Minute, RetryAfterOf(NewRateLimited("strava", 15*time.Minute, nil)))
	assert.Zero(t, RetryAfterOf(NewTransient("strava", nil)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuthExpired},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusNotFound, KindTransient},
	}
	for _, tc := range cases {
		err := ClassifyHTTP("strava", tc.status, nil)
		assert.NotNilf(t, err, "status %d", tc.status)
		assert.Equalf(t, tc.want, err.Kind, "status %d", tc.status)
	}

	assert.Nil(t, ClassifyHTTP("strava", http.StatusOK, nil))
	assert.Nil(t, ClassifyHTTP("strava", http.StatusNoContent, nil))
}

func TestClassifyTransport(t *testing.T) {
	t.Run("nil passes through", func(t *testing.T) {
		assert.Nil(t, ClassifyTransport("withings", nil))
	})

	t.Run("existing classification is preserved", func(t *testing.T) {
		orig := NewRateLimited("withings", time.Minute, errors.New("601"))
		got := ClassifyTransport("withings", fmt.Errorf("call: %w", orig))
		assert.Equal(t, KindRateLimited, got.Kind)
		assert.Equal(t, time.Minute, got.RetryAfter)
	})

	t.Run("invalid_grant from the token endpoint kills the integration", func(t *testing.T) {
		err := &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusBadRequest},
			Body:     []byte(`{"error":"invalid_grant"}`),
		}
		assert.Equal(t, KindAuthExpired, ClassifyTransport("withings", err).Kind)
	})

	t.Run("rate limited token endpoint", func(t *testing.T) {
		err := &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusTooManyRequests},
		}
		assert.Equal(t, KindRateLimited, ClassifyTransport("withings", err).Kind)
	})

	t.Run("network failures are transient", func(t *testing.T) {
		err := &url.Error{Op: "Post", URL: "https://example.test", Err: errors.New("connection refused")}
		assert.Equal(t, KindTransient, ClassifyTransport("withings", err).Kind)
	})
}

func TestSyncErrorMessage(t *testing.T) {
	assert.Equal(t, "strava: rate_limited",
		NewRateLimited("strava", 0, nil).Error())
	assert.Equal(t, "strava: auth_expired: token revoked",
		NewAuthExpired("strava", errors.New("token revoked")).Error())
}
