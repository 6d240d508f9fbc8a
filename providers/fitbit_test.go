package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/pulseline/fitsync/errors"
)

func fitbitSign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret+"&"))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestFitbitVerifyEvent(t *testing.T) {
	f := NewFitbitAdapter(Credentials{ClientSecret: "s3cr3t"})
	body := []byte(`[{"collectionType":"activities","date":"2026-08-20","ownerId":"ABC"}]`)

	t.Run("valid signature", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fitbit-Signature", fitbitSign("s3cr3t", body))
		assert.NoError(t, f.VerifyEvent(header, body))
	})

	t.Run("missing signature", func(t *testing.T) {
		assert.Error(t, f.VerifyEvent(http.Header{}, body))
	})

	t.Run("wrong key", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fitbit-Signature", fitbitSign("other", body))
		assert.Error(t, f.VerifyEvent(header, body))
	})

	t.Run("tampered body", func(t *testing.T) {
		header := http.Header{}
		header.Set("X-Fitbit-Signature", fitbitSign("s3cr3t", body))
		assert.Error(t, f.VerifyEvent(header, append(body, ' ')))
	})
}

func TestFitbitParseEvents(t *testing.T) {
	f := NewFitbitAdapter(Credentials{})

	t.Run("activity notifications", func(t *testing.T) {
		events, err := f.ParseEvents("application/json", []byte(`[
			{"collectionType":"activities","date":"2026-08-20","ownerId":"ABC","subscriptionId":"sub1"},
			{"collectionType":"sleep","date":"2026-08-19","ownerId":"ABC","subscriptionId":"sub1"}
		]`))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "activity", events[0].DataType)
		assert.Equal(t, "2026-08-20", events[0].Date)
		assert.Equal(t, "sleep", events[1].DataType)
		assert.NotEqual(t, events[0].DeliveryID, events[1].DeliveryID)
	})

	t.Run("revoked access", func(t *testing.T) {
		events, err := f.ParseEvents("application/json",
			[]byte(`[{"collectionType":"userRevokedAccess","date":"2026-08-20","ownerId":"ABC"}]`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.True(t, events[0].Deauthorized)
	})
}

func TestFitbitFetchPage_MapsActivities(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/1/user/-/activities/list.json", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Fitbit-Rate-Limit-Remaining", "140")
		w.Header().Set("Fitbit-Rate-Limit-Reset", "1200")
		w.Write([]byte(`{
			"activities": [
				{"logId": 7001, "activityName": "Outdoor Run", "startTime": "2026-08-20T07:00:00.000+00:00", "duration": 1800000, "calories": 320}
			],
			"pagination": {"next": "https://api.fitbit.com/1/user/-/activities/list.json?offset=1"}
		}`))
	}))
	defer server.Close()

	f := NewFitbitAdapter(Credentials{})
	f.apiBase = server.URL

	page, err := f.FetchPage(context.Background(), "tok", PageRequest{DataType: "activity", PageSize: 1})
	require.NoError(t, err)
	require.Len(t, page.Records, 1)

	record := page.Records[0]
	assert.Equal(t, "fitbit", record.Source)
	assert.Equal(t, "7001", record.OriginalID)
	assert.Equal(t, "outdoor_run", record.Type)
	assert.Equal(t, 30*time.Minute, record.Duration)

	assert.NotEmpty(t, page.NextPageToken)
	require.NotNil(t, page.Quota)
	assert.EqualValues(t, 140, page.Quota.Remaining)
	assert.Equal(t, 20*time.Minute, page.Quota.Reset)
}

func TestFitbitFetchPage_SinceBoundsTheWindow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-08-01", r.URL.Query().Get("afterDate"))
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))
		assert.Empty(t, r.URL.Query().Get("beforeDate"))
		w.Write([]byte(`{"activities": [], "pagination": {}}`))
	}))
	defer server.Close()

	f := NewFitbitAdapter(Credentials{})
	f.apiBase = server.URL

	_, err := f.FetchPage(context.Background(), "tok", PageRequest{
		DataType: "activity",
		Since:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestFitbitFetchPage_RateLimitUsesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := NewFitbitAdapter(Credentials{})
	f.apiBase = server.URL

	_, err := f.FetchPage(context.Background(), "tok", PageRequest{})
	require.Error(t, err)
	assert.True(t, syncerrors.IsRateLimited(err))
	assert.Equal(t, 10*time.Minute, syncerrors.RetryAfterOf(err))
}

func TestNormalizeActivityType(t *testing.T) {
	assert.Equal(t, "outdoor_run", normalizeActivityType("Outdoor Run"))
	assert.Equal(t, "walk", normalizeActivityType("Walk"))
	assert.Equal(t, "unknown", normalizeActivityType(""))
}
