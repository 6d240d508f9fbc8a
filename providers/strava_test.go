package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/pulseline/fitsync/errors"
)

func testStrava(serverURL string) *StravaAdapter {
	s := NewStravaAdapter(Credentials{ClientID: "cid", ClientSecret: "secret"})
	s.apiBase = serverURL
	return s
}

func TestStravaFetchPage_MapsActivities(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/athlete/activities", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "2", r.URL.Query().Get("per_page"))

		w.Header().Set("X-RateLimit-Usage", "87,450")
		w.Header().Set("X-RateLimit-Limit", "100,1000")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 101, "type": "Run", "start_date": "2026-08-20T07:00:00Z", "elapsed_time": 1800, "moving_time": 1700, "distance": 5000.5, "name": "Morning Run"},
			{"id": 102, "type": "Ride", "start_date": "2026-08-19T18:30:00Z", "elapsed_time": 3600, "moving_time": 3500, "distance": 20000, "name": "Evening Ride"}
		]`))
	}))
	defer server.Close()

	page, err := testStrava(server.URL).FetchPage(context.Background(), "tok", PageRequest{
		DataType:  "activity",
		PageToken: "2",
		PageSize:  2,
	})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)

	first := page.Records[0]
	assert.Equal(t, "strava", first.Source)
	assert.Equal(t, "101", first.OriginalID)
	assert.Equal(t, "run", first.Type)
	assert.Equal(t, time.Date(2026, 8, 20, 7, 0, 0, 0, time.UTC), first.StartTime)
	assert.Equal(t, 30*time.Minute, first.Duration)

	assert.Equal(t, "3", page.NextPageToken, "a full page yields a next token")

	require.NotNil(t, page.Quota)
	assert.Equal(t, "15min", page.Quota.PolicyName)
	assert.EqualValues(t, 13, page.Quota.Remaining)
}

func TestStravaFetchPage_SinceBoundsTheWindow(t *testing.T) {
	since := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, strconv.FormatInt(since.Unix(), 10), r.URL.Query().Get("after"))
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	_, err := testStrava(server.URL).FetchPage(context.Background(), "tok", PageRequest{Since: since})
	require.NoError(t, err)
}

func TestStravaFetchPage_PartialPageEndsPaging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[{"id": 1, "type": "Run", "start_date": "2026-08-20T07:00:00Z", "elapsed_time": 60}]`))
	}))
	defer server.Close()

	page, err := testStrava(server.URL).FetchPage(context.Background(), "tok", PageRequest{PageSize: 50})
	require.NoError(t, err)
	assert.Empty(t, page.NextPageToken)
}

func TestStravaFetchPage_ErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{"401 is auth expired", http.StatusUnauthorized, func(t *testing.T, err error) {
			assert.True(t, syncerrors.IsAuthExpired(err))
		}},
		{"429 is rate limited with reset", http.StatusTooManyRequests, func(t *testing.T, err error) {
			assert.True(t, syncerrors.IsRateLimited(err))
			assert.Equal(t, 15*time.Minute, syncerrors.RetryAfterOf(err))
		}},
		{"500 is transient", http.StatusInternalServerError, func(t *testing.T, err error) {
			assert.True(t, syncerrors.IsTransient(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			_, err := testStrava(server.URL).FetchPage(context.Background(), "tok", PageRequest{})
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestStravaParseEvents(t *testing.T) {
	s := NewStravaAdapter(Credentials{})

	t.Run("activity create", func(t *testing.T) {
		events, err := s.ParseEvents("application/json",
			[]byte(`{"object_type":"activity","object_id":42,"aspect_type":"create","owner_id":9,"event_time":1755600000}`))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "9", events[0].ProviderUserID)
		assert.Equal(t, "42", events[0].ObjectID)
		assert.False(t, events[0].Deleted)
		assert.False(t, events[0].Deauthorized)
		assert.NotEmpty(t, events[0].DeliveryID)
	})

	t.Run("activity delete", func(t *testing.T) {
		events, err := s.ParseEvents("application/json",
			[]byte(`{"object_type":"activity","object_id":42,"aspect_type":"delete","owner_id":9}`))
		require.NoError(t, err)
		assert.True(t, events[0].Deleted)
	})

	t.Run("athlete deauthorization", func(t *testing.T) {
		events, err := s.ParseEvents("application/json",
			[]byte(`{"object_type":"athlete","object_id":9,"aspect_type":"update","owner_id":9,"updates":{"authorized":"false"}}`))
		require.NoError(t, err)
		assert.True(t, events[0].Deauthorized)
	})
}

func TestParseStravaQuota_MissingHeaders(t *testing.T) {
	assert.Nil(t, parseStravaQuota(http.Header{}))
}
