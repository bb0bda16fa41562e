package scrape

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hzpp-delays/poller/internal/config"
)

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.LiveStatusURL = url + "/train/delay?trainId=%d"
	cfg.LiveStatusToken = "secret"
	cfg.RequestTimeout = 100 * time.Millisecond
	cfg.RetryAttempts = 3
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	return cfg
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "101", r.URL.Query().Get("trainId"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<p>Vlak je redovit</p>"))
	}))
	defer srv.Close()

	payload, err := NewClient(testConfig(srv.URL)).Fetch(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, 101, payload.RouteNumber)
	assert.Equal(t, "<p>Vlak je redovit</p>", string(payload.Body))
	assert.Contains(t, payload.ContentType, "text/html")
	assert.False(t, payload.FetchedAt.IsZero())
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Fetch(context.Background(), 999)
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchPermanent, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("<p>Kasni 3 min.</p>"))
	}))
	defer srv.Close()

	payload, err := NewClient(testConfig(srv.URL)).Fetch(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, "<p>Kasni 3 min.</p>", string(payload.Body))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchTimeoutExhaustsAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RequestTimeout = 30 * time.Millisecond

	_, err := NewClient(cfg).Fetch(context.Background(), 205)
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Transient())
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 205, fe.RouteNumber)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RequestTimeout = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(cfg).Fetch(ctx, 101)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestFetchRejectsBinaryDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	defer srv.Close()

	_, err := NewClient(testConfig(srv.URL)).Fetch(context.Background(), 101)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FetchPermanent, fe.Kind)
	assert.Equal(t, 1, fe.Attempts)
}

func TestStatusKind(t *testing.T) {
	tests := []struct {
		code int
		want FetchKind
	}{
		{http.StatusNotFound, FetchPermanent},
		{http.StatusGone, FetchPermanent},
		{http.StatusUnauthorized, FetchPermanent},
		{http.StatusRequestTimeout, FetchTransient},
		{http.StatusTooManyRequests, FetchTransient},
		{http.StatusInternalServerError, FetchTransient},
		{http.StatusBadGateway, FetchTransient},
	}
	for _, tc := range tests {
		t.Run(http.StatusText(tc.code), func(t *testing.T) {
			assert.Equal(t, tc.want, statusKind(tc.code))
		})
	}
}
