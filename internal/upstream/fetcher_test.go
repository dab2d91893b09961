package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cryptopulse/internal/metrics"
)

func TestPollListingsParsesAndNormalizes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/cryptocurrency/listings/latest", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get(apiKeyHeader))
		w.Write([]byte(`{"data":[{"id":1,"name":"Bitcoin","symbol":"btc","quote":{"USD":{"price":50000,"percent_change_1h":0.1,"percent_change_24h":1.2,"percent_change_7d":3.4,"market_cap":1000000,"volume_24h":500000,"last_updated":"2026-07-29T00:00:00.000Z"}}}]}`))
	}))
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	instruments, err := f.PollListings(context.Background())
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "BTC", instruments[0].Symbol, "symbol must be normalized to uppercase")
	assert.Equal(t, 50000.0, instruments[0].Quote.Price)
}

func TestPollListingsMapsStatusCodes(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindAuthFailed},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindTransientHTTP},
		{http.StatusBadRequest, KindOtherHTTP},
	}

	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
		_, err := f.PollListings(context.Background())
		require.Error(t, err)

		upErr, ok := err.(*Error)
		require.True(t, ok)
		assert.Equal(t, tc.kind, upErr.Kind)

		server.Close()
	}
}

func TestTimeframeWindowDerivation(t *testing.T) {
	cases := []struct {
		timeframe string
		days      int
		interval  string
	}{
		{"1h", 1, "5m"},
		{"24h", 1, "1h"},
		{"1d", 1, "1h"},
		{"7d", 7, "2h"},
		{"30d", 30, "6h"},
		{"90d", 90, "1d"},
		{"365d", 365, "1d"},
		{"1y", 365, "1d"},
		{"all", 365, "1d"},
		{"bogus", 30, "1h"},
	}

	for _, tc := range cases {
		days, interval := timeframeWindow(tc.timeframe)
		assert.Equal(t, tc.days, days, "timeframe %q days", tc.timeframe)
		assert.Equal(t, tc.interval, interval, "timeframe %q interval", tc.timeframe)
	}
}

func TestFetchHistoryReturnsErrorSeriesWhenNoPointsSurvive(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cryptocurrency/quotes/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"BTC":{"id":1}}}`))
	})
	mux.HandleFunc("/v1/cryptocurrency/quotes/historical", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"quotes":[{"timestamp":"not-a-timestamp","quote":{"USD":{"price":1}}}]}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	series, err := f.FetchHistory(context.Background(), "btc", "24h")
	require.NoError(t, err, "an empty result set is reported via success=false, not a Go error")
	assert.False(t, series.Success)
	require.NotNil(t, series.Error)
	assert.Equal(t, "No historical data points found", *series.Error)
}

func TestFetchHistorySkipsUnparseablePointsButKeepsGoodOnes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cryptocurrency/quotes/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"ETH":{"id":2}}}`))
	})
	mux.HandleFunc("/v1/cryptocurrency/quotes/historical", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"quotes":[
			{"timestamp":"garbage","quote":{"USD":{"price":1}}},
			{"timestamp":"2026-07-29T00:00:00Z","quote":{"USD":{"price":3000}}}
		]}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	series, err := f.FetchHistory(context.Background(), "eth", "24h")
	require.NoError(t, err)
	require.True(t, series.Success)
	require.Len(t, series.Data, 1)
	assert.Equal(t, 3000.0, series.Data[0].Price)
}

func TestResolveIDReturnsParseErrorForUnknownSymbol(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	_, err := f.FetchHistory(context.Background(), "nope", "24h")
	require.Error(t, err)
	upErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindParseError, upErr.Kind)
}

func TestFetchLogoReturnsImageBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/static/img/coins/64x64/1.png", r.URL.Path)
		w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	data, err := f.FetchLogo(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestFetchLogoMapsNotFoundStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), server.URL)
	_, err := f.FetchLogo(context.Background(), 1)
	require.Error(t, err)
	upErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, KindOtherHTTP, upErr.Kind)
}

func TestFetcherRecordsLatencyAndErrorMetrics(t *testing.T) {
	m := metrics.New(zap.NewNop())

	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":1,"name":"Bitcoin","symbol":"btc","quote":{"USD":{"price":1}}}]}`))
	}))
	defer okServer.Close()

	f := NewFetcherWithBaseURL("test-key", zap.NewNop(), okServer.URL)
	f.SetMetrics(m)
	_, err := f.PollListings(context.Background())
	require.NoError(t, err)

	var observed dto.Metric
	require.NoError(t, m.UpstreamFetchLatency.WithLabelValues("poll_listings").(prometheus.Metric).Write(&observed))
	assert.Equal(t, uint64(1), observed.GetHistogram().GetSampleCount())

	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer failServer.Close()

	f2 := NewFetcherWithBaseURL("test-key", zap.NewNop(), failServer.URL)
	f2.SetMetrics(m)
	_, err = f2.PollListings(context.Background())
	require.Error(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.UpstreamFetchErrors.WithLabelValues(KindAuthFailed.String())))
}
