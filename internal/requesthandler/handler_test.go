package requesthandler

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"cryptopulse/internal/cache"
	"cryptopulse/internal/metrics"
	"cryptopulse/internal/model"
	"cryptopulse/internal/publisher"
	"cryptopulse/internal/upstream"
)

type countingSession struct {
	mu        sync.Mutex
	published int
	last      []byte
}

func (s *countingSession) Publish(topic string, qos byte, retained bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published++
	s.last = payload
	return nil
}

func (s *countingSession) Disconnect() {}

func (s *countingSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

func TestHandleRequestCacheHitPublishesWithoutFetching(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	fetcher := upstream.NewFetcherWithBaseURL("key", zap.NewNop(), server.URL)
	histCache := cache.NewHistoricalCache()
	histCache.Set("BTC:24h", model.Series{Success: true, Data: []model.Point{{Timestamp: 1, Price: 2}}})

	session := &countingSession{}
	pub := publisher.New(session, zap.NewNop())
	h := New(fetcher, histCache, pub, zap.NewNop())

	h.handleRequest("BTC", "24h")

	assert.Equal(t, int32(0), atomic.LoadInt32(&calls), "cache hit must not call upstream")
	assert.Equal(t, 1, session.count())
}

func TestHandleRequestCoalescesConcurrentCallsForSameKey(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cryptocurrency/quotes/latest", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"BTC":{"id":1}}}`))
	})
	mux.HandleFunc("/v1/cryptocurrency/quotes/historical", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		w.Write([]byte(`{"data":{"quotes":[{"timestamp":"2026-07-29T00:00:00Z","quote":{"USD":{"price":1}}}]}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	fetcher := upstream.NewFetcherWithBaseURL("key", zap.NewNop(), server.URL)
	histCache := cache.NewHistoricalCache()
	session := &countingSession{}
	pub := publisher.New(session, zap.NewNop())
	h := New(fetcher, histCache, pub, zap.NewNop())
	m := metrics.New(zap.NewNop())
	h.SetMetrics(m)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.handleRequest("BTC", "24h")
	}()

	// Give the first call time to mark the key in-flight before firing the
	// second; the second must see the in-flight key and no-op.
	time.Sleep(50 * time.Millisecond)
	h.handleRequest("BTC", "24h")

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent requests for the same key must coalesce into one upstream call")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestsCoalesced))
}

func TestHandleRequestDoesNothingOnUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := upstream.NewFetcherWithBaseURL("key", zap.NewNop(), server.URL)
	histCache := cache.NewHistoricalCache()
	session := &countingSession{}
	pub := publisher.New(session, zap.NewNop())
	h := New(fetcher, histCache, pub, zap.NewNop())

	h.handleRequest("BTC", "24h")

	assert.Equal(t, 0, session.count(), "a failed fetch must not publish anything")
	_, ok := histCache.Get("BTC:24h")
	assert.False(t, ok)
}
