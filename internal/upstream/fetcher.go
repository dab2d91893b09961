// Package upstream is the upstream fetcher (C1): it polls the quote
// provider's listings endpoint on a schedule and fetches historical series
// lazily on demand. It is the sole authoritative data source for the
// service; every error it can return is reported, never thrown, so the
// caller can decide retention policy for the last-good snapshot.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cryptopulse/internal/metrics"
	"cryptopulse/internal/model"
)

const (
	listingsURL      = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/listings/latest"
	quotesLatestURL  = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/latest"
	quotesHistoryURL = "https://pro-api.coinmarketcap.com/v1/cryptocurrency/quotes/historical"
	logoURLTemplate  = "https://s2.coinmarketcap.com/static/img/coins/64x64/%d.png"
	apiKeyHeader     = "X-CMC_PRO_API_KEY"
)

// Fetcher polls the listings endpoint and fetches historical series.
type Fetcher struct {
	client  *http.Client
	apiKey  string
	logger  *zap.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	// baseURL overrides listingsURL/quotesLatestURL/quotesHistoryURL's host
	// in tests; empty means use the real upstream.
	baseURL string

	metrics *metrics.Metrics
}

// SetMetrics installs the metrics collector recording fetch latency and
// errors. Safe to leave unset: a nil collector just means nothing is
// recorded, which is how every existing test constructs a Fetcher.
func (f *Fetcher) SetMetrics(m *metrics.Metrics) {
	f.metrics = m
}

func (f *Fetcher) observe(operation string, start time.Time, err error) {
	if f.metrics == nil {
		return
	}
	f.metrics.UpstreamFetchLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := KindOtherHTTP
		if upErr, ok := err.(*Error); ok {
			kind = upErr.Kind
		}
		f.metrics.UpstreamFetchErrors.WithLabelValues(kind.String()).Inc()
	}
}

// NewFetcher constructs a Fetcher against the real upstream quote provider.
func NewFetcher(apiKey string, logger *zap.Logger) *Fetcher {
	return newFetcher(apiKey, logger, "")
}

// NewFetcherWithBaseURL constructs a Fetcher pointed at a test server;
// baseURL replaces the upstream host but path shapes are preserved.
func NewFetcherWithBaseURL(apiKey string, logger *zap.Logger, baseURL string) *Fetcher {
	return newFetcher(apiKey, logger, baseURL)
}

func newFetcher(apiKey string, logger *zap.Logger, baseURL string) *Fetcher {
	st := gobreaker.Settings{
		Name:    "upstream-listings",
		Timeout: 30 * time.Second,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}

	return &Fetcher{
		client:  &http.Client{Timeout: 10 * time.Second},
		apiKey:  apiKey,
		logger:  logger.Named("upstream"),
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		breaker: gobreaker.NewCircuitBreaker(st),
		baseURL: baseURL,
	}
}

func (f *Fetcher) resolve(path string) string {
	if f.baseURL == "" {
		return path
	}
	u, err := url.Parse(path)
	if err != nil {
		return path
	}
	base, err := url.Parse(f.baseURL)
	if err != nil {
		return path
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u.String()
}

type listingsEnvelope struct {
	Data []Instrument `json:"data"`
}

// Instrument mirrors the upstream listings-response shape (nested USD
// quote) before it is flattened to model.Instrument.
type Instrument struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Sym  string `json:"symbol"`
	Quote struct {
		USD struct {
			Price            float64 `json:"price"`
			PercentChange1h  float64 `json:"percent_change_1h"`
			PercentChange24h float64 `json:"percent_change_24h"`
			PercentChange7d  float64 `json:"percent_change_7d"`
			MarketCap        float64 `json:"market_cap"`
			Volume24h        float64 `json:"volume_24h"`
			LastUpdated      string  `json:"last_updated"`
		} `json:"USD"`
	} `json:"quote"`
}

func (i Instrument) normalize() model.Instrument {
	return model.Instrument{
		ID:     i.ID,
		Name:   i.Name,
		Symbol: topicsNormalize(i.Sym),
		Quote: model.Quote{
			Price:            i.Quote.USD.Price,
			PercentChange1h:  i.Quote.USD.PercentChange1h,
			PercentChange24h: i.Quote.USD.PercentChange24h,
			PercentChange7d:  i.Quote.USD.PercentChange7d,
			MarketCap:        i.Quote.USD.MarketCap,
			Volume24h:        i.Quote.USD.Volume24h,
			LastUpdated:      i.Quote.USD.LastUpdated,
		},
	}
}

// topicsNormalize mirrors topics.NormalizeSymbol without importing the
// topics package, keeping upstream free of a dependency on the bus layer.
func topicsNormalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// PollListings fetches the current listings snapshot (limit=100, convert=USD).
func (f *Fetcher) PollListings(ctx context.Context) ([]model.Instrument, error) {
	start := time.Now()
	instruments, err := f.pollListings(ctx)
	f.observe("poll_listings", start, err)
	return instruments, err
}

func (f *Fetcher) pollListings(ctx context.Context) ([]model.Instrument, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, newError(KindTransientHTTP, "rate limiter wait failed", err)
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.doPollListings(ctx)
	})
	if err != nil {
		if upErr, ok := err.(*Error); ok {
			return nil, upErr
		}
		return nil, newError(KindTransientHTTP, "circuit breaker open", err)
	}
	return result.([]model.Instrument), nil
}

func (f *Fetcher) doPollListings(ctx context.Context) ([]model.Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(listingsURL), nil)
	if err != nil {
		return nil, newError(KindOtherHTTP, "failed to build request", err)
	}
	q := req.URL.Query()
	q.Set("limit", "100")
	q.Set("convert", "USD")
	req.URL.RawQuery = q.Encode()
	req.Header.Set(apiKeyHeader, f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(KindTransientHTTP, "network error fetching listings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, newError(kindForStatus(resp.StatusCode), fmt.Sprintf("listings endpoint returned %d: %s", resp.StatusCode, string(body)), nil)
	}

	var envelope listingsEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, newError(KindParseError, "failed to parse listings response", err)
	}

	out := make([]model.Instrument, 0, len(envelope.Data))
	for _, inst := range envelope.Data {
		out = append(out, inst.normalize())
	}
	return out, nil
}

// timeframeWindow is the fixed (days, interval) derivation table. Values
// MUST match exactly: the cache key is "<SYMBOL>:<TIMEFRAME>" and carries
// no window, so a drift here silently changes what an existing cache entry
// for that key contains.
func timeframeWindow(timeframe string) (days int, interval string) {
	switch timeframe {
	case "1h":
		return 1, "5m"
	case "24h", "1d":
		return 1, "1h"
	case "7d":
		return 7, "2h"
	case "30d":
		return 30, "6h"
	case "90d":
		return 90, "1d"
	case "365d", "1y":
		return 365, "1d"
	case "all":
		return 365, "1d"
	default:
		return 30, "1h"
	}
}

// FetchHistory resolves symbol to an upstream id, then fetches the
// historical quotes window derived from timeframe.
func (f *Fetcher) FetchHistory(ctx context.Context, symbol, timeframe string) (model.Series, error) {
	start := time.Now()
	series, err := f.fetchHistory(ctx, symbol, timeframe)
	f.observe("fetch_history", start, err)
	return series, err
}

func (f *Fetcher) fetchHistory(ctx context.Context, symbol, timeframe string) (model.Series, error) {
	symbol = topicsNormalize(symbol)

	if err := f.limiter.Wait(ctx); err != nil {
		return model.Series{}, newError(KindTransientHTTP, "rate limiter wait failed", err)
	}

	id, err := f.resolveID(ctx, symbol)
	if err != nil {
		return model.Series{}, err
	}

	days, interval := timeframeWindow(timeframe)
	return f.fetchSeries(ctx, symbol, timeframe, id, days, interval)
}

// FetchLogo fetches the 64x64 PNG logo CoinMarketCap serves for the given
// listing id. It is not rate-limited or circuit-broken: logo fetches are
// rare (cache-backed, 24h freshness) compared to listings/history polling.
func (f *Fetcher) FetchLogo(ctx context.Context, id int64) ([]byte, error) {
	start := time.Now()
	data, err := f.fetchLogo(ctx, id)
	f.observe("fetch_logo", start, err)
	return data, err
}

func (f *Fetcher) fetchLogo(ctx context.Context, id int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(fmt.Sprintf(logoURLTemplate, id)), nil)
	if err != nil {
		return nil, newError(KindOtherHTTP, "failed to build logo request", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, newError(KindTransientHTTP, "network error fetching logo", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newError(kindForStatus(resp.StatusCode), fmt.Sprintf("logo request returned %d", resp.StatusCode), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindParseError, "failed to read logo image bytes", err)
	}
	return data, nil
}

func (f *Fetcher) resolveID(ctx context.Context, symbol string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(quotesLatestURL), nil)
	if err != nil {
		return 0, newError(KindOtherHTTP, "failed to build request", err)
	}
	q := req.URL.Query()
	q.Set("symbol", symbol)
	q.Set("convert", "USD")
	req.URL.RawQuery = q.Encode()
	req.Header.Set(apiKeyHeader, f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, newError(KindTransientHTTP, "network error resolving symbol id", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, newError(kindForStatus(resp.StatusCode), fmt.Sprintf("quotes/latest returned %d", resp.StatusCode), nil)
	}

	var payload struct {
		Data map[string]struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, newError(KindParseError, "failed to parse quotes/latest response", err)
	}

	entry, ok := payload.Data[symbol]
	if !ok {
		return 0, newError(KindParseError, "invalid symbol or no data found", nil)
	}
	return entry.ID, nil
}

func (f *Fetcher) fetchSeries(ctx context.Context, symbol, timeframe string, id int64, days int, interval string) (model.Series, error) {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -days)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.resolve(quotesHistoryURL), nil)
	if err != nil {
		return model.Series{}, newError(KindOtherHTTP, "failed to build request", err)
	}
	q := req.URL.Query()
	q.Set("id", fmt.Sprintf("%d", id))
	q.Set("time_start", start.Format("2006-01-02T15:04:05.000Z"))
	q.Set("time_end", now.Format("2006-01-02T15:04:05.000Z"))
	q.Set("interval", interval)
	req.URL.RawQuery = q.Encode()
	req.Header.Set(apiKeyHeader, f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return model.Series{}, newError(KindTransientHTTP, "network error fetching historical data", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Series{}, newError(kindForStatus(resp.StatusCode), fmt.Sprintf("quotes/historical returned %d", resp.StatusCode), nil)
	}

	var payload struct {
		Data struct {
			Quotes []struct {
				Timestamp string `json:"timestamp"`
				Quote     struct {
					USD struct {
						Price     float64  `json:"price"`
						Volume24h *float64 `json:"volume_24h"`
					} `json:"USD"`
				} `json:"quote"`
			} `json:"quotes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return model.Series{}, newError(KindParseError, "failed to parse historical response", err)
	}

	points := make([]model.Point, 0, len(payload.Data.Quotes))
	for _, quote := range payload.Data.Quotes {
		ts, err := time.Parse(time.RFC3339, quote.Timestamp)
		if err != nil {
			continue // unparseable timestamp: skip the point
		}
		points = append(points, model.Point{
			Timestamp: float64(ts.Unix()),
			Price:     quote.Quote.USD.Price,
			Volume:    quote.Quote.USD.Volume24h,
		})
	}

	if len(points) == 0 {
		return model.ErrorSeries(symbol, timeframe, "No historical data points found"), nil
	}

	return model.Series{
		Success:   true,
		Data:      points,
		Symbol:    &symbol,
		Timeframe: &timeframe,
	}, nil
}
