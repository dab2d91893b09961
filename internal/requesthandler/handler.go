// Package requesthandler subscribes to the inbound historical-data request
// topic on its own bus session, distinct from the publisher's, and
// satisfies requests by checking the historical cache, falling back to the
// upstream fetcher, coalescing concurrent demand for the same (symbol,
// timeframe) into a single upstream call.
package requesthandler

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"cryptopulse/internal/cache"
	"cryptopulse/internal/metrics"
	"cryptopulse/internal/publisher"
	"cryptopulse/internal/topics"
	"cryptopulse/internal/upstream"
)

// Handler subscribes to crypto/requests/historical and fulfils requests.
type Handler struct {
	client    mqtt.Client
	fetcher   *upstream.Fetcher
	histCache *cache.HistoricalCache
	pub       *publisher.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inFlight map[string]bool
}

// New constructs a Handler. It does not connect to the bus; Start does.
func New(fetcher *upstream.Fetcher, histCache *cache.HistoricalCache, pub *publisher.Publisher, logger *zap.Logger) *Handler {
	return &Handler{
		fetcher:   fetcher,
		histCache: histCache,
		pub:       pub,
		logger:    logger.Named("requesthandler"),
		inFlight:  make(map[string]bool),
	}
}

// SetMetrics installs the metrics collector recording coalesced requests.
// Safe to leave unset: a nil collector records nothing.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics = m
}

// Start connects the request handler's own session to the broker and
// subscribes to the request topic at QoS 1. The connection retries every
// 5 seconds on error.
func (h *Handler) Start(ctx context.Context, brokerAddr, clientID string) error {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + brokerAddr).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectRetry(true).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Subscribe(topics.RequestHistorical, 1, h.onMessage)
			token.Wait()
			if err := token.Error(); err != nil {
				h.logger.Error("failed to subscribe to request topic", zap.Error(err))
				return
			}
			h.logger.Info("subscribed to request topic", zap.String("topic", topics.RequestHistorical))
		})

	h.client = mqtt.NewClient(opts)
	token := h.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting request handler session to %s", brokerAddr)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect request handler session to %s: %w", brokerAddr, err)
	}
	return nil
}

// Stop disconnects the request handler's session.
func (h *Handler) Stop() {
	if h.client != nil {
		h.client.Disconnect(250)
	}
}

func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	symbol, timeframe, ok := topics.ParseRequestPayload(string(msg.Payload()))
	if !ok {
		h.logger.Debug("dropping malformed request payload", zap.ByteString("payload", msg.Payload()))
		return
	}
	h.logger.Info("received historical request", zap.String("symbol", symbol), zap.String("timeframe", timeframe))
	go h.handleRequest(symbol, timeframe)
}

func (h *Handler) handleRequest(symbol, timeframe string) {
	key := topics.CacheKey(symbol, timeframe)

	if series, ok := h.histCache.Get(key); ok {
		h.pub.PublishHistory(symbol, timeframe, series)
		return
	}

	h.mu.Lock()
	if h.inFlight[key] {
		m := h.metrics
		h.mu.Unlock()
		if m != nil {
			m.RequestsCoalesced.Inc()
		}
		h.logger.Debug("coalescing request into in-flight fetch", zap.String("key", key))
		return
	}
	h.inFlight[key] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.inFlight, key)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	series, err := h.fetcher.FetchHistory(ctx, symbol, timeframe)
	if err != nil {
		level := zap.WarnLevel
		if upErr, ok := err.(*upstream.Error); ok && (upErr.Kind == upstream.KindAuthFailed || upErr.Kind == upstream.KindParseError) {
			level = zap.ErrorLevel
		}
		h.logger.Log(level, "upstream fetch failed for request", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
		return
	}

	h.histCache.Set(key, series)
	h.pub.PublishHistory(symbol, timeframe, series)
}
