// Package busclient is the resilient subscriber client (C6): a long-lived
// bus connection that keeps a local snapshot of crypto/prices/latest and a
// local table of historical series fresh, debounces bursty updates, and
// recovers from connection loss with capped exponential backoff.
package busclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cryptopulse/internal/metrics"
	"cryptopulse/internal/model"
	"cryptopulse/internal/topics"
	"cryptopulse/internal/utils"
)

// Notifier is the change-hook capability: a single method invoked whenever
// the client accepts a new snapshot or historical series, in place of a raw
// function pointer. Callers that don't care about notifications never need
// to implement it; SetNotifier is optional.
type Notifier interface {
	notify()
}

// NotifierFunc adapts a plain function to a Notifier.
type NotifierFunc func()

func (f NotifierFunc) notify() { f() }

const (
	debounceWindow  = 500 * time.Millisecond
	coldStartWindow = 2 * time.Second
	maxBackoffSecs  = 32
	maxAttempts     = 5
)

// backoffSleep is overridden in tests so the 1,2,4,8,16s backoff sequence
// can be verified without a test actually waiting 31 seconds.
var backoffSleep = time.Sleep

// Client is the resilient subscriber bus client.
type Client struct {
	addr     string
	clientID string
	logger   *zap.Logger

	mu           sync.Mutex
	client       mqtt.Client
	connected    bool
	attempts     int
	exhausted    bool
	notifier     Notifier
	snapshot     []model.Instrument
	lastAccept   time.Time
	historical   map[string]model.Series
	metrics      *metrics.Metrics

	connectOnce sync.Once
}

// SetMetrics installs the metrics collector recording reconnect attempts and
// connection state. Safe to leave unset: a nil collector records nothing.
func (c *Client) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// New constructs a Client. The client ID is suffixed "-client" per the
// bus-wide client-id convention.
func New(addr, appName string, logger *zap.Logger) *Client {
	return &Client{
		addr:       addr,
		clientID:   appName + "-client",
		logger:     logger.Named("busclient"),
		historical: make(map[string]model.Series),
	}
}

// SetNotifier installs the change hook invoked after every accepted update.
func (c *Client) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Connect starts the connection attempt loop in the background. It returns
// immediately; use IsConnected to observe progress.
func (c *Client) Connect() {
	c.connectOnce.Do(func() {
		go c.connectLoop()
	})
}

// Reset clears the exhausted backoff state and starts a fresh connection
// attempt sequence. It is the only way out of the degraded "not connected"
// state reached after six consecutive failed dials (the first dial plus
// five backed-off retries).
func (c *Client) Reset() {
	c.mu.Lock()
	c.attempts = 0
	c.exhausted = false
	c.mu.Unlock()
	c.connectOnce = sync.Once{}
	c.Connect()
}

// IsConnected reports whether the underlying session is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) connectLoop() {
	for {
		c.mu.Lock()
		if c.exhausted {
			c.mu.Unlock()
			return
		}
		attempt := c.attempts
		c.mu.Unlock()

		if attempt > 0 {
			backoff := utils.MinInt(1<<(attempt-1), maxBackoffSecs)
			c.logger.Warn("backing off before reconnect attempt",
				zap.Int("attempt", attempt+1), zap.Int("backoff_secs", backoff))
			backoffSleep(time.Duration(backoff) * time.Second)
		}

		if err := c.dial(); err != nil {
			c.mu.Lock()
			c.attempts++
			// Exhaust only after a 6th consecutive failure: the 5th failure
			// still sleeps its 16s backoff and gets one more dial attempt
			// before giving up.
			exhausted := c.attempts > maxAttempts
			c.exhausted = exhausted
			m := c.metrics
			c.mu.Unlock()
			if m != nil {
				m.BusReconnectAttempts.Inc()
			}
			c.logger.Error("bus connection attempt failed", zap.Error(err), zap.Int("attempt", attempt+1))
			if exhausted {
				c.logger.Error("exhausted reconnect attempts, call Reset to try again")
				return
			}
			continue
		}
		return
	}
}

func (c *Client) dial() error {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + c.addr).
		SetClientID(c.clientID).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("timed out connecting to %s", c.addr)
	}
	if err := token.Error(); err != nil {
		return err
	}

	c.mu.Lock()
	c.client = client
	c.connected = true
	c.attempts = 0
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.BusConnected.Set(1)
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	if token := client.Subscribe(topics.LatestPrices, 1, c.onSnapshotMessage); token.Wait() && token.Error() != nil {
		c.logger.Error("failed to subscribe to latest prices", zap.Error(token.Error()))
	}
	if token := client.Subscribe("crypto/historical/+/+", 0, c.onHistoricalMessage); token.Wait() && token.Error() != nil {
		c.logger.Error("failed to subscribe to historical series", zap.Error(token.Error()))
	}
	c.logger.Info("bus client connected and subscribed", zap.String("client_id", c.clientID))
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.BusConnected.Set(0)
	}
	c.logger.Warn("bus connection lost, will attempt to reconnect", zap.Error(err))
	go c.connectLoop()
}

func (c *Client) onSnapshotMessage(_ mqtt.Client, msg mqtt.Message) {
	var snapshot []model.Instrument
	if err := json.Unmarshal(msg.Payload(), &snapshot); err != nil {
		c.logger.Warn("failed to decode snapshot message", zap.Error(err))
		return
	}

	c.mu.Lock()
	now := time.Now()
	if !c.lastAccept.IsZero() && now.Sub(c.lastAccept) < debounceWindow {
		c.mu.Unlock()
		return
	}
	c.lastAccept = now
	c.snapshot = snapshot
	notifier := c.notifier
	c.mu.Unlock()

	if notifier != nil {
		notifier.notify()
	}
}

func (c *Client) onHistoricalMessage(_ mqtt.Client, msg mqtt.Message) {
	symbol, timeframe, ok := topics.ParseHistoricalTopic(msg.Topic())
	if !ok {
		return
	}
	if len(msg.Payload()) == 0 {
		// Retained-message clear: the sweeper dropped this entry.
		c.mu.Lock()
		delete(c.historical, topics.CacheKey(symbol, timeframe))
		c.mu.Unlock()
		return
	}

	var series model.Series
	if err := json.Unmarshal(msg.Payload(), &series); err != nil {
		c.logger.Warn("failed to decode historical message", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
		return
	}

	c.mu.Lock()
	c.historical[topics.CacheKey(symbol, timeframe)] = series
	notifier := c.notifier
	c.mu.Unlock()

	if notifier != nil {
		notifier.notify()
	}
}

// GetLatest returns the current snapshot. If nothing has arrived yet it
// waits up to coldStartWindow for the first retained message to land.
func (c *Client) GetLatest() ([]model.Instrument, bool) {
	deadline := time.Now().Add(coldStartWindow)
	for {
		c.mu.Lock()
		snapshot := c.snapshot
		c.mu.Unlock()
		if snapshot != nil {
			return snapshot, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// GetHistory returns the cached series for (symbol, timeframe), publishing
// a request and polling up to coldStartWindow if it isn't cached yet.
func (c *Client) GetHistory(symbol, timeframe string) model.Series {
	key := topics.CacheKey(symbol, timeframe)

	c.mu.Lock()
	if series, ok := c.historical[key]; ok {
		c.mu.Unlock()
		return series
	}
	client := c.client
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return model.ErrorSeries(symbol, timeframe, "not available after request")
	}

	// correlationID ties this poll cycle's log lines together; it never
	// touches the wire — the request-topic payload format is fixed.
	correlationID := uuid.New().String()
	requestLogger := c.logger.With(zap.String("correlation_id", correlationID), zap.String("symbol", symbol), zap.String("timeframe", timeframe))

	token := client.Publish(topics.RequestHistorical, 1, false, []byte(topics.RequestPayload(symbol, timeframe)))
	token.Wait()
	if err := token.Error(); err != nil {
		requestLogger.Warn("failed to publish historical request", zap.Error(err))
		return model.ErrorSeries(symbol, timeframe, "not available after request")
	}
	requestLogger.Debug("published historical request, polling for retained reply")

	deadline := time.Now().Add(coldStartWindow)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		series, ok := c.historical[key]
		c.mu.Unlock()
		if ok {
			requestLogger.Debug("historical request satisfied")
			return series
		}
		time.Sleep(50 * time.Millisecond)
	}

	requestLogger.Warn("historical request timed out waiting for retained reply")
	return model.ErrorSeries(symbol, timeframe, "not available after request")
}

// Disconnect tears down the session.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.connected = false
	c.exhausted = true
	m := c.metrics
	c.mu.Unlock()
	if m != nil {
		m.BusConnected.Set(0)
	}
	if client != nil {
		client.Disconnect(250)
	}
}
