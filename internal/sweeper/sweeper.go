// Package sweeper is the retention sweeper (C7): it periodically clears the
// retained historical-series entry for every (symbol, timeframe) pair in
// the fixed seed set, so a late-joining subscriber is not handed an
// indefinitely stale retained message. It does not touch the request
// handler's historical cache: the next request for a cleared pair is
// republished from that cache when it holds the pair, and fetched from
// upstream only when it does not.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cryptopulse/internal/metrics"
	"cryptopulse/internal/publisher"
	"cryptopulse/internal/topics"
)

// warmUp is how long the sweeper waits after startup before its first
// cycle, giving the upstream poller time to populate real data first.
const warmUp = 5 * time.Minute

// symbols is the fixed seed set the sweeper cycles over, independent of
// whatever the upstream listing currently contains.
var symbols = []string{"BTC", "ETH", "ADA", "SOL", "DOT", "MATIC", "LINK", "XRP", "LTC", "BCH"}

// cadence maps each timeframe to its sweep interval.
var cadence = []struct {
	timeframe string
	interval  time.Duration
}{
	{"1h", 300 * time.Second},
	{"24h", 3600 * time.Second},
	{"7d", 7200 * time.Second},
	{"30d", 21600 * time.Second},
	{"90d", 86400 * time.Second},
	{"365d", 86400 * time.Second},
}

// Sweeper runs the retention cycle forever until its context is cancelled.
type Sweeper struct {
	pub     *publisher.Publisher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New constructs a Sweeper.
func New(pub *publisher.Publisher, logger *zap.Logger) *Sweeper {
	return &Sweeper{pub: pub, logger: logger.Named("sweeper")}
}

// SetMetrics installs the metrics collector recording completed sweep
// cycles and cleared topics. Safe to leave unset: a nil collector records
// nothing.
func (s *Sweeper) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Run blocks, clearing retained historical entries on their per-timeframe
// cadence, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("retention sweeper warming up", zap.Duration("warm_up", warmUp))
	select {
	case <-ctx.Done():
		return
	case <-time.After(warmUp):
	}

	for _, tf := range cadence {
		go s.cycle(ctx, tf.timeframe, tf.interval)
	}
	<-ctx.Done()
}

func (s *Sweeper) cycle(ctx context.Context, timeframe string, interval time.Duration) {
	if ctx.Err() != nil {
		return
	}
	s.sweepOnce(timeframe)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(timeframe)
		}
	}
}

func (s *Sweeper) sweepOnce(timeframe string) {
	for _, symbol := range symbols {
		topic := topics.HistoricalTopic(symbol, timeframe)
		s.pub.ClearRetained(topic)
		if s.metrics != nil {
			s.metrics.RetainedTopicsCleared.Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.SweepCyclesCompleted.WithLabelValues(timeframe).Inc()
	}
	s.logger.Debug("completed sweep cycle", zap.String("timeframe", timeframe), zap.Int("symbols", len(symbols)))
}
