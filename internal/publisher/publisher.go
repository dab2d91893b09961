// Package publisher is the publisher (C4): it serializes cached values to
// canonical topic payloads and publishes them with retention over the
// publisher's own bus session.
package publisher

import (
	"encoding/json"

	"go.uber.org/zap"

	"cryptopulse/internal/model"
	"cryptopulse/internal/topics"
)

const (
	qosAtMostOnce  byte = 0
	qosAtLeastOnce byte = 1
)

// Publisher publishes snapshots and historical series with retention.
type Publisher struct {
	session Session
	logger  *zap.Logger
}

// New constructs a Publisher over an already-connected (or stub) session.
func New(session Session, logger *zap.Logger) *Publisher {
	return &Publisher{session: session, logger: logger.Named("publisher")}
}

// PublishSnapshot publishes the full snapshot to crypto/prices/latest at
// QoS 1 retained, then publishes each instrument individually to
// crypto/prices/<SYMBOL>. A serialization error for one instrument is
// logged and skipped; it never aborts the batch.
func (p *Publisher) PublishSnapshot(snapshot []model.Instrument) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		p.logger.Error("failed to serialize snapshot", zap.Error(err))
	} else if err := p.session.Publish(topics.LatestPrices, qosAtLeastOnce, true, payload); err != nil {
		p.logger.Error("failed to publish snapshot", zap.String("topic", topics.LatestPrices), zap.Error(err))
	} else {
		p.logger.Info("published snapshot", zap.Int("instruments", len(snapshot)))
	}

	for _, inst := range snapshot {
		individual, err := json.Marshal(inst)
		if err != nil {
			p.logger.Error("failed to serialize instrument", zap.String("symbol", inst.Symbol), zap.Error(err))
			continue
		}
		topic := topics.PriceTopic(inst.Symbol)
		if err := p.session.Publish(topic, qosAtLeastOnce, true, individual); err != nil {
			p.logger.Error("failed to publish instrument", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// PublishHistory publishes a historical series to
// crypto/historical/<SYMBOL>/<timeframe> at QoS 0 retained.
func (p *Publisher) PublishHistory(symbol, timeframe string, series model.Series) {
	payload, err := json.Marshal(series)
	if err != nil {
		p.logger.Error("failed to serialize historical series", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Error(err))
		return
	}

	topic := topics.HistoricalTopic(symbol, timeframe)
	if err := p.session.Publish(topic, qosAtMostOnce, true, payload); err != nil {
		p.logger.Error("failed to publish historical series", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.logger.Info("published historical series", zap.String("symbol", symbol), zap.String("timeframe", timeframe), zap.Int("points", len(series.Data)))
}

// ClearRetained publishes an empty retained payload to topic, causing the
// broker to drop its retained entry.
func (p *Publisher) ClearRetained(topic string) {
	if err := p.session.Publish(topic, qosAtLeastOnce, true, []byte{}); err != nil {
		p.logger.Warn("failed to clear retained topic", zap.String("topic", topic), zap.Error(err))
		return
	}
	p.logger.Debug("cleared retained topic", zap.String("topic", topic))
}
