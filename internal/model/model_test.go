package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorSeriesShape(t *testing.T) {
	series := ErrorSeries("BTC", "24h", "No historical data points found")

	assert.False(t, series.Success)
	assert.Nil(t, series.Data)
	assert.NotNil(t, series.Error)
	assert.Equal(t, "No historical data points found", *series.Error)
	assert.Equal(t, "BTC", *series.Symbol)
	assert.Equal(t, "24h", *series.Timeframe)
}

func TestQuoteJSONFieldNames(t *testing.T) {
	q := Quote{
		Price:            50000.12,
		PercentChange1h:  0.5,
		PercentChange24h: -1.2,
		PercentChange7d:  3.4,
		MarketCap:        1e12,
		Volume24h:        2e10,
		LastUpdated:      "2026-07-29T00:00:00.000Z",
	}

	data, err := json.Marshal(q)
	assert.NoError(t, err)

	var raw map[string]any
	assert.NoError(t, json.Unmarshal(data, &raw))

	for _, key := range []string{
		"price", "percent_change_1h", "percent_change_24h", "percent_change_7d",
		"market_cap", "volume_24h", "last_updated",
	} {
		_, ok := raw[key]
		assert.True(t, ok, "expected JSON field %q", key)
	}
}

func TestPointOmitsVolumeWhenNil(t *testing.T) {
	p := Point{Timestamp: 1, Price: 2}
	data, err := json.Marshal(p)
	assert.NoError(t, err)

	var raw map[string]any
	assert.NoError(t, json.Unmarshal(data, &raw))
	_, ok := raw["volume"]
	assert.False(t, ok, "volume must be omitted when nil")
}
