// Package topics is the cache-key / topic codec (C8): canonical symbol
// normalization and the mapping between (symbol, timeframe) pairs and the
// MQTT topic strings the rest of the system publishes and subscribes on.
package topics

import "strings"

const (
	LatestPrices      = "crypto/prices/latest"
	RequestHistorical = "crypto/requests/historical"

	pricesPrefix     = "crypto/prices/"
	historicalPrefix = "crypto/historical/"
)

// NormalizeSymbol uppercases a symbol the way every publisher and cache key
// must before it touches the bus or a map.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// PriceTopic returns the per-instrument retained topic for a symbol.
func PriceTopic(symbol string) string {
	return pricesPrefix + NormalizeSymbol(symbol)
}

// HistoricalTopic returns the retained topic for a (symbol, timeframe) series.
// Timeframe is used verbatim: it is not normalized, its string form IS the key.
func HistoricalTopic(symbol, timeframe string) string {
	return historicalPrefix + NormalizeSymbol(symbol) + "/" + timeframe
}

// CacheKey returns the historical-cache key for a (symbol, timeframe) pair.
func CacheKey(symbol, timeframe string) string {
	return NormalizeSymbol(symbol) + ":" + timeframe
}

// ParseHistoricalTopic splits a crypto/historical/<SYMBOL>/<TIMEFRAME> topic
// back into its symbol and timeframe. ok is false for anything else.
func ParseHistoricalTopic(topic string) (symbol, timeframe string, ok bool) {
	rest, found := strings.CutPrefix(topic, historicalPrefix)
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParsePriceTopic extracts the symbol from a crypto/prices/<SYMBOL> topic.
// ok is false for the aggregate crypto/prices/latest topic or anything else.
func ParsePriceTopic(topic string) (symbol string, ok bool) {
	rest, found := strings.CutPrefix(topic, pricesPrefix)
	if !found || rest == "" || topic == LatestPrices {
		return "", false
	}
	return rest, true
}

// ParseRequestPayload splits an inbound "<SYMBOL>:<TIMEFRAME>" payload.
// Malformed payloads (no colon, empty symbol or timeframe) are rejected
// silently per the request-topic contract: ok is false, caller drops it.
func ParseRequestPayload(payload string) (symbol, timeframe string, ok bool) {
	sym, tf, found := strings.Cut(payload, ":")
	if !found || sym == "" || tf == "" {
		return "", "", false
	}
	return NormalizeSymbol(sym), tf, true
}

// RequestPayload formats the "<SYMBOL>:<TIMEFRAME>" payload published on the
// request topic by the resilient subscriber client.
func RequestPayload(symbol, timeframe string) string {
	return NormalizeSymbol(symbol) + ":" + timeframe
}
