package topics

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"btc":  "BTC",
		" Eth ": "ETH",
		"SOL":  "SOL",
	}
	for in, want := range cases {
		if got := NormalizeSymbol(in); got != want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPriceTopic(t *testing.T) {
	if got, want := PriceTopic("btc"), "crypto/prices/BTC"; got != want {
		t.Errorf("PriceTopic() = %q, want %q", got, want)
	}
}

func TestHistoricalTopicRoundTrip(t *testing.T) {
	topic := HistoricalTopic("eth", "24h")
	if want := "crypto/historical/ETH/24h"; topic != want {
		t.Fatalf("HistoricalTopic() = %q, want %q", topic, want)
	}

	symbol, timeframe, ok := ParseHistoricalTopic(topic)
	if !ok || symbol != "ETH" || timeframe != "24h" {
		t.Fatalf("ParseHistoricalTopic() = (%q, %q, %v)", symbol, timeframe, ok)
	}
}

func TestParseHistoricalTopicRejectsNonHistorical(t *testing.T) {
	if _, _, ok := ParseHistoricalTopic("crypto/prices/BTC"); ok {
		t.Fatal("expected ok=false for a non-historical topic")
	}
}

func TestParsePriceTopic(t *testing.T) {
	symbol, ok := ParsePriceTopic("crypto/prices/BTC")
	if !ok || symbol != "BTC" {
		t.Fatalf("ParsePriceTopic() = (%q, %v)", symbol, ok)
	}

	if _, ok := ParsePriceTopic(LatestPrices); ok {
		t.Fatal("expected the aggregate latest-prices topic to be rejected")
	}
}

func TestParseRequestPayload(t *testing.T) {
	symbol, timeframe, ok := ParseRequestPayload("btc:24h")
	if !ok || symbol != "BTC" || timeframe != "24h" {
		t.Fatalf("ParseRequestPayload() = (%q, %q, %v)", symbol, timeframe, ok)
	}
}

func TestParseRequestPayloadRejectsMalformed(t *testing.T) {
	malformed := []string{"", "btc", "btc:", ":24h", "nocolon"}
	for _, payload := range malformed {
		if _, _, ok := ParseRequestPayload(payload); ok {
			t.Errorf("ParseRequestPayload(%q) should have been rejected", payload)
		}
	}
}

func TestCacheKeyMatchesRequestPayload(t *testing.T) {
	if CacheKey("btc", "24h") != "BTC:24h" {
		t.Fatalf("CacheKey() = %q", CacheKey("btc", "24h"))
	}
	if RequestPayload("btc", "24h") != "BTC:24h" {
		t.Fatalf("RequestPayload() = %q", RequestPayload("btc", "24h"))
	}
}
