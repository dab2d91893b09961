// Package model holds the wire-level data types shared by every component:
// the quote snapshot published on crypto/prices/*, and the historical
// series published on crypto/historical/<SYMBOL>/<TIMEFRAME>.
package model

// Quote carries the USD-denominated market data for one instrument.
type Quote struct {
	Price            float64 `json:"price"`
	PercentChange1h  float64 `json:"percent_change_1h"`
	PercentChange24h float64 `json:"percent_change_24h"`
	PercentChange7d  float64 `json:"percent_change_7d"`
	MarketCap        float64 `json:"market_cap"`
	Volume24h        float64 `json:"volume_24h"`
	LastUpdated      string  `json:"last_updated"`
}

// Instrument is a single tracked cryptocurrency.
type Instrument struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// Point is one sample of a historical series.
type Point struct {
	Timestamp float64  `json:"timestamp"`
	Price     float64  `json:"price"`
	Volume    *float64 `json:"volume,omitempty"`
}

// Series is a historical price/volume time series for one (symbol, timeframe).
type Series struct {
	Success   bool    `json:"success"`
	Data      []Point `json:"data"`
	Error     *string `json:"error,omitempty"`
	Symbol    *string `json:"symbol,omitempty"`
	Timeframe *string `json:"timeframe,omitempty"`
}

// ErrorSeries builds the canonical failure shape for a (symbol, timeframe)
// historical request: success=false, empty data, error set.
func ErrorSeries(symbol, timeframe, errMsg string) Series {
	return Series{
		Success:   false,
		Data:      nil,
		Error:     &errMsg,
		Symbol:    &symbol,
		Timeframe: &timeframe,
	}
}
