package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// OHLC holds the open/high/low/close midpoint prices of one trailing window.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Bar is the OHLC of the window ending at TS for Symbol.
// It is emitted once per quote and never mutated afterwards.
type Bar struct {
	Symbol string
	TS     uint64 // Unix ms of the quote that closed the window
	OHLC
}

// barRecord is the wire shape of a Bar. Prices travel as fixed 6-decimal
// strings so every sink renders them identically.
type barRecord struct {
	Symbol    string `json:"symbol"`
	Timestamp uint64 `json:"timestamp"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
}

// FormatPrice renders a price with exactly six decimals.
func FormatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// MarshalJSON encodes the bar as
// {"symbol":..,"timestamp":..,"open":"x.xxxxxx",...}.
func (b Bar) MarshalJSON() ([]byte, error) {
	return json.Marshal(barRecord{
		Symbol:    b.Symbol,
		Timestamp: b.TS,
		Open:      FormatPrice(b.Open),
		High:      FormatPrice(b.High),
		Low:       FormatPrice(b.Low),
		Close:     FormatPrice(b.Close),
	})
}

// UnmarshalJSON decodes the record shape produced by MarshalJSON.
func (b *Bar) UnmarshalJSON(data []byte) error {
	var rec barRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	var err error
	parse := func(field, s string) float64 {
		if err != nil {
			return 0
		}
		v, perr := strconv.ParseFloat(s, 64)
		if perr != nil {
			err = fmt.Errorf("bar %s: %w", field, perr)
		}
		return v
	}
	out := Bar{Symbol: rec.Symbol, TS: rec.Timestamp}
	out.Open = parse("open", rec.Open)
	out.High = parse("high", rec.High)
	out.Low = parse("low", rec.Low)
	out.Close = parse("close", rec.Close)
	if err != nil {
		return err
	}
	*b = out
	return nil
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := b.MarshalJSON()
	return data
}

// Channel returns the Pub/Sub channel for this bar's symbol: "pub:bar:{symbol}".
func (b *Bar) Channel() string {
	return BarChannel(b.Symbol)
}

// BarChannel returns the Pub/Sub channel for a symbol.
func BarChannel(symbol string) string {
	return "pub:bar:" + symbol
}
