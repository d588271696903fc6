// Package feed converts between line-delimited JSON records and the engine's
// quote and bar types.
//
// Input records carry one quote each:
//
//	{"s":"EURUSD","T":1700000000000,"b":"1.10000","a":"1.10020"}
//
// where b and a are decimal strings (bare JSON numbers are accepted too).
// Output records are model.Bar values, one JSON object per line.
package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"ohlc-engine/internal/model"
)

var (
	// ErrMissingSymbol is returned for a record without a symbol.
	ErrMissingSymbol = errors.New("feed: missing symbol")
	// ErrBadPrice is returned when bid or ask is not a finite decimal.
	ErrBadPrice = errors.New("feed: bad price")
	// ErrMissingField is returned when T, b or a is absent.
	ErrMissingField = errors.New("feed: missing field")
)

// price decodes either "1.2345" or 1.2345. decimal.NewFromString rejects NaN
// and Inf spellings, and exponents beyond float64 range are rejected after
// conversion, so only finite prices reach the aggregator.
type price struct {
	v   float64
	set bool
}

func (p *price) UnmarshalJSON(data []byte) error {
	raw := data
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		raw = []byte(s)
	}
	d, err := decimal.NewFromString(string(bytes.TrimSpace(raw)))
	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadPrice, data)
	}
	p.v = d.InexactFloat64()
	if math.IsInf(p.v, 0) {
		return fmt.Errorf("%w: %q overflows float64", ErrBadPrice, data)
	}
	p.set = true
	return nil
}

type wireQuote struct {
	S string  `json:"s"`
	T *uint64 `json:"T"`
	B price   `json:"b"`
	A price   `json:"a"`
}

// Decode parses one input record.
func Decode(line []byte) (model.Quote, error) {
	var w wireQuote
	if err := json.Unmarshal(line, &w); err != nil {
		if errors.Is(err, ErrBadPrice) {
			return model.Quote{}, err
		}
		return model.Quote{}, fmt.Errorf("feed: decode: %w", err)
	}
	if w.S == "" {
		return model.Quote{}, ErrMissingSymbol
	}
	switch {
	case w.T == nil:
		return model.Quote{}, fmt.Errorf("%w: T", ErrMissingField)
	case !w.B.set:
		return model.Quote{}, fmt.Errorf("%w: b", ErrMissingField)
	case !w.A.set:
		return model.Quote{}, fmt.Errorf("%w: a", ErrMissingField)
	}
	return model.Quote{Symbol: w.S, TS: *w.T, Bid: w.B.v, Ask: w.A.v}, nil
}

// Encode renders a bar as one output line, newline included.
func Encode(b model.Bar) ([]byte, error) {
	data, err := b.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// EncodeQuote renders a quote as one input record, without a newline.
// Prices are written as decimal strings with the given number of places.
func EncodeQuote(q model.Quote, places int32) ([]byte, error) {
	return json.Marshal(struct {
		S string `json:"s"`
		T uint64 `json:"T"`
		B string `json:"b"`
		A string `json:"a"`
	}{
		S: q.Symbol,
		T: q.TS,
		B: decimal.NewFromFloat(q.Bid).StringFixed(places),
		A: decimal.NewFromFloat(q.Ask).StringFixed(places),
	})
}
