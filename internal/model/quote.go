package model

// Quote is a single bid/ask observation for one instrument.
// TS is the exchange timestamp in Unix milliseconds.
type Quote struct {
	Symbol string  `json:"symbol"`
	TS     uint64  `json:"ts"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// Mid returns the midpoint price (bid+ask)/2 used for every OHLC field.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}
