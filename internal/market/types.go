// Package market defines the immutable market data types shared by the
// decision pipeline: timeframes, candles and per-cycle snapshots.
package market

import (
	"fmt"
	"time"
)

// Timeframe represents a supported chart timeframe.
type Timeframe string

const (
	TimeframeM1  Timeframe = "M1"
	TimeframeM5  Timeframe = "M5"
	TimeframeM15 Timeframe = "M15"
	TimeframeM30 Timeframe = "M30"
	TimeframeH1  Timeframe = "H1"
	TimeframeH4  Timeframe = "H4"
	TimeframeD1  Timeframe = "D1"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TimeframeM1:  time.Minute,
	TimeframeM5:  5 * time.Minute,
	TimeframeM15: 15 * time.Minute,
	TimeframeM30: 30 * time.Minute,
	TimeframeH1:  time.Hour,
	TimeframeH4:  4 * time.Hour,
	TimeframeD1:  24 * time.Hour,
}

// ParseTimeframe converts a string like "M5" to a Timeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("unknown timeframe: %q", s)
	}
	return tf, nil
}

// Duration returns the candle duration for the timeframe.
func (t Timeframe) Duration() time.Duration {
	return timeframeDurations[t]
}

// Seconds returns the candle duration in whole seconds, the unit the broker
// API uses for candle sizes.
func (t Timeframe) Seconds() int {
	return int(timeframeDurations[t] / time.Second)
}

// Candle is a single OHLCV bar.
type Candle struct {
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is an immutable, time-ascending OHLCV series for one asset and
// timeframe as of a cycle's start. A new snapshot replaces the prior one each
// cycle; nothing mutates candles in place.
type Snapshot struct {
	Asset     string    `json:"asset"`
	Timeframe Timeframe `json:"timeframe"`
	Candles   []Candle  `json:"candles"`
	FetchedAt time.Time `json:"fetched_at"`
}

// NewSnapshot validates the candle series and wraps it in a Snapshot.
// Candles must be strictly time-ascending with no duplicate timestamps.
func NewSnapshot(asset string, tf Timeframe, candles []Candle) (*Snapshot, error) {
	if asset == "" {
		return nil, fmt.Errorf("snapshot requires an asset")
	}
	if _, ok := timeframeDurations[tf]; !ok {
		return nil, fmt.Errorf("unknown timeframe: %q", tf)
	}
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return nil, fmt.Errorf("candles out of order at index %d: %s then %s",
				i, candles[i-1].Timestamp.Format(time.RFC3339), candles[i].Timestamp.Format(time.RFC3339))
		}
	}
	return &Snapshot{
		Asset:     asset,
		Timeframe: tf,
		Candles:   candles,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Len returns the number of candles in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Candles)
}

// Last returns the most recent candle. It panics on an empty snapshot;
// callers are expected to check Len first.
func (s *Snapshot) Last() Candle {
	return s.Candles[len(s.Candles)-1]
}

// Closes returns the close price series.
func (s *Snapshot) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

// Highs returns the high price series.
func (s *Snapshot) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

// Lows returns the low price series.
func (s *Snapshot) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

// Volumes returns the volume series.
func (s *Snapshot) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}
