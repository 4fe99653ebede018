package indicators

import (
	"errors"
	"math"
	"testing"
	"time"

	"iqoption-trading-bot/internal/market"
)

// snapshotOf builds an M1 snapshot from a close series. Volume ramps with the
// index so volume-dependent callers get non-degenerate data.
func snapshotOf(t *testing.T, closes []float64) *market.Snapshot {
	t.Helper()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		candles[i] = market.Candle{
			Open:      c,
			High:      c + 0.5,
			Low:       c - 0.5,
			Close:     c,
			Volume:    100 + float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}
	}
	snap, err := market.NewSnapshot("EURUSD", market.TimeframeM1, candles)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestComputeUnknownIndicator(t *testing.T) {
	e := NewEngine()
	_, err := e.Compute("vwap", snapshotOf(t, ramp(30, 100, 1)), nil)
	if !errors.Is(err, ErrUnknownIndicator) {
		t.Fatalf("expected ErrUnknownIndicator, got %v", err)
	}
}

func TestRSIInsufficientData(t *testing.T) {
	e := NewEngine()
	// 13 bars cannot support a period-14 RSI; the engine must refuse to
	// produce a number rather than return a misleading one.
	_, err := e.Compute("rsi", snapshotOf(t, ramp(13, 100, 1)), Params{"period": 14})
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestSMAMatchesArithmeticMean(t *testing.T) {
	e := NewEngine()
	res, err := e.Compute("sma", snapshotOf(t, ramp(10, 1, 1)), Params{"period": 5})
	if err != nil {
		t.Fatal(err)
	}
	// Mean of the last five closes 6..10.
	if got := res.Value(); math.Abs(got-8) > 1e-9 {
		t.Fatalf("expected SMA 8, got %f", got)
	}
}

func TestRSIExtremesOnMonotonicSeries(t *testing.T) {
	e := NewEngine()

	up, err := e.Compute("rsi", snapshotOf(t, ramp(30, 100, 1)), Params{"period": 14})
	if err != nil {
		t.Fatal(err)
	}
	if up.Value() < 99 {
		t.Errorf("monotonic rise should drive RSI to 100, got %f", up.Value())
	}

	down, err := e.Compute("rsi", snapshotOf(t, ramp(30, 100, -1)), Params{"period": 14})
	if err != nil {
		t.Fatal(err)
	}
	if down.Value() > 1 {
		t.Errorf("monotonic fall should drive RSI to 0, got %f", down.Value())
	}
}

func TestMACDOutputs(t *testing.T) {
	e := NewEngine()
	res, err := e.Compute("macd", snapshotOf(t, ramp(60, 100, 0.5)), nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"macd", "signal", "histogram", "prev_histogram"} {
		if _, ok := res.Values[key]; !ok {
			t.Errorf("missing output %s", key)
		}
	}
	// A steady uptrend keeps the MACD line above zero.
	if res.Values["macd"] <= 0 {
		t.Errorf("expected positive MACD on uptrend, got %f", res.Values["macd"])
	}
}

func TestBollingerBandOrdering(t *testing.T) {
	e := NewEngine()
	closes := ramp(30, 100, 0)
	closes[27], closes[28], closes[29] = 101, 99, 100.5 // some dispersion
	res, err := e.Compute("bollinger", snapshotOf(t, closes), Params{"period": 20, "multiplier": 2})
	if err != nil {
		t.Fatal(err)
	}
	upper, middle, lower := res.Values["upper"], res.Values["middle"], res.Values["lower"]
	if !(lower < middle && middle < upper) {
		t.Fatalf("expected lower < middle < upper, got %f %f %f", lower, middle, upper)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	e := NewEngine()
	snap := snapshotOf(t, ramp(40, 100, 0.3))
	a, err := e.Compute("ema", snap, Params{"period": 12})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Compute("ema", snap, Params{"period": 12})
	if err != nil {
		t.Fatal(err)
	}
	if a.Value() != b.Value() {
		t.Fatalf("same snapshot and params must give the same value: %f vs %f", a.Value(), b.Value())
	}
}

func TestResultIdentity(t *testing.T) {
	e := NewEngine()
	snap := snapshotOf(t, ramp(30, 100, 1))
	res, err := e.Compute("sma", snap, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Asset != "EURUSD" || res.Timeframe != market.TimeframeM1 {
		t.Errorf("result must carry snapshot identity, got %s %s", res.Asset, res.Timeframe)
	}
	if !res.Timestamp.Equal(snap.Last().Timestamp) {
		t.Errorf("result timestamp must be the last bar's timestamp")
	}
}

func TestRegisterCustomIndicator(t *testing.T) {
	e := NewEngine()
	err := e.Register(Indicator{
		Name:    "last_close",
		MinBars: func(Params) int { return 1 },
		Compute: func(s *market.Snapshot, _ Params) (map[string]float64, error) {
			return map[string]float64{"value": s.Last().Close}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Compute("last_close", snapshotOf(t, []float64{1, 2, 3}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Value() != 3 {
		t.Fatalf("expected 3, got %f", res.Value())
	}

	if err := e.Register(Indicator{Name: "rsi", Compute: func(*market.Snapshot, Params) (map[string]float64, error) { return nil, nil }}); err == nil {
		t.Fatal("expected error shadowing a built-in")
	}
}
