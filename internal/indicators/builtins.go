package indicators

import (
	"github.com/markcheno/go-talib"

	"iqoption-trading-bot/internal/market"
)

// Default periods for the built-in set. Configuration overrides them per
// instance through Params.
const (
	defaultMAPeriod     = 20
	defaultRSIPeriod    = 14
	defaultMACDFast     = 12
	defaultMACDSlow     = 26
	defaultMACDSignal   = 9
	defaultBBPeriod     = 20
	defaultBBMultiplier = 2.0
)

func builtins() []Indicator {
	return []Indicator{smaIndicator(), emaIndicator(), rsiIndicator(), macdIndicator(), bollingerIndicator()}
}

func smaIndicator() Indicator {
	return Indicator{
		Name: "sma",
		MinBars: func(p Params) int {
			return p.Period("period", defaultMAPeriod)
		},
		Compute: func(s *market.Snapshot, p Params) (map[string]float64, error) {
			series := talib.Sma(s.Closes(), p.Period("period", defaultMAPeriod))
			return map[string]float64{"value": series[len(series)-1]}, nil
		},
	}
}

func emaIndicator() Indicator {
	return Indicator{
		Name: "ema",
		MinBars: func(p Params) int {
			return p.Period("period", defaultMAPeriod)
		},
		Compute: func(s *market.Snapshot, p Params) (map[string]float64, error) {
			series := talib.Ema(s.Closes(), p.Period("period", defaultMAPeriod))
			return map[string]float64{"value": series[len(series)-1]}, nil
		},
	}
}

func rsiIndicator() Indicator {
	return Indicator{
		Name: "rsi",
		// Wilder smoothing needs period price changes, so period+1 bars.
		MinBars: func(p Params) int {
			return p.Period("period", defaultRSIPeriod) + 1
		},
		Compute: func(s *market.Snapshot, p Params) (map[string]float64, error) {
			series := talib.Rsi(s.Closes(), p.Period("period", defaultRSIPeriod))
			return map[string]float64{"value": series[len(series)-1]}, nil
		},
	}
}

func macdIndicator() Indicator {
	return Indicator{
		Name: "macd",
		// One extra bar beyond the talib lookback so prev_histogram is valid.
		MinBars: func(p Params) int {
			return p.Period("slow", defaultMACDSlow) + p.Period("signal", defaultMACDSignal)
		},
		Compute: func(s *market.Snapshot, p Params) (map[string]float64, error) {
			macd, signal, hist := talib.Macd(s.Closes(),
				p.Period("fast", defaultMACDFast),
				p.Period("slow", defaultMACDSlow),
				p.Period("signal", defaultMACDSignal))
			last := len(macd) - 1
			return map[string]float64{
				"value":     macd[last],
				"macd":      macd[last],
				"signal":    signal[last],
				"histogram": hist[last],
				// The previous histogram lets triggers detect a crossover.
				"prev_histogram": hist[last-1],
			}, nil
		},
	}
}

func bollingerIndicator() Indicator {
	return Indicator{
		Name: "bollinger",
		MinBars: func(p Params) int {
			return p.Period("period", defaultBBPeriod)
		},
		Compute: func(s *market.Snapshot, p Params) (map[string]float64, error) {
			mult := p.Float("multiplier", defaultBBMultiplier)
			upper, middle, lower := talib.BBands(s.Closes(),
				p.Period("period", defaultBBPeriod), mult, mult, talib.SMA)
			last := len(middle) - 1
			return map[string]float64{
				"value":  middle[last],
				"upper":  upper[last],
				"middle": middle[last],
				"lower":  lower[last],
			}, nil
		},
	}
}
