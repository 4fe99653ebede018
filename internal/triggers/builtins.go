package triggers

import (
	"fmt"
	"math"

	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/market"
)

const (
	defaultPriceActionBars = 3
	defaultSpikeWindow     = 20
	defaultSpikeZThreshold = 2.0
	defaultRSIOversold     = 30.0
	defaultRSIOverbought   = 70.0
)

func none(reason string) Signal {
	return Signal{Direction: DirectionNone, Reason: reason}
}

// evalPriceAction looks for a run of consecutive directional closes. Strength
// is the average candle body relative to its full range, so a run of strong
// bodies scores higher than a run of dojis.
func evalPriceAction(s *market.Snapshot, _ map[string]*indicators.Result, p Params) Signal {
	bars := p.Period("bars", defaultPriceActionBars)
	if s.Len() < bars+1 {
		return none("not enough bars")
	}

	candles := s.Candles[s.Len()-bars-1:]
	rising, falling := true, true
	for i := 1; i < len(candles); i++ {
		if candles[i].Close <= candles[i-1].Close {
			rising = false
		}
		if candles[i].Close >= candles[i-1].Close {
			falling = false
		}
	}
	if rising == falling {
		return none("no directional run")
	}

	var bodyRatio float64
	for _, c := range candles[1:] {
		spread := c.High - c.Low
		if spread <= 0 {
			continue
		}
		bodyRatio += math.Abs(c.Close-c.Open) / spread
	}
	bodyRatio /= float64(bars)

	dir := DirectionCall
	if falling {
		dir = DirectionPut
	}
	return Signal{
		Direction: dir,
		Strength:  bodyRatio,
		Reason:    fmt.Sprintf("%d consecutive %s closes", bars, dir),
	}
}

// evalVolumeSpike computes a z-score of the latest bar's volume against the
// preceding rolling window. A spike confirms the direction of the bar that
// carried it.
func evalVolumeSpike(s *market.Snapshot, _ map[string]*indicators.Result, p Params) Signal {
	window := p.Period("window", defaultSpikeWindow)
	threshold := p.Float("z_threshold", defaultSpikeZThreshold)
	if s.Len() < window+1 {
		return none("not enough bars for volume window")
	}

	volumes := s.Volumes()
	recent := volumes[len(volumes)-window-1 : len(volumes)-1]
	var sum float64
	for _, v := range recent {
		sum += v
	}
	mean := sum / float64(window)
	var variance float64
	for _, v := range recent {
		variance += (v - mean) * (v - mean)
	}
	stddev := math.Sqrt(variance / float64(window))
	if stddev == 0 {
		return none("flat volume window")
	}

	last := s.Last()
	z := (last.Volume - mean) / stddev
	if z < threshold {
		return none(fmt.Sprintf("volume z-score %.2f below threshold", z))
	}

	dir := DirectionCall
	if last.Close < last.Open {
		dir = DirectionPut
	} else if last.Close == last.Open {
		return none("spike on a flat bar")
	}
	return Signal{
		Direction: dir,
		Strength:  math.Min(1, z/(2*threshold)),
		Reason:    fmt.Sprintf("volume z-score %.2f on %s bar", z, dir),
	}
}

// evalMomentum requires RSI and MACD to agree. RSI in the oversold zone with a
// positive MACD histogram is a call; overbought with a negative histogram is a
// put. Disagreement yields no signal at all.
func evalMomentum(_ *market.Snapshot, inds map[string]*indicators.Result, p Params) Signal {
	rsi, ok := inds["rsi"]
	if !ok {
		return none("rsi not computed")
	}
	macd, ok := inds["macd"]
	if !ok {
		return none("macd not computed")
	}

	oversold := p.Float("oversold", defaultRSIOversold)
	overbought := p.Float("overbought", defaultRSIOverbought)
	rsiVal := rsi.Value()
	hist := macd.Values["histogram"]

	switch {
	case rsiVal < oversold && hist > 0:
		return Signal{
			Direction: DirectionCall,
			Strength:  0.5 + (oversold-rsiVal)/oversold,
			Reason:    fmt.Sprintf("rsi %.1f oversold, macd histogram positive", rsiVal),
		}
	case rsiVal > overbought && hist < 0:
		return Signal{
			Direction: DirectionPut,
			Strength:  0.5 + (rsiVal-overbought)/(100-overbought),
			Reason:    fmt.Sprintf("rsi %.1f overbought, macd histogram negative", rsiVal),
		}
	}
	return none("rsi and macd disagree")
}
