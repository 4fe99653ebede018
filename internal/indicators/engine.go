// Package indicators computes technical indicator values from market
// snapshots through a registry of named indicator implementations.
package indicators

import (
	"errors"
	"fmt"
	"time"

	"iqoption-trading-bot/internal/market"
)

var (
	// ErrUnknownIndicator is returned for indicator names nobody registered.
	ErrUnknownIndicator = errors.New("unknown indicator")

	// ErrInsufficientData is returned when the snapshot is too short for the
	// indicator to produce a trustworthy value. It marks a warming-up series,
	// not a computation bug; callers skip the indicator for the cycle.
	ErrInsufficientData = errors.New("insufficient data")
)

// Params carries the numeric parameters of one indicator instance, e.g.
// {"period": 14} for RSI.
type Params map[string]float64

// Period reads an integer parameter with a fallback default.
func (p Params) Period(key string, def int) int {
	if v, ok := p[key]; ok && v > 0 {
		return int(v)
	}
	return def
}

// Float reads a float parameter with a fallback default.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Result is the output of one indicator computation. The
// (Name, Asset, Timeframe, Timestamp) tuple identifies it uniquely.
type Result struct {
	Name      string             `json:"name"`
	Asset     string             `json:"asset"`
	Timeframe market.Timeframe   `json:"timeframe"`
	Timestamp time.Time          `json:"timestamp"`
	Values    map[string]float64 `json:"values"`
}

// Value returns the primary output, the one stored under "value". Multi-output
// indicators like MACD expose their components under their own keys.
func (r *Result) Value() float64 {
	return r.Values["value"]
}

// Indicator is one named computation over a snapshot. MinBars reports the
// shortest series the computation accepts for the given params; Compute is
// pure and deterministic given the same snapshot and params.
type Indicator struct {
	Name    string
	MinBars func(p Params) int
	Compute func(s *market.Snapshot, p Params) (map[string]float64, error)
}

// Engine resolves indicator names and runs their computations. Built-ins are
// registered at construction; custom indicators may be added before the
// decision loop starts.
type Engine struct {
	registry map[string]Indicator
}

// NewEngine creates an engine with the built-in indicator set registered.
func NewEngine() *Engine {
	e := &Engine{registry: make(map[string]Indicator)}
	for _, ind := range builtins() {
		e.registry[ind.Name] = ind
	}
	return e
}

// Register adds a custom indicator. Registering over an existing name fails;
// built-ins cannot be shadowed by configuration.
func (e *Engine) Register(ind Indicator) error {
	if ind.Name == "" || ind.Compute == nil {
		return fmt.Errorf("indicator requires a name and a compute function")
	}
	if _, exists := e.registry[ind.Name]; exists {
		return fmt.Errorf("indicator %s already registered", ind.Name)
	}
	if ind.MinBars == nil {
		ind.MinBars = func(Params) int { return 1 }
	}
	e.registry[ind.Name] = ind
	return nil
}

// Has reports whether an indicator name is registered.
func (e *Engine) Has(name string) bool {
	_, ok := e.registry[name]
	return ok
}

// Names returns the registered indicator names.
func (e *Engine) Names() []string {
	out := make([]string, 0, len(e.registry))
	for name := range e.registry {
		out = append(out, name)
	}
	return out
}

// Compute runs one indicator over a snapshot. An unknown name fails with
// ErrUnknownIndicator and a snapshot shorter than the indicator's minimum
// fails with ErrInsufficientData; no numeric value is ever produced from a
// warming-up series.
func (e *Engine) Compute(name string, s *market.Snapshot, p Params) (*Result, error) {
	ind, ok := e.registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIndicator, name)
	}
	if min := ind.MinBars(p); s.Len() < min {
		return nil, fmt.Errorf("%w: %s needs %d bars, snapshot has %d",
			ErrInsufficientData, name, min, s.Len())
	}
	values, err := ind.Compute(s, p)
	if err != nil {
		return nil, fmt.Errorf("compute %s: %w", name, err)
	}
	return &Result{
		Name:      name,
		Asset:     s.Asset,
		Timeframe: s.Timeframe,
		Timestamp: s.Last().Timestamp,
		Values:    values,
	}, nil
}
