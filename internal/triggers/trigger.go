// Package triggers evaluates directional trade signals from indicator results
// and raw price action, and aggregates them into one per-asset vote.
package triggers

import (
	"errors"
	"fmt"

	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/market"
)

// ErrUnknownTrigger is returned for trigger names nobody registered.
var ErrUnknownTrigger = errors.New("unknown trigger")

// Direction is the trade direction a signal points at.
type Direction string

const (
	DirectionCall Direction = "call"
	DirectionPut  Direction = "put"
	DirectionNone Direction = "none"
)

// ParseDirection normalizes a direction string; anything unrecognized is none.
func ParseDirection(s string) Direction {
	switch Direction(s) {
	case DirectionCall, DirectionPut:
		return Direction(s)
	}
	return DirectionNone
}

// Opposite returns the other trade direction; none maps to none.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionCall:
		return DirectionPut
	case DirectionPut:
		return DirectionCall
	}
	return DirectionNone
}

// Params carries the numeric parameters of one trigger instance.
type Params = indicators.Params

// Signal is the outcome of one trigger evaluation. Strength is in [0,1];
// direction none means the trigger sees nothing this cycle.
type Signal struct {
	Trigger   string    `json:"trigger"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
	Reason    string    `json:"reason,omitempty"`
}

// EvalFunc computes a signal from the snapshot and the cycle's indicator
// results, keyed by indicator name. Evaluation is pure: no state survives
// between calls.
type EvalFunc func(s *market.Snapshot, inds map[string]*indicators.Result, p Params) Signal

// Evaluator resolves trigger names and runs their evaluations.
type Evaluator struct {
	registry map[string]EvalFunc
}

// NewEvaluator creates an evaluator with the built-in trigger set registered.
func NewEvaluator() *Evaluator {
	e := &Evaluator{registry: make(map[string]EvalFunc)}
	e.registry["price_action"] = evalPriceAction
	e.registry["volume_spike"] = evalVolumeSpike
	e.registry["momentum"] = evalMomentum
	return e
}

// Register adds a custom trigger under a new name.
func (e *Evaluator) Register(name string, fn EvalFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("trigger requires a name and an eval function")
	}
	if _, exists := e.registry[name]; exists {
		return fmt.Errorf("trigger %s already registered", name)
	}
	e.registry[name] = fn
	return nil
}

// Has reports whether a trigger name is registered.
func (e *Evaluator) Has(name string) bool {
	_, ok := e.registry[name]
	return ok
}

// Evaluate runs one named trigger. Unknown names fail with ErrUnknownTrigger.
func (e *Evaluator) Evaluate(name string, s *market.Snapshot, inds map[string]*indicators.Result, p Params) (Signal, error) {
	fn, ok := e.registry[name]
	if !ok {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	sig := fn(s, inds, p)
	sig.Trigger = name
	if sig.Strength < 0 {
		sig.Strength = 0
	}
	if sig.Strength > 1 {
		sig.Strength = 1
	}
	if sig.Direction == "" {
		sig.Direction = DirectionNone
	}
	return sig, nil
}
