package triggers

import "fmt"

// Policy selects how multiple trigger signals combine into one vote.
type Policy string

const (
	PolicyWeightedSum Policy = "weighted_sum"
	PolicyMax         Policy = "max"
	PolicyMajority    Policy = "majority"
)

// ParsePolicy validates a policy name from configuration.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyWeightedSum, PolicyMax, PolicyMajority:
		return Policy(s), nil
	case "":
		return PolicyWeightedSum, nil
	}
	return "", fmt.Errorf("unknown aggregation policy: %q", s)
}

// DefaultConfidenceFloor is the minimum aggregate strength a direction must
// strictly exceed before the orchestrator considers a trade.
const DefaultConfidenceFloor = 0.5

// Vote is the aggregated outcome for one asset and cycle.
type Vote struct {
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
}

// Aggregate combines the cycle's signals into a single vote under the given
// policy. Weights scale each signal's contribution (missing weight means 1).
// The winning direction must strictly beat the opposing total and strictly
// exceed the floor; a tie or a sub-floor total yields direction none.
func Aggregate(signals []Signal, weights map[string]float64, policy Policy, floor float64) Vote {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}

	var callTotal, putTotal float64
	var callCount, putCount int
	for _, sig := range signals {
		if sig.Direction == DirectionNone || sig.Strength <= 0 {
			continue
		}
		w, ok := weights[sig.Trigger]
		if !ok {
			w = 1
		}
		contribution := w * sig.Strength

		switch sig.Direction {
		case DirectionCall:
			callCount++
			switch policy {
			case PolicyMax:
				if contribution > callTotal {
					callTotal = contribution
				}
			default:
				callTotal += contribution
			}
		case DirectionPut:
			putCount++
			switch policy {
			case PolicyMax:
				if contribution > putTotal {
					putTotal = contribution
				}
			default:
				putTotal += contribution
			}
		}
	}

	if policy == PolicyMajority {
		switch {
		case callCount > putCount:
			return settle(DirectionCall, avg(callTotal, callCount), floor)
		case putCount > callCount:
			return settle(DirectionPut, avg(putTotal, putCount), floor)
		}
		return Vote{Direction: DirectionNone}
	}

	switch {
	case callTotal > putTotal:
		return settle(DirectionCall, callTotal, floor)
	case putTotal > callTotal:
		return settle(DirectionPut, putTotal, floor)
	}
	return Vote{Direction: DirectionNone}
}

func avg(total float64, count int) float64 {
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func settle(dir Direction, strength, floor float64) Vote {
	if strength <= floor {
		return Vote{Direction: DirectionNone}
	}
	if strength > 1 {
		strength = 1
	}
	return Vote{Direction: dir, Strength: strength}
}
