package agent

import (
	"strconv"
	"strings"

	"iqoption-trading-bot/internal/triggers"
)

// Verdict is the parsed AI recommendation. A verdict the model failed to
// express in the required format has direction none; the agent never guesses
// a direction from malformed output.
type Verdict struct {
	Direction  triggers.Direction `json:"direction"`
	Confidence float64            `json:"confidence"` // [0,10]
	Reasoning  string             `json:"reasoning"`
	Raw        string             `json:"-"`
}

// ParseVerdict extracts DIRECTION, CONFIDENCE and REASONING lines from a
// completion. Missing direction, unparseable confidence, or confidence
// outside [0,10] all make the verdict direction none.
func ParseVerdict(text string) Verdict {
	v := Verdict{Direction: triggers.DirectionNone, Raw: text}
	confidenceOK := false

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DIRECTION:"):
			value := strings.TrimSpace(line[len("DIRECTION:"):])
			value = strings.Trim(value, "[]*")
			switch strings.ToLower(strings.TrimSpace(value)) {
			case "call":
				v.Direction = triggers.DirectionCall
			case "put":
				v.Direction = triggers.DirectionPut
			}
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			value := strings.TrimSpace(line[len("CONFIDENCE:"):])
			value = strings.Trim(value, "[]*")
			// Keep just the leading number; models append "/10" or words.
			if fields := strings.FieldsFunc(value, func(r rune) bool {
				return r != '.' && (r < '0' || r > '9')
			}); len(fields) > 0 {
				if conf, err := strconv.ParseFloat(fields[0], 64); err == nil && conf >= 0 && conf <= 10 {
					v.Confidence = conf
					confidenceOK = true
				}
			}
		case strings.HasPrefix(upper, "REASONING:"):
			v.Reasoning = strings.TrimSpace(line[len("REASONING:"):])
		}
	}

	if !confidenceOK {
		v.Direction = triggers.DirectionNone
		v.Confidence = 0
	}
	return v
}
