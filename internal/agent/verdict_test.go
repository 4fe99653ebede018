package agent

import (
	"testing"

	"iqoption-trading-bot/internal/triggers"
)

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name       string
		text       string
		direction  triggers.Direction
		confidence float64
	}{
		{
			"well formed",
			"DIRECTION: CALL\nCONFIDENCE: 8\nREASONING: RSI oversold with MACD turning up.",
			triggers.DirectionCall, 8,
		},
		{
			"lowercase and bracketed",
			"direction: [put]\nconfidence: [6]\nreasoning: momentum fading",
			triggers.DirectionPut, 6,
		},
		{
			"confidence with suffix",
			"DIRECTION: CALL\nCONFIDENCE: 7/10\nREASONING: trend continuation",
			triggers.DirectionCall, 7,
		},
		{
			"fractional confidence",
			"DIRECTION: PUT\nCONFIDENCE: 7.5\nREASONING: rejection at resistance",
			triggers.DirectionPut, 7.5,
		},
		{
			"missing direction",
			"CONFIDENCE: 8\nREASONING: no direction given",
			triggers.DirectionNone, 8,
		},
		{
			"missing confidence",
			"DIRECTION: CALL\nREASONING: sure thing",
			triggers.DirectionNone, 0,
		},
		{
			"confidence out of range",
			"DIRECTION: CALL\nCONFIDENCE: 15\nREASONING: very sure",
			triggers.DirectionNone, 0,
		},
		{
			"non-numeric confidence",
			"DIRECTION: CALL\nCONFIDENCE: high\nREASONING: feels right",
			triggers.DirectionNone, 0,
		},
		{
			"invalid direction word",
			"DIRECTION: HOLD\nCONFIDENCE: 5\nREASONING: unclear",
			triggers.DirectionNone, 5,
		},
		{
			"free text",
			"The market looks bullish today, maybe buy?",
			triggers.DirectionNone, 0,
		},
		{
			"empty",
			"",
			triggers.DirectionNone, 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ParseVerdict(tc.text)
			if v.Direction != tc.direction {
				t.Errorf("direction: expected %s, got %s", tc.direction, v.Direction)
			}
			if v.Confidence != tc.confidence {
				t.Errorf("confidence: expected %f, got %f", tc.confidence, v.Confidence)
			}
		})
	}
}

func TestParseVerdictKeepsReasoning(t *testing.T) {
	v := ParseVerdict("DIRECTION: CALL\nCONFIDENCE: 9\nREASONING: strong oversold bounce setup")
	if v.Reasoning != "strong oversold bounce setup" {
		t.Fatalf("unexpected reasoning: %q", v.Reasoning)
	}
}
