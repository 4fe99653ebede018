package agent

import (
	"fmt"
	"sort"
	"strings"

	"iqoption-trading-bot/internal/gateway"
	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/market"
	"iqoption-trading-bot/internal/triggers"
)

const systemPrompt = `You are a trading analyst for short-expiry binary options. ` +
	`You receive market context and technical signals and must answer in the exact format requested. ` +
	`Be concise and decisive.`

// buildPrompt renders the per-asset decision request: latest price context,
// computed indicators, trigger signals and the aggregate vote, plus the
// strict response format the verdict parser expects.
func buildPrompt(snap *market.Snapshot, inds map[string]*indicators.Result, signals []triggers.Signal, vote triggers.Vote) []gateway.Message {
	var b strings.Builder
	last := snap.Last()

	fmt.Fprintf(&b, "Analyze %s (%s) for a binary options trade.\n\n", snap.Asset, snap.Timeframe)
	fmt.Fprintf(&b, "Latest candle: open=%.5f high=%.5f low=%.5f close=%.5f volume=%.0f\n\n",
		last.Open, last.High, last.Low, last.Close, last.Volume)

	b.WriteString("Indicators:\n")
	names := make([]string, 0, len(inds))
	for name := range inds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		res := inds[name]
		keys := make([]string, 0, len(res.Values))
		for k := range res.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.5f", k, res.Values[k]))
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(parts, " "))
	}

	b.WriteString("\nTrigger signals:\n")
	for _, sig := range signals {
		if sig.Direction == triggers.DirectionNone {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s (strength %.2f) %s\n", sig.Trigger, sig.Direction, sig.Strength, sig.Reason)
	}
	fmt.Fprintf(&b, "\nAggregate technical vote: %s (strength %.2f)\n\n", vote.Direction, vote.Strength)

	b.WriteString("Provide a trading recommendation in this exact format:\n")
	b.WriteString("DIRECTION: [CALL or PUT]\n")
	b.WriteString("CONFIDENCE: [1-10]\n")
	b.WriteString("REASONING: [Brief explanation in max 30 words]\n")

	return []gateway.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
}
