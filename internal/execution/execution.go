// Package execution defines the broker-facing contract the decision pipeline
// depends on: snapshot fetches, balance reads, trade submission and outcome
// delivery.
package execution

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"iqoption-trading-bot/internal/market"
	"iqoption-trading-bot/internal/triggers"
)

var (
	// ErrDataUnavailable means the broker could not serve a snapshot. The
	// asset is skipped for the cycle.
	ErrDataUnavailable = errors.New("market data unavailable")

	// ErrExecutionRejected means the broker refused a trade. The intent is
	// logged and dropped, never retried.
	ErrExecutionRejected = errors.New("execution rejected")
)

// TradeIntent is one decision to trade, created by the agent and consumed
// exactly once by an adapter.
type TradeIntent struct {
	ID                string             `json:"id"`
	Asset             string             `json:"asset"`
	Direction         triggers.Direction `json:"direction"`
	Amount            decimal.Decimal    `json:"amount"`
	Expiry            time.Duration      `json:"expiry"`
	Confidence        float64            `json:"confidence"`
	TriggeringSignals []triggers.Signal  `json:"triggering_signals"`
	CreatedAt         time.Time          `json:"created_at"`
}

// TradeOutcome is the settled result of one trade, delivered asynchronously
// after expiry.
type TradeOutcome struct {
	TradeID  string          `json:"trade_id"`
	Profit   decimal.Decimal `json:"profit"`
	ClosedAt time.Time       `json:"closed_at"`
}

// Win reports whether the trade settled in profit.
func (o TradeOutcome) Win() bool {
	return o.Profit.IsPositive()
}

// Adapter is the capability the core needs from a broker connection. Every
// method that touches the network takes a context; implementations must honor
// cancellation so a shutdown aborts in-flight calls.
type Adapter interface {
	// Connect establishes and authenticates the broker session.
	Connect(ctx context.Context) error

	// FetchSnapshot returns the most recent count candles for the asset and
	// timeframe, or ErrDataUnavailable.
	FetchSnapshot(ctx context.Context, asset string, tf market.Timeframe, count int) (*market.Snapshot, error)

	// GetBalance returns the current account balance. The agent calls it once
	// per cycle and treats the value as a stable cycle input.
	GetBalance(ctx context.Context) (decimal.Decimal, error)

	// SubmitTrade places the trade and returns the broker's trade id, or
	// ErrExecutionRejected.
	SubmitTrade(ctx context.Context, intent *TradeIntent) (string, error)

	// SubscribeOutcome returns a channel that eventually delivers the trade's
	// outcome, then closes. The channel closes without a value if the context
	// is cancelled first.
	SubscribeOutcome(ctx context.Context, tradeID string) (<-chan TradeOutcome, error)

	// Close tears down the broker session.
	Close() error
}
