package execution

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iqoption-trading-bot/internal/market"
)

// SimulatedAdapter is a paper-trading broker: synthetic random-walk candles,
// an in-memory balance, and coin-flip settlements after expiry. It backs dry
// runs and the agent tests.
type SimulatedAdapter struct {
	mu      sync.Mutex
	balance decimal.Decimal
	payout  decimal.Decimal // fraction of stake returned on top of it on a win
	rng     *rand.Rand
	prices  map[string]float64
	stakes  map[string]decimal.Decimal
	logger  zerolog.Logger
}

// NewSimulatedAdapter creates a paper broker with the given starting balance.
// Seed pins the price walk and settlements for reproducible runs; pass 0 for
// a time-based seed.
func NewSimulatedAdapter(balance decimal.Decimal, seed int64, logger zerolog.Logger) *SimulatedAdapter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatedAdapter{
		balance: balance,
		payout:  decimal.NewFromFloat(0.85),
		rng:     rand.New(rand.NewSource(seed)),
		prices:  make(map[string]float64),
		stakes:  make(map[string]decimal.Decimal),
		logger:  logger.With().Str("component", "simulated_adapter").Logger(),
	}
}

// Connect implements Adapter. The paper broker is always reachable.
func (a *SimulatedAdapter) Connect(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Adapter.
func (a *SimulatedAdapter) Close() error {
	return nil
}

// FetchSnapshot implements Adapter with a random-walk candle series that
// continues from the asset's last generated price.
func (a *SimulatedAdapter) FetchSnapshot(ctx context.Context, asset string, tf market.Timeframe, count int) (*market.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: candle count must be positive", ErrDataUnavailable)
	}

	a.mu.Lock()
	price, ok := a.prices[asset]
	if !ok {
		price = 1.0 + a.rng.Float64()
	}

	end := time.Now().UTC().Truncate(tf.Duration())
	candles := make([]market.Candle, count)
	for i := 0; i < count; i++ {
		open := price
		// Bounded step keeps the walk from drifting to zero.
		price *= 1 + (a.rng.Float64()-0.5)*0.004
		high := open
		low := open
		if price > high {
			high = price
		}
		if price < low {
			low = price
		}
		wick := open * 0.0005 * a.rng.Float64()
		candles[i] = market.Candle{
			Open:      open,
			High:      high + wick,
			Low:       low - wick,
			Close:     price,
			Volume:    400 + 200*a.rng.Float64(),
			Timestamp: end.Add(-time.Duration(count-i) * tf.Duration()),
		}
	}
	a.prices[asset] = price
	a.mu.Unlock()

	return market.NewSnapshot(asset, tf, candles)
}

// GetBalance implements Adapter.
func (a *SimulatedAdapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// SubmitTrade implements Adapter. The stake is deducted immediately, the way
// the real broker holds it until settlement.
func (a *SimulatedAdapter) SubmitTrade(ctx context.Context, intent *TradeIntent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if intent.Amount.GreaterThan(a.balance) {
		return "", fmt.Errorf("%w: stake %s exceeds balance %s", ErrExecutionRejected, intent.Amount, a.balance)
	}
	a.balance = a.balance.Sub(intent.Amount)
	tradeID := uuid.NewString()
	a.stakes[tradeID] = intent.Amount
	a.logger.Info().
		Str("trade_id", tradeID).
		Str("asset", intent.Asset).
		Str("direction", string(intent.Direction)).
		Str("amount", intent.Amount.String()).
		Msg("simulated trade placed")
	return tradeID, nil
}

// SubscribeOutcome implements Adapter. The trade settles after its expiry
// with a coin flip; a win returns the stake plus the payout fraction.
func (a *SimulatedAdapter) SubscribeOutcome(ctx context.Context, tradeID string) (<-chan TradeOutcome, error) {
	a.mu.Lock()
	stake, ok := a.stakes[tradeID]
	win := a.rng.Float64() < 0.5
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown trade %s", ErrExecutionRejected, tradeID)
	}

	out := make(chan TradeOutcome, 1)
	go func() {
		defer close(out)
		// Settlement delay stands in for the option expiry.
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}

		outcome := TradeOutcome{TradeID: tradeID, ClosedAt: time.Now().UTC()}
		a.mu.Lock()
		delete(a.stakes, tradeID)
		if win {
			credit := stake.Mul(a.payout.Add(decimal.NewFromInt(1)))
			a.balance = a.balance.Add(credit)
			outcome.Profit = stake.Mul(a.payout)
		} else {
			outcome.Profit = stake.Neg()
		}
		a.mu.Unlock()
		out <- outcome
	}()
	return out, nil
}
