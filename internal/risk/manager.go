// Package risk gates trade attempts behind daily, loss-streak and
// trading-hours limits, and sizes positions from the cycle balance.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iqoption-trading-bot/internal/execution"
)

// State is the risk gate's current position in its session state machine.
// Only OutsideTradingHours is reversible; the limit states clear at session
// reset, the start of the next configured trading window.
type State string

const (
	StateOpen              State = "open"
	StateDailyLimitReached State = "daily_limit_reached"
	StateLossStopTriggered State = "loss_stop_triggered"
	StateOutsideHours      State = "outside_trading_hours"
)

// ErrTradingHalted is returned by RecordIntent when the gate is closed.
var ErrTradingHalted = errors.New("trading halted by risk gate")

// Window is a daily trading window in broker-local time. Start equal to End
// means always open; Start after End wraps past midnight.
type Window struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`
}

type minuteOfDay int

func parseClock(s string) (minuteOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return minuteOfDay(h*60 + m), nil
}

// Config holds the risk limits.
type Config struct {
	MaxDailyTrades   int             `json:"max_daily_trades"`
	StopAfterLosses  int             `json:"stop_after_losses"`
	TradeAmountRatio decimal.Decimal `json:"trade_amount_ratio"` // (0,1] of balance
	MaxTradeAmount   decimal.Decimal `json:"max_trade_amount"`   // absolute ceiling
	MinTradeAmount   decimal.Decimal `json:"min_trade_amount"`   // broker minimum stake
	TradingHours     Window          `json:"trading_hours"`
}

// Status is a read-only snapshot of the session counters, exposed on the
// agent status endpoint.
type Status struct {
	State             State     `json:"state"`
	TradesToday       int       `json:"trades_today"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	SessionStart      time.Time `json:"session_start"`
}

// Manager owns the session risk state. All access is serialized; intents and
// asynchronous outcome deliveries go through the same lock.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	start  minuteOfDay
	end    minuteOfDay
	logger zerolog.Logger

	// Injectable clock for tests.
	now func() time.Time

	tradesToday       int
	consecutiveLosses int
	dailyLimitReached bool
	lossStopTriggered bool
	sessionStart      time.Time
}

// New creates a risk manager. The trading window strings must already have
// passed config validation; a malformed window here is a programming error.
func New(cfg Config, logger zerolog.Logger) (*Manager, error) {
	start, err := parseClock(cfg.TradingHours.Start)
	if err != nil {
		return nil, err
	}
	end, err := parseClock(cfg.TradingHours.End)
	if err != nil {
		return nil, err
	}
	if cfg.MaxDailyTrades <= 0 {
		return nil, fmt.Errorf("max_daily_trades must be positive")
	}
	if cfg.StopAfterLosses <= 0 {
		return nil, fmt.Errorf("stop_after_losses must be positive")
	}
	m := &Manager{
		cfg:    cfg,
		start:  start,
		end:    end,
		logger: logger.With().Str("component", "risk").Logger(),
		now:    time.Now,
	}
	m.sessionStart = m.windowStartFor(m.now())
	return m, nil
}

func clockMinute(t time.Time) minuteOfDay {
	return minuteOfDay(t.Hour()*60 + t.Minute())
}

// withinWindow reports whether t falls inside the trading window.
func (m *Manager) withinWindow(t time.Time) bool {
	if m.start == m.end {
		return true
	}
	mins := clockMinute(t)
	if m.start < m.end {
		return mins >= m.start && mins < m.end
	}
	// Overnight window, e.g. 22:00-06:00.
	return mins >= m.start || mins < m.end
}

// windowStartFor returns the most recent window start at or before t.
func (m *Manager) windowStartFor(t time.Time) time.Time {
	start := time.Date(t.Year(), t.Month(), t.Day(), int(m.start)/60, int(m.start)%60, 0, 0, t.Location())
	if start.After(t) {
		start = start.AddDate(0, 0, -1)
	}
	return start
}

// maybeReset clears the session counters when a new trading window has begun
// since the counters were last reset. Callers hold the lock.
func (m *Manager) maybeReset() {
	windowStart := m.windowStartFor(m.now())
	if windowStart.After(m.sessionStart) {
		if m.tradesToday > 0 || m.dailyLimitReached || m.lossStopTriggered {
			m.logger.Info().
				Time("session_start", windowStart).
				Int("previous_trades", m.tradesToday).
				Msg("new trading session, risk counters reset")
		}
		m.tradesToday = 0
		m.consecutiveLosses = 0
		m.dailyLimitReached = false
		m.lossStopTriggered = false
		m.sessionStart = windowStart
	}
}

func (m *Manager) stateLocked() State {
	m.maybeReset()
	if !m.withinWindow(m.now()) {
		return StateOutsideHours
	}
	if m.lossStopTriggered {
		return StateLossStopTriggered
	}
	if m.dailyLimitReached {
		return StateDailyLimitReached
	}
	return StateOpen
}

// State returns the current gate state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

// CanTrade reports whether a new trade may be attempted right now.
func (m *Manager) CanTrade() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked() == StateOpen
}

// RecordIntent counts a trade against the daily cap at emission time, before
// the trade is submitted. Two intents racing within one cycle cannot both
// pass the cap: whichever takes the lock second is refused.
func (m *Manager) RecordIntent(intent *execution.TradeIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state := m.stateLocked(); state != StateOpen {
		return fmt.Errorf("%w: %s", ErrTradingHalted, state)
	}
	m.tradesToday++
	if m.tradesToday >= m.cfg.MaxDailyTrades {
		m.dailyLimitReached = true
		m.logger.Warn().
			Int("trades_today", m.tradesToday).
			Str("asset", intent.Asset).
			Msg("daily trade limit reached")
	}
	return nil
}

// RecordOutcome folds a settled trade back into the loss streak. Outcomes
// arrive asynchronously relative to the decision loop; the streak resets on
// any profit and the loss stop trips when it reaches the configured length.
func (m *Manager) RecordOutcome(outcome execution.TradeOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maybeReset()
	if outcome.Win() {
		m.consecutiveLosses = 0
		return
	}
	m.consecutiveLosses++
	if m.consecutiveLosses >= m.cfg.StopAfterLosses && !m.lossStopTriggered {
		m.lossStopTriggered = true
		m.logger.Warn().
			Int("consecutive_losses", m.consecutiveLosses).
			Str("trade_id", outcome.TradeID).
			Msg("loss stop triggered, trading halted for session")
	}
}

// PositionSize computes the stake for one trade from the cycle's balance:
// balance times the configured ratio, clamped to the absolute ceiling and
// floored at the broker minimum. A non-positive balance sizes to zero.
func (m *Manager) PositionSize(balance decimal.Decimal) decimal.Decimal {
	if balance.IsNegative() || balance.IsZero() {
		return decimal.Zero
	}
	amount := balance.Mul(m.cfg.TradeAmountRatio)
	if m.cfg.MaxTradeAmount.IsPositive() && amount.GreaterThan(m.cfg.MaxTradeAmount) {
		amount = m.cfg.MaxTradeAmount
	}
	if m.cfg.MinTradeAmount.IsPositive() && amount.LessThan(m.cfg.MinTradeAmount) {
		amount = m.cfg.MinTradeAmount
	}
	return amount.Round(2)
}

// Snapshot returns the session counters for the status endpoint.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.stateLocked()
	return Status{
		State:             state,
		TradesToday:       m.tradesToday,
		ConsecutiveLosses: m.consecutiveLosses,
		SessionStart:      m.sessionStart,
	}
}
