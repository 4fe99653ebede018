package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iqoption-trading-bot/internal/events"
	"iqoption-trading-bot/internal/execution"
	"iqoption-trading-bot/internal/gateway"
	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/market"
	"iqoption-trading-bot/internal/risk"
	"iqoption-trading-bot/internal/triggers"
)

// fakeAdapter serves deterministic rising candles and records submissions.
// With a zero settleDelay trades settle instantly as wins; a positive delay
// settles with settleProfit after the delay, honoring the subscription
// context the way the real broker session does.
type fakeAdapter struct {
	mu           sync.Mutex
	balance      decimal.Decimal
	submissions  []*execution.TradeIntent
	balanceGets  int
	settleDelay  time.Duration
	settleProfit decimal.Decimal
}

func newFakeAdapter(balance float64) *fakeAdapter {
	return &fakeAdapter{balance: decimal.NewFromFloat(balance)}
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }

func (f *fakeAdapter) FetchSnapshot(ctx context.Context, asset string, tf market.Timeframe, count int) (*market.Snapshot, error) {
	base := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, count)
	for i := range candles {
		price := 100.0 + float64(i)
		candles[i] = market.Candle{
			Timestamp: base.Add(time.Duration(i) * tf.Duration()),
			Open:      price,
			High:      price + 1,
			Low:       price - 0.5,
			Close:     price + 0.8,
			Volume:    1000,
		}
	}
	return market.NewSnapshot(asset, tf, candles)
}

func (f *fakeAdapter) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceGets++
	return f.balance, nil
}

func (f *fakeAdapter) SubmitTrade(ctx context.Context, intent *execution.TradeIntent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, intent)
	return "trade-1", nil
}

func (f *fakeAdapter) SubscribeOutcome(ctx context.Context, tradeID string) (<-chan execution.TradeOutcome, error) {
	f.mu.Lock()
	delay := f.settleDelay
	profit := f.settleProfit
	f.mu.Unlock()
	if profit.IsZero() {
		profit = decimal.NewFromFloat(1.7)
	}

	ch := make(chan execution.TradeOutcome, 1)
	if delay == 0 {
		ch <- execution.TradeOutcome{TradeID: tradeID, Profit: profit, ClosedAt: time.Now().UTC()}
		close(ch)
		return ch, nil
	}
	go func() {
		defer close(ch)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		ch <- execution.TradeOutcome{TradeID: tradeID, Profit: profit, ClosedAt: time.Now().UTC()}
	}()
	return ch, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) submitted() []*execution.TradeIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*execution.TradeIntent(nil), f.submissions...)
}

// scriptedChat answers every completion with a fixed text.
type scriptedChat struct {
	mu    sync.Mutex
	text  string
	err   error
	calls int
}

func (c *scriptedChat) Complete(ctx context.Context, req gateway.CompletionRequest) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.text, false, c.err
}

func (c *scriptedChat) Stream(ctx context.Context, req gateway.CompletionRequest) (<-chan gateway.StreamChunk, error) {
	return nil, errors.New("streaming not scripted")
}

func testRiskManager(t *testing.T, maxDaily int) *risk.Manager {
	t.Helper()
	m, err := risk.New(risk.Config{
		MaxDailyTrades:   maxDaily,
		StopAfterLosses:  3,
		TradeAmountRatio: decimal.NewFromFloat(0.02),
		MaxTradeAmount:   decimal.NewFromInt(100),
		MinTradeAmount:   decimal.NewFromInt(1),
		TradingHours:     risk.Window{Start: "00:00", End: "00:00"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("risk manager: %v", err)
	}
	return m
}

// testAgent wires an agent over fakes. The registered trigger fires call on
// every evaluation so the AI consultation path is always reached.
func testAgent(t *testing.T, assets []string, chat *scriptedChat, adapter *fakeAdapter, riskMgr *risk.Manager) *Agent {
	t.Helper()
	return testAgentWithBus(t, assets, chat, adapter, riskMgr, events.NewEventBus())
}

func testAgentWithBus(t *testing.T, assets []string, chat *scriptedChat, adapter *fakeAdapter, riskMgr *risk.Manager, bus *events.EventBus) *Agent {
	t.Helper()

	registry := gateway.NewRegistry(gateway.DefaultRegistryConfig())
	if err := registry.Register(gateway.Provider{ID: "scripted", Client: chat}); err != nil {
		t.Fatalf("register provider: %v", err)
	}
	router := gateway.NewRouter(registry, gateway.DefaultRouterConfig(), zerolog.Nop())

	evaluator := triggers.NewEvaluator()
	err := evaluator.Register("steady_trend", func(s *market.Snapshot, inds map[string]*indicators.Result, p triggers.Params) triggers.Signal {
		return triggers.Signal{Direction: triggers.DirectionCall, Strength: 0.9, Reason: "rising closes"}
	})
	if err != nil {
		t.Fatalf("register trigger: %v", err)
	}

	a, err := New(Config{
		Assets:     assets,
		Timeframes: []market.Timeframe{market.TimeframeM1},
		Indicators: []IndicatorConfig{
			{Name: "sma", Params: indicators.Params{"period": 5}},
		},
		Triggers: []TriggerConfig{
			{Name: "steady_trend", Weight: 1},
		},
		ConfidenceThreshold: 7,
		WakeInterval:        time.Hour, // only the immediate first cycle runs
		SnapshotBars:        30,
	}, router, indicators.NewEngine(), evaluator, riskMgr, adapter, bus, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	return a
}

func waitForCycle(t *testing.T, a *Agent) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.Status().LastCycle.IsZero() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cycle never completed")
}

func TestCycleConfirmedVerdictPlacesOneTrade(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 8\nREASONING: oversold bounce"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	subs := adapter.submitted()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(subs))
	}
	intent := subs[0]
	if intent.Direction != triggers.DirectionCall {
		t.Errorf("expected call intent, got %s", intent.Direction)
	}
	if !intent.Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected 2%% of 1000 = 20, got %s", intent.Amount)
	}
	if got := riskMgr.Snapshot().TradesToday; got != 1 {
		t.Errorf("expected one risk counter increment, got %d", got)
	}

	decisions := a.RecentDecisions(0)
	if len(decisions) != 1 {
		t.Fatalf("expected one recorded decision, got %d", len(decisions))
	}
	if !decisions[0].Traded || decisions[0].TradeID != "trade-1" {
		t.Errorf("decision not marked traded: %+v", decisions[0])
	}
}

func TestCycleAtMostOneTradeAcrossAssets(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 9\nREASONING: broad momentum"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD", "GBPUSD", "USDJPY"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	if subs := adapter.submitted(); len(subs) != 1 {
		t.Fatalf("expected exactly one trade across all assets, got %d", len(subs))
	}
	if got := riskMgr.Snapshot().TradesToday; got != 1 {
		t.Errorf("expected exactly one risk increment, got %d", got)
	}
	// Every asset still gets its own consultation and decision record.
	if chat.calls != 3 {
		t.Errorf("expected 3 completions, got %d", chat.calls)
	}
	if got := len(a.RecentDecisions(0)); got != 3 {
		t.Errorf("expected 3 recorded decisions, got %d", got)
	}
}

func TestCycleUnconfirmedVerdictDoesNotTrade(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 4\nREASONING: weak setup"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	if subs := adapter.submitted(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %d", len(subs))
	}
	decisions := a.RecentDecisions(0)
	if len(decisions) != 1 || decisions[0].Traded {
		t.Fatalf("expected one untraded decision, got %+v", decisions)
	}
}

func TestCycleDisagreeingVerdictDoesNotTrade(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: PUT\nCONFIDENCE: 9\nREASONING: reversal imminent"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	if subs := adapter.submitted(); len(subs) != 0 {
		t.Fatalf("expected no submissions on direction disagreement, got %d", len(subs))
	}
}

func TestCycleGatewayExhaustedIsNoSignal(t *testing.T) {
	chat := &scriptedChat{err: errors.New("connection refused")}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	if subs := adapter.submitted(); len(subs) != 0 {
		t.Fatalf("expected no submissions when gateway exhausted, got %d", len(subs))
	}
	if got := len(a.RecentDecisions(0)); got != 0 {
		t.Errorf("expected no decisions without a verdict, got %d", got)
	}
}

func TestCycleSkippedWhenRiskGateClosed(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 8\nREASONING: setup"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 1)

	// Exhaust the daily budget before the loop starts.
	err := riskMgr.RecordIntent(&execution.TradeIntent{
		ID:     "pre",
		Asset:  "EURUSD",
		Amount: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("seed intent: %v", err)
	}
	if riskMgr.State() != risk.StateDailyLimitReached {
		t.Fatalf("expected daily limit reached, got %s", riskMgr.State())
	}

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	adapter.mu.Lock()
	gets := adapter.balanceGets
	adapter.mu.Unlock()
	if gets != 0 {
		t.Errorf("expected no balance fetch on a skipped cycle, got %d", gets)
	}
	if subs := adapter.submitted(); len(subs) != 0 {
		t.Fatalf("expected no submissions, got %d", len(subs))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: PUT\nCONFIDENCE: 2\nREASONING: nothing"}
	adapter := newFakeAdapter(1000)
	a := testAgent(t, []string{"EURUSD"}, chat, adapter, testRiskManager(t, 5))

	first := a.Start()
	second := a.Start()
	if first.SessionID != second.SessionID {
		t.Errorf("second start created a new session: %s vs %s", first.SessionID, second.SessionID)
	}
	if second.State != SessionRunning {
		t.Errorf("expected running, got %s", second.State)
	}

	stopped := a.Stop()
	if stopped.State != SessionStopped {
		t.Errorf("expected stopped, got %s", stopped.State)
	}
	// Stopping again is a no-op.
	if again := a.Stop(); again.State != SessionStopped {
		t.Errorf("expected stopped after repeat stop, got %s", again.State)
	}
	a.Shutdown()
}

func TestRestartCreatesFreshSession(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: PUT\nCONFIDENCE: 2\nREASONING: nothing"}
	adapter := newFakeAdapter(1000)
	a := testAgent(t, []string{"EURUSD"}, chat, adapter, testRiskManager(t, 5))

	first := a.Start()
	a.Stop()
	second := a.Start()
	defer a.Shutdown()

	if first.SessionID == second.SessionID {
		t.Error("restart reused the old session id")
	}
	if second.State != SessionRunning {
		t.Errorf("expected running after restart, got %s", second.State)
	}
}

func TestNewRejectsUnknownNames(t *testing.T) {
	registry := gateway.NewRegistry(gateway.DefaultRegistryConfig())
	router := gateway.NewRouter(registry, gateway.DefaultRouterConfig(), zerolog.Nop())
	riskMgr := testRiskManager(t, 5)
	bus := events.NewEventBus()

	base := Config{
		Assets:     []string{"EURUSD"},
		Timeframes: []market.Timeframe{market.TimeframeM1},
	}

	cfg := base
	cfg.Indicators = []IndicatorConfig{{Name: "no_such_indicator"}}
	if _, err := New(cfg, router, indicators.NewEngine(), triggers.NewEvaluator(), riskMgr, newFakeAdapter(1000), bus, nil, zerolog.Nop()); !errors.Is(err, indicators.ErrUnknownIndicator) {
		t.Errorf("expected ErrUnknownIndicator, got %v", err)
	}

	cfg = base
	cfg.Triggers = []TriggerConfig{{Name: "no_such_trigger"}}
	if _, err := New(cfg, router, indicators.NewEngine(), triggers.NewEvaluator(), riskMgr, newFakeAdapter(1000), bus, nil, zerolog.Nop()); !errors.Is(err, triggers.ErrUnknownTrigger) {
		t.Errorf("expected ErrUnknownTrigger, got %v", err)
	}
}

func TestSettlementAfterCycleEndReachesRiskState(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 8\nREASONING: oversold bounce"}
	adapter := newFakeAdapter(1000)
	adapter.settleDelay = 150 * time.Millisecond
	adapter.settleProfit = decimal.NewFromInt(-20)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)

	// The option settles well after the cycle that placed it has finished.
	// The losing outcome must still reach the risk state, or the loss stop
	// could never trigger in real operation.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if riskMgr.Snapshot().ConsecutiveLosses == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.Shutdown()

	if got := riskMgr.Snapshot().ConsecutiveLosses; got != 1 {
		t.Fatalf("settlement after cycle end never reached the risk state, loss streak = %d", got)
	}
}

func TestGatewayExhaustionPublishesProviderFailure(t *testing.T) {
	chat := &scriptedChat{err: errors.New("connection refused")}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	bus := events.NewEventBus()
	failures := make(chan events.Event, 8)
	bus.Subscribe(events.EventProviderFailed, func(e events.Event) { failures <- e })

	a := testAgentWithBus(t, []string{"EURUSD"}, chat, adapter, riskMgr, bus)
	a.Start()
	waitForCycle(t, a)
	a.Shutdown()

	select {
	case e := <-failures:
		if e.Data["provider"] != "scripted" {
			t.Errorf("expected failure attributed to the scripted provider, got %v", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no provider failure event published on gateway exhaustion")
	}
}

func TestTradeOutcomeFeedsRiskState(t *testing.T) {
	chat := &scriptedChat{text: "DIRECTION: CALL\nCONFIDENCE: 8\nREASONING: oversold bounce"}
	adapter := newFakeAdapter(1000)
	riskMgr := testRiskManager(t, 5)

	a := testAgent(t, []string{"EURUSD"}, chat, adapter, riskMgr)
	a.Start()
	waitForCycle(t, a)
	// Shutdown waits for the outcome watcher, so the winning settlement has
	// been recorded by the time it returns.
	a.Shutdown()

	status := riskMgr.Snapshot()
	if status.ConsecutiveLosses != 0 {
		t.Errorf("win should keep the loss streak at zero, got %d", status.ConsecutiveLosses)
	}
	if status.TradesToday != 1 {
		t.Errorf("expected one trade recorded, got %d", status.TradesToday)
	}
}
