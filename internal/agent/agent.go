// Package agent runs the decision loop: one non-overlapping evaluation cycle
// per wake interval, fanning out per asset, combining technical signals with
// an AI verdict under the risk gate, and emitting at most one trade intent
// per cycle.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"iqoption-trading-bot/internal/cache"
	"iqoption-trading-bot/internal/events"
	"iqoption-trading-bot/internal/execution"
	"iqoption-trading-bot/internal/gateway"
	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/market"
	"iqoption-trading-bot/internal/risk"
	"iqoption-trading-bot/internal/triggers"
)

const (
	maxConcurrentAssets = 4
	recentDecisionCap   = 50
	snapshotTimeout     = 10 * time.Second
)

// IndicatorConfig is one configured indicator instance.
type IndicatorConfig struct {
	Name   string            `json:"name"`
	Params indicators.Params `json:"params"`
}

// TriggerConfig is one configured trigger instance.
type TriggerConfig struct {
	Name   string          `json:"name"`
	Weight float64         `json:"weight"`
	Params triggers.Params `json:"params"`
}

// Config holds the decision loop settings.
type Config struct {
	Assets              []string           `json:"assets"`
	Timeframes          []market.Timeframe `json:"timeframes"`
	Indicators          []IndicatorConfig  `json:"indicators"`
	Triggers            []TriggerConfig    `json:"triggers"`
	AggregationPolicy   triggers.Policy    `json:"aggregation_policy"`
	ConfidenceFloor     float64            `json:"confidence_floor"`     // aggregate vote floor, (0,1]
	ConfidenceThreshold float64            `json:"confidence_threshold"` // AI verdict threshold, [0,10]
	WakeInterval        time.Duration      `json:"wake_interval"`
	SnapshotBars        int                `json:"snapshot_bars"`
	Expiry              time.Duration      `json:"expiry"`
	Temperature         float64            `json:"temperature"`
	MaxTokens           int                `json:"max_tokens"`
	PreferredProvider   string             `json:"preferred_provider"`
}

func (c *Config) normalize() {
	if c.WakeInterval <= 0 {
		c.WakeInterval = time.Minute
	}
	if c.SnapshotBars <= 0 {
		c.SnapshotBars = 100
	}
	if c.Expiry <= 0 {
		c.Expiry = time.Minute
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 7
	}
	if c.ConfidenceFloor <= 0 {
		c.ConfidenceFloor = triggers.DefaultConfidenceFloor
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 150
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
}

// SessionState is the lifecycle of one agent session.
type SessionState string

const (
	SessionCreated SessionState = "created"
	SessionRunning SessionState = "running"
	SessionStopped SessionState = "stopped"
)

type session struct {
	id        string
	state     SessionState
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// Decision is one recorded per-asset outcome of a cycle's AI consultation.
type Decision struct {
	Asset      string             `json:"asset"`
	Direction  triggers.Direction `json:"direction"`
	Confidence float64            `json:"confidence"`
	Provider   string             `json:"provider"`
	Reasoning  string             `json:"reasoning"`
	Traded     bool               `json:"traded"`
	TradeID    string             `json:"trade_id,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Status is the control-surface view of the agent.
type Status struct {
	State     SessionState `json:"state"`
	SessionID string       `json:"session_id,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	Risk      risk.Status  `json:"risk"`
	LastCycle time.Time    `json:"last_cycle"`
	Decisions []Decision   `json:"last_decisions"`
}

// Agent owns the session and drives the decision cycles.
type Agent struct {
	cfg       Config
	router    *gateway.Router
	engine    *indicators.Engine
	evaluator *triggers.Evaluator
	riskMgr   *risk.Manager
	adapter   execution.Adapter
	bus       *events.EventBus
	snapshots *cache.SnapshotCache
	logger    zerolog.Logger
	weights   map[string]float64

	mu        sync.Mutex
	session   *session
	lastCycle time.Time
	decisions []Decision

	// Settlement watches outlive the cycle that placed the trade, so they
	// run under the agent's own context, cancelled only at Shutdown.
	watchCtx    context.Context
	watchCancel context.CancelFunc

	wg sync.WaitGroup
}

// New validates the configured indicator and trigger names and builds the
// agent. Unknown names fail here, at startup, not mid-cycle.
func New(
	cfg Config,
	router *gateway.Router,
	engine *indicators.Engine,
	evaluator *triggers.Evaluator,
	riskMgr *risk.Manager,
	adapter execution.Adapter,
	bus *events.EventBus,
	snapshots *cache.SnapshotCache,
	logger zerolog.Logger,
) (*Agent, error) {
	cfg.normalize()
	if len(cfg.Assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required")
	}
	if len(cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("at least one timeframe is required")
	}
	for _, ic := range cfg.Indicators {
		if !engine.Has(ic.Name) {
			return nil, fmt.Errorf("%w: %s", indicators.ErrUnknownIndicator, ic.Name)
		}
	}
	weights := make(map[string]float64, len(cfg.Triggers))
	for _, tc := range cfg.Triggers {
		if !evaluator.Has(tc.Name) {
			return nil, fmt.Errorf("%w: %s", triggers.ErrUnknownTrigger, tc.Name)
		}
		if tc.Weight > 0 {
			weights[tc.Name] = tc.Weight
		}
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:         cfg,
		router:      router,
		engine:      engine,
		evaluator:   evaluator,
		riskMgr:     riskMgr,
		adapter:     adapter,
		bus:         bus,
		snapshots:   snapshots,
		logger:      logger.With().Str("component", "agent").Logger(),
		weights:     weights,
		watchCtx:    watchCtx,
		watchCancel: watchCancel,
	}, nil
}

// Start launches the decision loop. Starting a running agent is a no-op that
// returns the current status; there is never more than one loop.
func (a *Agent) Start() Status {
	a.mu.Lock()
	if a.session != nil && a.session.state == SessionRunning {
		a.mu.Unlock()
		return a.Status()
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:        uuid.NewString(),
		state:     SessionRunning,
		startedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	a.session = sess
	a.mu.Unlock()

	a.wg.Add(1)
	go a.loop(ctx, sess)

	a.logger.Info().Str("session_id", sess.id).Msg("agent started")
	a.bus.Publish(events.Event{
		Type: events.EventAgentStarted,
		Data: map[string]interface{}{"session_id": sess.id},
	})
	return a.Status()
}

// Stop cancels the loop and waits for the current cycle to exit. Stopping a
// stopped agent is a no-op.
func (a *Agent) Stop() Status {
	a.mu.Lock()
	sess := a.session
	if sess == nil || sess.state != SessionRunning {
		a.mu.Unlock()
		return a.Status()
	}
	a.mu.Unlock()

	sess.cancel()
	<-sess.done

	a.mu.Lock()
	sess.state = SessionStopped
	a.mu.Unlock()

	a.logger.Info().Str("session_id", sess.id).Msg("agent stopped")
	a.bus.Publish(events.Event{
		Type: events.EventAgentStopped,
		Data: map[string]interface{}{"session_id": sess.id},
	})
	return a.Status()
}

// Shutdown stops the loop, abandons any settlements still pending and waits
// for the watchers to finish.
func (a *Agent) Shutdown() {
	a.Stop()
	a.watchCancel()
	a.wg.Wait()
}

// Status returns the agent's control-surface view.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{
		State:     SessionCreated,
		Risk:      a.riskMgr.Snapshot(),
		LastCycle: a.lastCycle,
		Decisions: append([]Decision(nil), a.decisions...),
	}
	if a.session != nil {
		st.State = a.session.state
		st.SessionID = a.session.id
		st.StartedAt = a.session.startedAt
	}
	return st
}

// loop runs cycles on the wake interval. Cycles execute synchronously on
// this goroutine so they can never overlap; a tick that arrives while a
// cycle is still running is dropped with a warning.
func (a *Agent) loop(ctx context.Context, sess *session) {
	defer a.wg.Done()
	defer close(sess.done)

	ticker := time.NewTicker(a.cfg.WakeInterval)
	defer ticker.Stop()

	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runCycle(ctx)
			// A tick queued during the cycle means the cycle overran the
			// wake interval.
			select {
			case <-ticker.C:
				a.logger.Warn().
					Dur("wake_interval", a.cfg.WakeInterval).
					Msg("cycle overran wake interval, tick dropped")
				a.bus.Publish(events.Event{
					Type: events.EventCycleSkipped,
					Data: map[string]interface{}{"reason": "previous cycle still running"},
				})
			default:
			}
		}
	}
}

// runCycle executes one full evaluation pass.
func (a *Agent) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		a.mu.Lock()
		a.lastCycle = time.Now().UTC()
		a.mu.Unlock()
	}()

	if !a.riskMgr.CanTrade() {
		state := a.riskMgr.State()
		a.logger.Info().Str("risk_state", string(state)).Msg("cycle skipped, risk gate closed")
		a.bus.Publish(events.Event{
			Type: events.EventCycleSkipped,
			Data: map[string]interface{}{"reason": string(state)},
		})
		return
	}

	// The balance is read once and treated as a stable input for every
	// branch of this cycle.
	balanceCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	balance, err := a.adapter.GetBalance(balanceCtx)
	cancel()
	if err != nil {
		a.logger.Error().Err(err).Msg("balance fetch failed, cycle skipped")
		a.bus.PublishError("adapter", "", "balance fetch failed", err)
		return
	}

	var traded atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentAssets)
	for _, asset := range a.cfg.Assets {
		asset := asset
		g.Go(func() error {
			// Per-asset failures are downgraded inside evaluateAsset; an
			// error return would cancel the sibling branches.
			a.evaluateAsset(gctx, asset, balance, &traded)
			return nil
		})
	}
	g.Wait()
}

// evaluateAsset runs one asset's pipeline: snapshots, indicators, triggers,
// aggregation, AI consultation, and possibly the cycle's single trade.
func (a *Agent) evaluateAsset(ctx context.Context, asset string, balance decimal.Decimal, traded *atomic.Bool) {
	log := a.logger.With().Str("asset", asset).Logger()

	var signals []triggers.Signal
	var primarySnap *market.Snapshot
	var primaryInds map[string]*indicators.Result

	for _, tf := range a.cfg.Timeframes {
		if ctx.Err() != nil {
			return
		}
		snap, err := a.fetchSnapshot(ctx, asset, tf)
		if err != nil {
			log.Warn().Err(err).Str("timeframe", string(tf)).Msg("snapshot fetch failed, pair skipped")
			a.bus.PublishError("adapter", asset, "snapshot fetch failed", err)
			continue
		}

		inds := make(map[string]*indicators.Result, len(a.cfg.Indicators))
		for _, ic := range a.cfg.Indicators {
			res, err := a.engine.Compute(ic.Name, snap, ic.Params)
			if err != nil {
				if errors.Is(err, indicators.ErrInsufficientData) {
					log.Debug().Str("indicator", ic.Name).Str("timeframe", string(tf)).Msg("indicator warming up")
				} else {
					log.Warn().Err(err).Str("indicator", ic.Name).Msg("indicator computation failed")
					a.bus.PublishError("indicators", asset, "indicator computation failed", err)
				}
				continue
			}
			inds[ic.Name] = res
		}

		for _, tc := range a.cfg.Triggers {
			sig, err := a.evaluator.Evaluate(tc.Name, snap, inds, tc.Params)
			if err != nil {
				log.Warn().Err(err).Str("trigger", tc.Name).Msg("trigger evaluation failed")
				continue
			}
			if sig.Direction != triggers.DirectionNone {
				a.bus.PublishSignal(asset, string(tf), sig.Trigger, string(sig.Direction), sig.Reason, sig.Strength)
			}
			signals = append(signals, sig)
		}

		if primarySnap == nil {
			primarySnap, primaryInds = snap, inds
		}
	}
	if primarySnap == nil {
		return
	}

	vote := triggers.Aggregate(signals, a.weights, a.cfg.AggregationPolicy, a.cfg.ConfidenceFloor)
	if vote.Direction == triggers.DirectionNone {
		log.Debug().Msg("no aggregate signal this cycle")
		return
	}
	log.Info().
		Str("direction", string(vote.Direction)).
		Float64("strength", vote.Strength).
		Msg("aggregate signal, consulting AI")

	resp, err := a.router.Complete(ctx, gateway.CompletionRequest{
		Messages:          buildPrompt(primarySnap, primaryInds, signals, vote),
		Temperature:       a.cfg.Temperature,
		MaxTokens:         a.cfg.MaxTokens,
		PreferredProvider: a.cfg.PreferredProvider,
	})
	if err != nil {
		// Gateway exhaustion is a no-signal outcome for this asset, not a
		// cycle failure.
		log.Warn().Err(err).Msg("completion failed, treating as no signal")
		var exhausted *gateway.ExhaustedError
		if errors.As(err, &exhausted) {
			for _, attempt := range exhausted.Attempts {
				a.bus.PublishProviderFailure(attempt.Provider, string(attempt.Kind), attempt.Detail)
			}
		}
		a.bus.PublishError("gateway", asset, "completion failed", err)
		return
	}

	verdict := ParseVerdict(resp.Text)
	decision := Decision{
		Asset:      asset,
		Direction:  verdict.Direction,
		Confidence: verdict.Confidence,
		Provider:   resp.Provider,
		Reasoning:  verdict.Reasoning,
		Timestamp:  time.Now().UTC(),
	}

	if verdict.Direction == vote.Direction && verdict.Confidence >= a.cfg.ConfidenceThreshold {
		if traded.CompareAndSwap(false, true) {
			decision.Traded, decision.TradeID = a.placeTrade(ctx, asset, verdict, vote, signals, balance)
		} else {
			log.Info().Msg("cycle trade budget already used, intent suppressed")
		}
	} else {
		log.Info().
			Str("verdict", string(verdict.Direction)).
			Float64("confidence", verdict.Confidence).
			Str("vote", string(vote.Direction)).
			Msg("verdict did not confirm trade")
	}

	a.recordDecision(decision)
	a.bus.PublishDecision(asset, string(decision.Direction), decision.Confidence, decision.Provider, decision.Reasoning, decision.Traded)
}

// placeTrade builds the intent, passes the risk gate and submits. Returns
// whether a trade was placed and its broker id.
func (a *Agent) placeTrade(ctx context.Context, asset string, verdict Verdict, vote triggers.Vote, signals []triggers.Signal, balance decimal.Decimal) (bool, string) {
	log := a.logger.With().Str("asset", asset).Logger()

	amount := a.riskMgr.PositionSize(balance)
	if amount.IsZero() {
		log.Warn().Str("balance", balance.String()).Msg("position sized to zero, no trade")
		return false, ""
	}

	contributing := make([]triggers.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.Direction == vote.Direction {
			contributing = append(contributing, sig)
		}
	}

	intent := &execution.TradeIntent{
		ID:                uuid.NewString(),
		Asset:             asset,
		Direction:         verdict.Direction,
		Amount:            amount,
		Expiry:            a.cfg.Expiry,
		Confidence:        verdict.Confidence,
		TriggeringSignals: contributing,
		CreatedAt:         time.Now().UTC(),
	}

	if err := a.riskMgr.RecordIntent(intent); err != nil {
		log.Warn().Err(err).Msg("risk gate refused intent")
		return false, ""
	}

	tradeID, err := a.adapter.SubmitTrade(ctx, intent)
	if err != nil {
		log.Error().Err(err).Msg("trade submission rejected")
		a.bus.PublishError("adapter", asset, "trade submission rejected", err)
		return false, ""
	}

	log.Info().
		Str("trade_id", tradeID).
		Str("direction", string(intent.Direction)).
		Str("amount", amount.String()).
		Float64("confidence", verdict.Confidence).
		Msg("trade placed")
	a.bus.PublishTradePlaced(tradeID, asset, string(intent.Direction), amount.String(), verdict.Confidence)

	a.watchOutcome(tradeID)
	return true, tradeID
}

// watchOutcome waits for the trade's settlement off the cycle path and feeds
// it back into the risk state. An option settles after its expiry, long
// after the cycle that placed it has returned, so the subscription must not
// use the cycle context.
func (a *Agent) watchOutcome(tradeID string) {
	ch, err := a.adapter.SubscribeOutcome(a.watchCtx, tradeID)
	if err != nil {
		a.logger.Warn().Err(err).Str("trade_id", tradeID).Msg("outcome subscription failed")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		outcome, ok := <-ch
		if !ok {
			return
		}
		a.riskMgr.RecordOutcome(outcome)
		a.bus.PublishTradeSettled(outcome.TradeID, outcome.Profit.String(), outcome.Win())
		a.logger.Info().
			Str("trade_id", outcome.TradeID).
			Str("profit", outcome.Profit.String()).
			Bool("win", outcome.Win()).
			Msg("trade settled")
	}()
}

// fetchSnapshot serves from the cache when possible, otherwise from the
// adapter with a bounded timeout.
func (a *Agent) fetchSnapshot(ctx context.Context, asset string, tf market.Timeframe) (*market.Snapshot, error) {
	if a.snapshots != nil {
		if snap := a.snapshots.Get(ctx, asset, tf); snap != nil {
			return snap, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	snap, err := a.adapter.FetchSnapshot(fetchCtx, asset, tf, a.cfg.SnapshotBars)
	if err != nil {
		return nil, err
	}
	if a.snapshots != nil {
		a.snapshots.Put(ctx, snap)
	}
	return snap, nil
}

// recordDecision appends to the bounded recent-decision list, newest first.
func (a *Agent) recordDecision(d Decision) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append([]Decision{d}, a.decisions...)
	if len(a.decisions) > recentDecisionCap {
		a.decisions = a.decisions[:recentDecisionCap]
	}
}

// RecentDecisions returns the newest recorded decisions, up to limit.
func (a *Agent) RecentDecisions(limit int) []Decision {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit <= 0 || limit > len(a.decisions) {
		limit = len(a.decisions)
	}
	return append([]Decision(nil), a.decisions[:limit]...)
}
