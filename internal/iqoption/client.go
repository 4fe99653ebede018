// Package iqoption implements the broker adapter over the IQ Option
// websocket API: authentication, candle history, balance, binary option
// placement and settlement delivery.
package iqoption

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iqoption-trading-bot/internal/execution"
	"iqoption-trading-bot/internal/market"
)

const (
	defaultAuthURL   = "https://auth.iqoption.com/api/v2/login"
	defaultSocketURL = "wss://iqoption.com/echo/websocket"

	// Binary options with expiries under five minutes are "turbo" options on
	// the wire.
	optionTypeBinary = 1
	optionTypeTurbo  = 3

	requestTimeout = 15 * time.Second
)

// Config holds the broker connection settings.
type Config struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	AuthURL   string `json:"auth_url"`
	SocketURL string `json:"socket_url"`
	DemoMode  bool   `json:"demo_mode"` // trade against the practice balance
}

// activeIDs maps our asset symbols to IQ Option instrument ids.
var activeIDs = map[string]int{
	"EURUSD": 1, "GBPUSD": 5, "USDJPY": 3, "USDCHF": 72,
	"USDCAD": 99, "AUDUSD": 6, "NZDUSD": 8, "EURJPY": 4, "EURGBP": 2,
	"BTCUSD": 816, "ETHUSD": 817, "LTCUSD": 818, "XRPUSD": 819,
}

// Client is a websocket session with the broker. It implements
// execution.Adapter. One Client owns one connection; the agent creates it at
// startup and closes it on shutdown.
type Client struct {
	cfg        Config
	logger     zerolog.Logger
	httpClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	ssid      string
	balance   decimal.Decimal
	balanceID int64

	// In-flight request correlation and settlement subscriptions, both
	// resolved by the read loop.
	pending  map[string]chan json.RawMessage
	outcomes map[string]chan execution.TradeOutcome

	writeMu sync.Mutex // websocket writes are not concurrency-safe
	done    chan struct{}
}

// NewClient creates an unconnected broker client.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.SocketURL == "" {
		cfg.SocketURL = defaultSocketURL
	}
	return &Client{
		cfg:        cfg,
		logger:     logger.With().Str("component", "iqoption").Logger(),
		httpClient: &http.Client{Timeout: 20 * time.Second},
		pending:    make(map[string]chan json.RawMessage),
		outcomes:   make(map[string]chan execution.TradeOutcome),
		done:       make(chan struct{}),
	}
}

// wire envelope shared by every websocket message.
type envelope struct {
	Name      string          `json:"name"`
	RequestID string          `json:"request_id,omitempty"`
	Msg       json.RawMessage `json:"msg,omitempty"`
}

type sendMessage struct {
	Name      string `json:"name"`
	RequestID string `json:"request_id"`
	Msg       struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Body    any    `json:"body"`
	} `json:"msg"`
}

// Connect implements execution.Adapter: HTTP login for a session id, then the
// websocket handshake and initial balance load.
func (c *Client) Connect(ctx context.Context) error {
	ssid, err := c.login(ctx)
	if err != nil {
		return fmt.Errorf("broker login failed: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.SocketURL, nil)
	if err != nil {
		return fmt.Errorf("broker websocket dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ssid = ssid
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.write(envelope{Name: "ssid", Msg: mustJSON(ssid)}); err != nil {
		c.Close()
		return fmt.Errorf("broker session handshake failed: %w", err)
	}
	if err := c.loadBalances(ctx); err != nil {
		c.Close()
		return err
	}

	c.logger.Info().
		Bool("demo_mode", c.cfg.DemoMode).
		Str("balance", c.balance.String()).
		Msg("connected to broker")
	return nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Email,
		"password":   c.cfg.Password,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth endpoint returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data struct {
			SSID string `json:"ssid"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to parse auth response: %w", err)
	}
	if parsed.Data.SSID == "" {
		return "", fmt.Errorf("auth response carried no session id")
	}
	return parsed.Data.SSID, nil
}

type balanceEntry struct {
	ID     int64   `json:"id"`
	Type   int     `json:"type"` // 1 = real, 4 = practice
	Amount float64 `json:"amount"`
}

// loadBalances fetches the account balances and selects the real or practice
// one per DemoMode.
func (c *Client) loadBalances(ctx context.Context) error {
	raw, err := c.request(ctx, "get-balances", "1.0", map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}
	var balances []balanceEntry
	if err := json.Unmarshal(raw, &balances); err != nil {
		return fmt.Errorf("failed to parse balances: %w", err)
	}

	wantType := 1
	if c.cfg.DemoMode {
		wantType = 4
	}
	for _, b := range balances {
		if b.Type == wantType {
			c.mu.Lock()
			c.balanceID = b.ID
			c.balance = decimal.NewFromFloat(b.Amount)
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("no balance of type %d in broker response", wantType)
}

// request sends one sendMessage frame and waits for the correlated reply.
func (c *Client) request(ctx context.Context, name, version string, body any) (json.RawMessage, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	requestID := uuid.NewString()
	reply := make(chan json.RawMessage, 1)
	c.pending[requestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	msg := sendMessage{Name: "sendMessage", RequestID: requestID}
	msg.Msg.Name = name
	msg.Msg.Version = version
	msg.Msg.Body = body
	if err := c.write(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()
	select {
	case raw := <-reply:
		return raw, nil
	case <-timer.C:
		return nil, fmt.Errorf("broker request %s timed out", name)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// readLoop dispatches inbound frames: correlated replies to their waiters,
// settlement events to outcome subscribers, balance pushes to the cache.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			running := c.connected
			c.mu.Unlock()
			if running {
				c.logger.Warn().Err(err).Msg("broker connection lost")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug().Err(err).Msg("unparseable broker frame skipped")
			continue
		}

		if env.RequestID != "" {
			c.mu.Lock()
			reply, ok := c.pending[env.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- env.Msg
			}
			continue
		}

		switch env.Name {
		case "balance-changed":
			c.handleBalanceChanged(env.Msg)
		case "option-closed", "binary-options.option-closed":
			c.handleOptionClosed(env.Msg)
		case "timeSync", "heartbeat":
			// Keep-alives carry nothing we track.
		}
	}
}

func (c *Client) handleBalanceChanged(raw json.RawMessage) {
	var msg struct {
		CurrentBalance balanceEntry `json:"current_balance"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	c.mu.Lock()
	if msg.CurrentBalance.ID == c.balanceID {
		c.balance = decimal.NewFromFloat(msg.CurrentBalance.Amount)
	}
	c.mu.Unlock()
}

func (c *Client) handleOptionClosed(raw json.RawMessage) {
	var msg struct {
		ID         int64   `json:"id"`
		Win        string  `json:"win"` // "win", "loose", "equal"
		WinAmount  float64 `json:"win_amount"`
		Amount     float64 `json:"amount"`
		ClosedAtMS int64   `json:"expiration_time"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn().Err(err).Msg("unparseable settlement event")
		return
	}

	stake := decimal.NewFromFloat(msg.Amount)
	var profit decimal.Decimal
	switch msg.Win {
	case "win":
		profit = decimal.NewFromFloat(msg.WinAmount).Sub(stake)
	case "equal":
		profit = decimal.Zero
	default:
		profit = stake.Neg()
	}
	outcome := execution.TradeOutcome{
		TradeID:  fmt.Sprintf("%d", msg.ID),
		Profit:   profit,
		ClosedAt: time.UnixMilli(msg.ClosedAtMS).UTC(),
	}

	c.mu.Lock()
	sub, ok := c.outcomes[outcome.TradeID]
	if ok {
		delete(c.outcomes, outcome.TradeID)
	}
	c.mu.Unlock()
	if ok {
		sub <- outcome
		close(sub)
	}
	c.logger.Info().
		Str("trade_id", outcome.TradeID).
		Str("profit", profit.String()).
		Msg("trade settled")
}

type wireCandle struct {
	From   int64   `json:"from"`
	Open   float64 `json:"open"`
	Close  float64 `json:"close"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Volume float64 `json:"volume"`
}

// FetchSnapshot implements execution.Adapter.
func (c *Client) FetchSnapshot(ctx context.Context, asset string, tf market.Timeframe, count int) (*market.Snapshot, error) {
	activeID, ok := activeIDs[asset]
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %s", execution.ErrDataUnavailable, asset)
	}

	raw, err := c.request(ctx, "get-candles", "2.0", map[string]any{
		"active_id": activeID,
		"size":      tf.Seconds(),
		"to":        time.Now().Unix(),
		"count":     count,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", execution.ErrDataUnavailable, asset, err)
	}

	var msg struct {
		Candles []wireCandle `json:"candles"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: unparseable candles: %v", execution.ErrDataUnavailable, asset, err)
	}
	if len(msg.Candles) == 0 {
		return nil, fmt.Errorf("%w: %s: broker returned no candles", execution.ErrDataUnavailable, asset)
	}

	sort.Slice(msg.Candles, func(i, j int) bool { return msg.Candles[i].From < msg.Candles[j].From })
	candles := make([]market.Candle, 0, len(msg.Candles))
	for _, wc := range msg.Candles {
		candles = append(candles, market.Candle{
			Open:      wc.Open,
			High:      wc.Max,
			Low:       wc.Min,
			Close:     wc.Close,
			Volume:    wc.Volume,
			Timestamp: time.Unix(wc.From, 0).UTC(),
		})
	}
	return market.NewSnapshot(asset, tf, candles)
}

// GetBalance implements execution.Adapter from the cached balance, which the
// broker pushes on every change.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return decimal.Zero, fmt.Errorf("not connected")
	}
	return c.balance, nil
}

// SubmitTrade implements execution.Adapter by opening a binary option.
func (c *Client) SubmitTrade(ctx context.Context, intent *execution.TradeIntent) (string, error) {
	activeID, ok := activeIDs[intent.Asset]
	if !ok {
		return "", fmt.Errorf("%w: unknown asset %s", execution.ErrExecutionRejected, intent.Asset)
	}

	optionType := optionTypeTurbo
	if intent.Expiry >= 5*time.Minute {
		optionType = optionTypeBinary
	}
	amount, _ := intent.Amount.Float64()

	c.mu.Lock()
	balanceID := c.balanceID
	c.mu.Unlock()

	raw, err := c.request(ctx, "binary-options.open-option", "1.0", map[string]any{
		"user_balance_id": balanceID,
		"active_id":       activeID,
		"option_type_id":  optionType,
		"direction":       string(intent.Direction),
		"expired":         time.Now().Add(intent.Expiry).Unix(),
		"price":           amount,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", execution.ErrExecutionRejected, err)
	}

	var msg struct {
		ID      int64  `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.ID == 0 {
		detail := msg.Message
		if detail == "" {
			detail = "broker refused the option"
		}
		return "", fmt.Errorf("%w: %s", execution.ErrExecutionRejected, detail)
	}

	tradeID := fmt.Sprintf("%d", msg.ID)
	c.logger.Info().
		Str("trade_id", tradeID).
		Str("asset", intent.Asset).
		Str("direction", string(intent.Direction)).
		Str("amount", intent.Amount.String()).
		Dur("expiry", intent.Expiry).
		Msg("trade placed")
	return tradeID, nil
}

// SubscribeOutcome implements execution.Adapter. The settlement event arrives
// on the websocket after expiry; the returned channel delivers it once and
// closes.
func (c *Client) SubscribeOutcome(ctx context.Context, tradeID string) (<-chan execution.TradeOutcome, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	sub := make(chan execution.TradeOutcome, 1)
	c.outcomes[tradeID] = sub
	c.mu.Unlock()

	out := make(chan execution.TradeOutcome, 1)
	go func() {
		defer close(out)
		select {
		case outcome, ok := <-sub:
			if ok {
				out <- outcome
			}
		case <-ctx.Done():
			c.mu.Lock()
			delete(c.outcomes, tradeID)
			c.mu.Unlock()
		case <-c.done:
		}
	}()
	return out, nil
}

// Close implements execution.Adapter.
func (c *Client) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return conn.Close()
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
