package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"iqoption-trading-bot/internal/market"
)

type Config struct {
	LoggingConfig   LoggingConfig    `json:"logging"`
	ServerConfig    ServerConfig     `json:"server"`
	AuthConfig      AuthConfig       `json:"auth"`
	GatewayConfig   GatewayConfig    `json:"gateway"`
	Providers       []ProviderConfig `json:"providers"`
	AgentConfig     AgentConfig      `json:"agent"`
	RiskConfig      RiskConfig       `json:"risk"`
	ExecutionConfig ExecutionConfig  `json:"execution"`
	IQOptionConfig  IQOptionConfig   `json:"iq_option"`
	RedisConfig     RedisConfig      `json:"redis"`
	DatabaseConfig  DatabaseConfig   `json:"database"`
	VaultConfig     VaultConfig      `json:"vault"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // Comma-separated CORS origins
	ProductionMode  bool   `json:"production_mode"`
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// Origins splits the comma-separated allowed origins list.
func (s ServerConfig) Origins() []string {
	if s.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(s.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// AuthConfig holds API authentication configuration
type AuthConfig struct {
	Enabled   bool   `json:"enabled"`
	JWTSecret string `json:"jwt_secret"`
}

// GatewayConfig tunes provider health tracking and failover
type GatewayConfig struct {
	DegradeAfter       int `json:"degrade_after"`        // Consecutive failures before degraded
	UnavailableAfter   int `json:"unavailable_after"`    // Further failures before unavailable
	SuccessStreak      int `json:"success_streak"`       // Successes to recover from degraded
	AttemptTimeoutSecs int `json:"attempt_timeout_secs"` // Per-provider timeout within one call
}

// ProviderConfig describes one LLM provider backend
type ProviderConfig struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // "openai", "deepseek", "groq", "claude", "ollama"
	BaseURL     string `json:"base_url"`
	Model       string `json:"model"`
	APIKey      string `json:"api_key"`
	TimeoutSecs int    `json:"timeout_secs"`
}

// IndicatorConfig is one configured indicator instance
type IndicatorConfig struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params"`
}

// TriggerConfig is one configured trigger instance
type TriggerConfig struct {
	Name   string             `json:"name"`
	Weight float64            `json:"weight"`
	Params map[string]float64 `json:"params"`
}

// AgentConfig holds the decision loop configuration
type AgentConfig struct {
	Assets              []string          `json:"assets"`
	Timeframes          []string          `json:"timeframes"` // "M1", "M5", ...
	Indicators          []IndicatorConfig `json:"indicators"`
	Triggers            []TriggerConfig   `json:"triggers"`
	AggregationPolicy   string            `json:"aggregation_policy"`   // "weighted_sum", "max", "majority"
	ConfidenceFloor     float64           `json:"confidence_floor"`     // Aggregate vote floor (0,1]
	ConfidenceThreshold float64           `json:"confidence_threshold"` // AI verdict threshold (0,10]
	WakeIntervalSecs    int               `json:"wake_interval_secs"`
	SnapshotBars        int               `json:"snapshot_bars"`
	ExpirySecs          int               `json:"expiry_secs"`
	Temperature         float64           `json:"temperature"`
	MaxTokens           int               `json:"max_tokens"`
	PreferredProvider   string            `json:"preferred_provider"`
}

// RiskConfig holds the risk gate limits
type RiskConfig struct {
	MaxDailyTrades   int     `json:"max_daily_trades"`
	StopAfterLosses  int     `json:"stop_after_losses"`
	TradeAmountRatio float64 `json:"trade_amount_ratio"` // Fraction of balance per trade (0,1]
	MaxTradeAmount   float64 `json:"max_trade_amount"`   // Absolute ceiling
	MinTradeAmount   float64 `json:"min_trade_amount"`   // Broker minimum stake
	TradingStart     string  `json:"trading_start"`      // "HH:MM"
	TradingEnd       string  `json:"trading_end"`        // "HH:MM"; equal to start = always open
}

// ExecutionConfig selects the broker adapter
type ExecutionConfig struct {
	Mode             string  `json:"mode"`              // "iqoption" or "simulated"
	SimulatedBalance float64 `json:"simulated_balance"` // Starting balance in simulated mode
	SimulatedSeed    int64   `json:"simulated_seed"`    // RNG seed; 0 = time-based
}

// IQOptionConfig holds IQ Option broker configuration
type IQOptionConfig struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	AuthURL   string `json:"auth_url"`
	SocketURL string `json:"socket_url"`
	DemoMode  bool   `json:"demo_mode"`
}

// RedisConfig holds Redis configuration for snapshot caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	TTLSecs  int    `json:"ttl_secs"`
}

// DatabaseConfig holds PostgreSQL configuration for the audit trail
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for provider keys
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom reads the config file if present and applies environment overrides.
func LoadFrom(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker and provider credentials may also come from Vault; environment
// values take precedence over the file, Vault over both.
func applyEnvOverrides(cfg *Config) {
	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LoggingConfig.JSONFormat = v == "true"
	}

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	if v := os.Getenv("SERVER_PRODUCTION_MODE"); v != "" {
		cfg.ServerConfig.ProductionMode = v == "true"
	}
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Execution config
	cfg.ExecutionConfig.Mode = getEnvOrDefault("EXECUTION_MODE", cfg.ExecutionConfig.Mode)

	// IQ Option config
	cfg.IQOptionConfig.Email = getEnvOrDefault("IQOPTION_EMAIL", cfg.IQOptionConfig.Email)
	cfg.IQOptionConfig.Password = getEnvOrDefault("IQOPTION_PASSWORD", cfg.IQOptionConfig.Password)
	cfg.IQOptionConfig.AuthURL = getEnvOrDefault("IQOPTION_AUTH_URL", cfg.IQOptionConfig.AuthURL)
	cfg.IQOptionConfig.SocketURL = getEnvOrDefault("IQOPTION_SOCKET_URL", cfg.IQOptionConfig.SocketURL)
	if v := os.Getenv("IQOPTION_DEMO_MODE"); v != "" {
		cfg.IQOptionConfig.DemoMode = v == "true"
	}

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Database config
	if v := os.Getenv("DATABASE_ENABLED"); v != "" {
		cfg.DatabaseConfig.Enabled = v == "true"
	}
	cfg.DatabaseConfig.DSN = getEnvOrDefault("DATABASE_DSN", cfg.DatabaseConfig.DSN)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "trading-bot"))
	if v := os.Getenv("VAULT_TLS_ENABLED"); v != "" {
		cfg.VaultConfig.TLSEnabled = v == "true"
	}
}

// applyDefaults fills the gaps a minimal config file leaves open.
func applyDefaults(cfg *Config) {
	if cfg.GatewayConfig.DegradeAfter <= 0 {
		cfg.GatewayConfig.DegradeAfter = 3
	}
	if cfg.GatewayConfig.UnavailableAfter <= 0 {
		cfg.GatewayConfig.UnavailableAfter = 2
	}
	if cfg.GatewayConfig.SuccessStreak <= 0 {
		cfg.GatewayConfig.SuccessStreak = 2
	}
	if cfg.GatewayConfig.AttemptTimeoutSecs <= 0 {
		cfg.GatewayConfig.AttemptTimeoutSecs = 30
	}

	if len(cfg.AgentConfig.Assets) == 0 {
		cfg.AgentConfig.Assets = []string{"EURUSD"}
	}
	if len(cfg.AgentConfig.Timeframes) == 0 {
		cfg.AgentConfig.Timeframes = []string{"M1"}
	}
	if len(cfg.AgentConfig.Indicators) == 0 {
		cfg.AgentConfig.Indicators = []IndicatorConfig{
			{Name: "rsi", Params: map[string]float64{"period": 14}},
			{Name: "macd"},
		}
	}
	if len(cfg.AgentConfig.Triggers) == 0 {
		cfg.AgentConfig.Triggers = []TriggerConfig{
			{Name: "momentum", Weight: 1},
			{Name: "price_action", Weight: 1},
		}
	}
	if cfg.AgentConfig.WakeIntervalSecs <= 0 {
		cfg.AgentConfig.WakeIntervalSecs = 60
	}
	if cfg.AgentConfig.SnapshotBars <= 0 {
		cfg.AgentConfig.SnapshotBars = 100
	}
	if cfg.AgentConfig.ExpirySecs <= 0 {
		cfg.AgentConfig.ExpirySecs = 60
	}
	if cfg.AgentConfig.ConfidenceThreshold <= 0 {
		cfg.AgentConfig.ConfidenceThreshold = 7
	}

	if cfg.RiskConfig.MaxDailyTrades <= 0 {
		cfg.RiskConfig.MaxDailyTrades = 10
	}
	if cfg.RiskConfig.StopAfterLosses <= 0 {
		cfg.RiskConfig.StopAfterLosses = 3
	}
	if cfg.RiskConfig.TradeAmountRatio <= 0 {
		cfg.RiskConfig.TradeAmountRatio = 0.02
	}
	if cfg.RiskConfig.MaxTradeAmount <= 0 {
		cfg.RiskConfig.MaxTradeAmount = 100
	}
	if cfg.RiskConfig.MinTradeAmount <= 0 {
		cfg.RiskConfig.MinTradeAmount = 1
	}
	if cfg.RiskConfig.TradingStart == "" {
		cfg.RiskConfig.TradingStart = "00:00"
	}
	if cfg.RiskConfig.TradingEnd == "" {
		cfg.RiskConfig.TradingEnd = "00:00"
	}

	if cfg.ExecutionConfig.Mode == "" {
		cfg.ExecutionConfig.Mode = "simulated"
	}
	if cfg.ExecutionConfig.SimulatedBalance <= 0 {
		cfg.ExecutionConfig.SimulatedBalance = 10000
	}
	if cfg.RedisConfig.TTLSecs <= 0 {
		cfg.RedisConfig.TTLSecs = 60
	}
	if cfg.IQOptionConfig.AuthURL == "" {
		cfg.IQOptionConfig.AuthURL = "https://auth.iqoption.com/api/v2/login"
	}
	if cfg.IQOptionConfig.SocketURL == "" {
		cfg.IQOptionConfig.SocketURL = "wss://iqoption.com/echo/websocket"
	}
}

var validProviderTypes = map[string]bool{
	"openai":   true,
	"deepseek": true,
	"groq":     true,
	"claude":   true,
	"ollama":   true,
}

var validPolicies = map[string]bool{
	"":             true,
	"weighted_sum": true,
	"max":          true,
	"majority":     true,
}

// Validate rejects configurations the pipeline cannot run with. Called once
// at startup; a failure is fatal.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider id must not be empty")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if !validProviderTypes[p.Type] {
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
		if p.Type != "ollama" && p.APIKey == "" && !c.VaultConfig.Enabled {
			return fmt.Errorf("provider %s: api key required when vault is disabled", p.ID)
		}
	}

	if len(c.AgentConfig.Assets) == 0 {
		return fmt.Errorf("agent: at least one asset is required")
	}
	for _, tf := range c.AgentConfig.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if !validPolicies[c.AgentConfig.AggregationPolicy] {
		return fmt.Errorf("agent: unknown aggregation policy %q", c.AgentConfig.AggregationPolicy)
	}
	if c.AgentConfig.ConfidenceFloor < 0 || c.AgentConfig.ConfidenceFloor > 1 {
		return fmt.Errorf("agent: confidence_floor must be in [0,1]")
	}
	if c.AgentConfig.ConfidenceThreshold < 0 || c.AgentConfig.ConfidenceThreshold > 10 {
		return fmt.Errorf("agent: confidence_threshold must be in [0,10]")
	}

	if c.RiskConfig.TradeAmountRatio <= 0 || c.RiskConfig.TradeAmountRatio > 1 {
		return fmt.Errorf("risk: trade_amount_ratio must be in (0,1]")
	}
	if c.RiskConfig.MinTradeAmount > c.RiskConfig.MaxTradeAmount {
		return fmt.Errorf("risk: min_trade_amount exceeds max_trade_amount")
	}
	for _, clock := range []string{c.RiskConfig.TradingStart, c.RiskConfig.TradingEnd} {
		var h, m int
		if _, err := fmt.Sscanf(clock, "%d:%d", &h, &m); err != nil || h < 0 || h > 23 || m < 0 || m > 59 {
			return fmt.Errorf("risk: invalid trading window time %q", clock)
		}
	}

	switch c.ExecutionConfig.Mode {
	case "simulated":
	case "iqoption":
		if !c.VaultConfig.Enabled && (c.IQOptionConfig.Email == "" || c.IQOptionConfig.Password == "") {
			return fmt.Errorf("iq_option: credentials required when vault is disabled")
		}
	default:
		return fmt.Errorf("execution: unknown mode %q", c.ExecutionConfig.Mode)
	}

	if c.DatabaseConfig.Enabled && c.DatabaseConfig.DSN == "" {
		return fmt.Errorf("database: dsn required when enabled")
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth: jwt_secret required when enabled")
	}
	return nil
}

// WakeInterval returns the agent wake interval as a duration.
func (a AgentConfig) WakeInterval() time.Duration {
	return time.Duration(a.WakeIntervalSecs) * time.Second
}

// Expiry returns the option expiry as a duration.
func (a AgentConfig) Expiry() time.Duration {
	return time.Duration(a.ExpirySecs) * time.Second
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "http://localhost:5173",
			ShutdownTimeout: 10,
		},
		GatewayConfig: GatewayConfig{
			DegradeAfter:       3,
			UnavailableAfter:   2,
			SuccessStreak:      2,
			AttemptTimeoutSecs: 30,
		},
		Providers: []ProviderConfig{
			{ID: "deepseek", Type: "deepseek", Model: "deepseek-chat", APIKey: "your_api_key_here"},
			{ID: "local", Type: "ollama", BaseURL: "http://localhost:11434", Model: "llama3"},
		},
		AgentConfig: AgentConfig{
			Assets:     []string{"EURUSD", "GBPUSD"},
			Timeframes: []string{"M1", "M5"},
			Indicators: []IndicatorConfig{
				{Name: "rsi", Params: map[string]float64{"period": 14}},
				{Name: "macd"},
				{Name: "bollinger", Params: map[string]float64{"period": 20, "multiplier": 2}},
			},
			Triggers: []TriggerConfig{
				{Name: "momentum", Weight: 1.5},
				{Name: "price_action", Weight: 1},
				{Name: "volume_spike", Weight: 0.5},
			},
			AggregationPolicy:   "weighted_sum",
			ConfidenceFloor:     0.5,
			ConfidenceThreshold: 7,
			WakeIntervalSecs:    60,
			SnapshotBars:        100,
			ExpirySecs:          60,
			Temperature:         0.3,
			MaxTokens:           150,
		},
		RiskConfig: RiskConfig{
			MaxDailyTrades:   10,
			StopAfterLosses:  3,
			TradeAmountRatio: 0.02,
			MaxTradeAmount:   100,
			MinTradeAmount:   1,
			TradingStart:     "08:00",
			TradingEnd:       "20:00",
		},
		ExecutionConfig: ExecutionConfig{
			Mode:             "simulated",
			SimulatedBalance: 10000,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
