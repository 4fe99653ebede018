package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"iqoption-trading-bot/config"
	"iqoption-trading-bot/internal/agent"
	"iqoption-trading-bot/internal/api"
	"iqoption-trading-bot/internal/audit"
	"iqoption-trading-bot/internal/cache"
	"iqoption-trading-bot/internal/events"
	"iqoption-trading-bot/internal/execution"
	"iqoption-trading-bot/internal/gateway"
	"iqoption-trading-bot/internal/indicators"
	"iqoption-trading-bot/internal/iqoption"
	"iqoption-trading-bot/internal/logging"
	"iqoption-trading-bot/internal/market"
	"iqoption-trading-bot/internal/risk"
	"iqoption-trading-bot/internal/triggers"
	"iqoption-trading-bot/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
	})
	logger.Info().Msg("structured logging initialized")

	ctx := context.Background()

	// Secrets: Vault when enabled, configuration-seeded local cache otherwise
	vaultClient, err := vault.NewClient(vault.Config{
		Enabled:    cfg.VaultConfig.Enabled,
		Address:    cfg.VaultConfig.Address,
		Token:      cfg.VaultConfig.Token,
		MountPath:  cfg.VaultConfig.MountPath,
		SecretPath: cfg.VaultConfig.SecretPath,
		TLSEnabled: cfg.VaultConfig.TLSEnabled,
		CACert:     cfg.VaultConfig.CACert,
	})
	if err != nil {
		log.Fatalf("Failed to create vault client: %v", err)
	}
	if cfg.VaultConfig.Enabled {
		healthCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := vaultClient.Health(healthCtx)
		cancel()
		if err != nil {
			log.Fatalf("Vault health check failed: %v", err)
		}
		logger.Info().Str("address", cfg.VaultConfig.Address).Msg("vault connected")
	}
	for _, p := range cfg.Providers {
		if p.APIKey != "" {
			vaultClient.SetLocalProviderKey(p.ID, p.APIKey)
		}
	}
	if cfg.IQOptionConfig.Email != "" && cfg.IQOptionConfig.Password != "" {
		vaultClient.SetLocalBrokerCredentials(vault.BrokerCredentials{
			Email:    cfg.IQOptionConfig.Email,
			Password: cfg.IQOptionConfig.Password,
		})
	}

	// Completion gateway: provider registry plus the failover router
	registry := gateway.NewRegistry(gateway.RegistryConfig{
		DegradeAfter:     cfg.GatewayConfig.DegradeAfter,
		UnavailableAfter: cfg.GatewayConfig.UnavailableAfter,
		SuccessStreak:    cfg.GatewayConfig.SuccessStreak,
	})
	for _, p := range cfg.Providers {
		client, err := buildProviderClient(ctx, p, vaultClient)
		if err != nil {
			log.Fatalf("Failed to build provider %s: %v", p.ID, err)
		}
		err = registry.Register(gateway.Provider{
			ID:           p.ID,
			Capabilities: []gateway.Capability{gateway.CapabilityChat, gateway.CapabilityStreaming},
			Client:       client,
		})
		if err != nil {
			log.Fatalf("Failed to register provider %s: %v", p.ID, err)
		}
		logger.Info().Str("provider", p.ID).Str("type", p.Type).Msg("provider registered")
	}
	router := gateway.NewRouter(registry, gateway.RouterConfig{
		AttemptTimeout: time.Duration(cfg.GatewayConfig.AttemptTimeoutSecs) * time.Second,
	}, logger)

	// Risk gate
	riskMgr, err := risk.New(risk.Config{
		MaxDailyTrades:   cfg.RiskConfig.MaxDailyTrades,
		StopAfterLosses:  cfg.RiskConfig.StopAfterLosses,
		TradeAmountRatio: decimal.NewFromFloat(cfg.RiskConfig.TradeAmountRatio),
		MaxTradeAmount:   decimal.NewFromFloat(cfg.RiskConfig.MaxTradeAmount),
		MinTradeAmount:   decimal.NewFromFloat(cfg.RiskConfig.MinTradeAmount),
		TradingHours: risk.Window{
			Start: cfg.RiskConfig.TradingStart,
			End:   cfg.RiskConfig.TradingEnd,
		},
	}, logger)
	if err != nil {
		log.Fatalf("Failed to create risk manager: %v", err)
	}

	// Broker adapter
	adapter, err := buildAdapter(ctx, cfg, vaultClient, logger)
	if err != nil {
		log.Fatalf("Failed to connect broker adapter: %v", err)
	}
	defer adapter.Close()

	// Snapshot cache; a missing Redis degrades to broker fetches
	snapshots := cache.NewSnapshotCache(cache.Config{
		Enabled:  cfg.RedisConfig.Enabled,
		Address:  cfg.RedisConfig.Address,
		Password: cfg.RedisConfig.Password,
		DB:       cfg.RedisConfig.DB,
		PoolSize: cfg.RedisConfig.PoolSize,
		TTL:      time.Duration(cfg.RedisConfig.TTLSecs) * time.Second,
	}, logger)
	defer snapshots.Close()

	// Event bus and audit trail
	eventBus := events.NewEventBus()
	var decisionLog api.DecisionLog
	if cfg.DatabaseConfig.Enabled {
		store, err := audit.NewStore(ctx, cfg.DatabaseConfig.DSN, logger)
		if err != nil {
			log.Fatalf("Failed to open audit store: %v", err)
		}
		defer store.Close()
		audit.NewRecorder(store, eventBus, logger)
		decisionLog = store
		logger.Info().Msg("audit trail enabled")
	}

	// Decision agent
	timeframes := make([]market.Timeframe, 0, len(cfg.AgentConfig.Timeframes))
	for _, raw := range cfg.AgentConfig.Timeframes {
		tf, err := market.ParseTimeframe(raw)
		if err != nil {
			log.Fatalf("Invalid timeframe %q: %v", raw, err)
		}
		timeframes = append(timeframes, tf)
	}
	policy, err := triggers.ParsePolicy(cfg.AgentConfig.AggregationPolicy)
	if err != nil {
		log.Fatalf("Invalid aggregation policy: %v", err)
	}
	indicatorConfigs := make([]agent.IndicatorConfig, 0, len(cfg.AgentConfig.Indicators))
	for _, ic := range cfg.AgentConfig.Indicators {
		indicatorConfigs = append(indicatorConfigs, agent.IndicatorConfig{
			Name:   ic.Name,
			Params: indicators.Params(ic.Params),
		})
	}
	triggerConfigs := make([]agent.TriggerConfig, 0, len(cfg.AgentConfig.Triggers))
	for _, tc := range cfg.AgentConfig.Triggers {
		triggerConfigs = append(triggerConfigs, agent.TriggerConfig{
			Name:   tc.Name,
			Weight: tc.Weight,
			Params: triggers.Params(tc.Params),
		})
	}

	decisionAgent, err := agent.New(agent.Config{
		Assets:              cfg.AgentConfig.Assets,
		Timeframes:          timeframes,
		Indicators:          indicatorConfigs,
		Triggers:            triggerConfigs,
		AggregationPolicy:   policy,
		ConfidenceFloor:     cfg.AgentConfig.ConfidenceFloor,
		ConfidenceThreshold: cfg.AgentConfig.ConfidenceThreshold,
		WakeInterval:        cfg.AgentConfig.WakeInterval(),
		SnapshotBars:        cfg.AgentConfig.SnapshotBars,
		Expiry:              cfg.AgentConfig.Expiry(),
		Temperature:         cfg.AgentConfig.Temperature,
		MaxTokens:           cfg.AgentConfig.MaxTokens,
		PreferredProvider:   cfg.AgentConfig.PreferredProvider,
	}, router, indicators.NewEngine(), triggers.NewEvaluator(), riskMgr, adapter, eventBus, snapshots, logger)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	// HTTP control surface
	jwtSecret := ""
	if cfg.AuthConfig.Enabled {
		jwtSecret = cfg.AuthConfig.JWTSecret
	}
	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
		AllowedOrigins: cfg.ServerConfig.Origins(),
		JWTSecret:      jwtSecret,
	}, decisionAgent, router, decisionLog, logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run()
	}()

	decisionAgent.Start()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("api server failed")
		}
	}

	decisionAgent.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}

// buildProviderClient resolves the provider's API key and builds the matching
// transport client.
func buildProviderClient(ctx context.Context, p config.ProviderConfig, secrets *vault.Client) (gateway.ChatClient, error) {
	timeout := 30 * time.Second
	if p.TimeoutSecs > 0 {
		timeout = time.Duration(p.TimeoutSecs) * time.Second
	}

	if p.Type == "ollama" {
		return gateway.NewOllamaClient(p.ID, p.BaseURL, p.Model, timeout), nil
	}

	keyCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	apiKey, err := secrets.GetProviderKey(keyCtx, p.ID)
	if err != nil {
		return nil, err
	}

	switch p.Type {
	case "deepseek":
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com/v1"
		}
		return gateway.NewOpenAIClient(p.ID, baseURL, apiKey, p.Model, timeout), nil
	case "groq":
		baseURL := p.BaseURL
		if baseURL == "" {
			baseURL = "https://api.groq.com/openai/v1"
		}
		return gateway.NewOpenAIClient(p.ID, baseURL, apiKey, p.Model, timeout), nil
	case "claude":
		return gateway.NewClaudeClient(p.ID, p.BaseURL, apiKey, p.Model, timeout), nil
	default: // "openai", validated at startup
		return gateway.NewOpenAIClient(p.ID, p.BaseURL, apiKey, p.Model, timeout), nil
	}
}

// buildAdapter connects the configured broker: the IQ Option websocket
// session, or the simulated adapter for development runs.
func buildAdapter(ctx context.Context, cfg *config.Config, secrets *vault.Client, logger zerolog.Logger) (execution.Adapter, error) {
	if cfg.ExecutionConfig.Mode == "simulated" {
		logger.Info().Msg("using simulated broker adapter")
		return execution.NewSimulatedAdapter(
			decimal.NewFromFloat(cfg.ExecutionConfig.SimulatedBalance),
			cfg.ExecutionConfig.SimulatedSeed,
			logger,
		), nil
	}

	credCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	creds, err := secrets.GetBrokerCredentials(credCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	client := iqoption.NewClient(iqoption.Config{
		Email:     creds.Email,
		Password:  creds.Password,
		AuthURL:   cfg.IQOptionConfig.AuthURL,
		SocketURL: cfg.IQOptionConfig.SocketURL,
		DemoMode:  cfg.IQOptionConfig.DemoMode,
	}, logger)

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, err
	}
	logger.Info().Bool("demo_mode", cfg.IQOptionConfig.DemoMode).Msg("broker connected")
	return client, nil
}
