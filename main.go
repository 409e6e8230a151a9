package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/analysis"
	"github.com/shadiayoub/ada-binance-bot/internal/api"
	"github.com/shadiayoub/ada-binance-bot/internal/autopilot"
	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/circuit"
	"github.com/shadiayoub/ada-binance-bot/internal/database"
	"github.com/shadiayoub/ada-binance-bot/internal/events"
	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
	"github.com/shadiayoub/ada-binance-bot/internal/levels"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
	"github.com/shadiayoub/ada-binance-bot/internal/notification"
	"github.com/shadiayoub/ada-binance-bot/internal/vault"
)

func main() {
	sampleConfig := flag.String("sample-config", "", "write a sample config to this path and exit")
	tokenTTL := flag.Duration("token", 0, "print an operator JWT valid for this long and exit")
	flag.Parse()

	if *sampleConfig != "" {
		if err := config.GenerateSampleConfig(*sampleConfig); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		fmt.Println("sample config written to", *sampleConfig)
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *tokenTTL > 0 {
		if cfg.AuthConfig.JWTSecret == "" {
			log.Fatal("auth.jwt_secret is not set")
		}
		tok, err := api.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer).GenerateToken("operator", *tokenTTL)
		if err != nil {
			log.Fatalf("Failed to mint token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	// Initialize structured logging
	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bot exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	symbol := cfg.TradingConfig.Symbol

	// Credentials from Vault replace whatever the environment provided
	var vaultClient *vault.Client
	if cfg.VaultConfig.Enabled {
		vc, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		if err := vc.ApplyTo(ctx, &cfg.BinanceConfig); err != nil {
			return fmt.Errorf("vault credentials: %w", err)
		}
		vaultClient = vc
		logger.Info("binance credentials loaded from vault", "path", cfg.VaultConfig.SecretPath)
	}
	if !cfg.TradingConfig.DryRun && (cfg.BinanceConfig.APIKey == "" || cfg.BinanceConfig.SecretKey == "") {
		return errors.New("live trading requires binance credentials")
	}

	eventBus := events.NewEventBus()
	defer eventBus.Wait()

	// Exchange
	realClient := binance.NewFuturesClient(
		cfg.BinanceConfig.APIKey,
		cfg.BinanceConfig.SecretKey,
		cfg.BinanceConfig.TestNet,
		binance.WithRateLimiter(binance.NewRateLimiter(cfg.BinanceConfig.RequestsPerSec)),
		binance.WithRecvWindow(cfg.BinanceConfig.RecvWindowMs),
		binance.WithMaxRetryElapsed(time.Duration(cfg.BinanceConfig.MaxRetryElapsed)*time.Second),
		binance.WithLogger(logger),
	)
	var client binance.FuturesClient = realClient
	if cfg.TradingConfig.DryRun {
		client = binance.NewFuturesMockClient(cfg.TradingConfig.StaticBalance, realClient)
		logger.Warn("dry run: orders are simulated against live market data")
	}

	var stream *binance.MarkPriceStream
	var priceSource exchange.PriceSource
	if cfg.BinanceConfig.UseMarkStream {
		stream = binance.NewMarkPriceStream(symbol, "", cfg.BinanceConfig.TestNet, logger)
		priceSource = stream
	}

	gateway, err := exchange.NewGateway(client, priceSource, exchange.Config{
		Symbol:       symbol,
		QuantityStep: cfg.BinanceConfig.QuantityStep,
		PriceTick:    cfg.BinanceConfig.PriceTick,
		MarginType:   binance.MarginType(strings.ToUpper(cfg.BinanceConfig.MarginType)),
		PriceMaxAge:  5 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	if err := gateway.Prepare(ctx, cfg.HedgeConfig.AnchorLeverage); err != nil {
		return fmt.Errorf("prepare account: %w", err)
	}

	// Analysis and strategy
	analyzer := analysis.NewAnalyzer(analysis.Config{
		RSIPeriod:     cfg.IndicatorConfig.RSIPeriod,
		EMAFastPeriod: cfg.IndicatorConfig.EMAFastPeriod,
		EMASlowPeriod: cfg.IndicatorConfig.EMASlowPeriod,
		VolumePeriod:  cfg.IndicatorConfig.VolumePeriod,
	})
	learner := levels.NewLearner(levels.Config{
		Tolerance:  cfg.LevelConfig.Tolerance,
		MaxLevels:  cfg.LevelConfig.MaxLevels,
		MinTouches: cfg.LevelConfig.MinTouches,
		DecayAfter: time.Duration(cfg.LevelConfig.DecayAfterHours) * time.Hour,
	})
	engine := autopilot.NewSignalEngine(autopilot.NewEngineConfig(cfg), learner)
	var scalp *autopilot.ScalpEngine
	if cfg.ScalpConfig.Enabled {
		scalp = autopilot.NewScalpEngine(autopilot.NewScalpConfig(cfg), learner)
	}
	balance := autopilot.NewBalanceCache(gateway, cfg.BalanceCacheTTL(), cfg.TradingConfig.StaticBalance, logger)
	manager := autopilot.NewManager(autopilot.NewManagerConfig(cfg), gateway, balance, logger)
	breaker := circuit.NewCircuitBreaker(circuit.FromConfig(cfg.CircuitBreakerConfig), eventBus)

	deps := autopilot.Dependencies{
		Gateway:  gateway,
		Analyzer: analyzer,
		Learner:  learner,
		Engine:   engine,
		Scalp:    scalp,
		Manager:  manager,
		Balance:  balance,
		Breaker:  breaker,
		Bus:      eventBus,
		Logger:   logger,
	}

	// Persistence
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(ctx, cfg.DatabaseConfig, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer func() {
			// let queued ledger writes land before the pool goes away
			eventBus.Wait()
			db.Close()
		}()
		if err := db.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		database.NewLedger(db.Pool, logger).Attach(eventBus)
	}

	var redisStore *database.RedisStateStore
	if cfg.RedisConfig.Enabled {
		rc, err := database.NewRedisClient(ctx, cfg.RedisConfig)
		if err != nil {
			// state falls back to memory; the bot can still trade
			logger.Warn("redis unavailable, state kept in memory only", "error", err)
		} else {
			defer rc.Close()
			redisStore = database.NewRedisStateStore(rc, cfg.RedisConfig.KeyPrefix, symbol, logger)
			deps.Store = redisStore
			if cfg.TradingConfig.TickLockEnabled {
				deps.Lock = database.NewTickLock(rc, cfg.RedisConfig.KeyPrefix, symbol)
			}
		}
	}

	controller := autopilot.NewController(autopilot.NewControllerConfig(cfg), deps)

	g, gctx := errgroup.WithContext(ctx)

	// Notifications
	if cfg.NotificationConfig.Enabled {
		notifyManager := notification.NewManager(logger)
		if cfg.NotificationConfig.Telegram.Enabled {
			tg, err := notification.NewTelegramNotifier(cfg.NotificationConfig.Telegram.BotToken, cfg.NotificationConfig.Telegram.ChatID, logger)
			if err != nil {
				logger.Warn("telegram disabled", "error", err)
			} else {
				tg.Handle("status", func() string { return statusText(controller.Summary()) })
				tg.Handle("positions", func() string { return positionsText(controller.Positions()) })
				notifyManager.AddNotifier(tg)
				g.Go(func() error { return tg.Listen(gctx) })
			}
		}
		notifyManager.Attach(eventBus)
	}

	if stream != nil {
		g.Go(func() error { return stream.Run(gctx) })
	}

	if cfg.ServerConfig.Enabled {
		server := api.NewServer(api.ServerConfig{
			Host:              cfg.ServerConfig.Host,
			Port:              cfg.ServerConfig.Port,
			AllowedOrigins:    cfg.ServerConfig.AllowedOrigins,
			JWTSecret:         cfg.AuthConfig.JWTSecret,
			Issuer:            cfg.AuthConfig.Issuer,
			ProductionMode:    !cfg.TradingConfig.DryRun,
			RequestsPerMinute: 120,
		}, controller, eventBus, logger)
		if db != nil {
			server.AddHealthCheck("postgres", db.HealthCheck)
		}
		if redisStore != nil {
			server.AddHealthCheck("redis", func(context.Context) error {
				if !redisStore.Available() {
					return errors.New("unavailable, using memory fallback")
				}
				return nil
			})
		}
		if vaultClient != nil {
			server.AddHealthCheck("vault", vaultClient.Health)
		}

		g.Go(func() error { return server.Start(gctx) })
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := controller.Run(gctx)
		if err == nil && controller.Halted() {
			logger.Warn("autopilot halted, waiting for shutdown signal")
			<-gctx.Done()
		}
		return err
	})

	logger.Info("bot running",
		"symbol", symbol,
		"dry_run", cfg.TradingConfig.DryRun,
		"testnet", cfg.BinanceConfig.TestNet,
		"scalp", cfg.ScalpConfig.Enabled,
		"api", cfg.ServerConfig.Enabled)

	return g.Wait()
}

func statusText(s autopilot.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s @ %.4f\n", s.Symbol, s.Price)
	state := "running"
	switch {
	case s.Halted:
		state = "halted"
	case !s.Running:
		state = "stopped"
	}
	fmt.Fprintf(&b, "State: %s (tick %d)\n", state, s.Tick)
	fmt.Fprintf(&b, "Open positions: %d, levels: %d\n", s.Positions.Open, s.Levels)
	fmt.Fprintf(&b, "PnL: realized %.2f, unrealized %.2f\n", s.Positions.RealizedPnL, s.Positions.UnrealizedPnL)
	if s.Positions.HasBreakEven {
		fmt.Fprintf(&b, "Break-even: %.4f\n", s.Positions.BreakEvenPrice)
	}
	if s.Breaker != nil {
		fmt.Fprintf(&b, "Circuit breaker: %s", s.Breaker.State)
		if s.Breaker.TripReason != "" {
			fmt.Fprintf(&b, " (%s)", s.Breaker.TripReason)
		}
		b.WriteString("\n")
	}
	if s.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", s.LastError)
	}
	return strings.TrimSpace(b.String())
}

func positionsText(positions []autopilot.Position) string {
	var open []autopilot.Position
	for _, p := range positions {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		return "No open positions"
	}
	sort.Slice(open, func(i, j int) bool { return open[i].OpenTime.Before(open[j].OpenTime) })

	var b strings.Builder
	for _, p := range open {
		fmt.Fprintf(&b, "%s %s %.0f @ %.4f x%d", p.Role, p.Side, p.Size, p.EntryPrice, p.Leverage)
		if p.TakeProfitPrice > 0 {
			fmt.Fprintf(&b, " TP %.4f", p.TakeProfitPrice)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
