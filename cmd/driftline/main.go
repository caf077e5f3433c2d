// Command driftline runs the order-lifecycle engine against one venue.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftline/driftline/internal/chain"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/lifecycle"
	"github.com/driftline/driftline/internal/persistence/migrations"
	"github.com/driftline/driftline/internal/persistence/postgres"
	"github.com/driftline/driftline/internal/rules"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/telemetry"
	"github.com/driftline/driftline/internal/venue"
	"github.com/driftline/driftline/internal/venue/fake"
)

const (
	defaultConfigPath  = "config/driftline.yaml"
	shutdownTimeout    = 30 * time.Second
	persistInterval    = 30 * time.Second
	receiptPollBackoff = 3 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	shutdownMetrics := func(context.Context) error { return nil }
	if cfg.Telemetry.EnableMetrics {
		shutdownMetrics, err = telemetry.InitMetrics(ctx, telemetry.ProviderConfig{
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			ServiceName: cfg.Telemetry.ServiceName,
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
	}

	adapter := buildAdapter(cfg)
	mgr := lifecycle.NewManager(adapter, lifecycle.Config{
		ShortPollInterval:          cfg.Lifecycle.ShortPollInterval.Or(0),
		LongPollInterval:           cfg.Lifecycle.LongPollInterval.Or(0),
		CancelExpiry:               cfg.Lifecycle.CancelExpiry.Or(0),
		PreemptiveSoftCancelWindow: cfg.Lifecycle.PreemptiveSoftCancelWindow.Or(0),
		ExpiryGrace:                cfg.Lifecycle.ExpiryGrace.Or(0),
		HardCancelTimeout:          cfg.Lifecycle.HardCancelTimeout.Or(0),
		OrderNotFoundConfirmations: cfg.Lifecycle.OrderNotFoundConfirmations,
		RequestsPerSecond:          cfg.Lifecycle.RequestsPerSecond,
	}, log)

	if cfg.Venue.ChainRPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.Venue.ChainRPCURL)
		if err != nil {
			return fmt.Errorf("dial chain rpc: %w", err)
		}
		defer client.Close()
		mgr.SetChainWatcher(chain.NewWatcher(client, log, receiptPollBackoff))
	}

	removeListener := mgr.AddListener(func(evt schema.Event) {
		log.Info("lifecycle event",
			zap.String("type", string(evt.Type)),
			zap.String("client_order_id", evt.ClientOrderID),
			zap.String("pair", string(evt.Pair)),
			zap.String("executed_base", evt.ExecutedBase.String()))
	})
	defer removeListener()

	var store *postgres.TrackingStateStore
	if !cfg.Database.Disabled {
		if err := migrations.Apply(ctx, cfg.Database.DSN, log); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		store = postgres.NewTrackingStateStore(pool)

		states, err := store.Load(ctx, cfg.Venue.Name)
		if err != nil {
			return fmt.Errorf("load tracking states: %w", err)
		}
		mgr.RestoreTrackingStates(states)
		log.Info("tracking states restored", zap.Int("count", len(states)))
	}

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start lifecycle manager: %w", err)
	}
	log.Info("driftline running",
		zap.String("venue", cfg.Venue.Name),
		zap.Int("pairs", len(cfg.Venue.Pairs)))

	if store != nil {
		go persistLoop(ctx, log, store, mgr, cfg.Venue.Name)
	}

	<-ctx.Done()
	log.Info("shutdown requested")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if store != nil {
		if err := store.UpsertAll(shutdownCtx, cfg.Venue.Name, mgr.TrackingStates()); err != nil {
			log.Warn("final tracking state persist failed", zap.Error(err))
		}
	}
	mgr.Stop()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown failed", zap.Error(err))
	}
	return nil
}

func newLogger(env config.Environment) (*zap.Logger, error) {
	if env == config.EnvDev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func persistLoop(ctx context.Context, log *zap.Logger, store *postgres.TrackingStateStore, mgr *lifecycle.Manager, venueName string) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.UpsertAll(ctx, venueName, mgr.TrackingStates()); err != nil {
				log.Warn("tracking state persist failed", zap.Error(err))
			}
		}
	}
}

// buildAdapter resolves the configured venue. Unknown names fall back to the
// in-memory fake, which serves as the paper-trading adapter.
func buildAdapter(cfg config.AppConfig) venue.Adapter {
	v := fake.New(cfg.Venue.Name)
	seeded := make([]rules.Rule, 0, len(cfg.Venue.Pairs))
	for _, pair := range cfg.TradingPairs() {
		seeded = append(seeded, rules.Rule{
			Pair:                   pair,
			MinOrderSize:           decimal.RequireFromString("0.0001"),
			MinPriceIncrement:      decimal.RequireFromString("0.01"),
			MinBaseAmountIncrement: decimal.RequireFromString("0.0001"),
			SupportsLimitOrders:    true,
			SupportsMarketOrders:   true,
		})
	}
	v.SetRules(seeded)
	return v
}
