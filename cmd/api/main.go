package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"custodia/api"
	"custodia/auth"
	"custodia/config"
	"custodia/db"
	"custodia/dispute"
	"custodia/escrow"
	"custodia/events"
	"custodia/ledger"
	"custodia/metrics"
	"custodia/policy"
	"custodia/stake"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load config")
		}
		cfg = loaded
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	metrics.Init(cfg.API.MetricsPort)

	writer := events.NewWriter()
	books := ledger.NewPGLedger()

	stakeSvc := stake.NewService(pool, stake.NewRepository(pool), books, writer, writer, cfg.Stake.BanStrikeThreshold, log)

	var collateral policy.CollateralPolicy
	switch cfg.Policy.Strategy {
	case config.StrategyStakeBound:
		collateral = policy.StakeBound{}
	default:
		collateral = policy.RiskMultiplier{
			BaseRatioBps: cfg.Policy.BaseCollateralRatioBps,
			RiskCeiling:  cfg.Policy.RiskCeiling,
		}
	}
	limiter := policy.NewLimiter(cfg.Policy.RateLimitWindow, cfg.Policy.MaxDailyVolume)

	escrowSvc := escrow.NewService(pool, escrow.NewRepository(pool), stakeSvc, collateral, limiter, books, writer, writer, cfg.Escrow, log)

	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), escrowSvc, books, writer, writer, dispute.NewCryptoSource(), cfg.Dispute, log)

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.Auth)

	handler := api.NewHandler(authSvc, stakeSvc, escrowSvc, disputeSvc, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.API.Port),
		Handler:      api.NewRouter(handler, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	relay := events.NewRelay(pool, events.LogPublisher{Log: log}, log)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return relay.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
