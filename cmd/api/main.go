package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/punchcard-io/punchcard/internal/analytics"
	"github.com/punchcard-io/punchcard/internal/auth"
	"github.com/punchcard-io/punchcard/internal/config"
	"github.com/punchcard-io/punchcard/internal/gateway"
	"github.com/punchcard-io/punchcard/internal/identity"
	"github.com/punchcard-io/punchcard/internal/ledger"
	"github.com/punchcard-io/punchcard/internal/logging"
	"github.com/punchcard-io/punchcard/internal/notifier"
	"github.com/punchcard-io/punchcard/internal/push"
	"github.com/punchcard-io/punchcard/internal/reward"
	"github.com/punchcard-io/punchcard/internal/settlement"
	"github.com/punchcard-io/punchcard/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Setup("api", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage. Without DB_SOURCE the service runs on in-memory stores,
	// which is only suitable for development.
	var (
		ledgerStore    ledger.Store
		rewardAccounts reward.Accounts
		analyticsStore analytics.Store
	)
	if cfg.DBSource != "" {
		db, err := sql.Open("postgres", cfg.DBSource)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Error("database unreachable", "error", err)
			os.Exit(1)
		}
		ledgerStore = ledger.NewPostgresStore(db)
		rewardAccounts = reward.NewPostgresAccounts(db)
		analyticsStore = analytics.NewPostgresStore(db)
	} else {
		logger.Warn("DB_SOURCE not set, using in-memory stores")
		ledgerStore = ledger.NewMemoryStore()
		rewardAccounts = reward.NewMemoryAccounts()
		analyticsStore = analytics.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rewardAccounts = reward.NewCachedAccounts(rewardAccounts, rdb, 5*time.Minute, logger)
	}

	var bus *messaging.Client
	if cfg.NATSURL != "" {
		bus, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "api",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bus.Close()
	}

	var directory identity.Directory
	if cfg.DirectoryURL != "" {
		directory = identity.NewHTTPDirectory(cfg.DirectoryURL, 0)
	} else {
		logger.Warn("DIRECTORY_URL not set, using empty static directory")
		directory = identity.NewStaticDirectory()
	}

	var sender push.Sender
	if cfg.PushURL != "" {
		sender = push.NewHTTPSender(cfg.PushURL, 0)
	} else {
		sender = &push.LogSender{Logger: logger}
	}

	minter := reward.NewHTTPMinter(reward.HTTPMinterConfig{BaseURL: cfg.MintURL})

	recorder := analytics.NewRecorder(
		analyticsStore,
		analytics.NewInfluxWriter(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket),
		logger,
	)

	hub := notifier.NewHub(0, logger)

	coordinator := settlement.NewCoordinator(settlement.Config{
		Ledger:        ledgerStore,
		Accounts:      rewardAccounts,
		Minter:        minter,
		Analytics:     recorder,
		Directory:     directory,
		Push:          sender,
		Hub:           hub,
		Bus:           bus,
		Logs:          logger,
		RewardRateBps: cfg.RewardRateBps,
	})

	if bus != nil {
		bridge := notifier.NewBridge(bus, hub, logger)
		if err := bridge.Start(); err != nil {
			logger.Error("failed to start event bridge", "error", err)
			os.Exit(1)
		}
	}

	gw := gateway.NewGateway(gateway.Config{
		Coordinator:     coordinator,
		Accounts:        rewardAccounts,
		Analytics:       recorder,
		Directory:       directory,
		Tokens:          auth.NewService(cfg.JWTSecret, cfg.TokenTTL),
		Hub:             hub,
		Logger:          logger,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// In-process expiry sweep. Deployments running the dedicated sweeper
	// can disable this with SWEEP_INTERVAL=0; the sweep itself is
	// idempotent so overlap is harmless.
	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case now := <-ticker.C:
					if _, err := coordinator.Sweep(gctx, now); err != nil {
						logger.Error("sweep failed", "error", err)
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("api exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("api stopped")
}
