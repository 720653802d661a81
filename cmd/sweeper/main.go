// Command sweeper expires overdue pending payments on a fixed interval.
// With ETCD_ENDPOINTS set, replicas elect a leader so only one instance
// sweeps at a time. Without it the sweeper runs standalone, which is fine
// for single-instance deployments since the sweep itself is idempotent.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/punchcard-io/punchcard/internal/analytics"
	"github.com/punchcard-io/punchcard/internal/config"
	"github.com/punchcard-io/punchcard/internal/identity"
	"github.com/punchcard-io/punchcard/internal/ledger"
	"github.com/punchcard-io/punchcard/internal/logging"
	"github.com/punchcard-io/punchcard/internal/notifier"
	"github.com/punchcard-io/punchcard/internal/reward"
	"github.com/punchcard-io/punchcard/internal/settlement"
	"github.com/punchcard-io/punchcard/pkg/messaging"
)

const electionPrefix = "/punchcard/sweeper/leader"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.Setup("sweeper", cfg.Env)

	if cfg.DBSource == "" {
		logger.Error("DB_SOURCE is required: sweeping in-memory state is pointless")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	var bus *messaging.Client
	if cfg.NATSURL != "" {
		bus, err = messaging.NewClient(messaging.Config{
			URL:            cfg.NATSURL,
			Name:           "sweeper",
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

	// The sweeper only transitions rows and emits events. Mint, push and
	// directory calls never happen on the expiry path.
	coordinator := settlement.NewCoordinator(settlement.Config{
		Ledger:    ledger.NewPostgresStore(db),
		Accounts:  reward.NewPostgresAccounts(db),
		Minter:    reward.NewHTTPMinter(reward.HTTPMinterConfig{BaseURL: cfg.MintURL}),
		Analytics: analytics.NewRecorder(analytics.NewPostgresStore(db), nil, logger),
		Directory: identity.NewStaticDirectory(),
		Hub:       notifier.NewHub(0, logger),
		Bus:       bus,
		Logs:      logger,
	})

	if cfg.EtcdEndpoints == "" {
		logger.Warn("ETCD_ENDPOINTS not set, sweeping without leader election")
		runSweepLoop(ctx, coordinator, cfg.SweepInterval, logger)
		return
	}

	etcd, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(cfg.EtcdEndpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("failed to connect to etcd", "error", err)
		os.Exit(1)
	}
	defer etcd.Close()

	for ctx.Err() == nil {
		if err := campaignAndSweep(ctx, etcd, coordinator, cfg.SweepInterval, logger); err != nil && ctx.Err() == nil {
			logger.Error("leadership lost", "error", err)
			time.Sleep(time.Second)
		}
	}
}

// campaignAndSweep blocks until this instance wins the election, then sweeps
// until the session lapses or the context is cancelled.
func campaignAndSweep(ctx context.Context, etcd *clientv3.Client, coordinator *settlement.Coordinator, interval time.Duration, logger *slog.Logger) error {
	session, err := concurrency.NewSession(etcd, concurrency.WithTTL(10))
	if err != nil {
		return err
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)
	hostname, _ := os.Hostname()
	if err := election.Campaign(ctx, hostname); err != nil {
		return err
	}
	logger.Info("elected sweep leader", "instance", hostname)
	defer func() {
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = election.Resign(resignCtx)
	}()

	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-session.Done()
		cancel()
	}()

	runSweepLoop(leaderCtx, coordinator, interval, logger)
	return leaderCtx.Err()
}

func runSweepLoop(ctx context.Context, coordinator *settlement.Coordinator, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := coordinator.Sweep(ctx, now); err != nil {
				logger.Error("sweep failed", "error", err)
			}
		}
	}
}
