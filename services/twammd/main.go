package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"twamm/core/events"
	"twamm/crypto"
	nativecommon "twamm/native/common"
	"twamm/native/twamm"
	"twamm/observability/logging"
	telemetry "twamm/observability/otel"
	"twamm/services/twammd/config"
	"twamm/services/twammd/keeper"
	"twamm/services/twammd/server"
	"twamm/services/twammd/storage"
	"twamm/services/twammd/venue"
	kvstore "twamm/storage"
)

func main() {
	var (
		cfgPath                       string
		allowInsecureBearerWithoutTLS bool
	)
	flag.StringVar(&cfgPath, "config", "services/twammd/config.yaml", "path to twammd configuration file")
	flag.BoolVar(&allowInsecureBearerWithoutTLS, "allow-insecure-bearer-without-tls", false, "allow admin bearer authentication without TLS (dev only)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TWAMM_ENV"))

	var loadOptions []config.Option
	if allowInsecureBearerWithoutTLS {
		if env != "dev" {
			log.Fatalf("twammd: --allow-insecure-bearer-without-tls requires TWAMM_ENV=dev")
		}
		loadOptions = append(loadOptions, config.WithAllowInsecureBearerWithoutTLS())
	}
	cfg, err := config.Load(cfgPath, loadOptions...)
	if err != nil {
		log.Fatalf("twammd: load config: %v", err)
	}

	logger := logging.Setup("twammd", env, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if allowInsecureBearerWithoutTLS {
		logger.Warn("twammd: allowing admin bearer token without TLS (development override)")
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("twammd", env))
	if err != nil {
		log.Fatalf("twammd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn := cfg.Database.DSN
	if cfg.Database.Driver == "sqlite" {
		if dsn, err = storage.FileDSN(cfg.Database.Path); err != nil {
			log.Fatalf("twammd: resolve storage DSN: %v", err)
		}
	}
	store, err := storage.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatalf("twammd: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	custody := crypto.ModuleAddress("twamm")
	v := venue.New(store, custody, logger)
	if err := seedVenue(ctx, store, v, cfg, logger); err != nil {
		log.Fatalf("twammd: seed venue: %v", err)
	}

	params, err := cfg.Params.Build()
	if err != nil {
		log.Fatalf("twammd: params: %v", err)
	}
	tick := cfg.Tick.Duration
	clock := func() uint64 { return uint64(time.Now().UnixNano() / int64(tick)) }

	tstore := twamm.NewStore()
	engine := twamm.NewEngine(tstore, v, params)
	ledger := storage.NewLedger(store, custody)
	payer := storage.NewIncentivePayer(ledger, func() string { return engine.Params().IncentiveAsset })
	coord := twamm.NewCoordinator(tstore, engine, ledger, payer, clock)
	coord.SetLogger(logger)

	snapshots, closeSnapshots, err := openSnapshots(cfg.SnapshotPath)
	if err != nil {
		log.Fatalf("twammd: open snapshot store: %v", err)
	}
	defer closeSnapshots()
	if err := restoreOrInitialise(coord, snapshots, cfg.Pools, logger); err != nil {
		log.Fatalf("twammd: restore state: %v", err)
	}

	buffer := events.NewBuffer(cfg.Events.BufferSize)
	pauses := nativecommon.NewPauseSet()
	coord.SetCheckpointer(snapshots)
	if err := snapshots.Save(coord.Snapshot()); err != nil {
		log.Fatalf("twammd: write baseline checkpoint: %v", err)
	}
	coord.SetEmitter(events.Fanout{buffer})
	coord.SetPauses(pauses)
	coord.SetQuota(cfg.Quota.Quota())

	var tlsConfig *tls.Config
	if !cfg.Admin.TLS.Disable {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	admin := server.NewAdminAuth(cfg.Admin.BearerToken)
	logger.Info("twammd: admin api", "enabled", admin != nil, logging.MaskField("bearer_token", cfg.Admin.BearerToken))
	owners := server.NewOwnerAuth(server.OwnerAuthConfig{
		HMACSecret: cfg.OwnerAuth.HMACSecret,
		Issuer:     cfg.OwnerAuth.Issuer,
		Audience:   cfg.OwnerAuth.Audience,
		ClockSkew:  cfg.OwnerAuth.ClockSkew.Duration,
	}, log.Default())
	logger.Info("twammd: owner tokens", "enabled", owners != nil, logging.MaskField("hmac_secret", cfg.OwnerAuth.HMACSecret))

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLS: server.TLSConfig{
			Disabled: cfg.Admin.TLS.Disable,
			CertFile: cfg.Admin.TLS.CertPath,
			KeyFile:  cfg.Admin.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, server.Deps{
		Coordinator: coord,
		Storage:     store,
		Events:      buffer,
		Pauses:      pauses,
		Venue:       v,
		Admin:       admin,
		Owners:      owners,
		RateLimiter: server.NewRateLimiter(server.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("twammd: server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, groupCtx := errgroup.WithContext(rootCtx)

	if cfg.Keeper.Enabled {
		address, err := crypto.ParseTrader(cfg.Keeper.Address)
		if err != nil {
			log.Fatalf("twammd: keeper address: %v", err)
		}
		k, err := keeper.New(coord, store, address, cfg.Keeper.Interval.Duration, logger)
		if err != nil {
			log.Fatalf("twammd: keeper: %v", err)
		}
		group.Go(func() error {
			if err := k.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error { return srv.Run(groupCtx) })

	if err := group.Wait(); err != nil {
		logger.Error("twammd: exited", "error", err)
		os.Exit(1)
	}
}

// seedVenue registers configured pools at the venue. Genesis balances are
// credited only into a ledger that held no pools before this start.
func seedVenue(ctx context.Context, store *storage.Storage, v *venue.Venue, cfg config.Config, logger *slog.Logger) error {
	fresh := true
	for _, pool := range cfg.Pools {
		if _, err := store.Reserve(ctx, pool.ID); err == nil {
			fresh = false
		} else if !errors.Is(err, storage.ErrReserveNotFound) {
			return err
		}
	}
	for _, pool := range cfg.Pools {
		reserveA, reserveB, err := pool.Reserves()
		if err != nil {
			return err
		}
		seeded, err := v.Seed(ctx, pool.ID, pool.AssetA, pool.AssetB, reserveA, reserveB)
		if err != nil {
			return err
		}
		if seeded {
			logger.Info("twammd: seeded pool", "pool", pool.ID, "reserve_a", reserveA.Dec(), "reserve_b", reserveB.Dec())
		}
	}
	if !fresh {
		return nil
	}
	for _, balance := range cfg.Balances {
		amount, err := config.ParseAmount(balance.Amount)
		if err != nil {
			return err
		}
		if err := store.Credit(ctx, balance.Address, balance.Asset, amount); err != nil {
			return err
		}
	}
	return nil
}

func openSnapshots(path string) (*twamm.SnapshotStore, func(), error) {
	db, err := kvstore.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return twamm.NewSnapshotStore(db), func() { _ = db.Close() }, nil
}

// restoreOrInitialise loads the last checkpoint and initialises any configured
// pool it does not contain.
func restoreOrInitialise(coord *twamm.Coordinator, snapshots *twamm.SnapshotStore, pools []config.PoolConfig, logger *slog.Logger) error {
	snap, ok, err := snapshots.Load()
	if err != nil {
		return err
	}
	if ok {
		if err := coord.Restore(snap); err != nil {
			return err
		}
		logger.Info("twammd: restored checkpoint", "pools", len(snap.Pools), "orders", len(snap.Orders))
	}
	for _, pool := range pools {
		err := coord.InitializePool(pool.ID, pool.AssetA, pool.AssetB)
		if err != nil && !errors.Is(err, twamm.ErrAlreadyInitialized) {
			return err
		}
	}
	return nil
}
