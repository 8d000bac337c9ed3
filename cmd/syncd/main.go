package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/syncmesh/resourced/internal/auth"
	"github.com/syncmesh/resourced/internal/bus"
	"github.com/syncmesh/resourced/internal/config"
	"github.com/syncmesh/resourced/internal/logger"
	"github.com/syncmesh/resourced/internal/monitoring"
	"github.com/syncmesh/resourced/internal/resources"
	"github.com/syncmesh/resourced/internal/server"
	"github.com/syncmesh/resourced/internal/storage"
)

var (
	configPath     = flag.String("config", "", "Path to the YAML config file")
	serviceVersion = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("resourced: load config: %v", err)
	}

	lg := logger.New("resourced", serviceVersion)
	lg.SetMinLevel(logger.LevelFromDebugValue(cfg.DebugLevel))
	lg.Infof("starting resourced (protocol: %s, port: %d, localMode: %v)", cfg.Protocol, cfg.Port, cfg.LocalMode)

	ctx := context.Background()

	store, err := newStore(ctx, cfg, lg)
	if err != nil {
		lg.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	credentials := newCredentialStore(cfg, store)
	resolver := auth.NewResolver(store.RuleStore(), auth.Options{
		OwnerImplicitAllow: true,
		PublicDataAccess:   cfg.PublicDataAccess,
	})
	authn := auth.NewAuthenticator(credentials, resolver)

	manager := resources.NewManager(store, lg, resources.ExternalConfig{})

	if cfg.BusRedisAddr != "" {
		relay, err := bus.New(ctx, bus.Config{Addr: cfg.BusRedisAddr}, lg)
		if err != nil {
			lg.Fatalf("connect to bus: %v", err)
		}
		defer relay.Close()

		originID := uuid.NewString()
		leader := bus.NewLeader(relay.Client(), originID, 30*time.Second)
		manager.AttachBus(relay, leader, originID)
		lg.Infof("cross-instance bus enabled (addr: %s, origin: %s)", cfg.BusRedisAddr, originID)
	}

	checker := monitoring.NewChecker()
	checker.RunCheck("storage", func() error { return nil })
	metrics := monitoring.NewMetrics()

	srv := server.New(cfg, lg, manager, authn, metrics, checker)
	if err := srv.Start(); err != nil {
		lg.Fatalf("start server: %v", err)
	}

	waitForShutdown(srv, lg)
}

func newStore(ctx context.Context, cfg *config.Config, lg *logger.Logger) (storage.Store, error) {
	if cfg.DatabaseHost == "" {
		lg.Warn("no databaseHost configured, running with an in-memory store")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, storage.PostgresConfig{
		Host:              cfg.DatabaseHost,
		Port:              cfg.DatabasePort,
		User:              cfg.DatabaseUser,
		Password:          cfg.DatabasePassword,
		Database:          cfg.DBName,
		SSLMode:           cfg.DatabaseSSLMode,
		MaxConnections:    int32(cfg.DatabaseMaxConnections),
		ConnectionTimeout: 10 * time.Second,
	})
}

func newCredentialStore(cfg *config.Config, store storage.Store) auth.CredentialStore {
	if cfg.UseAuthFiles {
		return auth.NewFileCredentialStore(cfg.BaseAuthDir+"/credentials", cfg.AllowAddingUsers)
	}
	return auth.NewDBCredentialStore(store.CredentialRecords(), cfg.AllowAddingUsers, 0)
}

// waitForShutdown blocks until a termination or hangup signal arrives. Per
// spec.md §5, a HUP signals every connection with a termination notice and
// shuts down cleanly; SIGINT/SIGTERM do the same.
func waitForShutdown(srv *server.Server, lg *logger.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	s := <-sig
	lg.Infof("received %s, shutting down", s)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		lg.Errorf("shutdown: %v", err)
	}
}
