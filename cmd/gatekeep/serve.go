package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"gatekeep.dev/internal/audit"
	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/config"
	"gatekeep.dev/internal/engine"
	"gatekeep.dev/internal/httpapi"
	"gatekeep.dev/internal/invalidation"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/rpc"
	"gatekeep.dev/internal/session"
	"gatekeep.dev/internal/store/memory"
	"gatekeep.dev/internal/store/pg"
)

const healthInterval = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC servers",
	Long: `Run the authorization engine behind the HTTP API and the gRPC Authorizer service.

Without database.dsn the engine runs on in-memory stores, which is only suitable
for development. With redis.addr set, permission cache invalidations are shared
with every other instance on redis.channel.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backend is the storage behind one engine.
type backend struct {
	stores engine.Stores
	probe  httpapi.ReadyProbe
	close  func() error
}

func openBackend(cfg *config.Config) (backend, error) {
	if cfg.Database.DSN == "" {
		obs.Logger().Warn("database.dsn not set, using in-memory stores")
		mem := memory.New()
		return backend{
			stores: engine.Stores{
				Roles:       mem,
				Assignments: mem,
				Credentials: mem,
				Sessions:    mem,
				Enrollments: mem,
				Audit:       mem,
			},
			close: func() error { return nil },
		}, nil
	}
	store, err := pg.Open(cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return backend{}, fmt.Errorf("open db: %w", err)
	}
	return backend{
		stores: engine.Stores{
			Roles:       store,
			Assignments: store,
			Credentials: store,
			Sessions:    store,
			Enrollments: store,
			Audit:       store,
		},
		probe: httpapi.ReadyProbe{DB: store},
		close: store.Close,
	}, nil
}

func newRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// buildEngine wires the engine from cfg. The returned bus is nil without Redis.
func buildEngine(cfg *config.Config, stores engine.Stores, rdb *redis.Client) (*engine.Engine, *invalidation.Bus, error) {
	catalog, err := loadCatalog(cfg.Auth.CatalogPath)
	if err != nil {
		return nil, nil, err
	}
	tokens, err := auth.NewTokenIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenIssuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, err
	}
	key, err := cfg.MFA.Key()
	if err != nil {
		return nil, nil, err
	}
	policy, err := cfg.Risk.Policy()
	if err != nil {
		return nil, nil, err
	}

	sessionOpts := []session.Option{
		session.WithDefaultTimeout(cfg.Session.DefaultTimeout),
		session.WithMaxConcurrent(cfg.Session.MaxConcurrent),
		session.WithRiskPolicy(policy),
		session.WithIssuer(cfg.MFA.Issuer),
		session.WithAttemptLimit(cfg.MFA.MaxAttemptsPerMinute),
	}
	if key != nil {
		sessionOpts = append(sessionOpts, session.WithSecretKey(key))
	}
	opts := []engine.Option{
		engine.WithSuperAdmins(cfg.Auth.SuperAdmins...),
		engine.WithMaxRoleDepth(cfg.Auth.MaxRoleDepth),
		engine.WithCacheTTL(cfg.Cache.TTL),
		engine.WithSessionOptions(sessionOpts...),
		engine.WithAuditOptions(audit.WithQueueSize(cfg.Audit.QueueSize), audit.WithWorkers(cfg.Audit.Workers)),
	}

	var bus *invalidation.Bus
	if rdb != nil {
		opts = append(opts, engine.WithInvalidator(func(local auth.Invalidator) (auth.Invalidator, error) {
			b, err := invalidation.New(local, rdb, cfg.Redis.Channel)
			bus = b
			return b, err
		}))
	}
	eng, err := engine.New(catalog, stores, tokens, opts...)
	if err != nil {
		return nil, nil, err
	}
	return eng, bus, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	be, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			log.Warn("close backend", "error", err.Error())
		}
	}()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = newRedis(cfg.Redis)
		defer rdb.Close()
	}
	eng, bus, err := buildEngine(cfg, be.stores, rdb)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if bus != nil {
		go func() {
			if err := bus.Run(runCtx); err != nil {
				log.Error("invalidation bus stopped", "error", err.Error())
			}
		}()
	}

	proxies, err := cfg.HTTP.Proxies()
	if err != nil {
		return err
	}
	sweeper, err := session.NewSweeper(eng.Sessions(), cfg.Session.SweepSchedule, cfg.Session.SweepTimeout)
	if err != nil {
		return err
	}
	sweeper.Start()

	api := httpapi.New(eng, be.probe, version,
		httpapi.WithRateLimit(cfg.HTTP.RateLimit.Burst, cfg.HTTP.RateLimit.PerSecond),
		httpapi.WithTrustedProxies(proxies))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(rpc.UnaryInterceptor))
	authz := rpc.NewServer(eng, be.probe)
	authz.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		log.Info("grpc listening", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				authz.RefreshHealth(runCtx)
			}
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case runErr = <-errCh:
		log.Error("server failed", "error", runErr.Error())
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer done()
	authz.Shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err.Error())
	}
	grpcStopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(grpcStopped)
	}()
	select {
	case <-grpcStopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	if err := sweeper.Stop(shutdownCtx); err != nil {
		log.Warn("sweeper stop", "error", err.Error())
	}
	if err := eng.Close(shutdownCtx); err != nil {
		log.Warn("audit drain", "error", err.Error())
	}
	log.Info("stopped")
	return runErr
}
