package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/flightcover/pkg/access"
	"github.com/Mindburn-Labs/flightcover/pkg/api"
	"github.com/Mindburn-Labs/flightcover/pkg/config"
	"github.com/Mindburn-Labs/flightcover/pkg/finance"
	"github.com/Mindburn-Labs/flightcover/pkg/ledger"
	"github.com/Mindburn-Labs/flightcover/pkg/lock"
	"github.com/Mindburn-Labs/flightcover/pkg/observability"
	"github.com/Mindburn-Labs/flightcover/pkg/oracle"
	"github.com/Mindburn-Labs/flightcover/pkg/resolution"
	"github.com/Mindburn-Labs/flightcover/pkg/settlement"
	"github.com/Mindburn-Labs/flightcover/pkg/store"
)

const (
	storageSQL    = "sql"
	storageFile   = "file"
	storageMemory = "memory"
)

func serveCmd() *cobra.Command {
	var storage string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the resolution engine behind its HTTP API.

Storage:
  sql     sqlite in the data dir, or postgres when DATABASE_URL is set (default)
  file    JSON policy file and JSON-lines settlement ledger in the data dir
  memory  nothing survives a restart`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, storage, logger)
		},
	}
	cmd.Flags().StringVar(&storage, "storage", storageSQL, "storage backend: sql, file or memory")
	return cmd
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// app is the wired engine with everything it owns.
type app struct {
	engine    *resolution.Engine
	server    *api.Server
	wallet    *finance.Wallet
	pool      *settlement.PoolBridge
	transport oracle.Transport
	closers   []func(context.Context) error
}

func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func buildApp(ctx context.Context, cfg *config.Config, storage string, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	engineAddr, err := cfg.Engine()
	if err != nil {
		return nil, err
	}
	params, err := cfg.OracleParams()
	if err != nil {
		return nil, err
	}
	grants, err := cfg.RoleGrants()
	if err != nil {
		return nil, err
	}
	balance, err := finance.ParseAmount(cfg.FeeBalance, finance.WadScale)
	if err != nil {
		return nil, err
	}
	capacity, err := finance.ParseAmount(cfg.PoolCapacity, finance.CurrencyScale)
	if err != nil {
		return nil, err
	}

	// 1. Persistence
	var (
		policies store.Store
		lgr      *ledger.Ledger
	)
	switch storage {
	case storageSQL:
		db, err := openDatabase(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })

		ss := store.NewSQLStore(db)
		if err := ss.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init policy store: %w", err)
		}
		sink := ledger.NewSQLSink(db)
		if err := sink.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to init settlement ledger: %w", err)
		}
		if lgr, err = ledger.Open(ctx, sink); err != nil {
			return nil, err
		}
		policies = ss
	case storageFile:
		fs, err := store.NewFileStore(filepath.Join(cfg.DataDir, "policies.json"))
		if err != nil {
			return nil, err
		}
		if lgr, err = ledger.Open(ctx, ledger.NewFileSink(filepath.Join(cfg.DataDir, "settlement.jsonl"))); err != nil {
			return nil, err
		}
		policies = fs
	case storageMemory:
		logger.Warn("memory storage: policies and settlements are lost on restart")
		policies = store.NewMemoryStore()
		lgr = ledger.New()
	default:
		return nil, fmt.Errorf("unknown storage %q", storage)
	}

	// 2. Access
	gate := access.NewGate(engineAddr, access.NewMemoryRegistry())
	for _, g := range grants {
		if err := gate.GrantRole(ctx, g.Role, g.Account); err != nil {
			return nil, err
		}
		logger.Info("role granted", "role", string(g.Role), "account", g.Account.String(), "capability", gate.Capability(g.Role).String())
	}

	// 3. Oracle
	if cfg.Oracle.Endpoint != "" {
		a.transport = oracle.NewHTTPTransport(cfg.Oracle.Endpoint, rate.Limit(cfg.Oracle.RateLimit), cfg.Oracle.Burst).
			WithBearerToken(cfg.Oracle.Token)
	} else {
		logger.Warn("ORACLE_ENDPOINT not set, oracle requests are only recorded")
		a.transport = &oracle.RecordingTransport{}
	}
	if a.wallet, err = finance.OpenWallet(ctx, engineAddr, balance, settlement.NewFeeJournal(lgr)); err != nil {
		return nil, err
	}
	logger.Info("fee wallet opened", "funded", balance.String(), "balance", a.wallet.Balance().String(),
		"fees_paid", len(a.wallet.Transfers()))
	oc, err := oracle.NewClient(policies, a.transport, a.wallet, params)
	if err != nil {
		return nil, err
	}

	// 4. Settlement
	if a.pool, err = settlement.NewPoolBridge(lgr, capacity); err != nil {
		return nil, err
	}

	// 5. Telemetry
	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.Endpoint = cfg.OTelEndpoint
	otelCfg.ServiceVersion = Version
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, provider.Shutdown)
	instruments, err := provider.Instruments()
	if err != nil {
		return nil, err
	}

	opts := []resolution.Option{
		resolution.WithInstruments(instruments),
		resolution.WithLogger(logger.With("component", "resolution")),
	}

	// 6. Cross-replica locking. Replicas share state only through the SQL
	// policy store and settlement ledger.
	if cfg.RedisAddr != "" {
		if storage != storageSQL {
			return nil, fmt.Errorf("REDIS_ADDR needs --storage=%s: %s storage is local to one process", storageSQL, storage)
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		logger.Info("redis: per-policy locks shared", "addr", cfg.RedisAddr)
		opts = append(opts, resolution.WithLocker(lock.NewRedisLocker(client, 30*time.Second)))
	}

	a.engine = resolution.New(gate, policies, oc, a.pool, opts...)

	// 7. API
	var auth *api.Authenticator
	if cfg.JWTSecret != "" {
		if auth, err = api.NewAuthenticator([]byte(cfg.JWTSecret), tokenIssuer); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("JWT_SECRET not set, every authenticated route is refused")
	}
	a.server, err = api.NewServer(a.engine, auth, api.Options{
		RateLimit: cfg.API.RateLimit,
		Burst:     cfg.API.Burst,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func runServe(ctx context.Context, cfg *config.Config, storage string, logger *slog.Logger) error {
	a, err := buildApp(ctx, cfg, storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	go a.server.Limiter().RunSweeper(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("flightcover ready", "addr", srv.Addr, "engine", a.engine.Address().String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
