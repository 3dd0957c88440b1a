package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call"
	"github.com/vango-go/vai-callbridge/pkg/gateway/config"
	"github.com/vango-go/vai-callbridge/pkg/gateway/dialer"
	"github.com/vango-go/vai-callbridge/pkg/gateway/handlers"
	"github.com/vango-go/vai-callbridge/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-callbridge/pkg/gateway/server"
	"github.com/vango-go/vai-callbridge/pkg/gateway/tenants"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Dependencies) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// dialStore opens the configured job store. The returned close func is never
// nil; the ready check is nil for the in-memory store.
func dialStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (dialer.Store, handlers.ReadyCheck, func(), error) {
	switch cfg.DialerStore {
	case config.StorePostgres:
		pool, err := dialer.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := dialer.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
		return dialer.NewPostgresStore(pool), pool.Ping, pool.Close, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		return dialer.NewRedisStore(rdb, ""), ping, func() { _ = rdb.Close() }, nil
	default:
		return dialer.NewMemoryStore(), nil, func() {}, nil
	}
}

func newSink(cfg config.Config, logger *slog.Logger) call.Sink {
	sink := call.MultiSink{call.LogSink{Logger: logger}}
	if cfg.RecordWebhookURL != "" {
		sink = append(sink, call.NewWebhookSink(cfg.RecordWebhookURL, nil))
	}
	return sink
}

func runBridge(ctx context.Context, stderr io.Writer, deps bridgeDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg)

	registry, err := tenants.Load(cfg.TenantsFile)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	m := metrics.New("")
	gwDeps := gatewayserver.Dependencies{
		Prompts:     registry,
		Sink:        newSink(cfg, logger),
		Metrics:     m,
		ReadyChecks: map[string]handlers.ReadyCheck{},
	}

	var coord *dialer.Coordinator
	if cfg.OutboundEnabled() {
		store, ready, closeStore, err := dialStore(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("open dialer store: %w", err)
		}
		defer closeStore()
		if ready != nil {
			gwDeps.ReadyChecks["dialer_store"] = ready
		}

		starter, err := dialer.NewTwilioStarter(dialer.TwilioConfig{
			AccountSID:  cfg.TwilioAccountSID,
			AuthToken:   cfg.TwilioAuthToken,
			From:        cfg.TwilioFromNumber,
			StreamURL:   cfg.StreamURL(),
			StatusURL:   cfg.StatusCallbackURL(),
			BaseURL:     cfg.TwilioBaseURL,
			RingTimeout: cfg.TwilioRingTimeout,
		}, &http.Client{Timeout: 15 * time.Second})
		if err != nil {
			return err
		}
		coord, err = dialer.NewCoordinator(dialer.Dependencies{
			Store:    store,
			Starter:  starter,
			Capacity: registry.Capacity,
			Metrics:  m,
			Logger:   logger,
			Config: dialer.Config{
				Concurrency:       cfg.DialConcurrency,
				LeaseTimeout:      cfg.LeaseTimeout,
				HeartbeatInterval: cfg.LeaseHeartbeat,
				ReapInterval:      cfg.ReapInterval,
				MaxLeaseAge:       cfg.LeaseMaxAge(),
			},
		})
		if err != nil {
			return err
		}
		defer coord.Close()
		gwDeps.Outbound = coord
	}

	gw := deps.newGateway(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting call bridge",
		"addr", cfg.Addr,
		"backend", cfg.Backend,
		"auth_mode", cfg.AuthMode,
		"outbound", coord != nil,
		"dialer_store", cfg.DialerStore,
		"tenants", len(registry.IDs()),
	)

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	if coord != nil {
		g.Go(func() error { return coord.Run(gctx) })
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig.String())
		}

		gw.SetDraining()
		if n := gw.HangupCalls(call.ReasonShutdown); n > 0 {
			logger.Info("hanging up live calls", "calls", n)
		}
		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer waitCancel()
		if !gw.WaitCalls(waitCtx) {
			logger.Warn("grace period elapsed, closing calls", "calls", gw.CloseCalls())
		}
		stopRun()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.Info("call bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}

	if err := runBridge(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "callbridge: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}
