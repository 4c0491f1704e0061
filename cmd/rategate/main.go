// Command rategate serves a rate limited HTTP API configured from the
// environment and a policy file.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/parkerroan/rategate"
	"github.com/parkerroan/rategate/block"
	"github.com/parkerroan/rategate/broker"
	"github.com/parkerroan/rategate/clock"
	"github.com/parkerroan/rategate/config"
	"github.com/parkerroan/rategate/identity"
	"github.com/parkerroan/rategate/ipclass"
	"github.com/parkerroan/rategate/limiter"
	"github.com/parkerroan/rategate/metrics"
	"github.com/parkerroan/rategate/rule"
	"github.com/parkerroan/rategate/tier"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Error loading policy: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, policy, logger); err != nil {
		logger.Error("rategate stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, policy config.Policy, logger *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	var clk clock.Clock = clock.System()
	if cfg.NTPHost != "" {
		ntpClock := clock.NewNTP(cfg.NTPHost, clock.WithNTPLogger(logger))
		if err := ntpClock.Sync(); err != nil {
			logger.Warn("initial ntp sync failed, using local time", "host", cfg.NTPHost, "error", err)
		}
		ntpClock.Start(ctx)
		clk = ntpClock
	}

	svc, err := newApp(cfg, clk, logger)
	if err != nil {
		return err
	}
	defer svc.close()

	if err := svc.apply(policy); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := svc.collector.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	if err := svc.gate.Start(ctx); err != nil {
		return err
	}
	defer svc.gate.Close()

	if cfg.WatchPolicy {
		err := config.WatchPolicy(ctx, cfg.PolicyFile, func(p config.Policy) {
			if err := svc.apply(p); err != nil {
				logger.Error("failed to apply policy", "path", cfg.PolicyFile, "error", err)
			}
		}, logger)
		if err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           svc.router(cfg, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", "addr", server.Addr, "distributed", cfg.RedisURL != "")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// app holds the wired components of one rategate process.
type app struct {
	gate       *rategate.Gate
	classifier *ipclass.Classifier
	collector  *metrics.Collector
	routes     *routeTable
	keys       *keyTable
	logger     *slog.Logger

	closers []func()
}

// newApp wires the gate. With a Redis URL, windows, blocks, tier assignments
// and violations are shared through Redis; otherwise everything is local.
func newApp(cfg config.Config, clk clock.Clock, logger *slog.Logger) (*app, error) {
	a := &app{
		collector: metrics.NewCollector("rategate"),
		routes:    newRouteTable(),
		keys:      newKeyTable(),
		logger:    logger,
	}

	registry, err := rule.NewRegistry()
	if err != nil {
		return nil, err
	}

	var (
		assignments tier.Assignments = tier.NewMemoryAssignments()
		backend     limiter.Backend  = limiter.NewLocalBackend()
		blocks      block.Manager    = block.NewMemoryManager()
		events      broker.Broker
	)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			// Bare host:port, as in REDIS_URL=localhost:6379.
			opts = &redis.Options{Addr: cfg.RedisURL}
		}
		rdb := redis.NewClient(opts)
		a.closers = append(a.closers, func() { rdb.Close() })

		cached, err := tier.NewCachedAssignments(
			tier.NewRedisAssignments(rdb, cfg.RedisPrefix+":tiers"),
			cfg.TierCacheSize,
			cfg.TierCacheTTL,
		)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, cached.Close)

		assignments = cached
		backend = limiter.NewRedisBackend(rdb, limiter.WithKeyPrefix(cfg.RedisPrefix+":window"))
		blocks = block.NewRedisManager(rdb, block.WithKeyPrefix(cfg.RedisPrefix+":block"))
		events = broker.NewRedisBroker(rdb,
			broker.WithStream(cfg.RedisPrefix+":events"),
			broker.WithCappedStream(cfg.StreamMaxLen),
			broker.WithInitLoadOffset(cfg.ReplayWindow),
			broker.WithLogger(logger),
		)
	}

	tiers, err := tier.NewResolver(
		tier.WithAssignments(assignments),
		tier.WithFallback(registry),
	)
	if err != nil {
		return nil, err
	}

	a.classifier, err = ipclass.NewClassifier(tiers,
		ipclass.WithClock(clk),
		ipclass.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	opts := []rategate.Option{
		rategate.WithRegistry(registry),
		rategate.WithTiers(tiers),
		rategate.WithPolicy(a.classifier),
		rategate.WithBackend(backend),
		rategate.WithBlockManager(blocks),
		rategate.WithListener(a.collector),
		rategate.WithClock(clk),
		rategate.WithLogger(logger),
		rategate.WithSweepInterval(cfg.SweepInterval),
	}
	if events != nil {
		opts = append(opts, rategate.WithBroker(events))
	}

	a.gate, err = rategate.New(opts...)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// router serves the metrics and admin endpoints unthrottled and everything
// else through the rate limiting middleware.
func (a *app) router(cfg config.Config, reg *prometheus.Registry) http.Handler {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware(a.logger))
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.registerAdmin(r.PathPrefix("/admin").Subrouter())

	api := r.PathPrefix("/").Subrouter()
	api.Use(rategate.HTTPMiddleware(a.gate,
		rategate.WithIdentityResolver(identity.NewResolver(
			identity.WithAPIKeyHeader(cfg.APIKeyHeader),
			identity.WithAPIKeyValidator(a.keys.Validate),
			identity.WithTrustedProxyDepth(cfg.TrustedProxyDepth),
		)),
		rategate.WithResourceFunc(a.routes.Resource),
		rategate.WithMiddlewareLogger(a.logger),
	))
	api.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Hello, World!"))
	})
	return r
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
