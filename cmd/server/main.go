package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"aegis/internal/platform/config"
	"aegis/internal/platform/httpserver"
	"aegis/internal/platform/kafka"
	"aegis/internal/platform/logger"
	platformmetrics "aegis/internal/platform/metrics"
	"aegis/internal/platform/postgres"
	"aegis/internal/platform/redis"
	ratelimitconfig "aegis/internal/ratelimit/config"
	"aegis/internal/ratelimit/handler"
	"aegis/internal/ratelimit/metrics"
	ratelimitmw "aegis/internal/ratelimit/middleware"
	"aegis/internal/ratelimit/observability"
	"aegis/internal/ratelimit/ports"
	"aegis/internal/ratelimit/service/abuse"
	"aegis/internal/ratelimit/service/admin"
	"aegis/internal/ratelimit/service/breakers"
	"aegis/internal/ratelimit/service/checker"
	"aegis/internal/ratelimit/service/requestlimit"
	"aegis/internal/ratelimit/service/sourcethrottle"
	"aegis/internal/ratelimit/store/allowlist"
	"aegis/internal/ratelimit/store/violation"
	"aegis/internal/ratelimit/store/window"
	httptransport "aegis/internal/transport/http"
	"aegis/pkg/platform/audit/publishers/security"
	"aegis/pkg/platform/httputil"
	adminmw "aegis/pkg/platform/middleware/admin"
	"aegis/pkg/platform/middleware/auth"
)

const (
	shutdownTimeout   = 10 * time.Second
	sweepInterval     = time.Minute
	cleanupInterval   = 5 * time.Minute
	topicPartitions   = 3
	topicReplication  = 1
	startupPingBudget = 5 * time.Second
)

// infra holds the optional backing services. Nil fields fall back to
// process-local implementations.
type infra struct {
	redis    *redis.Client
	db       *postgres.DB
	producer *kafka.Producer
}

func (i *infra) close() {
	if i.producer != nil {
		i.producer.Close()
	}
	if i.db != nil {
		_ = i.db.Close()
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
}

// main wires dependencies and runs the server, the audit publisher and the
// store maintenance loops until SIGINT or SIGTERM.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limits, err := ratelimitconfig.Load(cfg.RateLimitConfig)
	if err != nil {
		return fmt.Errorf("load rate limit config: %w", err)
	}

	promRegistry := platformmetrics.New()
	m := metrics.New(promRegistry)

	deps, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	publisher, err := newPublisher(ctx, deps.producer, m, log)
	if err != nil {
		return err
	}

	registry, err := breakers.New(limits.Breakers,
		breakers.WithLogger(log),
		breakers.WithAuditPublisher(publisher),
		breakers.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create breaker registry: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	windows, violations := newCounterStores(gctx, g, deps.redis, limits, m, log)

	allow, err := newAllowlist(gctx, g, deps.db, registry, log)
	if err != nil {
		return err
	}

	requests, err := requestlimit.New(windows, violations,
		requestlimit.WithLogger(log),
		requestlimit.WithAuditPublisher(publisher),
		requestlimit.WithConfig(limits),
		requestlimit.WithMetrics(m),
		requestlimit.WithAllowlist(allow),
	)
	if err != nil {
		return fmt.Errorf("create request limiter: %w", err)
	}
	abuseSvc, err := abuse.New(violations,
		abuse.WithLogger(log),
		abuse.WithAuditPublisher(publisher),
		abuse.WithConfig(limits),
		abuse.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("create abuse heuristics: %w", err)
	}
	checkerOpts := []checker.Option{checker.WithLogger(log)}
	if limits.SourceThrottle.Enabled {
		sources, err := sourcethrottle.New(limits.SourceThrottle,
			sourcethrottle.WithLogger(log),
			sourcethrottle.WithAuditPublisher(publisher),
			sourcethrottle.WithMetrics(m),
		)
		if err != nil {
			return fmt.Errorf("create source throttle: %w", err)
		}
		checkerOpts = append(checkerOpts, checker.WithSourceThrottle(sources))
	}
	limiter, err := checker.New(requests, abuseSvc, registry, checkerOpts...)
	if err != nil {
		return fmt.Errorf("create rate limit checker: %w", err)
	}
	adminSvc, err := admin.New(requests, violations, allow, registry,
		admin.WithLogger(log),
		admin.WithAuditPublisher(publisher),
		admin.WithConfig(limits),
	)
	if err != nil {
		return fmt.Errorf("create admin service: %w", err)
	}

	router := httptransport.NewRouter(httptransport.Dependencies{
		Logger:           log,
		Limits:           ratelimitmw.New(limiter, log, ratelimitmw.WithDisabled(cfg.RateLimitDisabled)),
		Admin:            handler.New(adminSvc, log),
		AdminCredentials: adminmw.Credentials{Token: cfg.AdminAPIToken, TokenHash: cfg.AdminAPITokenHash},
		Validator:        auth.NewValidator(cfg.JWTSigningKey, cfg.JWTIssuer),
		Metrics:          promRegistry.Handler(),
		Readiness:        readinessChecks(deps, registry),
		Routes: []httptransport.Route{{
			Method:  http.MethodGet,
			Pattern: "/api/status",
			Policy:  ratelimitconfig.PolicyGeneral,
			Handler: statusHandler(registry),
		}},
	})

	srv := httpserver.New(cfg.Addr, router)

	g.Go(func() error {
		return publisher.Run(gctx)
	})
	g.Go(func() error {
		log.Info("starting aegis", "addr", cfg.Addr, "rate_limit_disabled", cfg.RateLimitDisabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func connect(ctx context.Context, cfg config.Server) (*infra, error) {
	pingCtx, cancel := context.WithTimeout(ctx, startupPingBudget)
	defer cancel()

	deps := &infra{}
	var err error
	if deps.redis, err = redis.New(pingCtx, cfg.Redis); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if deps.db, err = postgres.Open(pingCtx, cfg.Postgres); err != nil {
		deps.close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if deps.producer, err = kafka.NewProducer(cfg.Kafka); err != nil {
		deps.close()
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	if deps.producer != nil {
		if err := deps.producer.EnsureTopic(pingCtx, topicPartitions, topicReplication); err != nil {
			deps.close()
			return nil, fmt.Errorf("ensure security topic: %w", err)
		}
	}
	return deps, nil
}

func newPublisher(ctx context.Context, producer *kafka.Producer, m *metrics.Metrics, log *slog.Logger) (*security.Publisher, error) {
	sinks := []security.Sink{observability.NewLogSink(log)}
	if producer != nil {
		sink, err := observability.NewKafkaSink(producer)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
		log.InfoContext(ctx, "security events produced to kafka", "topic", producer.Topic())
	}
	return security.New(sinks,
		security.WithLogger(log),
		security.WithDropHook(m.RecordAuditDropped),
	)
}

// newCounterStores returns Redis-backed stores when Redis is configured and
// process-local stores otherwise. The Redis window store sits behind the
// store guard so an outage fails open without per-request timeouts.
func newCounterStores(
	ctx context.Context,
	g *errgroup.Group,
	client *redis.Client,
	limits *ratelimitconfig.Config,
	m *metrics.Metrics,
	log *slog.Logger,
) (ports.WindowStore, ports.ViolationStore) {
	if client == nil {
		log.Warn("REDIS_URL not set; rate limit counters are process-local")
		windows := window.NewInMemory()
		g.Go(func() error {
			if err := windows.StartSweeper(ctx, sweepInterval); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		return windows, violation.NewInMemory()
	}

	guarded := window.NewGuarded(window.NewRedis(client.Client),
		limits.StoreGuard.FailureThreshold,
		limits.StoreGuard.RecoveryTimeout,
		window.WithGuardStateChange(func(name string, from, to gobreaker.State) {
			m.RecordBreakerTransition(name, to.String())
			log.Warn("rate limit store guard changed state", "from", from.String(), "to", to.String())
		}),
	)
	return guarded, violation.NewRedis(client.Client)
}

// newAllowlist returns the Postgres allowlist under the database breaker when
// a DSN is configured and a process-local one otherwise.
func newAllowlist(
	ctx context.Context,
	g *errgroup.Group,
	db *postgres.DB,
	registry *breakers.Registry,
	log *slog.Logger,
) (ports.AllowlistStore, error) {
	if db == nil {
		log.Warn("DATABASE_URL not set; allowlist is process-local")
		return allowlist.NewInMemory(), nil
	}

	breaker, err := registry.Get(ratelimitconfig.ResourceDatabase)
	if err != nil {
		return nil, err
	}
	store := allowlist.NewPostgres(db.DB, allowlist.WithBreaker(breaker))
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate allowlist: %w", err)
	}
	g.Go(func() error {
		err := store.StartCleanup(ctx, cleanupInterval, func(err error) {
			log.Warn("allowlist cleanup failed", "error", err)
		})
		if !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return store, nil
}

func readinessChecks(deps *infra, registry *breakers.Registry) []httptransport.HealthCheck {
	var checks []httptransport.HealthCheck
	if deps.redis != nil {
		checks = append(checks, httptransport.HealthCheck{Name: "redis", Check: deps.redis.Health})
	}
	if deps.db != nil {
		db := deps.db.WithHealthGuard(func(ctx context.Context, ping func(context.Context) error) error {
			return registry.Do(ctx, ratelimitconfig.ResourceDatabase, ping)
		})
		checks = append(checks, httptransport.HealthCheck{Name: "postgres", Check: db.Health})
	}
	if deps.producer != nil {
		checks = append(checks, httptransport.HealthCheck{Name: "kafka", Check: deps.producer.Health})
	}
	return checks
}

// statusHandler reports breaker health to callers deciding whether to back off.
func statusHandler(registry *breakers.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"breakers": registry.All()})
	})
}
