package main

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/FilipeAphrody/sentinel-guard/internal/clock"
	"github.com/FilipeAphrody/sentinel-guard/internal/config"
	"github.com/FilipeAphrody/sentinel-guard/internal/db"
	delivery "github.com/FilipeAphrody/sentinel-guard/internal/delivery/http"
	"github.com/FilipeAphrody/sentinel-guard/internal/domain"
	"github.com/FilipeAphrody/sentinel-guard/internal/metrics"
	"github.com/FilipeAphrody/sentinel-guard/internal/repository"
	"github.com/FilipeAphrody/sentinel-guard/internal/usecase"
	"github.com/FilipeAphrody/sentinel-guard/pkg/security"
)

const shutdownTimeout = 15 * time.Second

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("server exiting")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.LogFormat == "json" || cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func run(cfg *config.Config, log *logrus.Logger) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resources are closed in reverse order of acquisition; all close errors are reported.
	var closers []io.Closer
	defer func() {
		var result *multierror.Error
		for i := len(closers) - 1; i >= 0; i-- {
			if cerr := closers[i].Close(); cerr != nil {
				result = multierror.Append(result, cerr)
			}
		}
		if cerr := result.ErrorOrNil(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	clk := clock.System{}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewRecorder(registry)

	// 2. Infrastructure
	pg, err := db.Open(cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		return err
	}
	closers = append(closers, pg)

	var rdb redis.UniversalClient
	if cfg.CounterBackend == config.BackendRedis || cfg.SessionBackend == config.BackendRedis {
		rdb, err = openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		closers = append(closers, rdb)
	}

	// 3. Repositories
	var (
		store       domain.CounterStore
		counterSwep interface {
			Sweep(ctx context.Context) (int, error)
		}
	)
	switch cfg.CounterBackend {
	case config.BackendMemory:
		mem := repository.NewMemoryCounterStore(clk)
		store, counterSwep = mem, mem
		log.Warn("using in-memory counter store; state is not shared between instances")
	default:
		store = repository.NewRedisCounterStore(rdb, cfg.StoreTimeout)
	}

	sessions := newSessionRepo(cfg, pg, rdb)
	users := repository.NewPostgresUserRepo(pg, clk.Now)

	// 4. Usecases
	verifier, err := usecase.NewPasswordVerifier(users, security.DefaultParams, log)
	if err != nil {
		return errors.Wrap(err, "password verifier")
	}

	ips := usecase.NewIPTracker(store, clk, usecase.IPTrackerConfig{
		MaxFailedRequests: cfg.IPMaxFailedRequests,
		FailureWindow:     cfg.IPFailureWindow,
		BlockDuration:     cfg.IPBlockDuration,
		Whitelist:         cfg.WhitelistEntries(),
		Blocklist:         cfg.BlocklistEntries(),
	}, log, rec)
	if err := ips.SeedBlocklist(ctx); err != nil {
		return errors.Wrap(err, "seed ip blocklist")
	}

	lockout := usecase.NewLockoutTracker(store, clk, usecase.LockoutConfig{
		MaxAttempts:   cfg.LockoutMaxAttempts,
		Duration:      cfg.LockoutDuration,
		FailureWindow: cfg.LockoutFailureWindow,
	}, log, rec)

	tokens := usecase.NewTokenIssuer(sessions, store, users, clk, usecase.TokenConfig{
		Secret:             cfg.JWTSecret,
		Issuer:             cfg.JWTIssuer,
		AccessTTL:          cfg.AccessTokenTTL,
		RefreshTTL:         cfg.RefreshTokenTTL,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}, log, rec)

	var sinks []domain.EventSink
	if kafka := repository.NewKafkaEventSink(cfg.KafkaBrokersList(), cfg.KafkaSecurityTopic); kafka != nil {
		sinks = append(sinks, kafka)
		closers = append(closers, kafka)
		log.WithField("topic", cfg.KafkaSecurityTopic).Info("publishing security events to kafka")
	}
	if cfg.AuditLogEnabled {
		sinks = append(sinks, repository.NewPostgresAuditSink(pg))
	}
	monitor := usecase.NewSecurityMonitor(usecase.MonitorConfig{BufferSize: cfg.EventBufferSize}, ips, clk, log, rec, sinks...)
	closers = append(closers, closerFunc(func() error {
		monitor.Flush()
		return nil
	}))

	auth := usecase.NewAuthUsecase(usecase.AuthDeps{
		Verifier: verifier,
		Users:    users,
		IPs:      ips,
		Lockout:  lockout,
		Tokens:   tokens,
		Monitor:  monitor,
		Store:    store,
		Clock:    clk,
		Log:      log,
		Metrics:  rec,
	}, usecase.AuthConfig{
		FailOpenGuards: cfg.FailOpenGuards,
		MFAIssuer:      cfg.MFAIssuer,
	})

	// 5. HTTP
	e := newEcho(cfg, log, registry, clk)
	delivery.RegisterRoutes(e, auth, delivery.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, clk, auth, log), log)

	// 6. Run the server and the sweeper until a signal arrives.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", cfg.HTTPAddr).Info("starting sentinel-guard")
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if cfg.SweepInterval > 0 {
		sweeper := usecase.NewSweeper(tokens, counterSwep, cfg.SweepInterval, log)
		g.Go(func() error { return sweeper.Run(gctx) })
	}
	return g.Wait()
}

func openRedis(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
	}
	return rdb, nil
}

func newSessionRepo(cfg *config.Config, pg *sql.DB, rdb redis.UniversalClient) domain.SessionRepository {
	switch cfg.SessionBackend {
	case config.BackendRedis:
		return repository.NewRedisSessionRepo(rdb, cfg.StoreTimeout)
	case config.BackendMemory:
		return repository.NewMemorySessionRepo()
	default:
		return repository.NewPostgresSessionRepo(pg)
	}
}

func newEcho(cfg *config.Config, log *logrus.Logger, registry *prometheus.Registry, clk clock.Clock) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"ip":      v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Error("request failed")
				return nil
			}
			entry.Info("request")
			return nil
		},
	}))
	e.Use(middleware.Secure())
	e.Use(middleware.CORS())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{
			"status": "healthy",
			"time":   clk.Now().Format(time.RFC3339),
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return e
}
