package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pen/orchestrator/internal/api"
	"github.com/pen/orchestrator/internal/bus"
	"github.com/pen/orchestrator/internal/config"
	"github.com/pen/orchestrator/internal/metrics"
	"github.com/pen/orchestrator/internal/recovery"
	"github.com/pen/orchestrator/internal/repository"
	"github.com/pen/orchestrator/internal/saga"
	"github.com/pen/orchestrator/internal/workflow"
	"github.com/pen/orchestrator/internal/ws"
	apperrors "github.com/pen/orchestrator/pkg/errors"
	"github.com/pen/orchestrator/pkg/health"
	"github.com/pen/orchestrator/pkg/logger"
	redisx "github.com/pen/orchestrator/pkg/redis"
	"github.com/pen/orchestrator/pkg/response"
	"github.com/pen/orchestrator/pkg/tracing"
)

const (
	shutdownTimeout      = 10 * time.Second
	pendingSampleEvery   = 15 * time.Second
	consumerLoopMaxAge   = 30 * time.Second
	recoveryLoopMaxAgeBy = 3
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pen-orchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.ServiceName, os.Stdout).Level(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log.Infof("starting", logger.Fields{"busDriver": cfg.BusDriver, "httpPort": cfg.HTTPPort, "appEnv": cfg.AppEnv})

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
		SampleRate:  cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := repository.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to PostgreSQL")

	// Redis 用于 Streams 总线与看板推送，NATS 模式下也需要
	redisCfg := redisx.DefaultConfig
	redisCfg.Addr = cfg.RedisAddr
	redisCfg.Password = cfg.RedisPassword
	redisClient, err := redisx.NewClient(ctx, &redisCfg)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	log.Info("connected to Redis")

	m := metrics.NewDefault()
	var consumeLoop, recoveryLoop health.LoopMonitor

	eventBus, err := newBus(cfg, redisClient, m, &consumeLoop, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	registry, err := workflow.NewRegistry(workflow.Deps{
		Publisher:     eventBus,
		Requester:     eventBus,
		Topics:        cfg.Topics,
		NotifyTimeout: cfg.NotifyTimeout,
		Logger:        log,
	})
	if err != nil {
		return fmt.Errorf("build workflows: %w", err)
	}

	store := repository.NewSagaRepository(db)
	engine := saga.NewEngine(store, registry, saga.Options{
		Logger:   log,
		Recorder: m,
		Notifier: ws.NewNotifier(redisClient, cfg.SagaStatusChannel, log),
	})
	for _, wf := range registry.Workflows() {
		name := wf.Name()
		if err := eventBus.Subscribe(wf.Topic(), func(ctx context.Context, ev *saga.Event) error {
			return engine.Dispatch(ctx, name, ev)
		}); err != nil {
			return fmt.Errorf("subscribe %s: %w", wf.Topic(), err)
		}
		log.Infof("workflow registered", logger.Fields{"workflow": name, "topic": wf.Topic()})
	}

	scheduler, err := recovery.New(store, engine, recovery.Options{
		Interval:             cfg.RecoveryInterval,
		Grace:                cfg.RecoveryGrace,
		BatchSize:            cfg.RecoveryBatchSize,
		MaxRetries:           cfg.RecoveryMaxRetries,
		RetentionSpec:        cfg.RetentionCron,
		RetentionAge:         cfg.RetentionAge,
		RetentionDeleteSagas: cfg.RetentionDeleteSagas,
		Logger:               log,
		Observer:             m,
		Monitor:              &recoveryLoop,
	})
	if err != nil {
		return err
	}
	if rb, ok := eventBus.(*bus.RedisBus); ok {
		scheduler.AddEvery("stream-pending", pendingSampleEvery, samplePending(rb, registry, cfg.ConsumerGroup, m, log))
	}

	// 看板
	hub := ws.NewHub(cfg.WSMaxConnections)
	defer hub.CloseAll()
	scheduler.AddEvery("ws-stats", pendingSampleEvery, func(context.Context) {
		st := hub.Stats()
		m.SetWSStats(st.ActiveConnections, st.Dropped)
	})
	feed := ws.NewConsumer(redisClient, hub, cfg.SagaStatusChannel, log)

	// 健康检查
	checks := health.New()
	checks.Register(health.NewPostgresChecker(db))
	checks.Register(health.NewFuncChecker("redis", func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}))
	checks.Register(health.NewLoopChecker("consumer", &consumeLoop, consumerLoopMaxAge))
	checks.Register(health.NewLoopChecker("recovery", &recoveryLoop, recoveryLoopMaxAgeBy*cfg.RecoveryInterval))

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(m.Handler(), cfg.MetricsToken))
	mux.HandleFunc("/live", checks.LiveHandler())
	mux.HandleFunc("/ready", checks.ReadyHandler())
	mux.HandleFunc("/health", checks.HealthHandler())
	api.New(engine, api.Options{
		Token:  cfg.InternalToken,
		Logger: log,
		WS:     ws.Handler(hub, cfg.WSAllowedOrigins, log),
	}).Mount(mux)

	server := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           api.Wrap(mux, log),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := eventBus.Run(gctx); err != nil {
			consumeLoop.SetError(err)
			return fmt.Errorf("bus: %w", err)
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		if err := feed.Run(gctx); err != nil {
			return fmt.Errorf("saga feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Infof("HTTP server listening", logger.Fields{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		checks.SetReady(false)
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	checks.SetReady(true)

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("orchestrator stopped with error")
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// natsMaxDeliver 与 Redis 语义一致：投递次数超过 maxRetries 进入死信
func natsMaxDeliver(maxRetries int) int {
	if maxRetries <= 0 {
		return 0
	}
	return maxRetries + 1
}

func newBus(cfg *config.Config, client *goredis.Client, m *metrics.Metrics, loop *health.LoopMonitor, log *logger.Logger) (bus.Bus, error) {
	switch cfg.BusDriver {
	case config.BusNATS:
		b, err := bus.NewNATSBus(bus.NATSConfig{
			URL:           cfg.NATSURL,
			Stream:        cfg.NATSStream,
			DurablePrefix: cfg.ConsumerGroup + "-",
			MaxAckPending: cfg.ConsumerConcurrency * 128,
			MaxDeliver:    natsMaxDeliver(cfg.ConsumerMaxRetries),
			Hooks:         m.StreamHooks(),
			Logger:        log,
			Monitor:       loop,
		})
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		log.Infof("connected to NATS", logger.Fields{"url": cfg.NATSURL, "stream": cfg.NATSStream})
		return b, nil
	default:
		stream := redisx.DefaultConsumerOptions
		stream.Concurrency = cfg.ConsumerConcurrency
		stream.MaxRetries = cfg.ConsumerMaxRetries
		stream.ClaimMinIdle = cfg.ConsumerClaimIdle
		stream.Hooks = m.StreamHooks()
		return bus.NewRedisBus(client, bus.RedisOptions{
			Group:        cfg.ConsumerGroup,
			ConsumerName: cfg.ConsumerName,
			Stream:       stream,
			Logger:       log,
			Monitor:      loop,
		}), nil
	}
}

// samplePending 周期采样各 workflow topic 的 pending 数和死信长度
func samplePending(rb *bus.RedisBus, registry *saga.Registry, group string, m *metrics.Metrics, log *logger.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		for _, wf := range registry.Workflows() {
			n, err := rb.Streams().Pending(ctx, wf.Topic(), group)
			if err != nil {
				log.WithError(err).Debugf("sample pending failed", logger.Fields{"stream": wf.Topic()})
				continue
			}
			m.SetStreamPending(wf.Topic(), n)
			dlq := wf.Topic() + redisx.DLQSuffix
			if n, err := rb.Streams().Len(ctx, dlq); err == nil {
				m.SetStreamDLQLength(wf.Topic(), n)
			}
		}
	}
}

func metricsHandler(next http.Handler, token string) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, token) {
			response.WriteErrorCode(w, r, apperrors.CodeUnauthenticated, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token
}
