package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/outboxrelay/libs/db"
	"github.com/md-rashed-zaman/outboxrelay/libs/events"
	"github.com/md-rashed-zaman/outboxrelay/libs/grpcx"
	"github.com/md-rashed-zaman/outboxrelay/libs/httpx"
	"github.com/md-rashed-zaman/outboxrelay/libs/kafkax"
	otelx "github.com/md-rashed-zaman/outboxrelay/libs/otel"
	"github.com/md-rashed-zaman/outboxrelay/libs/redisx"
	"github.com/md-rashed-zaman/outboxrelay/libs/runtime"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/checkpoint"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/deadletter"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/mapper"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/relay"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/replication"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/internal/sink"
	"github.com/md-rashed-zaman/outboxrelay/services/outbox-relay/migrations"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

func main() {
	resetCheckpoint := flag.Bool("reset-checkpoint", false, "delete the subscription checkpoint and exit")
	migrateOnly := flag.Bool("migrate", false, "apply schema migrations and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		runtime.NewLogger("outbox-relay").Error("invalid configuration", "err", err)
		os.Exit(2)
	}
	logger := runtime.NewLoggerWithLevel(cfg.ServiceName, cfg.LogLevel)

	sigCtx, stop := runtime.SignalContext()
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	otelCfg, err := otelx.LoadConfig(cfg.ServiceName,
		attribute.String("outbox.subscription", cfg.Subscription),
		attribute.String("outbox.slot", cfg.Slot),
		attribute.String("outbox.publication", cfg.Publication),
		attribute.String("outbox.table", cfg.OutboxTable),
	)
	if err != nil {
		logger.Error("invalid tracing configuration", "err", err)
		os.Exit(2)
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	if cfg.AutoMigrate || *migrateOnly {
		if err := db.Migrate(cfg.DatabaseURL, migrations.FS, "."); err != nil {
			logger.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
		if *migrateOnly {
			return
		}
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	checkpoints := checkpoint.NewPostgresRepository(pool)
	if *resetCheckpoint {
		if err := checkpoints.Reset(ctx, cfg.Subscription); err != nil {
			logger.Error("checkpoint reset failed", "err", err, "subscription", cfg.Subscription)
			os.Exit(1)
		}
		logger.Info("checkpoint reset", "subscription", cfg.Subscription)
		return
	}

	rdb, err := redisx.Open(ctx, redisx.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("redis connection failed", "err", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var sinks []sink.Sink
	readyChecks := []runtime.ReadyCheck{{Name: "db", Check: db.ReadyCheck(pool)}}
	if brokers := kafkax.SplitBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		ks, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers:      brokers,
			TopicPrefix:  cfg.KafkaTopicPrefix,
			WriteTimeout: cfg.PublishTimeout,
		})
		if err != nil {
			logger.Error("kafka sink init failed", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, ks)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}
	if rdb != nil {
		rs, err := sink.NewRedisStreamSink(rdb, sink.RedisStreamConfig{
			Prefix: cfg.RedisStreamPrefix,
			MaxLen: cfg.RedisStreamMaxLen,
			TTL:    cfg.RedisStreamTTL,
		})
		if err != nil {
			logger.Error("redis sink init failed", "err", err)
			os.Exit(1)
		}
		sinks = append(sinks, rs)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	}
	bus := sink.NewFanout(sinks...)
	defer bus.Close()

	registry := events.NewRegistry()
	if err := events.RegisterDialogEvents(registry); err != nil {
		logger.Error("event registry init failed", "err", err)
		os.Exit(1)
	}

	source, err := replication.NewPostgresSource(pool, cfg.replicationConfig(), logger)
	if err != nil {
		logger.Error("replication source init failed", "err", err)
		os.Exit(1)
	}

	relayCfg, _ := cfg.relayConfig()
	rl, err := relay.New(relayCfg, relay.Deps{
		Source:      source,
		Mapper:      mapper.New(registry),
		Sink:        bus,
		Checkpoints: checkpoints,
		DeadLetters: deadletter.NewPostgresStore(pool),
		Logger:      logger,
		Tracer:      otel.Tracer(cfg.ServiceName),
	})
	if err != nil {
		logger.Error("relay init failed", "err", err)
		os.Exit(1)
	}
	status := rl.Status()
	readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "relay", Check: status.Check})

	health := grpcx.NewHealth(cfg.ServiceName)
	status.OnStateChange(func(s relay.State) {
		health.SetServing(s == relay.StateStreaming || s == relay.StateSnapshotting)
	})
	grpcServer := grpcx.NewServer(logger)
	health.Register(grpcServer)
	go func() {
		if err := grpcx.Serve(ctx, grpcServer, ":"+cfg.GRPCPort, logger); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		runtime.WriteJSON(w, http.StatusOK, status.View())
	})
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithRecover(logger),
		httpx.WithAccessLog(logger, "/healthz", "/readyz"),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "outbox-relay")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	logger.Info("relay starting",
		"slot", cfg.Slot,
		"publication", cfg.Publication,
		"table", cfg.OutboxTable,
		"initial_mode", string(relayCfg.InitialMode),
		"poison_policy", string(relayCfg.PoisonPolicy),
		"sinks", len(sinks),
	)
	runErr := rl.Run(ctx)
	if runErr != nil {
		logger.Error("relay stopped with error", "err", runErr)
	} else {
		logger.Info("relay stopped")
	}

	health.Shutdown()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
	if runErr != nil {
		os.Exit(1)
	}
}
