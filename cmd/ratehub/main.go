package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/coordinator"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/formula"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/metrics"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/publisher"
	"github.com/shubham-shewale/ratehub/cmd/ratehub/internal/subscriber"
	"github.com/shubham-shewale/ratehub/pkg/cache"
	"github.com/shubham-shewale/ratehub/pkg/config"
	"github.com/shubham-shewale/ratehub/pkg/models"
)

func main() {
	configPath := flag.String("config", os.Getenv("RATEHUB_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Rate hub stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Rate hub exited cleanly")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Cluster membership and the two cache regions
	store, err := openCache(ctx, cfg, logger)
	if err != nil {
		return err
	}
	rates := cache.NewRetrying(store, cache.DefaultRetryPolicy(), logger)

	// 2. Outbound topics
	if cfg.Kafka.CreateTopics {
		tc := publisher.NewTopicCreator(logger, &publisher.RealKafkaDialer{Dialer: kafka.DefaultDialer}, publisher.RealClock{}, cfg.Kafka.Partitions)
		tc.Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.RawTopic, cfg.Kafka.CalculatedTopic)
	}

	m := metrics.New()
	pub := publisher.New(
		publisher.NewKafkaWriter(cfg.Kafka.Brokers, logger),
		publisher.Topics{Raw: cfg.Kafka.RawTopic, Calculated: cfg.Kafka.CalculatedTopic},
		cfg.Kafka.QueueSize,
		logger,
		publisher.WithDropHook(func(kind models.UpdateKind) { m.PublishDropped(kind.String()) }),
	)

	coord := coordinator.New(coordinator.Options{
		Definitions:   coordinator.DefinitionsFromConfig(cfg.CalculatedRates),
		NumWorkers:    cfg.Processor.NumWorkers,
		QueueSize:     cfg.Processor.QueueSize,
		ShutdownGrace: cfg.App.ShutdownGrace,
		RawRates:      subscribedRates(cfg.Subscribers),
	}, formula.NewDefaultEngine(cfg.Formula.EvalTimeout), rates, pub, m, logger)

	shutdown := func() error {
		// the signal context is already done here, so give the flush its own deadline
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownGrace+5*time.Second)
		defer cancel()
		return coord.Shutdown(shutdownCtx)
	}

	// 3. Subscribers: a bad entry is fatal before anything starts
	subs, err := subscriber.NewLoader(logger).Load(cfg.Subscribers)
	if err != nil {
		return errors.Join(err, shutdown())
	}

	if err := coord.RegisterAndStart(ctx, subs); err != nil {
		return errors.Join(err, shutdown())
	}

	// 4. Metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.App.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("Metrics Server Started", zap.String("addr", cfg.App.MetricsAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics HTTP Error", zap.Error(err))
		}
	}()

	// 5. Wait for a termination signal
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	srvCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.Shutdown(srvCtx)

	return shutdown()
}

func openCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.DistributedCache, error) {
	if cfg.Redis.InMemory {
		logger.Info("Using in-process cache (single instance)")
		return cache.NewMemoryCache(), nil
	}

	memberID := cfg.App.MemberID
	if memberID == "" {
		host, _ := os.Hostname()
		memberID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	rc := cache.NewRedisCache(rdb, cfg.App.ClusterName, memberID)
	if err := rc.Join(ctx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("join cluster %s: %w", cfg.App.ClusterName, err)
	}
	members, err := rc.Members(ctx)
	if err != nil {
		logger.Warn("Could not list cluster members", zap.Error(err))
	}
	logger.Info("Joined cluster", zap.String("cluster", cfg.App.ClusterName), zap.String("member", memberID), zap.Strings("members", members))
	return rc, nil
}

// subscribedRates is the union of the subscriber rate lists, or nil when any
// subscriber takes every rate name its source offers
func subscribedRates(subs []config.SubscriberConfig) []string {
	names := []string{}
	for _, sub := range subs {
		if len(sub.Rates) == 0 {
			return nil
		}
		names = append(names, sub.Rates...)
	}
	return names
}
