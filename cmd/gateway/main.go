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

	"github.com/gobwas/ws"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/gateway"
	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/ratehub/pkg/config"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	repo := repository.NewRedisStore(rdb, cfg.App.ClusterName)

	// Hub depends on the RateStore interface
	wsHub := hub.NewHub(ctx, repo, logger)

	validRates := hub.NewRateSet(servedRates(cfg))
	logger.Info("Serving rates", zap.Int("count", len(validRates)))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}

		client := gateway.NewClient(conn, wsHub, logger, validRates)
		client.Start()
	})

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("Server Started", zap.String("port", cfg.App.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if err := repo.Close(); err != nil {
		logger.Warn("Failed to close rate store", zap.Error(err))
	}
	logger.Info("Shutdown Complete")
}

// servedRates is gateway.valid_rates, or every rate the hub is configured to produce
func servedRates(cfg *config.Config) []string {
	if len(cfg.Gateway.ValidRates) > 0 {
		return cfg.Gateway.ValidRates
	}
	var names []string
	for _, sub := range cfg.Subscribers {
		names = append(names, sub.Rates...)
	}
	for _, calc := range cfg.CalculatedRates {
		names = append(names, calc.Name)
	}
	return names
}
