package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sageworks/reviewharvester/config"
	"sageworks/reviewharvester/internal/browser"
	"sageworks/reviewharvester/internal/checkpoint"
	"sageworks/reviewharvester/logger"
	"sageworks/reviewharvester/services/cache"
	"sageworks/reviewharvester/services/publisher"
	"sageworks/reviewharvester/services/worker"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("brand", cfg.Brand).
		Strs("markets", cfg.Markets).
		Msg("Starting application")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services := initializeServices(ctx, cfg)
	defer services.Cleanup()

	factory := browser.NewFactory(browser.ChromeOptions{Headless: cfg.Headless})

	// Create and start the pipeline worker
	w := worker.NewWorker(cfg, factory, services.Store, services.Publisher, services.BlockCache)

	workerDone := make(chan error, 1)
	go func() {
		log.Info().Msg("Starting review harvest run")
		_, err := w.Run(ctx)
		workerDone <- err
	}()

	// Wait for shutdown signal or run completion
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		<-workerDone
	case err := <-workerDone:
		if err != nil {
			log.Error().Err(err).Msg("Run exited with error")
		} else {
			log.Info().Msg("Run completed")
		}
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down gracefully...")
}

// Services holds all the initialized services
type Services struct {
	Store      *checkpoint.RedisStore
	BlockCache cache.CacheService
	Publisher  publisher.Publisher
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// initializeServices initializes all required services
func initializeServices(ctx context.Context, cfg *config.Config) *Services {
	services := &Services{}

	// Block markers are optional; without memcache they stay in-process
	if cfg.MemcacheAddr != "" {
		services.BlockCache = cache.NewMemcacheService(cfg.MemcacheAddr)
		logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)
	} else {
		services.BlockCache = cache.NewMemoryService()
	}

	services.Store = checkpoint.NewRedisStore(cfg.RedisAddr, cfg.RedisDB)

	services.Publisher = publisher.NewRedisPublisher(
		ctx,
		cfg.RedisAddr,
		cfg.RedisDB,
		cfg.RedisStream,
		cfg.RedisStreamCount,
		cfg.RedisStreamMaxLength,
	)

	logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
		cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)

	return services
}
