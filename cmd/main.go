package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fulcrum-registry/capacity"
	"fulcrum-registry/config"
	"fulcrum-registry/health"
	"fulcrum-registry/ids"
	"fulcrum-registry/ids/badgerstore"
	"fulcrum-registry/metrics"
	"fulcrum-registry/queues"
	qpubsub "fulcrum-registry/queues/pubsub"
	"fulcrum-registry/registry"
)

var version = "source"

func setLogger() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func main() {
	setLogger()
	log.Info().Msgf("Starting fulcrum-registry version: %s", version)
	// Load config
	cfg := config.Load()
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.GoogleProjectID == "" {
		log.Fatal().Msg("missing Google project id; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or REGISTRY_PUBSUB_PROJECT_ID")
	}
	if cfg.Subscription == "" {
		log.Fatal().Msg("missing Pub/Sub subscription; set FLEET_EVENT_SUBSCRIPTION or REGISTRY_PUBSUB_SUBSCRIPTION")
	}
	if cfg.PubsubTopic == "" {
		log.Fatal().Msg("missing Pub/Sub topic; set REGISTRATION_RESULT_TOPIC or REGISTRY_PUBSUB_TOPIC")
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared identifier store; all registry instances point at the same path
	store, err := badgerstore.NewStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dataDir", cfg.DataDir).Msg("failed to open identifier store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("identifier store close failed")
		}
	}()

	reg := registry.New(ids.NewAllocator(store))
	reg.SetProxyRegistrationTimeout(cfg.RegistrationTimeout)

	reservations := capacity.NewReservationTracker()
	evaluator := capacity.NewEvaluator(cfg.NetworkPlayerCap, reservations)

	// Metrics and health HTTP server
	mux := http.NewServeMux()
	metrics.Register(mux)
	metrics.RegisterFleetOpenSeats(func() float64 {
		return float64(evaluator.OpenSeats(reg.Servers()))
	})
	health.Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting metrics/health server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	if cfg.CredentialsFile != "" {
		log.Info().Str("credsFile", cfg.CredentialsFile).Msg("using explicit Google credentials file")
	} else {
		log.Info().Msg("using default Google credentials (in-cluster or ambient)")
	}
	publisher := qpubsub.NewPublisher(cfg.GoogleProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
	controller := registry.NewController(reg, publisher)
	subscriber := qpubsub.NewSubscriber(cfg.GoogleProjectID, cfg.Subscription, cfg.CredentialsFile)

	// Start subscriber loop
	go func() {
		log.Info().Str("subscription", cfg.Subscription).Msg("starting subscriber loop")
		health.SetReady(true)
		if err := subscriber.Start(ctx, func(ctx context.Context, env *queues.Envelope) error {
			return controller.Handle(ctx, env)
		}); err != nil {
			// Non-recoverable: if we can't receive from Pub/Sub, terminate the process
			log.Fatal().Err(err).Msg("subscriber exited with fatal error; shutting down")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	health.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
