package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"voting-core/api"
	"voting-core/config"
	"voting-core/service"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("error parsing flags")
	}
	cfg.SetupLogging()

	// key generation finishes before the listener opens
	keys, err := cfg.OpenKeyRing()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load election keys")
	}
	signer, err := cfg.OpenSigner()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load signing key")
	}

	store, err := cfg.OpenStore()
	if err != nil {
		log.Fatal().Err(err).Str("type", cfg.DatabaseType).Msg("failed to open store")
	}
	defer store.Close()

	votingService := service.NewVotingService(store, keys, signer, service.Options{TallyWorkers: cfg.TallyWorkers})
	queue := service.NewQueueProcessor(votingService, cfg.QueueSize)
	queue.Start(cfg.QueueWorkers)

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           api.NewServer(votingService, queue).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverChan := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("store", cfg.DatabaseType).Str("signer", signer.Address()).Msg("listening")
		serverChan <- server.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
		cancel()
	}

	queue.Stop()
	log.Info().Msg("server shutdown completed")
}
