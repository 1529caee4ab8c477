// Command scheduler runs the downlink scheduler: the stateless-path worker
// that activates and services every device that is not the current
// device-under-test, entirely independently of cmd/tas.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/bus"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/config"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/scheduler"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/scheduler.yml", "path to the YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("scheduler: could not load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("scheduler: invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: could not connect to the database")
	}
	defer store.Close()

	nc, err := bus.Connect(bus.Options{
		URL:               cfg.NATS.URL,
		Name:              cfg.Server.Name,
		Username:          cfg.NATS.Username,
		Password:          cfg.NATS.Password,
		ReconnectInterval: cfg.NATS.ReconnectInterval,
		MaxReconnects:     cfg.NATS.MaxReconnects,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: could not connect to NATS")
	}
	defer nc.Close()

	b, err := bus.New(nc)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: could not start the bus adapter")
	}
	defer b.Close()

	sched := scheduler.New(store, store, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx, b)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("scheduler: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("scheduler: exited with an error")
		}
	}
	cancel()
	log.Info().Msg("scheduler: stopped")
}
