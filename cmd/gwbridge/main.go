// Command gwbridge runs the Semtech packet-forwarder UDP bridge standalone,
// shared over NATS by both cmd/tas and cmd/scheduler, matching neither
// process's lifetime.
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
	"github.com/pablomodernell/lorawan-conformance-testing/internal/gwbridge"
)

func main() {
	configPath := flag.String("config", "config/gwbridge.yml", "path to the YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("gwbridge: could not load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("gwbridge: invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	nc, err := bus.Connect(bus.Options{
		URL:               cfg.NATS.URL,
		Name:              cfg.Server.Name,
		Username:          cfg.NATS.Username,
		Password:          cfg.NATS.Password,
		ReconnectInterval: cfg.NATS.ReconnectInterval,
		MaxReconnects:     cfg.NATS.MaxReconnects,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("gwbridge: could not connect to NATS")
	}
	defer nc.Close()

	bridge, err := gwbridge.New(cfg.Gateway.UDPBind, bus.NewBridgeConn(nc))
	if err != nil {
		log.Fatal().Err(err).Msg("gwbridge: could not bind the UDP socket")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("gwbridge: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("gwbridge: exited with an error")
		}
	}
	cancel()
	log.Info().Msg("gwbridge: stopped")
}
