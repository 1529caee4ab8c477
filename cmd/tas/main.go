// Command tas runs the LoRaWAN conformance test application server: it
// connects to NATS and Postgres and drives one device-under-test session
// through its requested test-case list end to end. It does not start the
// Semtech packet-forwarder UDP bridge (cmd/gwbridge does); gateway traffic
// reaches it over the bus.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/bus"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/config"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/coordinator"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/storage"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

func main() {
	configPath := flag.String("config", "config/tas.yml", "path to the YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("tas: could not load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("tas: invalid log level, defaulting to info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	dut, err := buildDUT(cfg.DUT)
	if err != nil {
		log.Fatal().Err(err).Msg("tas: invalid dut configuration")
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("tas: could not connect to the database")
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
		log.Fatal().Err(err).Msg("tas: could not connect to NATS")
	}
	defer nc.Close()

	b, err := bus.New(nc)
	if err != nil {
		log.Fatal().Err(err).Msg("tas: could not start the bus adapter")
	}
	defer b.Close()

	reportSink := &multiReportSink{bus: b, store: store}
	coord := coordinator.New(dut, cfg.DUT.DefaultRX1Window, b, b, reportSink, b, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("tas: shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("tas: a component exited with an error")
		}
	}
	cancel()
	log.Info().Msg("tas: stopped")
}

// buildDUT parses the DUT identity out of hex-encoded configuration strings
// into a fresh EU868-default session. It sets no ABP keys: DevAddr/NwkSKey/
// AppSKey stay zero until AcceptJoin fills them in for a Join-Request.
func buildDUT(cfg config.DUTConfig) (*session.EndDevice, error) {
	devEUI, err := parseEUI64(cfg.DevEUI)
	if err != nil {
		return nil, fmt.Errorf("dev_eui: %w", err)
	}
	appEUI, err := parseEUI64(cfg.AppEUI)
	if err != nil {
		return nil, fmt.Errorf("app_eui: %w", err)
	}
	appKey, err := parseAES128Key(cfg.AppKey)
	if err != nil {
		return nil, fmt.Errorf("app_key: %w", err)
	}
	return session.NewEndDevice(devEUI, appEUI, appKey), nil
}

func parseEUI64(s string) (lorawan.EUI64, error) {
	var e lorawan.EUI64
	b, err := hex.DecodeString(s)
	if err != nil {
		return e, err
	}
	if len(b) != 8 {
		return e, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	copy(e[:], b)
	return e, nil
}

func parseAES128Key(s string) (lorawan.AES128Key, error) {
	var k lorawan.AES128Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != 16 {
		return k, fmt.Errorf("expected 16 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

// multiReportSink publishes a finished test case's report row onto the bus
// (for any live UI/log subscriber) and persists it to Postgres (for the
// final certification summary), satisfying coordinator.ReportSink.
type multiReportSink struct {
	bus   *bus.Bus
	store *storage.PostgresStore
}

func (s *multiReportSink) PublishReport(row coordinator.TestReportRow) error {
	if err := s.bus.PublishReport(row); err != nil {
		log.Error().Err(err).Msg("tas: could not broadcast test report row")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.store.SaveReport(ctx, storage.TestReportRow{
		TestCase:    row.TestCase,
		Step:        row.Step,
		Verdict:     row.Verdict,
		Description: row.Description,
		Timestamp:   time.Now(),
	})
}
