// Command sniffer captures the LoRaWAN traffic exchanged between the DUT
// and the test application server by consuming both the uplink and the
// downlink bus subjects, printing each PHYPayload as a parsed summary plus
// a text2pcap-compatible hex dump for wireshark post-processing.
package main

import (
	"encoding/json"
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
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

func main() {
	configPath := flag.String("config", "config/sniffer.yml", "path to the YAML configuration file")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("sniffer: could not load configuration")
	}

	nc, err := bus.Connect(bus.Options{
		URL:               cfg.NATS.URL,
		Name:              cfg.Server.Name,
		Username:          cfg.NATS.Username,
		Password:          cfg.NATS.Password,
		ReconnectInterval: cfg.NATS.ReconnectInterval,
		MaxReconnects:     cfg.NATS.MaxReconnects,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("sniffer: could not connect to NATS")
	}
	defer nc.Close()

	conn := bus.NewBridgeConn(nc)

	unsubUp, err := conn.Subscribe("gateway.*.rx", handleUplink)
	if err != nil {
		log.Fatal().Err(err).Msg("sniffer: could not subscribe to the uplink subject")
	}
	defer unsubUp()

	unsubDown, err := conn.Subscribe("gateway.*.tx", handleDownlink)
	if err != nil {
		log.Fatal().Err(err).Msg("sniffer: could not subscribe to the downlink subject")
	}
	defer unsubDown()

	log.Info().Msg("sniffer: capturing, ctrl-c to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("sniffer: stopped")
}

func handleUplink(subject string, data []byte) {
	var env gwenvelope.UplinkEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("sniffer: malformed uplink envelope")
		return
	}
	phy, err := env.RXPK.Payload()
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("sniffer: undecodable rxpk data")
		return
	}
	printCapture("UPLINK", phy)
}

func handleDownlink(subject string, data []byte) {
	var frame gwenvelope.PullRespFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("sniffer: malformed downlink frame")
		return
	}
	phy, err := (&gwenvelope.RXPK{Data: frame.TXPK.Data}).Payload()
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("sniffer: undecodable txpk data")
		return
	}
	printCapture("DOWNLINK", phy)
}

func printCapture(direction string, phy []byte) {
	fmt.Printf("# %s, %10.2f:\n", direction, float64(time.Now().UnixMicro())/1e6)
	fmt.Print(lorawan.PcapHexDump(phy))
	fmt.Print(lorawan.FormatPHYPayload(phy))
}
