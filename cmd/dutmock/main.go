// Command dutmock emulates the device under test together with its gateway:
// it consumes the downlinks the test application server schedules, keeps a
// device-side session in sync, and sends uplinks on request via the
// mock.up.* command subjects, so a whole certification run can be driven
// without DUT hardware.
//
// Command subjects (empty-body messages unless noted):
//
//	mock.up.join   — send a Join-Request
//	mock.up.actok  — echo the current downlink counter on the test port
//	mock.up.pong   — answer the last received ping
//	mock.up.data   — send a data uplink; body is JSON {"fport":N,"payload":"hex","confirmed":bool}
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/bus"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/config"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/dutmock"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

func main() {
	configPath := flag.String("config", "config/tas.yml", "path to the YAML configuration file (the dut section identifies the emulated device)")
	gatewayID := flag.String("gateway", "aa555a0000000001", "gateway id the emulated packet forwarder reports as")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("dutmock: could not load configuration")
	}

	devEUI, err := parseHex8(cfg.DUT.DevEUI)
	if err != nil {
		log.Fatal().Err(err).Msg("dutmock: invalid dut.dev_eui")
	}
	appEUI, err := parseHex8(cfg.DUT.AppEUI)
	if err != nil {
		log.Fatal().Err(err).Msg("dutmock: invalid dut.app_eui")
	}
	appKey, err := parseHex16(cfg.DUT.AppKey)
	if err != nil {
		log.Fatal().Err(err).Msg("dutmock: invalid dut.app_key")
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
		log.Fatal().Err(err).Msg("dutmock: could not connect to NATS")
	}
	defer nc.Close()

	agent := &agent{
		conn:      bus.NewBridgeConn(nc),
		device:    dutmock.NewDevice(devEUI, lorawan.DevAddr{}, appKey, lorawan.AES128Key{}, lorawan.AES128Key{}),
		appEUI:    appEUI,
		gatewayID: *gatewayID,
		started:   time.Now(),
	}

	subscriptions := map[string]func(string, []byte){
		fmt.Sprintf("gateway.%s.tx", *gatewayID): agent.handleDownlink,
		"mock.up.join":                           agent.handleJoinCommand,
		"mock.up.actok":                          agent.handleActOkCommand,
		"mock.up.pong":                           agent.handlePongCommand,
		"mock.up.data":                           agent.handleDataCommand,
	}
	for subject, handler := range subscriptions {
		unsub, err := agent.conn.Subscribe(subject, handler)
		if err != nil {
			log.Fatal().Err(err).Str("subject", subject).Msg("dutmock: could not subscribe")
		}
		defer unsub()
	}

	log.Info().Str("dev_eui", devEUI.String()).Str("gateway", *gatewayID).Msg("dutmock: ready to interact with the test application server")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("dutmock: stopped")
}

// agent glues the device-side session to the bus: downlinks update the
// session, command subjects trigger uplinks. A mutex serializes the two,
// since the bus client may deliver them on separate goroutines.
type agent struct {
	conn      *bus.BridgeConn
	device    *dutmock.Device
	appEUI    lorawan.EUI64
	gatewayID string
	started   time.Time

	mu sync.Mutex
}

func (a *agent) handleDownlink(subject string, data []byte) {
	var frame gwenvelope.PullRespFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Msg("dutmock: malformed downlink frame")
		return
	}
	phy, err := (&gwenvelope.RXPK{Data: frame.TXPK.Data}).Payload()
	if err != nil {
		log.Warn().Err(err).Msg("dutmock: undecodable txpk data")
		return
	}

	a.mu.Lock()
	err = a.device.HandleDownlink(phy)
	counter := a.device.DownlinkCounter
	a.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Msg("dutmock: downlink not applied")
		return
	}
	log.Info().Uint16("downlink_counter", counter).Str("datr", frame.TXPK.Datr).Msg("dutmock: downlink consumed")
}

func (a *agent) handleJoinCommand(subject string, data []byte) {
	a.mu.Lock()
	phy, err := a.device.BuildJoinRequest(a.appEUI)
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("dutmock: could not build the join request")
		return
	}
	a.sendUplink(phy)
	log.Info().Msg("dutmock: join request sent")
}

func (a *agent) handleActOkCommand(subject string, data []byte) {
	a.mu.Lock()
	phy, err := a.device.BuildActOk()
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("dutmock: could not build the actok uplink")
		return
	}
	a.sendUplink(phy)
	log.Info().Msg("dutmock: actok sent")
}

func (a *agent) handlePongCommand(subject string, data []byte) {
	a.mu.Lock()
	phy, err := a.device.BuildPong()
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("dutmock: could not build the pong uplink")
		return
	}
	a.sendUplink(phy)
	log.Info().Msg("dutmock: pong sent")
}

// dataCommand is the JSON body of a mock.up.data request.
type dataCommand struct {
	FPort     uint8  `json:"fport"`
	Payload   string `json:"payload"` // hex
	Confirmed bool   `json:"confirmed"`
	FOpts     string `json:"fopts"` // hex
}

func (a *agent) handleDataCommand(subject string, data []byte) {
	cmd := dataCommand{FPort: 1}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Warn().Err(err).Msg("dutmock: malformed data command")
			return
		}
	}
	payload, err := hex.DecodeString(cmd.Payload)
	if err != nil {
		log.Warn().Err(err).Msg("dutmock: data command payload is not hex")
		return
	}
	fopts, err := hex.DecodeString(cmd.FOpts)
	if err != nil {
		log.Warn().Err(err).Msg("dutmock: data command fopts is not hex")
		return
	}

	a.mu.Lock()
	phy, err := a.device.BuildData(cmd.FPort, payload, cmd.Confirmed, fopts)
	a.mu.Unlock()
	if err != nil {
		log.Error().Err(err).Msg("dutmock: could not build the data uplink")
		return
	}
	a.sendUplink(phy)
	log.Info().Uint8("fport", cmd.FPort).Msg("dutmock: data uplink sent")
}

// sendUplink wraps phy in an rxpk envelope with the emulated gateway's
// monotonic microsecond clock and the device's next hop frequency, and
// publishes it where the real bridge would.
func (a *agent) sendUplink(phy []byte) {
	a.mu.Lock()
	freq := a.device.NextFrequency()
	a.mu.Unlock()

	env := gwenvelope.UplinkEnvelope{
		GatewayID: a.gatewayID,
		RXPK: gwenvelope.RXPK{
			Tmst: uint32(time.Since(a.started).Microseconds()),
			Freq: freq,
			Modu: "LORA",
			Datr: "SF7BW125",
			Codr: "4/5",
			Size: len(phy),
			Data: base64.StdEncoding.EncodeToString(phy),
		},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("dutmock: could not marshal the uplink envelope")
		return
	}
	subject := fmt.Sprintf("gateway.%s.rx", a.gatewayID)
	if err := a.conn.Publish(subject, raw); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("dutmock: could not publish the uplink")
	}
}

func parseHex8(s string) (lorawan.EUI64, error) {
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

func parseHex16(s string) (lorawan.AES128Key, error) {
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
