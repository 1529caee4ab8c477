// Package gwbridge implements the Semtech packet-forwarder UDP protocol
// gateways speak: PUSH_DATA/PULL_DATA/TX_ACK in, PUSH_ACK/PULL_ACK/PULL_RESP
// out. It demultiplexes uplinks onto the bus and sends each downlink to the
// pull address last recorded for the gateway named in its bus subject.
package gwbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
)

// BusConn is the raw subject-level slice of the message bus the bridge
// needs: publish an uplink envelope, subscribe to the downlink subjects.
// internal/bus provides the NATS-backed implementation, keeping this
// package free of any bus-client dependency.
type BusConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) (unsubscribe func() error, err error)
}

// Semtech packet-forwarder protocol constants (PROTOCOL.TXT v2).
const (
	ProtocolVersion byte = 0x02

	pushData byte = 0x00
	pushAck  byte = 0x01
	pullData byte = 0x02
	pullResp byte = 0x03
	pullAck  byte = 0x04
	txAck    byte = 0x05
)

const gatewayEvictionInterval = 1 * time.Minute
const gatewayEvictionAge = 5 * time.Minute

// gatewayInfo is the bridge's per-gateway tracking record: its last known
// PULL_DATA origin (needed to route a downlink, since the gateway may push
// uplinks and pull downlinks from different ephemeral ports) and the token
// bytes to echo back in PULL_RESP.
type gatewayInfo struct {
	pullAddr    *net.UDPAddr
	pullToken   [2]byte
	lastSeen    time.Time
	hasPullAddr bool
}

// Bridge owns the UDP socket and the bus connection used to publish
// uplinks and receive downlinks.
type Bridge struct {
	conn *net.UDPConn
	bus  BusConn

	mu       sync.Mutex
	gateways map[string]*gatewayInfo
}

// New binds bindAddr (e.g. "0.0.0.0:1700") and wires bus for uplink publish /
// downlink subscribe.
func New(bindAddr string, bus BusConn) (*Bridge, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("gwbridge: resolve %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("gwbridge: listen %q: %w", bindAddr, err)
	}
	return &Bridge{conn: conn, bus: bus, gateways: make(map[string]*gatewayInfo)}, nil
}

// Run services the UDP socket and the downlink subscription until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	log.Info().Str("addr", b.conn.LocalAddr().String()).Msg("gwbridge: listening")

	unsubscribe, err := b.bus.Subscribe("gateway.*.tx", b.handleDownlink)
	if err != nil {
		return fmt.Errorf("gwbridge: subscribe gateway.*.tx: %w", err)
	}
	defer unsubscribe()

	go b.evictStaleGateways(ctx)

	go func() {
		<-ctx.Done()
		b.conn.Close()
	}()

	buf := make([]byte, 65507)
	for {
		n, addr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				log.Error().Err(err).Msg("gwbridge: udp read error")
				continue
			}
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		go b.handleFrame(frame, addr)
	}
}

func (b *Bridge) handleFrame(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	version := data[0]
	token := [2]byte{data[1], data[2]}
	identifier := data[3]

	if version != ProtocolVersion {
		log.Warn().Uint8("version", version).Str("addr", addr.String()).Msg("gwbridge: unsupported protocol version")
		return
	}

	switch identifier {
	case pushData:
		b.handlePushData(data, addr, token)
	case pullData:
		b.handlePullData(data, addr, token)
	case txAck:
		// TX_ACK carries no mandatory reply and only matters for
		// diagnosing a rejected downlink; nothing in the harness consumes
		// it today.
	default:
		log.Warn().Uint8("identifier", identifier).Str("addr", addr.String()).Msg("gwbridge: unknown frame type")
	}
}

func parseGatewayID(data []byte) (string, error) {
	if len(data) < 12 {
		return "", fmt.Errorf("gwbridge: frame too short for gateway id")
	}
	return fmt.Sprintf("%016x", data[4:12]), nil
}

func (b *Bridge) handlePushData(data []byte, addr *net.UDPAddr, token [2]byte) {
	gatewayID, err := parseGatewayID(data)
	if err != nil {
		log.Error().Err(err).Msg("gwbridge: push_data")
		return
	}

	ack := []byte{ProtocolVersion, token[0], token[1], pushAck}
	if _, err := b.conn.WriteToUDP(ack, addr); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: write push_ack")
	}

	if len(data) <= 12 {
		return
	}

	var body struct {
		RXPK []gwenvelope.RXPK `json:"rxpk"`
	}
	if err := json.Unmarshal(data[12:], &body); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: decode push_data body")
		return
	}

	for _, rxpk := range body.RXPK {
		b.publishUplink(gatewayID, rxpk)
	}
}

func (b *Bridge) publishUplink(gatewayID string, rxpk gwenvelope.RXPK) {
	envelope, err := json.Marshal(gwenvelope.UplinkEnvelope{GatewayID: gatewayID, RXPK: rxpk})
	if err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: marshal uplink envelope")
		return
	}
	subject := fmt.Sprintf("gateway.%s.rx", gatewayID)
	if err := b.bus.Publish(subject, envelope); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: publish uplink")
		return
	}
	log.Debug().Str("gateway", gatewayID).Float64("freq", rxpk.Freq).Int("size", rxpk.Size).Msg("gwbridge: uplink forwarded")
}

func (b *Bridge) handlePullData(data []byte, addr *net.UDPAddr, token [2]byte) {
	gatewayID, err := parseGatewayID(data)
	if err != nil {
		log.Error().Err(err).Msg("gwbridge: pull_data")
		return
	}

	b.mu.Lock()
	gw, exists := b.gateways[gatewayID]
	if !exists {
		gw = &gatewayInfo{}
		b.gateways[gatewayID] = gw
	}
	gw.pullAddr = addr
	gw.pullToken = token
	gw.hasPullAddr = true
	gw.lastSeen = time.Now()
	b.mu.Unlock()

	ack := []byte{ProtocolVersion, token[0], token[1], pullAck}
	if _, err := b.conn.WriteToUDP(ack, addr); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: write pull_ack")
	}
}

// handleDownlink receives a downlink envelope published by the bus on
// gateway.<id>.tx: the already fully-resolved gwenvelope.PullRespFrame JSON
// body produced by gwenvelope.CreateDownlinkReply. tmst wraparound is
// handled there, via plain uint32 addition, so the bridge's only job here is
// wire framing.
func (b *Bridge) handleDownlink(subject string, data []byte) {
	gatewayID := gatewayIDFromSubject(subject)
	if gatewayID == "" {
		log.Error().Str("subject", subject).Msg("gwbridge: downlink subject missing gateway id")
		return
	}

	b.mu.Lock()
	gw, exists := b.gateways[gatewayID]
	var pullAddr *net.UDPAddr
	var pullToken [2]byte
	if exists && gw.hasPullAddr {
		pullAddr = gw.pullAddr
		pullToken = gw.pullToken
	}
	b.mu.Unlock()
	if pullAddr == nil {
		log.Warn().Str("gateway", gatewayID).Msg("gwbridge: dropping downlink, no known pull address")
		return
	}

	frame := make([]byte, 4, 4+len(data))
	frame[0] = ProtocolVersion
	frame[1] = pullToken[0]
	frame[2] = pullToken[1]
	frame[3] = pullResp
	frame = append(frame, data...)

	if _, err := b.conn.WriteToUDP(frame, pullAddr); err != nil {
		log.Error().Err(err).Str("gateway", gatewayID).Msg("gwbridge: write pull_resp")
	}
}

func gatewayIDFromSubject(subject string) string {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func (b *Bridge) evictStaleGateways(ctx context.Context) {
	ticker := time.NewTicker(gatewayEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for id, gw := range b.gateways {
				if now.Sub(gw.lastSeen) > gatewayEvictionAge {
					delete(b.gateways, id)
					log.Info().Str("gateway", id).Msg("gwbridge: evicted stale gateway")
				}
			}
			b.mu.Unlock()
		}
	}
}
