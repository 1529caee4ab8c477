// Package scheduler implements the downlink scheduler: a stateless-path
// worker that activates and services non-test-suite devices (OTAA join plus
// a canned command downlink) using the same device-registry/session-store
// persistence as every other deployment, but without ever sharing in-memory
// state with the test coordinator. It consumes every uplink envelope the
// gateway bridge publishes and ignores anything whose DevEUI/DevAddr it
// does not own, which is how it and the coordinator divide the same bus
// without a routing layer between them.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/storage"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// CommandFPort is the application port the scheduler's canned command
// downlink is sent on. The test catalogue's activation port (224) is
// reserved for the conformance engine; ordinary application traffic for
// scheduler-managed devices uses the regular default port instead.
const CommandFPort uint8 = 1

// defaultDLSettings/defaultRxDelay are the scheduler's fixed join parameters:
// it never exercises RX1 offset, RX2 DR, or RX delay negotiation the way the
// ACT_02 test case does, so every device it activates gets the EU868
// defaults.
var defaultDLSettings = lorawan.DLSettings{RX1DROffset: 0, RX2DataRate: lorawan.DefaultRX2DataRate}

const defaultRxDelay uint8 = 1

// UplinkSource delivers every uplink envelope the gateway bridge publishes,
// unfiltered by DevEUI; the scheduler decides for itself which ones it owns.
type UplinkSource interface {
	SubscribeAll(ctx context.Context, handler func(envelope []byte)) (unsubscribe func(), err error)
}

// DownlinkSink is the narrow interface the scheduler uses to schedule a
// downlink, mirroring teststep.DownlinkSink without depending on it: the
// scheduler and the test engine never share a package-level coupling beyond
// the bus's wire format.
type DownlinkSink interface {
	Publish(gatewayID string, envelope []byte) error
}

// Scheduler activates and services devices that are not under test.
type Scheduler struct {
	registry storage.DeviceRegistryStore
	sessions storage.SchedulerSessionStore
	sink     DownlinkSink
}

// New builds a Scheduler backed by registry (static provisioning) and
// sessions (persisted per-device state).
func New(registry storage.DeviceRegistryStore, sessions storage.SchedulerSessionStore, sink DownlinkSink) *Scheduler {
	return &Scheduler{registry: registry, sessions: sessions, sink: sink}
}

// Run subscribes to every uplink envelope and services each one until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context, uplinks UplinkSource) error {
	unsubscribe, err := uplinks.SubscribeAll(ctx, func(raw []byte) {
		s.handleEnvelope(ctx, raw)
	})
	if err != nil {
		return fmt.Errorf("scheduler: subscribe: %w", err)
	}
	defer unsubscribe()

	<-ctx.Done()
	return ctx.Err()
}

func (s *Scheduler) handleEnvelope(ctx context.Context, raw []byte) {
	var env gwenvelope.UplinkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Error().Err(err).Msg("scheduler: malformed uplink envelope")
		return
	}
	phyBytes, err := env.RXPK.Payload()
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not decode rxpk data")
		return
	}
	phy, err := lorawan.Parse(phyBytes)
	if err != nil {
		log.Debug().Err(err).Msg("scheduler: unparsable PHYPayload, ignored")
		return
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		s.handleJoinRequest(ctx, env, phy, phyBytes)
	case lorawan.UnconfirmedDataUp:
		s.handleUplinkData(ctx, env, phy, phyBytes)
	default:
		// CONFIRMED_UP, downlink mtypes, and Proprietary carry nothing this
		// worker acts on; the test engine's own subscription (if this
		// device happens to be the DUT) is independent and unaffected.
	}
}

func (s *Scheduler) handleJoinRequest(ctx context.Context, env gwenvelope.UplinkEnvelope, phy *lorawan.PHYPayload, raw []byte) {
	jr, err := lorawan.ParseJoinRequestPayload(phy.MACPayload)
	if err != nil {
		log.Debug().Err(err).Msg("scheduler: malformed join-request, ignored")
		return
	}

	regRow, err := s.registry.GetDevice(ctx, jr.DevEUI)
	if err == storage.ErrNotFound {
		log.Debug().Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: join-request from unknown device, ignored")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: device registry lookup failed")
		return
	}
	if regRow.AppEUI != jr.AppEUI {
		log.Debug().Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: join-request AppEUI mismatch, ignored")
		return
	}

	dev := s.restoreOrNewSession(ctx, regRow)

	msgWithoutMIC := raw[:len(raw)-4]
	expectedMIC, err := lorawan.ComputeJoinMIC(regRow.AppKey, msgWithoutMIC)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: join-request MIC computation failed")
		return
	}
	if expectedMIC != phy.MIC {
		log.Debug().Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: join-request MIC mismatch, ignored")
		return
	}

	newDevAddr, err := s.freshDevAddr(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not allocate a DevAddr")
		return
	}

	joinAcceptPHY, err := dev.AcceptJoin(jr.DevNonce, newDevAddr, defaultDLSettings, defaultRxDelay, nil)
	if err != nil {
		if _, ok := err.(*session.ReplayError); ok {
			log.Debug().Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: devnonce replay, dropped")
			return
		}
		log.Error().Err(err).Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: accept_join failed")
		return
	}

	if err := s.persistSession(ctx, dev, time.Now()); err != nil {
		log.Error().Err(err).Str("dev_eui", jr.DevEUI.String()).Msg("scheduler: could not persist session")
		return
	}

	prev := dev.PreviousMACParams()
	offset := int(prev.RX1DROffset)
	downlink, err := gwenvelope.CreateDownlinkReply(env.RXPK, joinAcceptPHY, prev.JoinAccDelay1, &offset, "", 0)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not build join-accept downlink")
		return
	}
	if err := s.sink.Publish(env.GatewayID, downlink); err != nil {
		log.Error().Err(err).Msg("scheduler: could not publish join-accept downlink")
		return
	}
	log.Info().Str("dev_eui", jr.DevEUI.String()).Str("dev_addr", newDevAddr.String()).Msg("scheduler: device joined")
}

func (s *Scheduler) handleUplinkData(ctx context.Context, env gwenvelope.UplinkEnvelope, phy *lorawan.PHYPayload, raw []byte) {
	mac, err := lorawan.ParseMACPayload(phy.MHDR.MType, phy.MACPayload)
	if err != nil {
		log.Debug().Err(err).Msg("scheduler: malformed data uplink, ignored")
		return
	}

	sessRow, err := s.sessions.GetSessionByDevAddr(ctx, mac.FHDR.DevAddr)
	if err == storage.ErrNotFound {
		// Not one of ours: most likely the device under test, whose session
		// lives only in the coordinator's memory.
		return
	}
	if err != nil {
		log.Error().Err(err).Str("dev_addr", mac.FHDR.DevAddr.String()).Msg("scheduler: session lookup failed")
		return
	}

	regRow, err := s.registry.GetDevice(ctx, sessRow.DevEUI)
	if err != nil {
		log.Error().Err(err).Str("dev_eui", sessRow.DevEUI.String()).Msg("scheduler: device registry lookup failed")
		return
	}

	dev := session.RestoreEndDevice(sessRow.DevEUI, regRow.AppEUI, regRow.AppKey, sessRow.DevAddr, sessRow.NwkSKey, sessRow.AppSKey, uint16(sessRow.FCntUp), uint16(sessRow.FCntDown), sessRow.UsedDevNonces)

	msgWithoutMIC := raw[:len(raw)-4]
	expectedMIC, err := lorawan.ComputeDataMIC(dev.NwkSKey, msgWithoutMIC, true, mac.FHDR.DevAddr, uint32(mac.FHDR.FCnt))
	if err != nil {
		log.Error().Err(err).Msg("scheduler: MIC computation failed")
		return
	}
	if expectedMIC != phy.MIC {
		log.Debug().Str("dev_eui", sessRow.DevEUI.String()).Msg("scheduler: data uplink MIC mismatch, ignored")
		return
	}
	if mac.FHDR.FCnt < dev.FCntUp {
		log.Debug().Str("dev_eui", sessRow.DevEUI.String()).Msg("scheduler: stale FCntUp, ignored")
		return
	}
	dev.FCntUp = mac.FHDR.FCnt

	fport := CommandFPort
	downlinkPHY, err := dev.PrepareLoRaWANData(lorawan.UnconfirmedDataDown, lorawan.FCtrl{}, nil, &fport, []byte(regRow.Command), nil)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not build command downlink")
		return
	}

	if err := s.persistSession(ctx, dev, sessRow.LastJoinAccept); err != nil {
		log.Error().Err(err).Str("dev_eui", sessRow.DevEUI.String()).Msg("scheduler: could not persist session")
		return
	}

	offset := int(dev.MACParams.RX1DROffset)
	downlink, err := gwenvelope.CreateDownlinkReply(env.RXPK, downlinkPHY, lorawan.ReceiveDelay1Us, &offset, "", 0)
	if err != nil {
		log.Error().Err(err).Msg("scheduler: could not build command downlink envelope")
		return
	}
	if err := s.sink.Publish(env.GatewayID, downlink); err != nil {
		log.Error().Err(err).Msg("scheduler: could not publish command downlink")
	}
}

func (s *Scheduler) restoreOrNewSession(ctx context.Context, regRow storage.DeviceRegistryRow) *session.EndDevice {
	sessRow, err := s.sessions.GetSession(ctx, regRow.DevEUI)
	if err != nil {
		if err != storage.ErrNotFound {
			log.Error().Err(err).Str("dev_eui", regRow.DevEUI.String()).Msg("scheduler: session lookup failed, treating as first join")
		}
		return session.NewEndDevice(regRow.DevEUI, regRow.AppEUI, regRow.AppKey)
	}
	return session.RestoreEndDevice(regRow.DevEUI, regRow.AppEUI, regRow.AppKey, sessRow.DevAddr, sessRow.NwkSKey, sessRow.AppSKey, uint16(sessRow.FCntUp), uint16(sessRow.FCntDown), sessRow.UsedDevNonces)
}

// freshDevAddr picks a random DevAddr that collides with no existing
// session row, retrying a bounded number of times.
func (s *Scheduler) freshDevAddr(ctx context.Context) (lorawan.DevAddr, error) {
	for i := 0; i < 32; i++ {
		addr, err := session.NewRandomDevAddr()
		if err != nil {
			return addr, err
		}
		if _, err := s.sessions.GetSessionByDevAddr(ctx, addr); err == storage.ErrNotFound {
			return addr, nil
		}
	}
	return lorawan.DevAddr{}, fmt.Errorf("scheduler: could not find a free DevAddr")
}

func (s *Scheduler) persistSession(ctx context.Context, dev *session.EndDevice, lastJoinAccept time.Time) error {
	return s.sessions.SaveSession(ctx, storage.SchedulerSessionRow{
		DevEUI:         dev.DevEUI,
		DevAddr:        dev.DevAddr,
		AppSKey:        dev.AppSKey,
		NwkSKey:        dev.NwkSKey,
		FCntUp:         uint32(dev.FCntUp),
		FCntDown:       uint32(dev.FCntDown),
		LastJoinAccept: lastJoinAccept,
		UsedDevNonces:  dev.UsedDevNonces(),
	})
}
