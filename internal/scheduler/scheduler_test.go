package scheduler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/storage"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

type fakeRegistry struct {
	rows map[lorawan.EUI64]storage.DeviceRegistryRow
}

func (f *fakeRegistry) GetDevice(ctx context.Context, devEUI lorawan.EUI64) (storage.DeviceRegistryRow, error) {
	row, ok := f.rows[devEUI]
	if !ok {
		return storage.DeviceRegistryRow{}, storage.ErrNotFound
	}
	return row, nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	byDevEUI map[lorawan.EUI64]storage.SchedulerSessionRow
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byDevEUI: make(map[lorawan.EUI64]storage.SchedulerSessionRow)}
}

func (f *fakeSessionStore) GetSession(ctx context.Context, devEUI lorawan.EUI64) (storage.SchedulerSessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.byDevEUI[devEUI]
	if !ok {
		return storage.SchedulerSessionRow{}, storage.ErrNotFound
	}
	return row, nil
}

func (f *fakeSessionStore) GetSessionByDevAddr(ctx context.Context, devAddr lorawan.DevAddr) (storage.SchedulerSessionRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.byDevEUI {
		if row.DevAddr == devAddr {
			return row, nil
		}
	}
	return storage.SchedulerSessionRow{}, storage.ErrNotFound
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, row storage.SchedulerSessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byDevEUI[row.DevEUI] = row
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	published [][]byte
}

func (f *fakeSink) Publish(gatewayID string, envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, envelope)
	return nil
}

func (f *fakeSink) last() gwenvelope.PullRespFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var frame gwenvelope.PullRespFrame
	_ = json.Unmarshal(f.published[len(f.published)-1], &frame)
	return frame
}

func envelopeFor(phy []byte) []byte {
	env := gwenvelope.UplinkEnvelope{
		GatewayID: "gw-1",
		RXPK: gwenvelope.RXPK{
			Tmst: 1000,
			Freq: 868.1,
			Datr: "SF7BW125",
			Codr: "4/5",
			Modu: "LORA",
			Data: base64.StdEncoding.EncodeToString(phy),
		},
	}
	raw, _ := json.Marshal(env)
	return raw
}

func TestScheduler_HandleJoinRequest_PublishesJoinAccept(t *testing.T) {
	devEUI := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	appEUI := lorawan.EUI64{8, 7, 6, 5, 4, 3, 2, 1}
	var appKey lorawan.AES128Key
	for i := range appKey {
		appKey[i] = byte(i)
	}

	registry := &fakeRegistry{rows: map[lorawan.EUI64]storage.DeviceRegistryRow{
		devEUI: {DevEUI: devEUI, AppEUI: appEUI, AppKey: appKey, Command: "ping"},
	}}
	sessions := newFakeSessionStore()
	sink := &fakeSink{}
	s := New(registry, sessions, sink)

	jr := &lorawan.JoinRequestPayload{AppEUI: appEUI, DevEUI: devEUI, DevNonce: [2]byte{0x01, 0x00}}
	macBytes := jr.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}
	msgWithoutMIC := append([]byte{mhdr.Byte()}, macBytes...)
	mic, err := lorawan.ComputeJoinMIC(appKey, msgWithoutMIC)
	if err != nil {
		t.Fatal(err)
	}
	phy := append(msgWithoutMIC, mic[:]...)

	ctx := context.Background()
	s.handleEnvelope(ctx, envelopeFor(phy))

	if len(sink.published) != 1 {
		t.Fatalf("expected exactly one downlink to be published, got %d", len(sink.published))
	}
	frame := sink.last()
	decoded, err := base64.StdEncoding.DecodeString(frame.TXPK.Data)
	if err != nil {
		t.Fatal(err)
	}
	respPHY, err := lorawan.Parse(decoded)
	if err != nil {
		t.Fatal(err)
	}
	if respPHY.MHDR.MType != lorawan.JoinAccept {
		t.Fatalf("expected a Join-Accept downlink, got MType %v", respPHY.MHDR.MType)
	}

	row, err := sessions.GetSession(ctx, devEUI)
	if err != nil {
		t.Fatalf("expected a persisted session, got error: %v", err)
	}
	if row.DevEUI != devEUI {
		t.Fatalf("persisted session has wrong DevEUI: %x", row.DevEUI)
	}
}

func TestScheduler_HandleJoinRequest_IgnoresUnknownDevice(t *testing.T) {
	registry := &fakeRegistry{rows: map[lorawan.EUI64]storage.DeviceRegistryRow{}}
	sessions := newFakeSessionStore()
	sink := &fakeSink{}
	s := New(registry, sessions, sink)

	jr := &lorawan.JoinRequestPayload{
		AppEUI:   lorawan.EUI64{1, 1, 1, 1, 1, 1, 1, 1},
		DevEUI:   lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9},
		DevNonce: [2]byte{0x01, 0x00},
	}
	macBytes := jr.MarshalBinary()
	mhdr := lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0}
	phy := append(append([]byte{mhdr.Byte()}, macBytes...), 0, 0, 0, 0)

	s.handleEnvelope(context.Background(), envelopeFor(phy))
	if len(sink.published) != 0 {
		t.Fatalf("expected no downlink for an unprovisioned device, got %d", len(sink.published))
	}
}

func TestScheduler_HandleUplinkData_IgnoresDeviceNotOwned(t *testing.T) {
	registry := &fakeRegistry{rows: map[lorawan.EUI64]storage.DeviceRegistryRow{}}
	sessions := newFakeSessionStore()
	sink := &fakeSink{}
	s := New(registry, sessions, sink)

	mac := &lorawan.MACPayload{
		FHDR: lorawan.FHDR{DevAddr: lorawan.DevAddr{9, 9, 9, 9}},
	}
	wire := mac.Marshal(true)
	mhdr := lorawan.MHDR{MType: lorawan.UnconfirmedDataUp, Major: lorawan.LoRaWAN1_0}
	phy := append(append([]byte{mhdr.Byte()}, wire...), 0, 0, 0, 0)

	s.handleEnvelope(context.Background(), envelopeFor(phy))
	if len(sink.published) != 0 {
		t.Fatalf("expected no downlink for a DevAddr the scheduler does not own, got %d", len(sink.published))
	}
}
