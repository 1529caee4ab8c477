// Package bus adapts the core components' narrow UplinkSource/DownlinkSink/
// ConfigRequester/ReportSink interfaces onto NATS pub/sub. It is the only
// package in the module that imports nats.go; every other component depends
// on the interfaces it implements, not on this package directly.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/coordinator"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
)

// Options configures the NATS connection; field names mirror the YAML
// configuration's NATS section.
type Options struct {
	URL               string
	Name              string
	Username          string
	Password          string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// Connect dials NATS with the reconnect behavior the teacher's binaries all
// share.
func Connect(opts Options) (*nats.Conn, error) {
	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.UserInfo(opts.Username, opts.Password),
		nats.ReconnectWait(opts.ReconnectInterval),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Warn().Str("url", nc.ConnectedUrl()).Msg("bus: reconnected to NATS")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("bus: disconnected from NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return nc, nil
}

// Bus is the NATS-backed realization of UplinkSource, DownlinkSink,
// ConfigRequester, and ReportSink. The test application server runs a single
// device-under-test session at a time, so uplink routing does not need to be
// DevAddr-aware: every envelope received on gateway.*.rx is handed to
// whichever handler is currently subscribed, and that handler's own MIC
// check (run by the step chain before Handle ever sees the payload) rejects
// anything that does not belong to its session.
type Bus struct {
	nc *nats.Conn

	mu          sync.RWMutex
	handlers    map[lorawan.EUI64]func([]byte)
	allHandlers map[int]func([]byte)
	nextAllID   int
	rxSub       *nats.Subscription
}

// New wraps an already-connected NATS connection.
func New(nc *nats.Conn) (*Bus, error) {
	b := &Bus{
		nc:          nc,
		handlers:    make(map[lorawan.EUI64]func([]byte)),
		allHandlers: make(map[int]func([]byte)),
	}
	sub, err := nc.Subscribe("gateway.*.rx", b.dispatch)
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe gateway.*.rx: %w", err)
	}
	b.rxSub = sub
	return b, nil
}

// Close releases the underlying subscription; it does not close the NATS
// connection, which outlives the bus adapter in cmd/tas's main.
func (b *Bus) Close() error {
	if b.rxSub != nil {
		return b.rxSub.Unsubscribe()
	}
	return nil
}

func (b *Bus) dispatch(msg *nats.Msg) {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.handlers)+len(b.allHandlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg.Data)
	}
}

// SubscribeAll registers handler to receive every uplink envelope published
// on gateway.*.rx, regardless of which DevEUI it belongs to, satisfying
// scheduler.UplinkSource. The registration lasts until the returned
// unsubscribe func is called; ctx is not consulted. The scheduler uses this because it
// services every device that is not the coordinator's current
// device-under-test, and has no single DevEUI to key a Subscribe call on.
func (b *Bus) SubscribeAll(ctx context.Context, handler func(envelope []byte)) (func(), error) {
	b.mu.Lock()
	id := b.nextAllID
	b.nextAllID++
	b.allHandlers[id] = handler
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.allHandlers, id)
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

// Subscribe registers handler to receive every uplink envelope published on
// gateway.*.rx, satisfying coordinator.UplinkSource. A second call for the
// same devEUI replaces the first handler. The registration lasts until the
// returned unsubscribe func is called; ctx is not consulted.
func (b *Bus) Subscribe(ctx context.Context, devEUI lorawan.EUI64, handler func(envelope []byte)) (func(), error) {
	b.mu.Lock()
	b.handlers[devEUI] = handler
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.handlers, devEUI)
		b.mu.Unlock()
	}
	return unsubscribe, nil
}

// Publish schedules envelope for delivery to gatewayID, satisfying
// teststep.DownlinkSink.
func (b *Bus) Publish(gatewayID string, envelope []byte) error {
	subject := fmt.Sprintf("gateway.%s.tx", gatewayID)
	if err := b.nc.Publish(subject, envelope); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// configRequestMsg/configReplyMsg are the wire shapes of the session
// handshake; APIVersion lets the config service reject a stale test
// application server without having to parse its whole request.
type configRequestMsg struct {
	APIVersion string `json:"api_version"`
	DevEUI     string `json:"dev_eui"`
}

type configReplyMsg struct {
	APIVersion string   `json:"api_version"`
	TestCases  []string `json:"testcases"`
}

const busAPIVersion = "1.0"
const configRequestTimeout = 10 * time.Second

// RequestSessionConfig performs the tas.config.request/reply handshake,
// satisfying coordinator.ConfigRequester.
func (b *Bus) RequestSessionConfig(ctx context.Context, devEUI lorawan.EUI64) (coordinator.SessionConfig, error) {
	reqBody, err := json.Marshal(configRequestMsg{APIVersion: busAPIVersion, DevEUI: devEUI.String()})
	if err != nil {
		return coordinator.SessionConfig{}, fmt.Errorf("bus: marshal config request: %w", err)
	}

	timeout := configRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	msg, err := b.nc.Request("tas.config.request", reqBody, timeout)
	if err != nil {
		return coordinator.SessionConfig{}, fmt.Errorf("bus: config request: %w", err)
	}

	var reply configReplyMsg
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return coordinator.SessionConfig{}, fmt.Errorf("bus: unmarshal config reply: %w", err)
	}
	return coordinator.SessionConfig{APIVersion: reply.APIVersion, TestCases: reply.TestCases}, nil
}

// reportMsg is the wire shape of a finished test case published to
// tas.report for any external log sink.
type reportMsg struct {
	TestCase    string `json:"test_case"`
	Step        string `json:"step"`
	Verdict     string `json:"verdict"`
	Description string `json:"description"`
}

// PublishReport publishes row on tas.report, satisfying
// coordinator.ReportSink. Persistence to Postgres happens separately in
// internal/storage; this is the fire-and-forget broadcast copy.
func (b *Bus) PublishReport(row coordinator.TestReportRow) error {
	data, err := json.Marshal(reportMsg{TestCase: row.TestCase, Step: row.Step, Verdict: row.Verdict, Description: row.Description})
	if err != nil {
		return fmt.Errorf("bus: marshal report: %w", err)
	}
	if err := b.nc.Publish("tas.report", data); err != nil {
		return fmt.Errorf("bus: publish report: %w", err)
	}
	return nil
}
