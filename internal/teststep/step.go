// Package teststep defines the test-case step contract and the manager that
// drives a device session through a chain of steps until it succeeds or
// fails.
package teststep

import (
	"fmt"

	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// DownlinkSink is the narrow interface a step uses to schedule a downlink;
// implemented by internal/bus, depended on here only through this shape.
type DownlinkSink interface {
	Publish(gatewayID string, envelope []byte) error
}

// Context is the per-delivery state shared across a test case's whole step
// chain: the coordinator's downlink counter (tracked outside the session
// because it is a test-harness bookkeeping value, not a LoRaWAN session
// field), the gateway/uplink metadata needed to schedule a reply, and the
// sink a step uses to actually send one.
type Context struct {
	GatewayID        string
	Uplink           gwenvelope.RXPK
	Sink             DownlinkSink
	DownlinkCounter  uint16
	DefaultRX1Window bool // true schedules replies in RX1, false in RX2.
}

// Step is one node of a test case's step chain. BasicCheck runs first on
// every delivered uplink (MIC validation, ACK-flag bookkeeping); Handle runs
// the step-specific logic and returns the next step to wait on, or nil if
// this step is terminal (Success or failure).
type Step interface {
	Name() string
	BasicCheck(dev *session.EndDevice, raw []byte) error
	Handle(ctx *Context, dev *session.EndDevice, raw []byte) (next Step, err error)
}

// BaseStep implements the shared BasicCheck every concrete step embeds:
// parse the raw PHYPayload, validate the MIC with the
// session's NwkSKey, and update the ACK-pending flag for CONFIRMED uplinks.
// Concrete steps embed BaseStep and get BasicCheck for free; Handle is
// always step-specific.
type BaseStep struct {
	StepName string
}

func (s *BaseStep) Name() string { return s.StepName }

// BasicCheck parses raw as a PHYPayload, verifies its MIC against dev's
// NwkSKey (for a data message) using the frame's own FCnt, and records
// whether the message requested an ACK.
func (s *BaseStep) BasicCheck(dev *session.EndDevice, raw []byte) error {
	phy, err := lorawan.Parse(raw)
	if err != nil {
		return NewTestFailError(KindMHDR, err.Error(), raw)
	}

	switch phy.MHDR.MType {
	case lorawan.JoinRequest:
		// The Join-Request MIC is checked with AppKey by the step that
		// handles the join (steps.JoinRequestHandlerStep); nothing to do here.
		dev.MessageToAck = false
		return nil
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		mac, err := lorawan.ParseMACPayload(phy.MHDR.MType, phy.MACPayload)
		if err != nil {
			return NewTestFailError(KindMACPayload, err.Error(), raw)
		}
		msgWithoutMIC := raw[:len(raw)-4]
		expected, err := lorawan.ComputeDataMIC(dev.NwkSKey, msgWithoutMIC, true, mac.FHDR.DevAddr, uint32(mac.FHDR.FCnt))
		if err != nil {
			return NewTestFailError(KindMIC, err.Error(), raw)
		}
		if expected != phy.MIC {
			return NewTestFailError(KindMIC, fmt.Sprintf("got % x, want % x", phy.MIC, expected), raw)
		}
		// Replay/reordering guard: a retransmission of the last accepted
		// FCntUp is tolerated (the DUT resending because it saw no ACK), but
		// anything strictly older is rejected outright.
		if mac.FHDR.FCnt < dev.FCntUp {
			return NewTestFailError(KindFCnt, fmt.Sprintf("FCntUp went backwards: got %d, last accepted %d", mac.FHDR.FCnt, dev.FCntUp), raw)
		}
		dev.FCntUp = mac.FHDR.FCnt
		dev.MessageToAck = phy.MHDR.MType == lorawan.ConfirmedDataUp
		return nil
	default:
		return NewTestFailError(KindMHDR, fmt.Sprintf("unexpected mtype %s", phy.MHDR.MType), raw)
	}
}

// StepDescription is a human-readable documentation line attached to a test
// case for the report row; it plays no part in dispatch.
type StepDescription struct {
	Name string
	Text string
}

// TestManager drives one device session through a chain of steps,
// delegating BasicCheck+Handle to whichever step is current and advancing
// on every non-nil Handle result. It holds no uplink subscription itself
// (the coordinator does); once the chain reaches a terminal state (success
// or fatal error) it marks itself done and ignores further deliveries.
type TestManager struct {
	TestCase     string
	Device       *session.EndDevice
	currentStep  Step
	descriptions []StepDescription
	done         bool
	failed       error
}

// NewTestManager builds a manager for testCase, starting at first.
func NewTestManager(testCase string, dev *session.EndDevice, first Step) *TestManager {
	return &TestManager{TestCase: testCase, Device: dev, currentStep: first}
}

// AddStepDescription accumulates documentation for the final report; it may
// be called any number of times while building the step chain.
func (m *TestManager) AddStepDescription(name, text string) {
	m.descriptions = append(m.descriptions, StepDescription{Name: name, Text: text})
}

// Descriptions returns the accumulated step documentation in order.
func (m *TestManager) Descriptions() []StepDescription { return m.descriptions }

// Done reports whether the chain has reached a terminal state.
func (m *TestManager) Done() bool { return m.done }

// Err returns the terminal error, if the chain ended in failure.
func (m *TestManager) Err() error { return m.failed }

// CurrentStepName returns the name of the step currently awaiting a
// message, for diagnostics and report rows.
func (m *TestManager) CurrentStepName() string {
	if m.currentStep == nil {
		return ""
	}
	return m.currentStep.Name()
}

// Deliver feeds one uplink envelope's raw PHYPayload bytes through the
// current step's BasicCheck then Handle, advancing the chain. Calling
// Deliver after Done() has no effect.
func (m *TestManager) Deliver(ctx *Context, raw []byte) {
	if m.done || m.currentStep == nil {
		return
	}
	if err := m.currentStep.BasicCheck(m.Device, raw); err != nil {
		m.fail(err)
		return
	}
	next, err := m.currentStep.Handle(ctx, m.Device, raw)
	if err != nil {
		m.fail(err)
		return
	}
	if next == nil {
		m.done = true
		return
	}
	m.currentStep = next
}

func (m *TestManager) fail(err error) {
	m.done = true
	if tfe, ok := err.(*TestFailError); ok {
		tfe.TestCase = m.TestCase
		tfe.Step = m.CurrentStepName()
	}
	m.failed = err
}
