// Package coordinator runs one DUT's requested test list end to end: it
// performs the initial config handshake, dispatches uplinks to the current
// test case's TestManager, and reacts to PASS/FAIL/timeout/termination per
// the error policy in the harness's test-case execution engine.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/testcases"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/gwenvelope"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// UplinkSource is the narrow interface the coordinator consumes uplinks
// through; implemented by internal/bus.
type UplinkSource interface {
	Subscribe(ctx context.Context, devEUI lorawan.EUI64, handler func(envelope []byte)) (unsubscribe func(), err error)
}

// TestReportRow is one terminated test case's report line, persisted by
// internal/storage and republished on the bus report subject.
type TestReportRow struct {
	TestCase    string
	Step        string
	Verdict     string // "PASS" or "FAIL"
	Description string
}

// ReportSink publishes a finished test case's report row.
type ReportSink interface {
	PublishReport(row TestReportRow) error
}

// UI display levels, matching the wire vocabulary of the user-interface
// form contract.
const (
	UILevelInfo        = "info"
	UILevelHighlighted = "highlighted"
	UILevelError       = "error"
)

// UIField is one entry of a UI form: a paragraph ("p"), text input
// ("text"), or button ("button").
type UIField struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// UIForm is the display unit of the user-interface contract: a titled,
// levelled group of fields, tagged so the UI can group forms per test case.
type UIForm struct {
	Title  string            `json:"title"`
	Level  string            `json:"level"`
	Fields []UIField         `json:"fields"`
	Tags   map[string]string `json:"tags"`
}

// UISink displays a form to whatever operator UI is subscribed; nil-able,
// since a headless run has nobody watching.
type UISink interface {
	DisplayForm(form UIForm) error
}

// SessionConfig is the reply to the initial config-request handshake: which
// test cases to run for this DUT, beyond the fixed activation/deactivation
// bookends the coordinator always adds.
type SessionConfig struct {
	APIVersion string
	TestCases  []string
}

// ConfigRequester performs the config-request/reply handshake over the bus.
type ConfigRequester interface {
	RequestSessionConfig(ctx context.Context, devEUI lorawan.EUI64) (SessionConfig, error)
}

// Coordinator drives one device-under-test session through its requested
// test list. It owns at most one live TestManager at a time; the manager
// owns its steps, and a step borrows the manager only through the Context
// passed into Handle.
type Coordinator struct {
	dut              *session.EndDevice
	defaultRX1Window bool

	sink       teststep.DownlinkSink
	uplinks    UplinkSource
	reportSink ReportSink
	configReq  ConfigRequester
	ui         UISink

	requestedTests  []string
	nextTestIndex   int
	resetDUT        bool
	downlinkCounter uint16
	currentTest     *teststep.TestManager
	results         []TestReportRow

	stopped chan struct{}
}

// New builds a coordinator for dut, ready to Run. ui may be nil for a
// headless run.
func New(dut *session.EndDevice, defaultRX1Window bool, sink teststep.DownlinkSink, uplinks UplinkSource, reportSink ReportSink, configReq ConfigRequester, ui UISink) *Coordinator {
	return &Coordinator{
		dut:              dut,
		defaultRX1Window: defaultRX1Window,
		sink:             sink,
		uplinks:          uplinks,
		reportSink:       reportSink,
		configReq:        configReq,
		ui:               ui,
		stopped:          make(chan struct{}),
	}
}

// Run performs the initial handshake, starts the first test case
// (td_lorawan_act_01), subscribes to this DUT's uplinks, and blocks until
// ctx is cancelled or a SessionTerminatedError is observed.
func (c *Coordinator) Run(ctx context.Context) error {
	cfg, err := c.configReq.RequestSessionConfig(ctx, c.dut.DevEUI)
	if err != nil {
		return err
	}
	c.requestedTests = append([]string{"td_lorawan_act_01"}, cfg.TestCases...)
	c.requestedTests = append(c.requestedTests, "td_lorawan_deactivate")

	if err := c.startNextTest(); err != nil {
		return err
	}

	unsubscribe, err := c.uplinks.Subscribe(ctx, c.dut.DevEUI, c.handleEnvelope)
	if err != nil {
		return err
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return nil
	}
}

func (c *Coordinator) handleEnvelope(raw []byte) {
	var env gwenvelope.UplinkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Error().Err(err).Str("dev_eui", c.dut.DevEUI.String()).Msg("coordinator: malformed uplink envelope")
		return
	}
	phyBytes, err := env.RXPK.Payload()
	if err != nil {
		log.Error().Err(err).Str("dev_eui", c.dut.DevEUI.String()).Msg("coordinator: could not decode rxpk data")
		return
	}
	if c.currentTest == nil {
		return
	}

	stepCtx := &teststep.Context{
		GatewayID:        env.GatewayID,
		Uplink:           env.RXPK,
		Sink:             c.sink,
		DownlinkCounter:  c.downlinkCounter,
		DefaultRX1Window: c.defaultRX1Window,
	}
	c.currentTest.Deliver(stepCtx, phyBytes)
	c.downlinkCounter = stepCtx.DownlinkCounter

	if c.currentTest.Done() {
		c.finishCurrentTest()
	}
}

func (c *Coordinator) finishCurrentTest() {
	testCase := c.currentTest.TestCase
	step := c.currentTest.CurrentStepName()
	verdict := "PASS"
	description := ""

	if err := c.currentTest.Err(); err != nil {
		verdict = "FAIL"
		description = err.Error()
		switch e := err.(type) {
		case *teststep.SessionTerminatedError:
			log.Warn().Str("reason", e.Reason).Msg("coordinator: session terminated")
			c.currentTest = nil
			close(c.stopped)
			return
		case *teststep.TestFailError:
			testCase = e.TestCase
			step = e.Step
			c.resetDUT = true
		default:
			c.resetDUT = true
		}
		log.Error().Str("test_case", testCase).Str("step", step).Err(err).Msg("coordinator: test case failed")
	} else {
		log.Info().Str("test_case", testCase).Msg("coordinator: test case passed")
	}

	row := TestReportRow{TestCase: testCase, Step: step, Verdict: verdict, Description: description}
	if c.reportSink != nil {
		if pubErr := c.reportSink.PublishReport(row); pubErr != nil {
			log.Error().Err(pubErr).Msg("coordinator: could not publish test report row")
		}
	}
	c.results = append(c.results, row)
	c.displayVerdict(row, c.currentTest.Descriptions())

	c.currentTest = nil
	if err := c.startNextTest(); err != nil {
		log.Error().Err(err).Msg("coordinator: could not start next test case")
	}
}

// displayVerdict pushes one finished test case's verdict to the operator
// UI: the verdict line plus the step-by-step documentation the test case
// accumulated while its chain was built.
func (c *Coordinator) displayVerdict(row TestReportRow, descriptions []teststep.StepDescription) {
	if c.ui == nil {
		return
	}
	level := UILevelHighlighted
	if row.Verdict == "FAIL" {
		level = UILevelError
	}
	form := UIForm{
		Title:  row.TestCase,
		Level:  level,
		Tags:   map[string]string{"testcase": row.TestCase},
		Fields: []UIField{{Name: "verdict", Type: "p", Label: "Verdict", Value: row.Verdict}},
	}
	if row.Description != "" {
		form.Fields = append(form.Fields, UIField{Name: "description", Type: "p", Label: "Detail", Value: row.Description})
	}
	for _, d := range descriptions {
		form.Fields = append(form.Fields, UIField{Name: d.Name, Type: "p", Label: d.Name, Value: d.Text})
	}
	if err := c.ui.DisplayForm(form); err != nil {
		log.Error().Err(err).Str("test_case", row.TestCase).Msg("coordinator: could not display verdict form")
	}
}

// displaySummary pushes the whole run's PASS/FAIL tally once the requested
// test list is exhausted.
func (c *Coordinator) displaySummary() {
	if c.ui == nil {
		return
	}
	passed := 0
	for _, r := range c.results {
		if r.Verdict == "PASS" {
			passed++
		}
	}
	form := UIForm{
		Title:  "Session summary",
		Level:  UILevelInfo,
		Tags:   map[string]string{"session": "summary"},
		Fields: []UIField{{Name: "summary", Type: "p", Label: "Result", Value: fmt.Sprintf("%d/%d test cases passed", passed, len(c.results))}},
	}
	for _, r := range c.results {
		form.Fields = append(form.Fields, UIField{Name: r.TestCase, Type: "p", Label: r.TestCase, Value: r.Verdict})
	}
	if err := c.ui.DisplayForm(form); err != nil {
		log.Error().Err(err).Msg("coordinator: could not display session summary")
	}
}

func (c *Coordinator) startNextTest() error {
	var name string
	if c.resetDUT {
		name = "td_lorawan_reset"
		c.resetDUT = false
	} else {
		if c.nextTestIndex >= len(c.requestedTests) {
			c.displaySummary()
			close(c.stopped)
			return nil
		}
		name = c.requestedTests[c.nextTestIndex]
		c.nextTestIndex++
	}

	tm, err := testcases.Build(name, c.dut)
	if err != nil {
		return err
	}
	c.currentTest = tm
	c.downlinkCounter = 0
	return nil
}
