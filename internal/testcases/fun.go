package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/steps"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildFun01 certifies the basic ping-pong echo: activation followed by one
// ping/pong round trip.
func buildFun01(dev *session.EndDevice) *teststep.TestManager {
	ping := steps.NewActOkToPing("act_ok_to_ping", nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, ping)

	tm := teststep.NewTestManager("td_lorawan_fun_01", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_ping", "Send a random ping and expect the byte-incremented pong back.")
	return tm
}

// buildFun02 certifies the DUT retransmits its ActOk at the negotiated
// RX1/RX2 cadence within a small timing tolerance.
func buildFun02(dev *session.EndDevice) *teststep.TestManager {
	timed := steps.NewTimedCountingStep("timed_counting", 3, lorawan.ReceiveDelay1Us, 20, nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, timed)

	tm := teststep.NewTestManager("td_lorawan_fun_02", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("timed_counting", "Require 3 consecutive ActOk uplinks spaced within +/-20us of the RX1 delay.")
	return tm
}

// buildFun03 certifies FCntUp strictly does not decrease across repeated
// uplinks (enforced by teststep.BaseStep.BasicCheck on every delivery).
func buildFun03(dev *session.EndDevice) *teststep.TestManager {
	counting := steps.NewCountingStep("counting", 5, nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, counting)

	tm := teststep.NewTestManager("td_lorawan_fun_03", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("counting", "Require 5 consecutive uplinks with a non-decreasing FCntUp.")
	return tm
}

// buildFun04 certifies the DUT silently discards a downlink carrying a
// stale (already-used) FCntDown instead of reprocessing it or desyncing.
func buildFun04(dev *session.EndDevice) *teststep.TestManager {
	final := steps.NewWaitActOk("wait_act_ok_final", nil)
	stale := steps.NewStaleFCntDownCheck("stale_fcntdown_check", final)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, stale)

	tm := teststep.NewTestManager("td_lorawan_fun_04", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("stale_fcntdown_check", "Send one legitimate downlink, then replay a stale FCntDown the DUT must discard.")
	tm.AddStepDescription("wait_act_ok_final", "Confirm the session is still healthy after the stale replay.")
	return tm
}

// buildFun05 certifies confirmed-downlink handling: the DUT must ACK a
// CONFIRMED_DOWN frame on its next uplink.
func buildFun05(dev *session.EndDevice) *teststep.TestManager {
	ackCheck := steps.NewConfirmedAckCheck("confirmed_ack_check", nil)
	confirmedPing := steps.NewConfirmedPingStep("confirmed_ping", ackCheck)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, confirmedPing)

	tm := teststep.NewTestManager("td_lorawan_fun_05", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("confirmed_ping", "Send a CONFIRMED_DOWN frame on the activation FPort.")
	tm.AddStepDescription("confirmed_ack_check", "Require the DUT's next uplink to set FCtrl.ACK.")
	return tm
}

// buildFun06 certifies CONFIRMED_UP retransmission: the DUT must resend the
// same frame (same FCntUp) while it has not received an ACK, and stop once
// it has.
func buildFun06(dev *session.EndDevice) *teststep.TestManager {
	retransmit := steps.NewRetransmissionCheck("retransmission_check", 3, nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, retransmit)

	tm := teststep.NewTestManager("td_lorawan_fun_06", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("retransmission_check", "Withhold the ACK while the same CONFIRMED_UP frame arrives 3 times (the original plus 2 retransmissions), then ACK the third.")
	return tm
}
