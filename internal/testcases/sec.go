package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/steps"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildSec01 exercises repeated ping-pong round trips to broaden coverage
// of the FRMPayload encrypt/decrypt and MIC paths under normal traffic.
func buildSec01(dev *session.EndDevice) *teststep.TestManager {
	ping3 := steps.NewActOkToPing("act_ok_to_ping_3", nil)
	ping2 := steps.NewActOkToPing("act_ok_to_ping_2", ping3)
	ping1 := steps.NewActOkToPing("act_ok_to_ping_1", ping2)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, ping1)

	tm := teststep.NewTestManager("td_lorawan_sec_01", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_ping_1", "First ping-pong round trip.")
	tm.AddStepDescription("act_ok_to_ping_2", "Second ping-pong round trip.")
	tm.AddStepDescription("act_ok_to_ping_3", "Third ping-pong round trip.")
	return tm
}

// buildSec02 certifies the DUT silently discards a downlink with a
// deliberately corrupted MIC instead of accepting a forged frame.
func buildSec02(dev *session.EndDevice) *teststep.TestManager {
	final := steps.NewWaitActOk("wait_act_ok_final", nil)
	badMIC := steps.NewBadMICDownlinkStep("bad_mic_downlink", final)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, badMIC)

	tm := teststep.NewTestManager("td_lorawan_sec_02", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("bad_mic_downlink", "Send a downlink with a corrupted MIC the DUT must discard.")
	tm.AddStepDescription("wait_act_ok_final", "Confirm the session is still healthy after the forged frame.")
	return tm
}
