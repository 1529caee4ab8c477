package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/steps"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildAct01 certifies ABP activation: the DUT's DevAddr/NwkSKey/AppSKey are
// already provisioned out of band, so the case starts by waiting for the
// DUT's first data uplink.
func buildAct01(dev *session.EndDevice) *teststep.TestManager {
	waitActOk := steps.NewWaitActOk("wait_act_ok", nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, waitActOk)

	tm := teststep.NewTestManager("td_lorawan_act_01", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Wait for the ABP-activated DUT's first uplink and reply with the activation payload.")
	tm.AddStepDescription("wait_act_ok", "Confirm the DUT echoes the downlink counter on the activation FPort.")
	return tm
}

// buildAct02 certifies OTAA activation with a non-default RX1 offset and
// RX2 data rate negotiated in the Join-Accept's DLSettings.
func buildAct02(dev *session.EndDevice) *teststep.TestManager {
	waitActOk := steps.NewWaitActOk("wait_act_ok", nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, waitActOk)
	join := steps.NewJoinRequestHandlerStep("join_request", lorawan.DLSettings{RX1DROffset: 2, RX2DataRate: 3}, 3, nil, activate)

	tm := teststep.NewTestManager("td_lorawan_act_02", dev, join)
	tm.AddStepDescription("join_request", "Accept the join with a non-default RX1DROffset/RX2DataRate and schedule the reply using the session's previous MAC parameters.")
	tm.AddStepDescription("wait_data_to_activate", "Wait for the joined DUT's first data uplink under the new parameters.")
	tm.AddStepDescription("wait_act_ok", "Confirm the DUT echoes the downlink counter on the activation FPort.")
	return tm
}

// buildAct04 certifies OTAA activation that negotiates extra channels via
// the Join-Accept's CFList.
func buildAct04(dev *session.EndDevice) *teststep.TestManager {
	waitActOk := steps.NewWaitActOk("wait_act_ok", nil)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, waitActOk)
	extraChannels := []uint32{867_100_000, 867_300_000, 867_500_000}
	freqCheck := steps.NewFrequencyCheck("frequency_check", activate)
	join := steps.NewJoinRequestHandlerStep("join_request", lorawan.DLSettings{}, 1, extraChannels, freqCheck)

	tm := teststep.NewTestManager("td_lorawan_act_04", dev, join)
	tm.AddStepDescription("join_request", "Accept the join and negotiate 3 extra channels via CFList.")
	tm.AddStepDescription("frequency_check", "Require an uplink on every negotiated channel before activation proceeds.")
	tm.AddStepDescription("wait_data_to_activate", "Wait for a data uplink and reply with the activation payload.")
	tm.AddStepDescription("wait_act_ok", "Confirm the DUT echoes the downlink counter on the activation FPort.")
	return tm
}

// buildAct05 certifies OTAA re-join restoring default MAC parameters (no
// RX1/RX2 offset, no extra CFList channels) after a device previously held
// non-default negotiated state.
func buildAct05(dev *session.EndDevice) *teststep.TestManager {
	previousCustomChannels := []uint32{867_100_000, 867_300_000, 867_500_000}
	waitActOk := steps.NewWaitActOk("wait_act_ok", nil)
	noStaleChannels := steps.NewForbiddenFrequency("forbidden_frequency_check", dev, previousCustomChannels, waitActOk)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, noStaleChannels)
	join := steps.NewJoinRequestHandlerStep("join_request", lorawan.DLSettings{}, 1, nil, activate)

	tm := teststep.NewTestManager("td_lorawan_act_05", dev, join)
	tm.AddStepDescription("join_request", "Accept a re-join carrying the default DLSettings, restoring RX1DROffset=0/RX2DataRate=0 and no extra channels.")
	tm.AddStepDescription("wait_data_to_activate", "Wait for a data uplink and reply with the activation payload.")
	tm.AddStepDescription("forbidden_frequency_check", "Require the DUT stop using any custom channel from a prior session once defaults are restored.")
	tm.AddStepDescription("wait_act_ok", "Confirm the DUT echoes the downlink counter on the activation FPort.")
	return tm
}
