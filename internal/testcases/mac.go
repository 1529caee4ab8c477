package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/steps"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/lorawan"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildMac01 certifies both MAC-command carriers: a DevStatusReq piggybacked
// in FOpts, followed by a NewChannelReq sent stand-alone on port 0.
func buildMac01(dev *session.EndDevice) *teststep.TestManager {
	channelAns := steps.NewNewChannelAnsCheck("new_channel_ans_check", true, nil)
	newChannel := steps.NewActOkToNewChannelReq("act_ok_to_new_channel_req", lorawan.NewChannelReq{ChIndex: 3, FreqHz: 868_700_000, MinDR: 0, MaxDR: 5}, steps.PlacementPort0, channelAns)
	devStatusAns := steps.NewDevStatusAnsCheck("dev_status_ans_check", newChannel)
	devStatus := steps.NewActOkToDevStatusReq("act_ok_to_dev_status_req", steps.PlacementFOpts, devStatusAns)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, devStatus)

	tm := teststep.NewTestManager("td_lorawan_mac_01", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_dev_status_req", "Send DevStatusReq piggybacked in FOpts.")
	tm.AddStepDescription("dev_status_ans_check", "Require a DevStatusAns in the next uplink.")
	tm.AddStepDescription("act_ok_to_new_channel_req", "Send NewChannelReq stand-alone on port 0.")
	tm.AddStepDescription("new_channel_ans_check", "Require a successful NewChannelAns.")
	return tm
}

// buildMac02 certifies the DUT drops a MAC command sent simultaneously
// piggybacked and on port 0, which the protocol forbids.
func buildMac02(dev *session.EndDevice) *teststep.TestManager {
	noResponse := steps.NewNoMACResponseCheck("no_mac_response_check", lorawan.CIDDevStatus, nil)
	devStatus := steps.NewActOkToDevStatusReq("act_ok_to_dev_status_req_malformed", steps.PlacementBoth, noResponse)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, devStatus)

	tm := teststep.NewTestManager("td_lorawan_mac_02", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_dev_status_req_malformed", "Send DevStatusReq both piggybacked and on port 0 (malformed by design).")
	tm.AddStepDescription("no_mac_response_check", "Require the DUT to drop the malformed frame, not answer it.")
	return tm
}

// buildMac03 certifies a NewChannelReq targeting a mandatory channel slot is
// rejected by the DUT.
func buildMac03(dev *session.EndDevice) *teststep.TestManager {
	channelAns := steps.NewNewChannelAnsCheck("new_channel_ans_check", false, nil)
	newChannel := steps.NewActOkToNewChannelReq("act_ok_to_new_channel_req_mandatory", lorawan.NewChannelReq{ChIndex: 0, FreqHz: 868_900_000, MinDR: 0, MaxDR: 5}, steps.PlacementFOpts, channelAns)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, newChannel)

	tm := teststep.NewTestManager("td_lorawan_mac_03", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_new_channel_req_mandatory", "Attempt to redefine mandatory channel slot 0.")
	tm.AddStepDescription("new_channel_ans_check", "Require the DUT to reject the change to a mandatory channel.")
	return tm
}

// buildMac04 certifies adding two non-mandatory channels in sequence, each
// acknowledged successfully.
func buildMac04(dev *session.EndDevice) *teststep.TestManager {
	secondAns := steps.NewNewChannelAnsCheck("new_channel_ans_check_2", true, nil)
	secondChannel := steps.NewActOkToNewChannelReq("act_ok_to_new_channel_req_2", lorawan.NewChannelReq{ChIndex: 4, FreqHz: 868_900_000, MinDR: 0, MaxDR: 5}, steps.PlacementFOpts, secondAns)
	firstAns := steps.NewNewChannelAnsCheck("new_channel_ans_check_1", true, secondChannel)
	firstChannel := steps.NewActOkToNewChannelReq("act_ok_to_new_channel_req_1", lorawan.NewChannelReq{ChIndex: 3, FreqHz: 868_700_000, MinDR: 0, MaxDR: 5}, steps.PlacementFOpts, firstAns)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, firstChannel)

	tm := teststep.NewTestManager("td_lorawan_mac_04", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_new_channel_req_1", "Add channel 3.")
	tm.AddStepDescription("new_channel_ans_check_1", "Require a successful NewChannelAns for channel 3.")
	tm.AddStepDescription("act_ok_to_new_channel_req_2", "Add channel 4.")
	tm.AddStepDescription("new_channel_ans_check_2", "Require a successful NewChannelAns for channel 4.")
	return tm
}

// buildMac05 certifies adding a single channel and verifying the DUT
// actually begins transmitting on it.
func buildMac05(dev *session.EndDevice) *teststep.TestManager {
	freqCheck := steps.NewFrequencyCheck("frequency_check", nil)
	channelAns := steps.NewNewChannelAnsCheck("new_channel_ans_check", true, freqCheck)
	newChannel := steps.NewActOkToNewChannelReq("act_ok_to_new_channel_req", lorawan.NewChannelReq{ChIndex: 3, FreqHz: 868_700_000, MinDR: 0, MaxDR: 5}, steps.PlacementFOpts, channelAns)
	activate := steps.NewWaitDataToActivate("wait_data_to_activate", nil, newChannel)

	tm := teststep.NewTestManager("td_lorawan_mac_05", dev, activate)
	tm.AddStepDescription("wait_data_to_activate", "Activate the DUT.")
	tm.AddStepDescription("act_ok_to_new_channel_req", "Add channel 3 at 868.7 MHz.")
	tm.AddStepDescription("new_channel_ans_check", "Require a successful NewChannelAns.")
	tm.AddStepDescription("frequency_check", "Require an uplink on every negotiated channel, including the new one.")
	return tm
}
