package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/steps"
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// buildReset is the recovery case the coordinator runs after a test-case
// failure: it waits for one valid uplink to confirm the DUT is still
// reachable, then succeeds so the requested-test list can resume.
func buildReset(dev *session.EndDevice) *teststep.TestManager {
	resetStep := steps.NewResetStep("reset_wait")
	tm := teststep.NewTestManager("td_lorawan_reset", dev, resetStep)
	tm.AddStepDescription("reset_wait", "Wait for any valid uplink confirming the DUT survived the previous failure.")
	return tm
}

// buildDeactivate ends a certification run: it waits for one valid uplink,
// zeroes the downlink-counter bookkeeping, and hands the device back to the
// non-test scheduler.
func buildDeactivate(dev *session.EndDevice) *teststep.TestManager {
	deactivateStep := steps.NewDeactivateStep("deactivate_wait")
	tm := teststep.NewTestManager("td_lorawan_deactivate", dev, deactivateStep)
	tm.AddStepDescription("deactivate_wait", "Wait for a final valid uplink and release the DUT back to the non-test scheduler.")
	return tm
}
