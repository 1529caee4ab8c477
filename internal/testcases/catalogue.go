// Package testcases is the catalogue of conformance test-case step chains,
// each built fresh for one device session by name.
package testcases

import (
	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

type builder func(dev *session.EndDevice) *teststep.TestManager

var registry = map[string]builder{
	"td_lorawan_act_01": buildAct01,
	"td_lorawan_act_02": buildAct02,
	"td_lorawan_act_04": buildAct04,
	"td_lorawan_act_05": buildAct05,

	"td_lorawan_fun_01": buildFun01,
	"td_lorawan_fun_02": buildFun02,
	"td_lorawan_fun_03": buildFun03,
	"td_lorawan_fun_04": buildFun04,
	"td_lorawan_fun_05": buildFun05,
	"td_lorawan_fun_06": buildFun06,

	"td_lorawan_mac_01": buildMac01,
	"td_lorawan_mac_02": buildMac02,
	"td_lorawan_mac_03": buildMac03,
	"td_lorawan_mac_04": buildMac04,
	"td_lorawan_mac_05": buildMac05,

	"td_lorawan_sec_01": buildSec01,
	"td_lorawan_sec_02": buildSec02,

	"td_lorawan_reset":      buildReset,
	"td_lorawan_deactivate": buildDeactivate,
}

// Build returns a freshly-wired TestManager for testCase bound to dev, or an
// UnknownTestError if no such case is registered.
func Build(testCase string, dev *session.EndDevice) (*teststep.TestManager, error) {
	b, ok := registry[testCase]
	if !ok {
		return nil, &teststep.UnknownTestError{TestCase: testCase}
	}
	return b(dev), nil
}

// Names lists every registered test-case name, for the TAS's test-plan
// listing endpoint.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
