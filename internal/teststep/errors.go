package teststep

import "fmt"

// Kind identifies a node in the typed error hierarchy. Errors are
// distinguished by Kind rather than by Go type switch, matching the
// reference tool's class hierarchy while staying idiomatic (a flat set of
// sentinel-like kinds wrapped in one carrier type).
type Kind string

const (
	KindUnknownTest        Kind = "unknown_test"
	KindSessionTerminated  Kind = "session_terminated"
	KindUnknownDevice      Kind = "unknown_device"
	KindJoinRejected       Kind = "join_rejected"
	KindMACPayload         Kind = "macpayload_error"
	KindMHDR               Kind = "mhdr_error"
	KindMIC                Kind = "mic_error"
	KindFHDR               Kind = "fhdr_error"
	KindFPort              Kind = "fport_error"
	KindFRMPayload         Kind = "frmpayload_error"
	KindJoinRequest        Kind = "join_request_error"
	KindFCtrl              Kind = "fctrl_error"
	KindFCnt               Kind = "fcnt_error"
	KindUnexpectedResponse Kind = "unexpected_response"
	KindEcho               Kind = "echo_error"
	KindActokCounter       Kind = "actok_counter_error"
	KindFrequency          Kind = "frequency_error"
	KindNoMACResponse      Kind = "no_mac_response"
	KindWrongMACFormat     Kind = "wrong_mac_format"
	KindMACConfigExchange  Kind = "mac_configuration_exchange_error"
	KindTimeOut            Kind = "timeout_error"
)

// sessionKinds and conformanceKinds and interopKinds classify which
// TestFailError branch a Kind belongs to, for callers that care about the
// coarse category (e.g. deciding whether to count it against
// interoperability vs. strict conformance in a summary report).
var sessionKinds = map[Kind]bool{
	KindUnknownDevice: true,
	KindJoinRejected:  true,
}

var conformanceKinds = map[Kind]bool{
	KindMACPayload:  true,
	KindMHDR:        true,
	KindMIC:         true,
	KindFHDR:        true,
	KindFPort:       true,
	KindFRMPayload:  true,
	KindJoinRequest: true,
	KindFCtrl:       true,
	KindFCnt:        true,
}

var interopKinds = map[Kind]bool{
	KindUnexpectedResponse: true,
	KindEcho:               true,
	KindActokCounter:       true,
	KindFrequency:          true,
	KindNoMACResponse:      true,
	KindWrongMACFormat:     true,
	KindMACConfigExchange:  true,
}

// IsSessionError, IsConformanceError, IsInteroperabilityError classify a
// TestFailError's Kind per the root-cause taxonomy.
func IsSessionError(k Kind) bool          { return sessionKinds[k] }
func IsConformanceError(k Kind) bool      { return conformanceKinds[k] }
func IsInteroperabilityError(k Kind) bool { return interopKinds[k] }

// TestingToolError is the root of the error hierarchy: anything the
// coordinator can receive out of a step's BasicCheck/Handle.
type TestingToolError interface {
	error
	Kind() Kind
}

// UnknownTestError reports a requested test case name not present in the
// catalogue.
type UnknownTestError struct {
	TestCase string
}

func (e *UnknownTestError) Error() string {
	return fmt.Sprintf("teststep: unknown test case %q", e.TestCase)
}
func (e *UnknownTestError) Kind() Kind { return KindUnknownTest }

// SessionTerminatedError aborts the whole run (e.g. the bus connection was
// lost, or the DUT operator cancelled).
type SessionTerminatedError struct {
	Reason string
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("teststep: session terminated: %s", e.Reason)
}
func (e *SessionTerminatedError) Kind() Kind { return KindSessionTerminated }

// TestFailError is any failure produced while running one test case's step
// chain. It always results in a report row and a DUT reset. LastMessage is
// the raw PHYPayload bytes that triggered the failure, for the report's
// diagnostic payload.
type TestFailError struct {
	ErrKind     Kind
	Description string
	TestCase    string
	Step        string
	LastMessage []byte
}

func (e *TestFailError) Error() string {
	return fmt.Sprintf("teststep: %s failed at step %s: %s", e.TestCase, e.Step, e.Description)
}
func (e *TestFailError) Kind() Kind { return e.ErrKind }

// NewTestFailError builds a TestFailError of the given kind. TestCase/Step
// are filled in by the TestManager/coordinator as the error propagates up,
// not by the step that raises it.
func NewTestFailError(kind Kind, description string, lastMessage []byte) *TestFailError {
	return &TestFailError{ErrKind: kind, Description: description, LastMessage: lastMessage}
}
