package steps

import (
	"fmt"
	"math"

	"github.com/pablomodernell/lorawan-conformance-testing/internal/teststep"
	"github.com/pablomodernell/lorawan-conformance-testing/pkg/session"
)

// CountingStep self-loops on successive ActOk uplinks until Limit have been
// observed, then advances. No downlink is sent between iterations, so the
// DUT must keep echoing the same, unchanged downlink counter value.
type CountingStep struct {
	teststep.BaseStep
	Limit int
	Next  teststep.Step
	count int
}

func NewCountingStep(name string, limit int, next teststep.Step) *CountingStep {
	return &CountingStep{BaseStep: teststep.BaseStep{StepName: name}, Limit: limit, Next: next}
}

func (s *CountingStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	s.count++
	if s.count >= s.Limit {
		return s.Next, nil
	}
	return s, nil
}

// TimedCountingStep behaves like CountingStep but additionally requires
// each repeated ActOk's uplink timestamp to land within ToleranceUs of
// ExpectedGapUs after the previous one, catching a DUT that drifts outside
// its negotiated RX1/RX2 retransmission cadence.
type TimedCountingStep struct {
	teststep.BaseStep
	Limit         int
	ExpectedGapUs int64
	ToleranceUs   int64
	Next          teststep.Step
	count         int
	lastTmst      *uint32
}

func NewTimedCountingStep(name string, limit int, expectedGapUs, toleranceUs int64, next teststep.Step) *TimedCountingStep {
	return &TimedCountingStep{BaseStep: teststep.BaseStep{StepName: name}, Limit: limit, ExpectedGapUs: expectedGapUs, ToleranceUs: toleranceUs, Next: next}
}

func (s *TimedCountingStep) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if err := checkActOk(ctx, dev, raw); err != nil {
		return nil, err
	}
	if s.lastTmst != nil {
		delta := int64(ctx.Uplink.Tmst - *s.lastTmst)
		if delta < s.ExpectedGapUs-s.ToleranceUs || delta > s.ExpectedGapUs+s.ToleranceUs {
			return nil, teststep.NewTestFailError(teststep.KindTimeOut, fmt.Sprintf("retransmission gap %dus outside %dus +/- %dus", delta, s.ExpectedGapUs, s.ToleranceUs), raw)
		}
	}
	t := ctx.Uplink.Tmst
	s.lastTmst = &t
	s.count++
	if s.count >= s.Limit {
		return s.Next, nil
	}
	return s, nil
}

// FrequencyCheck tracks which of the device's negotiated channels have been
// used by an uplink, transitioning to Next once every one has been seen at
// least once, or failing once 5x the channel count has elapsed without full
// coverage.
type FrequencyCheck struct {
	teststep.BaseStep
	Next         teststep.Step
	seen         map[uint32]bool
	messageCount int
}

// NewFrequencyCheck defers reading the session's channel plan until the
// first uplink is delivered, not construction time: steps earlier in the
// same chain (a join's CFList, a NewChannelReq) may still be negotiating
// new channels when the chain is built.
func NewFrequencyCheck(name string, next teststep.Step) *FrequencyCheck {
	return &FrequencyCheck{BaseStep: teststep.BaseStep{StepName: name}, Next: next}
}

func (s *FrequencyCheck) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	if s.seen == nil {
		s.seen = make(map[uint32]bool)
		for _, f := range dev.Channels.UsedFrequencies() {
			s.seen[f] = false
		}
	}
	freqHz := uint32(math.Round(ctx.Uplink.Freq * 1e6))
	if _, ok := s.seen[freqHz]; ok {
		s.seen[freqHz] = true
	}
	s.messageCount++

	allSeen := true
	for _, v := range s.seen {
		if !v {
			allSeen = false
			break
		}
	}
	if allSeen {
		return s.Next, nil
	}
	if s.messageCount >= 5*len(s.seen) {
		return nil, teststep.NewTestFailError(teststep.KindFrequency, fmt.Sprintf("not all %d channels used after %d uplinks", len(s.seen), s.messageCount), raw)
	}
	return s, nil
}

// ForbiddenFrequency fails the test case outright if an uplink arrives on
// one of the given frequencies, and otherwise advances once 3x the device's
// channel count of clean uplinks have been observed.
type ForbiddenFrequency struct {
	teststep.BaseStep
	forbidden map[uint32]bool
	limit     int
	Next      teststep.Step
	count     int
}

func NewForbiddenFrequency(name string, dev *session.EndDevice, forbiddenHz []uint32, next teststep.Step) *ForbiddenFrequency {
	m := make(map[uint32]bool)
	for _, f := range forbiddenHz {
		m[f] = true
	}
	return &ForbiddenFrequency{
		BaseStep:  teststep.BaseStep{StepName: name},
		forbidden: m,
		limit:     3 * len(dev.Channels.UsedFrequencies()),
		Next:      next,
	}
}

func (s *ForbiddenFrequency) Handle(ctx *teststep.Context, dev *session.EndDevice, raw []byte) (teststep.Step, error) {
	freqHz := uint32(math.Round(ctx.Uplink.Freq * 1e6))
	if s.forbidden[freqHz] {
		return nil, teststep.NewTestFailError(teststep.KindFrequency, fmt.Sprintf("uplink received on forbidden frequency %d Hz", freqHz), raw)
	}
	s.count++
	if s.count >= s.limit {
		return s.Next, nil
	}
	return s, nil
}
