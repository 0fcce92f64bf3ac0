package power

import (
	"context"
	"testing"
	"time"

	"github.com/google/pio/conn/gpio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePin is a minimal gpio.PinIO implementation for tests, grounded
// on the teacher's preference for small hand-rolled test fakes over a
// mocking framework (npi_test.go's TestLink).
type fakePin struct {
	name  string
	level gpio.Level
	pull  gpio.Pull
	edge  gpio.Edge
}

func (p *fakePin) String() string                   { return p.name }
func (p *fakePin) Number() int                      { return -1 }
func (p *fakePin) Function() string                 { return "" }
func (p *fakePin) Read() gpio.Level                  { return p.level }
func (p *fakePin) Out(l gpio.Level) error            { p.level = l; return nil }
func (p *fakePin) PWM(duty int) error                { return nil }
func (p *fakePin) Pull() gpio.Pull                   { return p.pull }
func (p *fakePin) WaitForEdge(d time.Duration) bool  { return false }
func (p *fakePin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.pull = pull
	p.edge = edge
	return nil
}

func newFakeRails(t *testing.T) (*RailController, map[Rail]*fakePin) {
	t.Helper()
	fakes := map[Rail]*fakePin{
		Rail3V3:    {name: "3v3"},
		RailWiFi:   {name: "wifi"},
		RailAON:    {name: "aon"},
		RailN6Main: {name: "n6"},
		RailEXT:    {name: "ext"},
	}
	pins := make(map[Rail]gpio.PinIO, len(fakes))
	for r, p := range fakes {
		pins[r] = p
	}
	rc, err := NewRailController(pins)
	require.NoError(t, err)
	return rc, fakes
}

func TestRailControllerSetGet(t *testing.T) {
	rc, fakes := newFakeRails(t)
	rc.Set(Rail3V3 | RailAON)

	assert.Equal(t, gpio.High, fakes[Rail3V3].level)
	assert.Equal(t, gpio.High, fakes[RailAON].level)
	assert.Equal(t, gpio.Low, fakes[RailWiFi].level)

	assert.Equal(t, Rail3V3|RailAON, rc.Get())
}

func TestNewRailControllerRequiresAllRails(t *testing.T) {
	_, err := NewRailController(map[Rail]gpio.PinIO{Rail3V3: &fakePin{name: "3v3"}})
	assert.Error(t, err)
}

func TestAdvanceOffsetShortCircuitsToReset(t *testing.T) {
	seconds, resetNow := effectiveWakeSeconds(1)
	assert.True(t, resetNow)
	assert.Zero(t, seconds)

	seconds, resetNow = effectiveWakeSeconds(100)
	assert.False(t, resetNow)
	assert.EqualValues(t, 99, seconds)
}

type fakeRTC struct {
	programmed []uint32
}

func (f *fakeRTC) ProgramWakeTimer(seconds uint32) { f.programmed = append(f.programmed, seconds) }
func (f *fakeRTC) ProgramAlarmA(RTCAlarm)          {}
func (f *fakeRTC) ProgramAlarmB(RTCAlarm)          {}
func (f *fakeRTC) WriteBackupMask(WakeFlag)        {}

type fakeSleeper struct {
	stop2Calls int
}

func (s *fakeSleeper) EnterStandby() {}
func (s *fakeSleeper) EnterStop2()   { s.stop2Calls++ }

// TestStop2LongSleepSplit is spec.md §8 Scenario D: a 100s sleep on a
// 65535s-max RTC produces one wake arm for ~99s (100 - AdvanceOffset),
// since 99 <= RTCMaxSeconds so no further splitting is needed.
func TestStop2LongSleepSplit(t *testing.T) {
	rtc := &fakeRTC{}
	sleeper := &fakeSleeper{}
	rails, _ := newFakeRails(t)
	c := &Controller{Rails: rails, RTC: rtc, Sleeper: sleeper}

	req := SleepRequest{WakeSources: WakeRTCTiming, PeriodicWakeSeconds: 100}
	done := make(chan struct{})
	go func() {
		c.EnterStop2(context.Background(), req, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnterStop2 did not return for a sub-RTCMax interval")
	}

	require.Len(t, rtc.programmed, 1)
	assert.EqualValues(t, 99, rtc.programmed[0])
	assert.Equal(t, 1, sleeper.stop2Calls)
}

// TestStop2SplitsAcrossMultipleRTCCycles exercises a wake interval
// larger than RTCMaxSeconds, verifying the manager re-arms across
// multiple hardware wake cycles before returning.
func TestStop2SplitsAcrossMultipleRTCCycles(t *testing.T) {
	rtc := &fakeRTC{}
	sleeper := &fakeSleeper{}
	rails, _ := newFakeRails(t)
	c := &Controller{Rails: rails, RTC: rtc, Sleeper: sleeper}

	total := uint32(RTCMaxSeconds) + 100
	req := SleepRequest{WakeSources: WakeRTCTiming, PeriodicWakeSeconds: total}
	done := make(chan struct{})
	go func() {
		c.EnterStop2(context.Background(), req, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnterStop2 did not return after completing the full interval")
	}

	require.Len(t, rtc.programmed, 2, "a >RTCMax interval must split across two wake cycles")
	assert.EqualValues(t, RTCMaxSeconds, rtc.programmed[0])
	assert.Equal(t, 2, sleeper.stop2Calls)
}

func TestWakeFlagsCachedUntilCleared(t *testing.T) {
	hw := &fakeHW{resetCause: WakePIRRising, armed: WakePIRRising}
	m := NewManager(nil, hw)

	got := m.WakeFlags()
	assert.True(t, got&WakePIRRising != 0)
	assert.True(t, got&WakeValid != 0)
	assert.Equal(t, 1, hw.clearCalls)

	hw.resetCause = WakeRTCTiming // hardware changed, but cache should win
	hw.armed = WakeRTCTiming
	got2 := m.WakeFlags()
	assert.Equal(t, got, got2)
	assert.Equal(t, 1, hw.clearCalls, "second call must not re-read hardware")

	m.ClearFlags()
	got3 := m.WakeFlags()
	assert.True(t, got3&WakeRTCTiming != 0)
	assert.Equal(t, 2, hw.clearCalls)
}

func TestWakeFlagsOnlyReportsArmedSources(t *testing.T) {
	hw := &fakeHW{resetCause: WakePIRRising | WakeNetIRQ, armed: WakePIRRising}
	m := NewManager(nil, hw)
	got := m.WakeFlags()
	assert.True(t, got&WakePIRRising != 0)
	assert.False(t, got&WakeNetIRQ != 0, "a wake source never armed must not be reported")
}

type fakeHW struct {
	resetCause WakeFlag
	armed      WakeFlag
	clearCalls int
}

func (f *fakeHW) ResetCause() WakeFlag { return f.resetCause }
func (f *fakeHW) ArmedMask() WakeFlag  { return f.armed }
func (f *fakeHW) ClearHardwareFlags()  { f.clearCalls++ }
