package power

import (
	"context"
	"time"

	"github.com/google/pio/conn/gpio"
)

// RTCMaxSeconds is the largest interval the RTC wake timer can count in
// one program, pinned against pwr_manager.h's PWR_RTC_WAKEUP_MAX_TIME_S
// (0xFFFF, a 16-bit timer).
const RTCMaxSeconds = 0xFFFF

// AdvanceOffset is subtracted from a requested RTC wake interval so the
// application wakes slightly before an external deadline, pinned
// against pwr_manager.h's PWR_RTC_WAKEUP_ADV_OFFSET_S (1 second).
// Requested intervals at or below this margin short-circuit to an
// immediate peer reset rather than arming the timer (spec.md §9).
const AdvanceOffset = 1 * time.Second

// RTCAlarm mirrors bridge.RTCAlarm's shape for the power package's own
// sleep-entry API (kept independent of the bridge package so power has
// no import-cycle dependency on the wire protocol).
type RTCAlarm struct {
	IsValid bool
	Weekday uint8
	Date    uint8
	Hour    uint8
	Minute  uint8
	Second  uint8
}

// SleepRequest describes one sleep-entry call (spec.md §3's transient
// "Wake-wire configuration").
type SleepRequest struct {
	WakeSources WakeFlag
	AlarmA      *RTCAlarm
	AlarmB      *RTCAlarm
	// PeriodicWakeSeconds, if > 0, arms the RTC periodic wake timer.
	// May exceed RTCMaxSeconds; STOP2 entry splits it across multiple
	// hardware wake cycles (spec.md §4.2).
	PeriodicWakeSeconds uint32
	// KeepRails stay energised across the sleep transition.
	KeepRails Rail
}

// WakePin abstracts one armable external wake source (a button or PIR
// input line), configured with a pull resistor and edge sensitivity
// before sleep entry and disarmed on wake (spec.md §4.2).
type WakePin struct {
	Pin  gpio.PinIO
	Pull gpio.Pull
	Edge gpio.Edge
}

// RTCController abstracts the RTC wake-timer/alarm registers and the
// backup register used to persist the armed wake mask across reset
// (spec.md §6's "Persisted state").
type RTCController interface {
	ProgramWakeTimer(seconds uint32)
	ProgramAlarmA(RTCAlarm)
	ProgramAlarmB(RTCAlarm)
	WriteBackupMask(WakeFlag)
}

// Sleeper performs the irreversible, platform-specific half of
// sleep-entry: driving the MCU into STANDBY (never returns) or STOP2
// (returns after the hardware sleep cycle completes).
type Sleeper interface {
	EnterStandby()
	EnterStop2()
}

// Controller ties together rail control, wake-pin arming, RTC
// programming and the platform sleep primitive — the full sleep-entry
// contract of spec.md §4.2.
type Controller struct {
	Rails    *RailController
	RTC      RTCController
	Sleeper  Sleeper
	WakePins map[WakeFlag]WakePin
}

func (c *Controller) armWakePins(req SleepRequest) {
	for flag, wp := range c.WakePins {
		if req.WakeSources&flag == 0 {
			continue
		}
		_ = wp.Pin.In(wp.Pull, wp.Edge)
	}
}

func (c *Controller) disarmWakePins() {
	for _, wp := range c.WakePins {
		_ = wp.Pin.In(gpio.Float, gpio.None)
	}
}

// effectiveWakeSeconds applies the ADV_OFFSET margin. A request at or
// below the margin returns (0, true) meaning "reset now" rather than
// program the timer, per spec.md §9.
func effectiveWakeSeconds(requested uint32) (seconds uint32, resetNow bool) {
	if requested == 0 {
		return 0, false
	}
	margin := uint32(AdvanceOffset / time.Second)
	if requested <= margin {
		return 0, true
	}
	return requested - margin, false
}

func (c *Controller) programRTC(req SleepRequest, seconds uint32) {
	if seconds > 0 {
		c.RTC.ProgramWakeTimer(seconds)
	}
	if req.AlarmA != nil && req.AlarmA.IsValid {
		c.RTC.ProgramAlarmA(*req.AlarmA)
	}
	if req.AlarmB != nil && req.AlarmB.IsValid {
		c.RTC.ProgramAlarmB(*req.AlarmB)
	}
	c.RTC.WriteBackupMask(req.WakeSources)
}

// EnterStandby arms wake sources/RTC and drops into STANDBY, the
// lowest-power, state-losing mode. Per spec.md §4.2 this does not
// return on success; on a platform where it does return, the caller
// observes a normal return and must retry (GPIO failures on standby
// entry are not reportable).
func (c *Controller) EnterStandby(req SleepRequest) {
	seconds, resetNow := effectiveWakeSeconds(req.PeriodicWakeSeconds)
	if resetNow {
		// Below the margin: behave as an immediate reset rather than a
		// sleep, per spec.md §9.
		c.RTC.WriteBackupMask(req.WakeSources)
		c.Sleeper.EnterStandby()
		return
	}
	c.armWakePins(req)
	c.programRTC(req, seconds)
	c.Sleeper.EnterStandby()
}

// EnterStop2 arms wake sources/RTC, de-energises non-kept rails and
// UARTs, enters STOP2, then on wake restores clocks/UARTs/rails and
// disarms wake pins. If the periodic wake interval exceeds
// RTCMaxSeconds, it loops across multiple hardware wake cycles
// (spec.md §4.2's long-sleep split) without returning to the caller
// until the full interval has elapsed.
//
// reinitUART is invoked once per hardware wake cycle, after the RTC
// timer re-arm but before control returns (or before the next sleep
// iteration) — it is the caller's hook to re-init UARTs and re-arm the
// bridging receiver, per spec.md §4.2.
func (c *Controller) EnterStop2(ctx context.Context, req SleepRequest, reinitUART func()) {
	seconds, resetNow := effectiveWakeSeconds(req.PeriodicWakeSeconds)
	if resetNow {
		c.RTC.WriteBackupMask(req.WakeSources)
		return
	}

	c.Rails.Set(req.KeepRails)
	c.armWakePins(req)

	remaining := seconds
	for {
		select {
		case <-ctx.Done():
			c.disarmWakePins()
			return
		default:
		}
		chunk := remaining
		if chunk > RTCMaxSeconds {
			chunk = RTCMaxSeconds
		}
		c.programRTC(req, chunk)
		c.Sleeper.EnterStop2()
		if reinitUART != nil {
			reinitUART()
		}
		if remaining <= RTCMaxSeconds {
			break
		}
		remaining -= chunk
	}
	c.disarmWakePins()
	c.Rails.Set(DefaultRails | req.KeepRails)
}
