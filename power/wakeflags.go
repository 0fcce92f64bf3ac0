package power

// WakeFlag is a bit in the post-wake cause bitmask (spec.md §3/§4.2).
// Bit positions pinned against
// _examples/original_source/.../pwr_manager.h's PWR_WAKEUP_FLAG_*
// defines.
type WakeFlag uint32

const (
	WakeStandbyExit WakeFlag = 1 << 0
	WakeStop2Exit   WakeFlag = 1 << 1
	WakeRTCTiming   WakeFlag = 1 << 2
	WakeRTCAlarmA   WakeFlag = 1 << 3
	WakeRTCAlarmB   WakeFlag = 1 << 4
	WakeConfigKey   WakeFlag = 1 << 5
	WakePIRHigh     WakeFlag = 1 << 6
	WakePIRLow      WakeFlag = 1 << 7
	WakePIRRising   WakeFlag = 1 << 8
	WakePIRFalling  WakeFlag = 1 << 9
	WakeWiFiIRQ     WakeFlag = 1 << 10
	WakeNetIRQ      WakeFlag = 1 << 11
	WakeWatchdog    WakeFlag = 1 << 30
	WakeValid       WakeFlag = 1 << 31
)

// HardwareReadBack abstracts the MCU registers the wake-flag decoder
// inspects: reset-cause registers, RTC alarm/wake flags, and the
// "last-sleep wake-mask" the manager itself wrote to the RTC backup
// register before the prior sleep entry (spec.md §4.2).
//
// A real target implements this against STM32 RCC/RTC/PWR registers;
// tests use a fake to exercise the decode/cache/clear logic without
// hardware.
type HardwareReadBack interface {
	// ResetCause returns the raw wake/reset flags as the hardware
	// reports them, before cross-checking against the armed mask.
	ResetCause() WakeFlag
	// ArmedMask returns the wake-source mask the caller had asked to be
	// wakeable on, as persisted across the sleep transition (spec.md
	// §6's "Persisted state").
	ArmedMask() WakeFlag
	// ClearHardwareFlags resets the underlying hardware flags so they
	// are not double-reported on the next decode.
	ClearHardwareFlags()
}

// Manager owns the cached, process-wide wake-flag bitmask and the
// rail controller, per spec.md §4.2 / §9's "Global state to
// eliminate" note: the cache lives inside this handle, not a
// file-scoped static.
type Manager struct {
	Rails *RailController
	hw    HardwareReadBack

	cached WakeFlag
	valid  bool
}

// NewManager binds a rail controller and the hardware read-back
// abstraction.
func NewManager(rails *RailController, hw HardwareReadBack) *Manager {
	return &Manager{Rails: rails, hw: hw}
}

// WakeFlags decodes (lazily, then caches) why the MCU last left
// low-power state. Cross-checks the hardware reset cause against the
// mask the caller had actually armed, and clears the underlying
// hardware flags once read, per spec.md §4.2.
func (m *Manager) WakeFlags() WakeFlag {
	if m.valid {
		return m.cached
	}
	raw := m.hw.ResetCause()
	armed := m.hw.ArmedMask()
	// Only report wake sources that were actually armed, plus the
	// unconditional bits (standby/stop2 exit and watchdog always apply
	// regardless of what was armed).
	decoded := raw & (armed | WakeStandbyExit | WakeStop2Exit | WakeWatchdog)
	decoded |= WakeValid
	m.hw.ClearHardwareFlags()
	m.cached = decoded
	m.valid = true
	return m.cached
}

// ClearFlags drops the cached decode, forcing the next WakeFlags call
// to re-derive it (spec.md §3: "cached process-wide until the owner
// calls clear").
func (m *Manager) ClearFlags() {
	m.valid = false
	m.cached = 0
}
