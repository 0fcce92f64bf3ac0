package bridge

import (
	"encoding/binary"

	"github.com/fieldcam/aicam-node/bridge/bridgeerr"
)

// Well-known command payloads, packed little-endian per spec.md §6.
// Field layouts are pinned against
// _examples/original_source/.../ms_bridging.h's ms_bridging_time_t,
// ms_bridging_alarm_t, ms_bridging_power_ctrl_t and
// ms_bridging_pir_cfg_t structs (reproduced as byte layout, not as C
// struct declarations).

// RTCTime is the 9-byte time record used by GET_TIME/SET_TIME.
type RTCTime struct {
	Year    uint16 // full year, e.g. 2024
	Month   uint8  // 1-12
	Day     uint8  // 1-31
	Weekday uint8  // 1-7
	Hour    uint8
	Minute  uint8
	Second  uint8
}

func (t RTCTime) encode() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint16(buf[0:2], t.Year)
	buf[2] = t.Month
	buf[3] = t.Day
	buf[4] = t.Weekday
	buf[5] = t.Hour
	buf[6] = t.Minute
	buf[7] = t.Second
	// buf[8] reserved/padding, left zero.
	return buf
}

func decodeRTCTime(buf []byte) (RTCTime, error) {
	if len(buf) < 9 {
		return RTCTime{}, bridgeerr.ErrInvalidSize
	}
	return RTCTime{
		Year:    binary.LittleEndian.Uint16(buf[0:2]),
		Month:   buf[2],
		Day:     buf[3],
		Weekday: buf[4],
		Hour:    buf[5],
		Minute:  buf[6],
		Second:  buf[7],
	}, nil
}

// RTCAlarm is an absolute alarm; Weekday takes priority over Date when
// both are non-zero, per spec.md §3.
type RTCAlarm struct {
	IsValid bool
	Weekday uint8 // 1-7, 0 = disabled (higher priority than Date)
	Date    uint8 // 1-31, 0 = disabled
	Hour    uint8
	Minute  uint8
	Second  uint8
}

func (a RTCAlarm) encode() [6]byte {
	var buf [6]byte
	if a.IsValid {
		buf[0] = 1
	}
	buf[1] = a.Weekday
	buf[2] = a.Date
	buf[3] = a.Hour
	buf[4] = a.Minute
	buf[5] = a.Second
	return buf
}

func decodeRTCAlarm(buf []byte) RTCAlarm {
	return RTCAlarm{
		IsValid: buf[0] != 0,
		Weekday: buf[1],
		Date:    buf[2],
		Hour:    buf[3],
		Minute:  buf[4],
		Second:  buf[5],
	}
}

// PowerMode selects the sleep depth requested by PWR_CTRL.
type PowerMode uint8

const (
	PowerModeNormal PowerMode = iota
	PowerModeStandby
	PowerModeStop2
)

// PowerControl is the PWR_CTRL request payload.
type PowerControl struct {
	Mode        PowerMode
	SwitchBits  uint32 // rails to keep energised (power.RailMask)
	WakeupFlags uint32 // wake sources to arm (power.WakeFlag bits, request side)
	SleepSecond uint32
	AlarmA      RTCAlarm
	AlarmB      RTCAlarm
}

func (p PowerControl) encode() []byte {
	buf := make([]byte, 1+4+4+4+6+6)
	buf[0] = byte(p.Mode)
	binary.LittleEndian.PutUint32(buf[1:5], p.SwitchBits)
	binary.LittleEndian.PutUint32(buf[5:9], p.WakeupFlags)
	binary.LittleEndian.PutUint32(buf[9:13], p.SleepSecond)
	a := p.AlarmA.encode()
	copy(buf[13:19], a[:])
	b := p.AlarmB.encode()
	copy(buf[19:25], b[:])
	return buf
}

// PIRConfig is the 9-byte PIR_CFG payload.
type PIRConfig struct {
	SensitivityLevel uint8
	IgnoreTimeS      uint8
	PulseCount       uint8
	WindowTimeS      uint8
	MotionEnable     uint8
	InterruptSrc     uint8
	VoltSelect       uint8
}

func (p PIRConfig) encode() []byte {
	return []byte{
		p.SensitivityLevel, p.IgnoreTimeS, p.PulseCount, p.WindowTimeS,
		p.MotionEnable, p.InterruptSrc, p.VoltSelect, 0, 0,
	}
}

// Version is the 16-byte GET_VERSION reply payload.
type Version struct {
	Major, Minor, Patch, Build int32
}

func decodeVersion(buf []byte) (Version, error) {
	if len(buf) < 16 {
		return Version{}, bridgeerr.ErrInvalidSize
	}
	return Version{
		Major: int32(binary.LittleEndian.Uint32(buf[0:4])),
		Minor: int32(binary.LittleEndian.Uint32(buf[4:8])),
		Patch: int32(binary.LittleEndian.Uint32(buf[8:12])),
		Build: int32(binary.LittleEndian.Uint32(buf[12:16])),
	}, nil
}

func decodeUint32(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, bridgeerr.ErrInvalidSize
	}
	return binary.LittleEndian.Uint32(buf[0:4]), nil
}

// KeepAlive pings the peer with no payload.
func (h *Handler) KeepAlive() error {
	_, err := h.Request(CmdKeepAlive, nil)
	return err
}

// GetTime requests the peer's current RTC time.
func (h *Handler) GetTime() (RTCTime, error) {
	reply, err := h.Request(CmdGetTime, nil)
	if err != nil {
		return RTCTime{}, err
	}
	return decodeRTCTime(reply)
}

// SetTime pushes a new RTC time to the peer.
func (h *Handler) SetTime(t RTCTime) error {
	_, err := h.Request(CmdSetTime, t.encode())
	return err
}

// SendPowerControl issues a PWR_CTRL request (rail/wake-source arming,
// sleep-entry intent).
func (h *Handler) SendPowerControl(p PowerControl) error {
	_, err := h.Request(CmdPowerControl, p.encode())
	return err
}

// PowerStatus requests the current rail bitmask.
func (h *Handler) PowerStatus() (uint32, error) {
	reply, err := h.Request(CmdPowerStatus, nil)
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// WakeFlag requests the decoded post-wake bitmask.
func (h *Handler) WakeFlag() (uint32, error) {
	reply, err := h.Request(CmdWakeFlag, nil)
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// KeyValue requests the current button/key state.
func (h *Handler) KeyValue() (uint32, error) {
	reply, err := h.Request(CmdKeyValue, nil)
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// PIRValue requests the current PIR sensor level.
func (h *Handler) PIRValue() (uint32, error) {
	reply, err := h.Request(CmdPIRValue, nil)
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// ClearFlag clears the cached wake-flag bitmask on the peer.
func (h *Handler) ClearFlag() error {
	_, err := h.Request(CmdClearFlag, nil)
	return err
}

// ResetPeer requests a hard reset of the Main MCU.
func (h *Handler) ResetPeer() error {
	_, err := h.Request(CmdResetPeer, nil)
	return err
}

// SendPIRConfig programs the PIR analog front-end.
func (h *Handler) SendPIRConfig(cfg PIRConfig) (uint32, error) {
	reply, err := h.Request(CmdPIRConfig, cfg.encode())
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// USBVinValue requests the USB VIN ADC reading.
func (h *Handler) USBVinValue() (uint32, error) {
	reply, err := h.Request(CmdUSBVinValue, nil)
	if err != nil {
		return 0, err
	}
	return decodeUint32(reply)
}

// GetVersion requests the peer firmware version.
func (h *Handler) GetVersion() (Version, error) {
	reply, err := h.Request(CmdGetVersion, nil)
	if err != nil {
		return Version{}, err
	}
	return decodeVersion(reply)
}
