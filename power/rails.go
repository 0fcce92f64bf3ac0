// Package power implements the Wake MCU's power-domain and wake-source
// manager described in spec.md §4.2: per-rail on/off control, deep-sleep
// entry (STANDBY/STOP2), and post-wake flag decoding.
//
// Rail and wake-pin control is grounded on github.com/google/pio's
// conn/gpio package (gpio.PinIO), the same dependency
// maruel-go-lepton — also present in the retrieved pack — uses to
// drive its own GPIO lines. Bit positions for rails and wake flags are
// pinned against _examples/original_source/.../pwr_manager.h.
package power

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/pio/conn/gpio"
)

// Rail identifies one of the five named power domains (spec.md §3).
type Rail uint32

const (
	Rail3V3 Rail = 1 << iota
	RailWiFi
	RailAON
	RailN6Main
	RailEXT
)

// DefaultRails is the set energised by default, per spec.md §3.
const DefaultRails = Rail3V3 | RailAON | RailN6Main

var railNames = map[Rail]string{
	Rail3V3:    "3v3",
	RailWiFi:   "wifi",
	RailAON:    "aon",
	RailN6Main: "n6",
	RailEXT:    "ext",
}

func (r Rail) String() string {
	if name, ok := railNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Rail(%#x)", uint32(r))
}

// AllRails enumerates every rail in a stable order, for iteration.
var AllRails = []Rail{Rail3V3, RailWiFi, RailAON, RailN6Main, RailEXT}

// RailController drives the five power-rail GPIOs. set/get operations
// are best-effort per spec.md §4.2 ("GPIO failures are not reportable
// on the hardware the source targets"); errors are logged, not
// propagated, except for a missing pin mapping, which is a
// configuration bug worth surfacing at construction time.
type RailController struct {
	mu   sync.Mutex
	pins map[Rail]gpio.PinIO
}

// NewRailController binds a gpio.PinIO to each rail. Every rail in
// AllRails must have an entry in pins.
func NewRailController(pins map[Rail]gpio.PinIO) (*RailController, error) {
	for _, r := range AllRails {
		if pins[r] == nil {
			return nil, fmt.Errorf("power: missing GPIO pin for rail %s", r)
		}
	}
	return &RailController{pins: pins}, nil
}

// Set drives each rail's pin high or low according to mask. Idempotent.
func (c *RailController) Set(mask Rail) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range AllRails {
		level := gpio.Low
		if mask&r != 0 {
			level = gpio.High
		}
		if err := c.pins[r].Out(level); err != nil {
			log.Printf("power: set rail %s: %v", r, err) // best-effort; see type doc.
		}
	}
}

// Get reads back the current rail states as a bitmask.
func (c *RailController) Get() Rail {
	c.mu.Lock()
	defer c.mu.Unlock()
	var mask Rail
	for _, r := range AllRails {
		if c.pins[r].Read() == gpio.High {
			mask |= r
		}
	}
	return mask
}
