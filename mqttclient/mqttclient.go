// Package mqttclient implements the MQTT client state machine of
// spec.md §4.4: a cyclic starting/connected/waiting-reconnect/
// disconnected task riding on top of a netcore.Handle, with an
// outbox that owns publish/subscribe/unsubscribe retry and
// expiry policy.
//
// The phase-cycling, channel-driven select loop is grounded on
// npi_linkmgr.go's RunNPI-adjacent control loop; the dedicated
// reader-goroutine-feeding-a-channel shape used in the connected
// phase is grounded on npi_phy.go's npiPhyReader/npiPhyWriter split.
package mqttclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Phase is one of the four cyclic MQTT task phases of spec.md §4.4.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseConnected
	PhaseWaitingReconnect
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseConnected:
		return "connected"
	case PhaseWaitingReconnect:
		return "waiting-reconnect"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// EventType enumerates the events a Client delivers to its caller.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventData
	EventPublished
	EventSubscribed
	EventUnsubscribed
	EventDeleted
)

// Event is one notification delivered on the Client's event channel.
type Event struct {
	Type    EventType
	Err     error
	Topic   string
	Payload []byte
	Qos     byte
	MsgID   uint16
}

// Transport is the subset of netcore.Handle's contract the client
// needs: blocking-with-timeout send/recv and a close. Abstracted so
// tests can substitute an in-memory duplex without a real socket.
type Transport interface {
	Send(buf []byte, timeout time.Duration) error
	Recv(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Dialer opens a fresh Transport to the configured broker, performing
// whatever TLS handshake the caller's netcore.Handle was initialised
// with.
type Dialer func(ctx context.Context, timeout time.Duration) (Transport, error)

// Config holds the tunables of spec.md §4.4's keep-alive/reconnect/
// outbox policy.
type Config struct {
	ClientID          string
	Username          string
	Password          string
	CleanSession      bool
	ProtocolVersion   byte // 3 (MQTT 3.1) or 4 (3.1.1)
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	// DisableAutoReconnect stops the task in the disconnected phase
	// instead of cycling back to starting after a lost connection. The
	// zero value (false) means auto-reconnect is on, matching spec.md
	// §4.4 phase 3's default and §6's disable_auto_reconnect polarity.
	DisableAutoReconnect bool
	OutboxResend         time.Duration
	OutboxExpire         time.Duration
	OutboxLimit          int
	PingTimeout          time.Duration
	PingTries            int

	// Will, if non-nil, is sent as the CONNECT packet's last-will-and-
	// testament (spec.md §6's "last will").
	Will *Will
}

// Will describes the last-will-and-testament message the broker
// publishes on this client's behalf if the connection drops
// ungracefully (spec.md §6).
type Will struct {
	Topic   string
	Message []byte
	Qos     byte
	Retain  bool
}

func (c Config) withDefaults() Config {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.OutboxResend == 0 {
		c.OutboxResend = 5 * time.Second
	}
	if c.OutboxExpire == 0 {
		c.OutboxExpire = 60 * time.Second
	}
	if c.OutboxLimit == 0 {
		c.OutboxLimit = 32
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.PingTries == 0 {
		c.PingTries = 3
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = 4
	}
	return c
}

var (
	ErrOutboxFull   = errors.New("mqttclient: outbox full")
	ErrNotConnected = errors.New("mqttclient: not connected")
	ErrPingTimeout  = errors.New("mqttclient: no PINGRESP within keep-alive budget")
)

// Client drives the four-phase MQTT task. One mutex protects both the
// outbox and the phase field, per spec.md §5's "Each MQTT client has
// one mutex protecting the outbox and the state field."
type Client struct {
	cfg    Config
	dial   Dialer
	events chan<- Event

	mu     sync.Mutex
	phase  Phase
	outbox []*outboxEntry
	nextID uint16

	conn Transport

	forceReconnect chan struct{}
	forceStop      chan struct{}
}

// NewClient builds a client that dials through dial and delivers
// events on events (the caller should keep it drained; a nil channel
// means events are dropped).
func NewClient(cfg Config, dial Dialer, events chan<- Event) *Client {
	return &Client{
		cfg:            cfg.withDefaults(),
		dial:           dial,
		events:         events,
		phase:          PhaseStarting,
		forceReconnect: make(chan struct{}, 1),
		forceStop:      make(chan struct{}, 1),
	}
}

func (c *Client) emit(ev Event) {
	if c.events == nil {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// Phase returns the client's current phase.
func (c *Client) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// ForceReconnect requests an immediate reconnect from waiting-reconnect
// or disconnected phase.
func (c *Client) ForceReconnect() {
	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
}

// ForceStop asks the task to stop. From the connected phase the client
// sends DISCONNECT and moves to the disconnected phase; from
// waiting-reconnect it moves to the disconnected phase; in the
// disconnected phase it makes Run return.
func (c *Client) ForceStop() {
	select {
	case c.forceStop <- struct{}{}:
	default:
	}
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run drives the phase cycle until ctx is cancelled or ForceStop is
// called from the disconnected phase.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch c.Phase() {
		case PhaseStarting:
			c.runStarting(ctx)
		case PhaseConnected:
			c.runConnected(ctx)
		case PhaseWaitingReconnect:
			c.runWaitingReconnect(ctx)
		case PhaseDisconnected:
			if !c.runDisconnected(ctx) {
				return
			}
		}
	}
}

func (c *Client) runStarting(ctx context.Context) {
	conn, err := c.dial(ctx, c.cfg.ConnectTimeout)
	if err != nil {
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.setPhase(PhaseWaitingReconnect)
		return
	}

	connect := buildConnect(c.cfg)
	wire, err := serialize(connect)
	if err != nil {
		conn.Close()
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.setPhase(PhaseWaitingReconnect)
		return
	}
	if err := conn.Send(wire, c.cfg.ConnectTimeout); err != nil {
		conn.Close()
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.setPhase(PhaseWaitingReconnect)
		return
	}

	ack, err := readOnePacket(conn, c.cfg.ConnectTimeout)
	if err != nil {
		conn.Close()
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.setPhase(PhaseWaitingReconnect)
		return
	}
	cack, ok := ack.(*packets.ConnackPacket)
	if !ok {
		conn.Close()
		c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("mqttclient: expected CONNACK")})
		c.setPhase(PhaseWaitingReconnect)
		return
	}
	if cack.ReturnCode != 0 {
		conn.Close()
		c.emit(Event{Type: EventDisconnected, Err: fmt.Errorf("mqttclient: CONNACK rejected, code %d", cack.ReturnCode)})
		c.setPhase(PhaseWaitingReconnect)
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.emit(Event{Type: EventConnected})
	c.setPhase(PhaseConnected)
}

func (c *Client) runWaitingReconnect(ctx context.Context) {
	timer := time.NewTimer(c.cfg.ReconnectInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	case <-c.forceReconnect:
	case <-c.forceStop:
		c.setPhase(PhaseDisconnected)
		return
	}
	if c.cfg.DisableAutoReconnect {
		c.setPhase(PhaseDisconnected)
		return
	}
	c.setPhase(PhaseStarting)
}

func (c *Client) runDisconnected(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.forceStop:
		return false
	case <-c.forceReconnect:
		c.setPhase(PhaseStarting)
		return true
	}
}
