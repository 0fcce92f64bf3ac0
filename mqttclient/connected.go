package mqttclient

import (
	"context"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// serviceTick is how often the connected phase's select loop wakes to
// drive outbox retransmission/expiry and the keep-alive ping, between
// incoming packets.
const serviceTick = 100 * time.Millisecond

// runConnected drives one connected-phase session: a dedicated reader
// goroutine decodes packets off the wire into a channel (grounded on
// npi_phy.go's npiPhyReader), while this goroutine's select loop
// dispatches them and services the outbox/keepalive on serviceTick,
// so a quiet link never starves retransmission.
func (c *Client) runConnected(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	incoming := make(chan packets.ControlPacket, 8)
	readErr := make(chan error, 1)
	stopReader := make(chan struct{})
	go func() {
		for {
			p, err := readOnePacket(conn, 2*time.Second)
			select {
			case <-stopReader:
				return
			default:
			}
			if err != nil {
				select {
				case readErr <- err:
				case <-stopReader:
				}
				return
			}
			select {
			case incoming <- p:
			case <-stopReader:
				return
			}
		}
	}()
	defer close(stopReader)
	defer conn.Close()

	ticker := time.NewTicker(serviceTick)
	defer ticker.Stop()

	lastActivity := time.Now()
	pingOutstanding := 0

	disconnect := func(err error) {
		c.emit(Event{Type: EventDisconnected, Err: err})
		c.setPhase(PhaseWaitingReconnect)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.forceStop:
			c.sendDisconnect()
			c.setPhase(PhaseDisconnected)
			return
		case <-c.forceReconnect:
			disconnect(nil)
			return

		case p := <-incoming:
			lastActivity = time.Now()
			pingOutstanding = 0
			c.dispatch(p)
			if c.Phase() != PhaseConnected {
				return
			}

		case err := <-readErr:
			disconnect(err)
			return

		case <-ticker.C:
			if err := c.serviceOutbox(); err != nil {
				disconnect(err)
				return
			}
			idle := time.Since(lastActivity)
			if idle >= c.cfg.KeepAlive && c.cfg.KeepAlive > 0 {
				if pingOutstanding >= c.cfg.PingTries {
					disconnect(ErrPingTimeout)
					return
				}
				wire, err := serialize(buildPingreq())
				if err != nil {
					disconnect(err)
					return
				}
				if err := conn.Send(wire, c.cfg.PingTimeout); err != nil {
					disconnect(err)
					return
				}
				pingOutstanding++
				lastActivity = time.Now()
			}
		}
	}
}

func (c *Client) sendDisconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if wire, err := serialize(buildDisconnect()); err == nil {
		_ = conn.Send(wire, c.cfg.ConnectTimeout)
	}
}

// dispatch routes one decoded packet per spec.md §4.4's packet table.
func (c *Client) dispatch(p packets.ControlPacket) {
	switch pkt := p.(type) {
	case *packets.PublishPacket:
		c.handleIncomingPublish(pkt)
	case *packets.PubackPacket:
		c.mu.Lock()
		c.removeEntry(pkt.MessageID)
		c.mu.Unlock()
		c.emit(Event{Type: EventPublished, MsgID: pkt.MessageID})
	case *packets.PubrecPacket:
		c.handlePubrec(pkt.MessageID)
	case *packets.PubrelPacket:
		c.handlePubrel(pkt.MessageID)
	case *packets.PubcompPacket:
		c.mu.Lock()
		c.removeEntry(pkt.MessageID)
		c.mu.Unlock()
		c.emit(Event{Type: EventPublished, MsgID: pkt.MessageID})
	case *packets.SubackPacket:
		c.mu.Lock()
		c.removeEntry(pkt.MessageID)
		c.mu.Unlock()
		c.emit(Event{Type: EventSubscribed, MsgID: pkt.MessageID})
	case *packets.UnsubackPacket:
		c.mu.Lock()
		c.removeEntry(pkt.MessageID)
		c.mu.Unlock()
		c.emit(Event{Type: EventUnsubscribed, MsgID: pkt.MessageID})
	case *packets.PingrespPacket:
		// keepalive accounting already reset by the caller on any
		// inbound packet.
	}
}

func (c *Client) handleIncomingPublish(pkt *packets.PublishPacket) {
	c.emit(Event{Type: EventData, Topic: pkt.TopicName, Payload: pkt.Payload, Qos: pkt.Qos, MsgID: pkt.MessageID})

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	switch pkt.Qos {
	case 0:
		// no ack.
	case 1:
		if wire, err := serialize(buildPuback(pkt.MessageID)); err == nil {
			_ = conn.Send(wire, c.cfg.ConnectTimeout)
		}
	case 2:
		if wire, err := serialize(buildPubrec(pkt.MessageID)); err == nil {
			_ = conn.Send(wire, c.cfg.ConnectTimeout)
		}
	}
}

func (c *Client) handlePubrec(id uint16) {
	c.mu.Lock()
	e := c.findEntry(id)
	if e != nil {
		e.pubrecd = true
		e.state = outboxQueued // re-service next tick to send PUBREL
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if wire, err := serialize(buildPubrel(id)); err == nil {
		_ = conn.Send(wire, c.cfg.ConnectTimeout)
	}
}

func (c *Client) handlePubrel(id uint16) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if wire, err := serialize(buildPubcomp(id)); err == nil {
		_ = conn.Send(wire, c.cfg.ConnectTimeout)
	}
}
