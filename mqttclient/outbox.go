package mqttclient

import "time"

// serviceOutbox transmits freshly-queued entries, resends stale
// transmitted ones with DUP set, and expires entries that have
// outlived cfg.OutboxExpire without a terminal ack — spec.md §9's
// resolved delete-on-ack/expire-on-timeout policy.
func (c *Client) serviceOutbox() error {
	c.mu.Lock()
	conn := c.conn
	now := time.Now()
	type job struct {
		wire []byte
		id   uint16
		drop bool
	}
	var jobs []job

	for _, e := range c.outbox {
		switch e.state {
		case outboxQueued:
			wire, err := c.encodeForTransmit(e, false)
			if err != nil {
				c.mu.Unlock()
				return err
			}
			e.state = outboxTransmitted
			e.sentAt = now
			jobs = append(jobs, job{wire: wire, id: e.msgID})
			if e.kind == kindPublish && e.qos == 0 {
				jobs[len(jobs)-1].drop = true
			}
		case outboxTransmitted:
			if now.Sub(e.created) >= c.cfg.OutboxExpire {
				jobs = append(jobs, job{id: e.msgID, drop: true})
				continue
			}
			if now.Sub(e.sentAt) >= c.cfg.OutboxResend {
				wire, err := c.encodeForTransmit(e, true)
				if err != nil {
					c.mu.Unlock()
					return err
				}
				e.sentAt = now
				jobs = append(jobs, job{wire: wire, id: e.msgID})
			}
		}
	}
	c.mu.Unlock()

	for _, j := range jobs {
		if j.wire != nil && conn != nil {
			if err := conn.Send(j.wire, c.cfg.ConnectTimeout); err != nil {
				return err
			}
		}
		if j.drop {
			c.mu.Lock()
			c.removeEntry(j.id)
			c.mu.Unlock()
			if j.wire != nil {
				c.emit(Event{Type: EventPublished, MsgID: j.id})
			} else {
				c.emit(Event{Type: EventDeleted, MsgID: j.id})
			}
		}
	}
	return nil
}

// encodeForTransmit builds the wire form of e's next outbound packet.
// dup marks a resend (sets the PUBLISH DUP flag; subscribe/unsubscribe
// have no DUP bit and are simply re-sent verbatim). Caller holds c.mu.
func (c *Client) encodeForTransmit(e *outboxEntry, dup bool) ([]byte, error) {
	switch e.kind {
	case kindPublish:
		if e.pubrecd {
			return serialize(buildPubrel(e.msgID))
		}
		return serialize(buildPublish(e, dup))
	case kindSubscribe:
		return serialize(buildSubscribe(e))
	case kindUnsubscribe:
		return serialize(buildUnsubscribe(e))
	default:
		return nil, nil
	}
}

// outboxState tracks where one queued packet is in its retry lifecycle.
type outboxState int

const (
	outboxQueued outboxState = iota
	outboxTransmitted
)

type msgKind int

const (
	kindPublish msgKind = iota
	kindSubscribe
	kindUnsubscribe
)

// outboxEntry is one pending publish/subscribe/unsubscribe awaiting
// transmission or acknowledgement. Per spec.md §9's resolved outbox
// policy: an entry is deleted the instant its terminal ack arrives
// (PUBACK for QoS1, PUBCOMP for QoS2, SUBACK, UNSUBACK) and expired
// (dropped, EventDeleted) if OutboxExpire elapses without one.
type outboxEntry struct {
	kind    msgKind
	msgID   uint16
	state   outboxState
	created time.Time
	sentAt  time.Time

	// publish fields
	topic   string
	payload []byte
	qos     byte
	retain  bool
	pubrecd bool // QoS2: PUBREC seen, PUBREL sent, awaiting PUBCOMP

	// subscribe/unsubscribe fields
	topics []string
	qoss   []byte
}

// allocMsgID returns the next message id, a 16-bit counter that skips
// zero (reserved for packets with no identifier), per spec.md §4.4.
// Caller holds c.mu.
func (c *Client) allocMsgID() uint16 {
	c.nextID++
	if c.nextID == 0 {
		c.nextID = 1
	}
	return c.nextID
}

// enqueue appends e to the outbox, bounded by cfg.OutboxLimit.
// Caller holds c.mu.
func (c *Client) enqueue(e *outboxEntry) error {
	if len(c.outbox) >= c.cfg.OutboxLimit {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, e)
	return nil
}

// findEntry locates a transmitted entry by message id. Caller holds c.mu.
func (c *Client) findEntry(id uint16) *outboxEntry {
	for _, e := range c.outbox {
		if e.msgID == id {
			return e
		}
	}
	return nil
}

// removeEntry drops the entry with the given message id. Caller holds c.mu.
func (c *Client) removeEntry(id uint16) {
	for i, e := range c.outbox {
		if e.msgID == id {
			c.outbox = append(c.outbox[:i], c.outbox[i+1:]...)
			return
		}
	}
}

// Publish enqueues a PUBLISH. QoS0 entries are removed from the
// outbox the instant they are transmitted (fire-and-forget); QoS1/2
// entries stay queued until their terminal ack arrives or they
// expire.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uint16(0)
	if qos > 0 {
		id = c.allocMsgID()
	}
	e := &outboxEntry{
		kind:    kindPublish,
		msgID:   id,
		state:   outboxQueued,
		created: time.Now(),
		topic:   topic,
		payload: append([]byte(nil), payload...),
		qos:     qos,
		retain:  retain,
	}
	if err := c.enqueue(e); err != nil {
		return 0, err
	}
	return id, nil
}

// Subscribe enqueues a SUBSCRIBE for the given topics at the given
// per-topic QoS levels.
func (c *Client) Subscribe(topics []string, qoss []byte) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &outboxEntry{
		kind:    kindSubscribe,
		msgID:   c.allocMsgID(),
		state:   outboxQueued,
		created: time.Now(),
		topics:  append([]string(nil), topics...),
		qoss:    append([]byte(nil), qoss...),
	}
	if err := c.enqueue(e); err != nil {
		return 0, err
	}
	return e.msgID, nil
}

// Unsubscribe enqueues an UNSUBSCRIBE for the given topics.
func (c *Client) Unsubscribe(topics []string) (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &outboxEntry{
		kind:    kindUnsubscribe,
		msgID:   c.allocMsgID(),
		state:   outboxQueued,
		created: time.Now(),
		topics:  append([]string(nil), topics...),
	}
	if err := c.enqueue(e); err != nil {
		return 0, err
	}
	return e.msgID, nil
}
