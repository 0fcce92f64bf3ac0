package mqttclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connTransport adapts a net.Conn (either half of a net.Pipe or a
// real TCP socket) to the Client's Transport contract.
type connTransport struct {
	conn net.Conn
}

func (t *connTransport) Send(buf []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	_, err := t.conn.Write(buf)
	return err
}

func (t *connTransport) Recv(buf []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return t.conn.Read(buf)
}

func (t *connTransport) Close() error { return t.conn.Close() }

func waitEvent(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event type %d", want)
		}
	}
}

// TestConnectAndQoS1PublishRoundTrip is spec.md §8 Scenario E: a QoS1
// publish is transmitted, the broker PUBACKs it, and the entry is
// removed from the outbox with an EventPublished notification.
func TestConnectAndQoS1PublishRoundTrip(t *testing.T) {
	clientConn, brokerConn := net.Pipe()
	defer clientConn.Close()
	defer brokerConn.Close()

	brokerPub := make(chan *packets.PublishPacket, 1)
	go func() {
		if _, err := packets.ReadPacket(brokerConn); err != nil {
			return
		}
		ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
		if err := ack.Write(brokerConn); err != nil {
			return
		}
		p, err := packets.ReadPacket(brokerConn)
		if err != nil {
			return
		}
		pub, ok := p.(*packets.PublishPacket)
		if !ok {
			return
		}
		brokerPub <- pub
		puback := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
		puback.MessageID = pub.MessageID
		puback.Write(brokerConn)
	}()

	cfg := Config{
		ClientID:       "node1",
		ConnectTimeout: time.Second,
		KeepAlive:      time.Hour,
		OutboxResend:   time.Hour,
		OutboxExpire:   time.Hour,
	}
	dial := func(ctx context.Context, timeout time.Duration) (Transport, error) {
		return &connTransport{conn: clientConn}, nil
	}
	events := make(chan Event, 16)
	client := NewClient(cfg, dial, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitEvent(t, events, EventConnected, time.Second)

	id, err := client.Publish("sensors/temp", []byte("21.5"), 1, false)
	require.NoError(t, err)

	select {
	case pub := <-brokerPub:
		assert.Equal(t, "sensors/temp", pub.TopicName)
		assert.False(t, pub.Dup)
	case <-time.After(time.Second):
		t.Fatal("broker never saw the publish")
	}

	ev := waitEvent(t, events, EventPublished, time.Second)
	assert.Equal(t, id, ev.MsgID)
}

// TestReconnectResendsWithDup is spec.md §8 Scenario F: a QoS1 publish
// that never gets a PUBACK survives a dropped connection and is
// retransmitted with DUP set once the client reconnects.
func TestReconnectResendsWithDup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		pub  *packets.PublishPacket
	}
	accepts := make(chan accepted, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if _, err := packets.ReadPacket(conn); err != nil {
				continue
			}
			ack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			ack.Write(conn)

			p, err := packets.ReadPacket(conn)
			if err != nil {
				continue
			}
			pub, _ := p.(*packets.PublishPacket)
			accepts <- accepted{conn: conn, pub: pub}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	dial := func(ctx context.Context, timeout time.Duration) (Transport, error) {
		conn, err := net.DialTimeout("tcp", addr.String(), timeout)
		if err != nil {
			return nil, err
		}
		return &connTransport{conn: conn}, nil
	}

	cfg := Config{
		ClientID:          "node2",
		ConnectTimeout:    time.Second,
		KeepAlive:         time.Hour,
		OutboxResend:      30 * time.Millisecond,
		OutboxExpire:      time.Hour,
		ReconnectInterval: 30 * time.Millisecond,
	}
	events := make(chan Event, 16)
	client := NewClient(cfg, dial, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	waitEvent(t, events, EventConnected, time.Second)
	_, err = client.Publish("sensors/temp", []byte("22.0"), 1, false)
	require.NoError(t, err)

	var first accepted
	select {
	case first = <-accepts:
		require.NotNil(t, first.pub)
		assert.False(t, first.pub.Dup)
	case <-time.After(time.Second):
		t.Fatal("broker never saw the first publish")
	}
	first.conn.Close() // drop the connection without acking

	waitEvent(t, events, EventConnected, 2*time.Second)

	var second accepted
	select {
	case second = <-accepts:
		require.NotNil(t, second.pub)
		assert.True(t, second.pub.Dup, "resend after reconnect must set DUP")
	case <-time.After(2 * time.Second):
		t.Fatal("broker never saw the resent publish")
	}
	second.conn.Close()
}
