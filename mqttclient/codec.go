package mqttclient

import (
	"bytes"
	"errors"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/fieldcam/aicam-node/netcore"
)

// serialize writes a control packet to its wire form.
func serialize(cp packets.ControlPacket) ([]byte, error) {
	var buf bytes.Buffer
	if err := cp.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readOnePacket decodes exactly one control packet from tr, giving up
// after timeout with no byte arriving.
func readOnePacket(tr Transport, timeout time.Duration) (packets.ControlPacket, error) {
	return packets.ReadPacket(&transportReader{tr: tr, timeout: timeout})
}

// transportReader adapts a Transport's bounded Recv into the
// unbounded io.Reader packets.ReadPacket wants, by retrying across
// Transport-level timeouts until data actually arrives or a hard
// error occurs. Meant to back a dedicated reader goroutine, never the
// phase loop directly, so a stalled peer cannot wedge outbox service.
type transportReader struct {
	tr      Transport
	timeout time.Duration
}

func (r *transportReader) Read(p []byte) (int, error) {
	for {
		n, err := r.tr.Recv(p, r.timeout)
		if n > 0 || err == nil {
			return n, err
		}
		if !isTimeoutish(err) {
			return n, err
		}
		// zero bytes, timeout-flavoured error: try again.
	}
}

// isTimeoutish reports whether err is the kind of bounded-wait timeout
// a Transport.Recv returns when nothing arrived in time, as opposed to
// a hard failure (closed connection, reset, EOF) that should propagate
// immediately rather than spin this reader forever.
func isTimeoutish(err error) bool {
	if errors.Is(err, netcore.ErrTimeout) {
		return true
	}
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return false
}

func buildConnect(cfg Config) *packets.ConnectPacket {
	cp := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	cp.ProtocolName = "MQTT"
	if cfg.ProtocolVersion == 3 {
		cp.ProtocolName = "MQIsdp" // MQTT 3.1 protocol name
	}
	cp.ProtocolVersion = cfg.ProtocolVersion
	cp.CleanSession = cfg.CleanSession
	cp.ClientIdentifier = cfg.ClientID
	cp.Keepalive = uint16(cfg.KeepAlive / time.Second)
	if cfg.Username != "" {
		cp.UsernameFlag = true
		cp.Username = cfg.Username
	}
	if cfg.Password != "" {
		cp.PasswordFlag = true
		cp.Password = []byte(cfg.Password)
	}
	if cfg.Will != nil {
		cp.WillFlag = true
		cp.WillTopic = cfg.Will.Topic
		cp.WillMessage = cfg.Will.Message
		cp.WillQos = cfg.Will.Qos
		cp.WillRetain = cfg.Will.Retain
	}
	return cp
}

func buildPublish(e *outboxEntry, dup bool) *packets.PublishPacket {
	cp := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	cp.Qos = e.qos
	cp.Retain = e.retain
	cp.Dup = dup
	cp.TopicName = e.topic
	cp.MessageID = e.msgID
	cp.Payload = e.payload
	return cp
}

func buildSubscribe(e *outboxEntry) *packets.SubscribePacket {
	cp := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	cp.MessageID = e.msgID
	cp.Topics = e.topics
	cp.Qoss = e.qoss
	return cp
}

func buildUnsubscribe(e *outboxEntry) *packets.UnsubscribePacket {
	cp := packets.NewControlPacket(packets.Unsubscribe).(*packets.UnsubscribePacket)
	cp.MessageID = e.msgID
	cp.Topics = e.topics
	return cp
}

func buildPuback(id uint16) *packets.PubackPacket {
	cp := packets.NewControlPacket(packets.Puback).(*packets.PubackPacket)
	cp.MessageID = id
	return cp
}

func buildPubrec(id uint16) *packets.PubrecPacket {
	cp := packets.NewControlPacket(packets.Pubrec).(*packets.PubrecPacket)
	cp.MessageID = id
	return cp
}

func buildPubrel(id uint16) *packets.PubrelPacket {
	cp := packets.NewControlPacket(packets.Pubrel).(*packets.PubrelPacket)
	cp.MessageID = id
	return cp
}

func buildPubcomp(id uint16) *packets.PubcompPacket {
	cp := packets.NewControlPacket(packets.Pubcomp).(*packets.PubcompPacket)
	cp.MessageID = id
	return cp
}

func buildPingreq() *packets.PingreqPacket {
	return packets.NewControlPacket(packets.Pingreq).(*packets.PingreqPacket)
}

func buildDisconnect() *packets.DisconnectPacket {
	return packets.NewControlPacket(packets.Disconnect).(*packets.DisconnectPacket)
}
