package packet

import (
	"bytes"
	"io"
	"strings"
)

// Message is the application-facing (topic, payload) pair carried by PUBLISH.
type Message struct {
	TopicName string
	Content   []byte
}

// PUBLISH carries one application message, in either direction.
//
// Reference: MQTT v5.0 section 3.3 PUBLISH. TopicAlias is the only
// property this codec produces or consumes, per the topic-alias state
// machine in the transport spec.
type PUBLISH struct {
	*FixedHeader
	PacketID   uint16
	Message    *Message
	TopicAlias TopicAlias // 0 means "no alias property on the wire"
}

func (pkt *PUBLISH) Kind() byte { return 0x3 }

// Pack writes the PUBLISH packet. Qos must be 0 or 1; packet-id is
// written whenever qos > 0. A zero-value TopicName is valid on the
// wire exactly when TopicAlias is set (the caller is expected to have
// resolved the alias state machine before calling Pack).
func (pkt *PUBLISH) Pack(w io.Writer) error {
	qos := pkt.FixedHeader.QoS
	if qos > 1 {
		return ErrProtocolViolationQosOOR
	}
	if pkt.Message.TopicName != "" && (strings.ContainsAny(pkt.Message.TopicName, "+#") || strings.Contains(pkt.Message.TopicName, " ")) {
		return UnspecifiedError
	}

	var body bytes.Buffer
	body.Write(s2b(pkt.Message.TopicName))
	if qos > 0 {
		body.Write(i2b(pkt.PacketID))
	}

	var props bytes.Buffer
	if pkt.TopicAlias != 0 {
		pkt.TopicAlias.Pack(&props)
	}
	propsLen, err := encodeLength(props.Len())
	if err != nil {
		return err
	}
	body.Write(propsLen)
	body.Write(props.Bytes())
	body.Write(pkt.Message.Content)

	pkt.FixedHeader.Kind = 0x3
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

func (pkt *PUBLISH) Unpack(buf *bytes.Buffer) error {
	pkt.Message = &Message{}
	pkt.Message.TopicName = decodeUTF8[string](buf)

	if pkt.FixedHeader.QoS > 0 {
		packetID := buf.Next(2)
		if len(packetID) != 2 {
			return ErrMalformedPacket
		}
		pkt.PacketID = uint16(packetID[0])<<8 | uint16(packetID[1])
	}

	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	props := bytes.NewBuffer(buf.Next(int(propsLen)))
	for props.Len() > 0 {
		id, _ := props.ReadByte()
		switch id {
		case propTopicAlias:
			pkt.TopicAlias = decodeTopicAlias(props)
		default:
			if err := skipProperty(id, props); err != nil {
				return err
			}
		}
	}

	pkt.Message.Content = buf.Bytes()
	return nil
}
