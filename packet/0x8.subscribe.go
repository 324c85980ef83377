package packet

import (
	"bytes"
	"io"
)

// subscribeOptions is QoS 1 with retain-as-published set, the only
// shape this codec produces: bit 0x01 (QoS 1) | bit 0x08 (retain as
// published).
const subscribeOptions = 0x01 | (0x01 << 3)

// Subscription is one (topic filter, max QoS) pair.
type Subscription struct {
	TopicFilter string
	MaxQoS      uint8
}

// SUBSCRIBE requests one or more topic subscriptions.
//
// Reference: MQTT v5.0 section 3.8 SUBSCRIBE. Fixed header flags bit
// 0x02 is mandatory for SUBSCRIBE.
type SUBSCRIBE struct {
	*FixedHeader
	PacketID      uint16
	Subscriptions []Subscription
}

func (pkt *SUBSCRIBE) Kind() byte { return 0x8 }

func (pkt *SUBSCRIBE) Pack(w io.Writer) error {
	var body bytes.Buffer
	body.Write(i2b(pkt.PacketID))
	body.WriteByte(0x00) // properties length: none

	for _, sub := range pkt.Subscriptions {
		body.Write(s2b(sub.TopicFilter))
		body.WriteByte(subscribeOptions)
	}

	pkt.FixedHeader.Kind = 0x8
	pkt.FixedHeader.QoS = 1 // mandated reserved bits for SUBSCRIBE
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func (pkt *SUBSCRIBE) Unpack(buf *bytes.Buffer) error {
	id := buf.Next(2)
	if len(id) != 2 {
		return ErrMalformedPacket
	}
	pkt.PacketID = uint16(id[0])<<8 | uint16(id[1])

	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	props := bytes.NewBuffer(buf.Next(int(propsLen)))
	for props.Len() > 0 {
		id, _ := props.ReadByte()
		if err := skipProperty(id, props); err != nil {
			return err
		}
	}

	for buf.Len() > 0 {
		topic := decodeUTF8[string](buf)
		opts := buf.Next(1)
		if len(opts) != 1 {
			return ErrMalformedPacket
		}
		pkt.Subscriptions = append(pkt.Subscriptions, Subscription{TopicFilter: topic, MaxQoS: opts[0] & 0x03})
	}
	return nil
}
