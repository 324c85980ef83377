package packet

import (
	"bytes"
	"io"
)

// SUBACK carries one reason code per subscribed topic filter, in request order.
//
// Reference: MQTT v5.0 section 3.9 SUBACK.
type SUBACK struct {
	*FixedHeader
	PacketID    uint16
	ReasonCodes []uint8
}

func (pkt *SUBACK) Kind() byte { return 0x9 }

func (pkt *SUBACK) Pack(w io.Writer) error {
	var body bytes.Buffer
	body.Write(i2b(pkt.PacketID))
	body.WriteByte(0x00)
	body.Write(pkt.ReasonCodes)

	pkt.FixedHeader.Kind = 0x9
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func (pkt *SUBACK) Unpack(buf *bytes.Buffer) error {
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

	pkt.ReasonCodes = append(pkt.ReasonCodes, buf.Bytes()...)
	return nil
}
