package packet

import (
	"bytes"
	"io"
)

// PUBACK is the QoS-1 publish acknowledgement.
//
// Reference: MQTT v5.0 section 3.4 PUBACK.
type PUBACK struct {
	*FixedHeader
	PacketID   uint16
	ReasonCode ReasonCode
}

func (pkt *PUBACK) Kind() byte { return 0x4 }

func (pkt *PUBACK) Pack(w io.Writer) error {
	var body bytes.Buffer
	body.Write(i2b(pkt.PacketID))
	if pkt.ReasonCode.Code != 0x00 {
		body.WriteByte(pkt.ReasonCode.Code)
	}

	pkt.FixedHeader.Kind = 0x4
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func (pkt *PUBACK) Unpack(buf *bytes.Buffer) error {
	id := buf.Next(2)
	if len(id) != 2 {
		return ErrMalformedPacket
	}
	pkt.PacketID = uint16(id[0])<<8 | uint16(id[1])

	if pkt.FixedHeader.RemainingLength < 3 {
		pkt.ReasonCode = Success
		return nil
	}
	code := buf.Next(1)
	if len(code) != 1 {
		return ErrMalformedPacket
	}
	pkt.ReasonCode = ReasonCode{Code: code[0], Reason: reasonText(code[0])}

	if pkt.FixedHeader.RemainingLength >= 4 {
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
	}
	return nil
}
