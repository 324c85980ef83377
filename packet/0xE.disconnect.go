package packet

import (
	"bytes"
	"io"
)

// DISCONNECT signals a graceful connection close, either direction.
//
// Reference: MQTT v5.0 section 3.14 DISCONNECT. The reason code is
// optional on the wire: omitted when it is 0x00 (normal) and there are
// no properties, per section 3.14.1.
type DISCONNECT struct {
	*FixedHeader
	ReasonCode ReasonCode
}

func (pkt *DISCONNECT) Kind() byte { return 0xE }

func (pkt *DISCONNECT) Pack(w io.Writer) error {
	var body bytes.Buffer
	if pkt.ReasonCode.Code != 0x00 {
		body.WriteByte(pkt.ReasonCode.Code)
	}

	pkt.FixedHeader.Kind = 0xE
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func (pkt *DISCONNECT) Unpack(buf *bytes.Buffer) error {
	if pkt.FixedHeader.RemainingLength == 0 {
		pkt.ReasonCode = NormalDisconnect
		return nil
	}
	code := buf.Next(1)
	if len(code) != 1 {
		return ErrMalformedPacket
	}
	pkt.ReasonCode = ReasonCode{Code: code[0], Reason: reasonText(code[0])}

	if pkt.FixedHeader.RemainingLength >= 2 {
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
