package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// CONNACK is the server's connection acknowledgement.
//
// Reference: MQTT v5.0 section 3.2 CONNACK. Only the fields this
// client acts on are kept: session-present, reason code, and
// MaximumPacketSize (the one CONNACK property the codec consults).
type CONNACK struct {
	*FixedHeader
	SessionPresent    bool
	ReasonCode        ReasonCode
	MaximumPacketSize MaximumPacketSize // 0 means unset: no limit advertised
}

func (pkt *CONNACK) Kind() byte { return 0x2 }

func (pkt *CONNACK) Pack(w io.Writer) error {
	var body bytes.Buffer
	if pkt.SessionPresent {
		body.WriteByte(0x01)
	} else {
		body.WriteByte(0x00)
	}
	body.WriteByte(pkt.ReasonCode.Code)
	body.Write([]byte{0x00}) // properties length: none, not produced client-side

	pkt.FixedHeader.Kind = 0x2
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func (pkt *CONNACK) Unpack(buf *bytes.Buffer) error {
	flags := buf.Next(1)
	if len(flags) != 1 {
		return ErrMalformedPacket
	}
	pkt.SessionPresent = flags[0]&0x01 != 0

	code := buf.Next(1)
	if len(code) != 1 {
		return ErrMalformedPacket
	}
	pkt.ReasonCode = ReasonCode{Code: code[0], Reason: reasonText(code[0])}

	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	props := bytes.NewBuffer(buf.Next(int(propsLen)))
	for props.Len() > 0 {
		id, _ := props.ReadByte()
		switch id {
		case propMaximumPacketSize:
			pkt.MaximumPacketSize = MaximumPacketSize(binary.BigEndian.Uint32(props.Next(4)))
		default:
			if err := skipProperty(id, props); err != nil {
				return err
			}
		}
	}
	return nil
}

// reasonText gives a best-effort reason string for reason codes this
// codec did not pre-name; the wire-visible behaviour (the code byte)
// is unaffected either way.
func reasonText(code uint8) string {
	switch code {
	case 0x00:
		return "success"
	case 0x80:
		return "unspecified error"
	case 0x84:
		return "unsupported protocol version"
	case 0x85:
		return "client identifier not valid"
	case 0x86:
		return "bad username or password"
	case 0x87:
		return "not authorized"
	case 0x88:
		return "server unavailable"
	default:
		return "connect refused"
	}
}
