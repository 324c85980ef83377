package packet

import (
	"bytes"
	"encoding/binary"
	"io"
)

// protocolName is the MQTT v5 protocol name field, length-prefixed.
var protocolName = []byte{0x00, 0x04, 'M', 'Q', 'T', 'T'}

// ConnectFlags is the CONNECT variable header's flags byte.
//
// Reference: MQTT v5.0 section 3.1.2.3 Connect Flags.
type ConnectFlags uint8

const (
	flagCleanStart  ConnectFlags = 1 << 1
	flagWillFlag    ConnectFlags = 1 << 2
	flagWillRetain  ConnectFlags = 1 << 5
	flagPassword    ConnectFlags = 1 << 6
	flagUserName    ConnectFlags = 1 << 7
	flagWillQoSMask ConnectFlags = 0x03 << 3
)

func (f ConnectFlags) CleanStart() bool { return f&flagCleanStart != 0 }
func (f ConnectFlags) WillFlag() bool   { return f&flagWillFlag != 0 }
func (f ConnectFlags) WillQoS() uint8   { return uint8(f&flagWillQoSMask) >> 3 }
func (f ConnectFlags) WillRetain() bool { return f&flagWillRetain != 0 }
func (f ConnectFlags) UserNameFlag() bool { return f&flagUserName != 0 }
func (f ConnectFlags) PasswordFlag() bool { return f&flagPassword != 0 }

// CONNECT is the client-to-server connection request.
//
// Reference: MQTT v5.0 section 3.1 CONNECT. This codec always sets
// clean-start and always writes a single TopicAliasMaximum property
// (section 3.1.2.11.2), per the wire shape mandated in the transport spec.
type CONNECT struct {
	*FixedHeader
	Flags              ConnectFlags
	KeepAlive          uint16
	TopicAliasMaximum  TopicAliasMaximum
	ClientID           string
	WillTopic          string
	WillPayload        []byte
	WillQoS            uint8
	WillRetain         bool
	Username, Password string
}

func (pkt *CONNECT) Kind() byte { return 0x1 }

// Pack serialises the CONNECT packet. It rejects the inputs the spec
// calls out as user errors: a nil client-id, an oversized will
// payload, a will-topic missing while a will-payload is set, and a
// will QoS above 1 (QoS 2 is out of scope).
func (pkt *CONNECT) Pack(w io.Writer) error {
	if pkt.ClientID == "" {
		return ErrClientIdentifierNotValid
	}
	if len(pkt.WillPayload) > 0xFFFF {
		return UnspecifiedError
	}
	if len(pkt.WillPayload) > 0 && pkt.WillTopic == "" {
		return UnspecifiedError
	}
	if pkt.WillQoS > 1 {
		return ErrProtocolViolationQosOOR
	}

	flags := ConnectFlags(0) | flagCleanStart // clean-session is always set, per spec.
	if pkt.Username != "" {
		flags |= flagUserName
	}
	if pkt.Password != "" {
		flags |= flagPassword
	}
	hasWill := pkt.WillTopic != "" || len(pkt.WillPayload) > 0
	if hasWill {
		flags |= flagWillFlag
		flags |= ConnectFlags(pkt.WillQoS) << 3
		if pkt.WillRetain {
			flags |= flagWillRetain
		}
	}
	pkt.Flags = flags

	var body bytes.Buffer
	body.Write(protocolName)
	body.WriteByte(VERSION500)
	body.WriteByte(byte(flags))
	body.Write(i2b(pkt.KeepAlive))

	if pkt.TopicAliasMaximum == 0 {
		pkt.TopicAliasMaximum = 0xFFFF
	}
	var props bytes.Buffer
	pkt.TopicAliasMaximum.Pack(&props)
	propsLen, err := encodeLength(props.Len())
	if err != nil {
		return err
	}
	body.Write(propsLen)
	body.Write(props.Bytes())

	body.Write(s2b(pkt.ClientID))
	if hasWill {
		body.Write([]byte{0x00}) // will properties length: none
		body.Write(s2b(pkt.WillTopic))
		body.Write(s2b(string(pkt.WillPayload)))
	}
	if pkt.Username != "" {
		body.Write(s2b(pkt.Username))
	}
	if pkt.Password != "" {
		body.Write(s2b(pkt.Password))
	}

	pkt.FixedHeader.Kind = 0x1
	pkt.FixedHeader.RemainingLength = uint32(body.Len())
	if err := pkt.FixedHeader.Pack(w); err != nil {
		return err
	}
	_, err = w.Write(body.Bytes())
	return err
}

// Unpack is not exercised by this client (CONNECT is never received
// inbound) but is implemented symmetrically with Pack for testing.
func (pkt *CONNECT) Unpack(buf *bytes.Buffer) error {
	name := buf.Next(6)
	if !bytes.Equal(name, protocolName) {
		return ErrMalformedProtocolName
	}
	version := buf.Next(1)
	if len(version) != 1 || version[0] != VERSION500 {
		return ErrUnsupportedProtocolVersion
	}
	flagByte := buf.Next(1)
	if len(flagByte) != 1 {
		return ErrMalformedPacket
	}
	pkt.Flags = ConnectFlags(flagByte[0])
	pkt.KeepAlive = binary.BigEndian.Uint16(buf.Next(2))

	propsLen, err := decodeLength(buf)
	if err != nil {
		return err
	}
	props := bytes.NewBuffer(buf.Next(int(propsLen)))
	for props.Len() > 0 {
		id, _ := props.ReadByte()
		switch id {
		case propTopicAliasMaximum:
			pkt.TopicAliasMaximum = TopicAliasMaximum(binary.BigEndian.Uint16(props.Next(2)))
		default:
			if err := skipProperty(id, props); err != nil {
				return err
			}
		}
	}

	pkt.ClientID = decodeUTF8[string](buf)
	if pkt.ClientID == "" {
		return ErrClientIdentifierNotValid
	}
	if pkt.Flags.WillFlag() {
		willPropsLen, err := decodeLength(buf)
		if err != nil {
			return err
		}
		buf.Next(int(willPropsLen))
		pkt.WillTopic = decodeUTF8[string](buf)
		pkt.WillPayload = decodeUTF8[[]byte](buf)
		pkt.WillQoS = pkt.Flags.WillQoS()
		pkt.WillRetain = pkt.Flags.WillRetain()
	}
	if pkt.Flags.UserNameFlag() {
		pkt.Username = decodeUTF8[string](buf)
	}
	if pkt.Flags.PasswordFlag() {
		pkt.Password = decodeUTF8[string](buf)
	}
	return nil
}
