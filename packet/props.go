package packet

import (
	"bytes"
	"encoding/binary"
)

// Property identifiers this codec recognises on the wire (MQTT v5.0 section 3.1.2.11).
const (
	propPayloadFormatIndicator = 0x01
	propMessageExpiryInterval  = 0x02
	propTopicAlias             = 0x23
	propTopicAliasMaximum      = 0x22
	propMaximumPacketSize      = 0x27
	propReasonString           = 0x1F
	propUserProperty           = 0x26
)

// propFixedLen gives the fixed wire length (in bytes, after the 1-byte
// property identifier) for property types this codec may encounter but
// does not act on; used to skip them without losing sync on the byte
// stream. Variable-length types (strings, string pairs) aren't in this
// table and must be skipped with decodeUTF8 instead.
var propFixedLen = map[byte]int{
	0x01: 1, 0x02: 4, 0x11: 4, 0x13: 2, 0x17: 1, 0x19: 1,
	0x21: 2, 0x22: 2, 0x23: 2, 0x24: 1, 0x25: 1, 0x27: 4,
	0x28: 1, 0x29: 1, 0x2A: 1, 0x0B: 0, // 0x0B is VBI, handled specially
}

var propVariableLen = map[byte]bool{
	0x03: true, 0x09: true, 0x12: true, 0x15: true, 0x16: true,
	0x1A: true, 0x1C: true, 0x1F: true, 0x26: true,
}

// TopicAliasMaximum (0x22) advertises, in CONNECT, the highest
// topic-alias index this client will accept from the server. CONNACK
// parsing skips this property if the server sends it.
type TopicAliasMaximum uint16

func (s TopicAliasMaximum) Pack(buf *bytes.Buffer) {
	buf.WriteByte(propTopicAliasMaximum)
	buf.Write(i2b(uint16(s)))
}

// MaximumPacketSize (0x27) is read from CONNACK; zero means unset (no limit).
type MaximumPacketSize uint32

func decodeMaximumPacketSize(buf *bytes.Buffer) MaximumPacketSize {
	return MaximumPacketSize(binary.BigEndian.Uint32(buf.Next(4)))
}

// TopicAlias (0x23) replaces a string topic on the wire after first use.
type TopicAlias uint16

func (s TopicAlias) Pack(buf *bytes.Buffer) {
	buf.WriteByte(propTopicAlias)
	buf.Write(i2b(uint16(s)))
}

func decodeTopicAlias(buf *bytes.Buffer) TopicAlias {
	return TopicAlias(binary.BigEndian.Uint16(buf.Next(2)))
}

// skipProperty consumes one property's value (the identifier byte has
// already been read) given its identifier, for properties this codec
// doesn't otherwise act on.
func skipProperty(id byte, buf *bytes.Buffer) error {
	if id == 0x0B { // SubscriptionIdentifier: VBI
		_, err := decodeLength(buf)
		return err
	}
	if n, ok := propFixedLen[id]; ok {
		if buf.Next(n) == nil {
			return ErrMalformedPacket
		}
		return nil
	}
	if propVariableLen[id] {
		decodeUTF8[[]byte](buf)
		if id == propUserProperty { // string pair: key, then value
			decodeUTF8[[]byte](buf)
		}
		return nil
	}
	return ErrMalformedPacket
}
