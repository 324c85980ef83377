package packet

import (
	"bytes"
	"io"
)

// PINGREQ keeps the connection alive; it has no variable header or payload.
//
// Reference: MQTT v5.0 section 3.12 PINGREQ.
type PINGREQ struct {
	*FixedHeader
}

func (pkt *PINGREQ) Kind() byte { return 0xC }

func (pkt *PINGREQ) Pack(w io.Writer) error {
	pkt.FixedHeader.Kind = 0xC
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGREQ) Unpack(*bytes.Buffer) error { return nil }

// pingreqWire is the fixed two-byte wire encoding of a PINGREQ packet,
// kept as a package-level value to avoid reallocating it per keep-alive
// tick, mirroring a module-level static PINGREQ fragment.
var pingreqWire = []byte{0xC0, 0x00}
