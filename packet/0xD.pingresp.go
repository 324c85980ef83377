package packet

import (
	"bytes"
	"io"
)

// PINGRESP answers a PINGREQ; remaining length must be 0.
//
// Reference: MQTT v5.0 section 3.13 PINGRESP.
type PINGRESP struct {
	*FixedHeader
}

func (pkt *PINGRESP) Kind() byte { return 0xD }

func (pkt *PINGRESP) Pack(w io.Writer) error {
	pkt.FixedHeader.Kind = 0xD
	pkt.FixedHeader.RemainingLength = 0
	return pkt.FixedHeader.Pack(w)
}

func (pkt *PINGRESP) Unpack(buf *bytes.Buffer) error {
	if pkt.FixedHeader.RemainingLength != 0 || buf.Len() != 0 {
		return ErrMalformedPacket
	}
	return nil
}
