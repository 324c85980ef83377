package packet

import (
	"bytes"
	"io"
)

// RESERVED stands in for any packet kind the package-level Unpack does
// not dispatch (QoS 2 handshake, UNSUBSCRIBE/UNSUBACK, AUTH, and the
// client-to-server kinds CONNECT/SUBSCRIBE/PINGREQ). Unpack
// returns ErrNotImplementedYet from the package-level Unpack dispatch
// before this type's own methods are ever called.
type RESERVED struct {
	*FixedHeader
}

func (pkt *RESERVED) Kind() byte {
	return pkt.FixedHeader.Kind
}

func (pkt *RESERVED) Pack(io.Writer) error {
	return nil
}

func (pkt *RESERVED) Unpack(*bytes.Buffer) error {
	return nil
}
