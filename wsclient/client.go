package wsclient

import (
	"bytes"

	"github.com/golang-io/mqttws/ringbuf"
)

// ConnState is the WsClient connection state machine (spec.md §3).
type ConnState int

const (
	Raw ConnState = iota
	Handshake
	Established
	Error
	ClosedGracefulLocal
	ClosedGracefulRemote
)

// Client is the WebSocket layer: handshake state, RX frame parsing,
// masked TX framing, and the three ring buffers it owns. It never
// touches the network directly — Session pumps RxBuf from TLS reads
// and drains TxBuf into TLS writes, calling Client's methods in between.
type Client struct {
	State ConnState

	Host, Path string
	nonce      string

	RxBuf     *ringbuf.RingBuf // bytes out of TLS, not yet frame-parsed
	TxBuf     *ringbuf.RingBuf // bytes queued for TLS, already framed+masked
	ToMQTTBuf *ringbuf.RingBuf // unmasked BINARY payload handed up to MqttCodec

	txPending       []byte // tail of an in-flight frame not yet fully queued into TxBuf
	txPendingOpcode byte
	txPendingOrig   []byte // (opcode, txPendingOrig) is the identity of the in-flight frame

	CloseCode int
	CloseReason string
}

// New builds a Client with the given ring capacities.
func New(host, path string, rxCap, txCap, toMQTTCap int) *Client {
	return &Client{
		Host: host, Path: path,
		RxBuf:     ringbuf.New(rxCap),
		TxBuf:     ringbuf.New(txCap),
		ToMQTTBuf: ringbuf.New(toMQTTCap),
	}
}

// StartHandshake queues the upgrade request into TxBuf and remembers
// the nonce for accept verification.
func (c *Client) StartHandshake() error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	c.nonce = nonce
	req := BuildUpgradeRequest(c.Host, c.Path, nonce)
	if err := c.TxBuf.Push(req); err != nil {
		return err
	}
	c.State = Handshake
	return nil
}

// ProcessHandshake consumes bytes from RxBuf looking for a complete
// response; it advances RxBuf's tail only once the full response
// header block has been read (success or failure — there's nothing
// left worth re-parsing either way).
func (c *Client) ProcessHandshake() error {
	peek := c.RxBuf.PeekAll()
	status, headers, consumed, ok, err := ParseUpgradeResponse(peek)
	if err != nil {
		c.State = Error
		return err
	}
	if !ok {
		return nil // need more bytes
	}
	c.RxBuf.BumpTail(consumed)

	if err := VerifyAccept(status, headers, c.nonce); err != nil {
		c.State = Error
		return err
	}
	c.State = Established
	return nil
}

// Process drains complete frames out of RxBuf while the connection is
// Established, dispatching each by opcode. It stops (without error)
// when RxBuf holds only a partial frame, or when ToMQTTBuf has no
// room left for a BINARY payload (backpressure: the MQTT layer hasn't
// drained it yet).
func (c *Client) Process() error {
	for {
		peek := c.RxBuf.PeekAll()
		frame, consumed, ok, err := ParseFrame(peek)
		if err != nil {
			c.State = Error
			return err
		}
		if !ok {
			return nil
		}
		stalled, err := c.dispatch(frame)
		if err != nil {
			c.State = Error
			return err
		}
		if stalled {
			return nil
		}
		c.RxBuf.BumpTail(consumed)
	}
}

func (c *Client) dispatch(f *Frame) (stalled bool, err error) {
	switch f.Opcode {
	case OpBinary:
		if c.ToMQTTBuf.Free() < len(f.Payload) {
			return true, nil
		}
		return false, c.ToMQTTBuf.Push(f.Payload)

	case OpClose:
		switch len(f.Payload) {
		case 0:
			c.State = ClosedGracefulRemote
			return false, nil
		case 1:
			return false, &ErrProtocol{Reason: "close frame with 1-byte payload", CloseCode: CloseProtocolError}
		default:
			code := int(f.Payload[0])<<8 | int(f.Payload[1])
			c.CloseCode = code
			c.CloseReason = string(f.Payload[2:])
			c.State = ClosedGracefulRemote
			return false, nil
		}

	case OpPing:
		if len(f.Payload) > c.RxBuf.Capacity()/2 {
			return false, &ErrProtocol{Reason: "ping payload too large", CloseCode: CloseMessageTooBig}
		}
		queued, err := c.QueueFrame(OpPong, f.Payload)
		if err != nil {
			return false, err
		}
		if !queued {
			return false, &ErrProtocol{Reason: "could not queue pong", CloseCode: CloseProtocolError}
		}
		return false, nil

	default:
		return false, nil // unreachable: ParseFrame already rejects other opcodes
	}
}

// QueueFrame builds (if not already in flight) and pushes a masked
// frame into TxBuf, resuming a prior partial push. It returns
// queued=false when TxBuf doesn't yet have room for header-doubling
// slack or the remaining in-flight bytes; the caller (MqttCodec, via
// Session) is expected to call again once TxBuf has drained.
//
// A call naming a different (opcode, payload) while one frame is still
// in flight does not cut in line: it returns queued=false without
// touching the in-flight frame, so the caller holding the earlier
// frame's identity can keep resuming it on its own next call. Only a
// call that matches the in-flight frame's identity — the same opcode
// and the same payload bytes, as happens when a caller repeatedly
// resumes its own not-yet-finished frame — is treated as a resumption.
//
// Reference: spec.md §4.4.3.
func (c *Client) QueueFrame(opcode byte, payload []byte) (queued bool, err error) {
	if c.txPending != nil {
		if opcode != c.txPendingOpcode || !bytes.Equal(payload, c.txPendingOrig) {
			return false, nil
		}
	} else {
		frame, err := BuildFrame(opcode, payload)
		if err != nil {
			return false, err
		}
		hdrSize := frameHeaderSize(len(payload))
		if c.TxBuf.Free() < 2*hdrSize {
			return false, nil
		}
		c.txPending = frame
		c.txPendingOpcode = opcode
		c.txPendingOrig = payload
	}
	n := len(c.txPending)
	if free := c.TxBuf.Free(); free < n {
		n = free
	}
	if n > 0 {
		if err := c.TxBuf.Push(c.txPending[:n]); err != nil {
			return false, err
		}
		c.txPending = c.txPending[n:]
	}
	if len(c.txPending) == 0 {
		c.txPending = nil
		c.txPendingOrig = nil
		return true, nil
	}
	return false, nil
}
