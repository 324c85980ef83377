package wsclient

import (
	"bytes"
	"errors"
	"testing"
)

// serverFrame renders a short payload the way a server sends it: FIN=1
// and no mask (BuildFrame produces masked client frames, which Process
// rejects as a protocol error).
func serverFrame(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) >= 126 {
		return nil, errors.New("serverFrame: payload too long for a 7-bit length")
	}
	return append([]byte{0x80 | opcode, byte(len(payload))}, payload...), nil
}

func TestHandshakeRoundTrip(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	if err := c.StartHandshake(); err != nil {
		t.Fatal(err)
	}
	req := c.TxBuf.PeekAll()
	if !bytes.Contains(req, []byte("Sec-WebSocket-Key:")) {
		t.Fatalf("request missing key header: %s", req)
	}

	accept := ExpectedAccept(c.nonce)
	resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + accept + "\r\n\r\n"
	if err := c.RxBuf.Push([]byte(resp)); err != nil {
		t.Fatal(err)
	}
	if err := c.ProcessHandshake(); err != nil {
		t.Fatal(err)
	}
	if c.State != Established {
		t.Fatalf("expected Established, got %v", c.State)
	}
	if c.RxBuf.Available() != 0 {
		t.Fatalf("expected RxBuf drained, got %d bytes left", c.RxBuf.Available())
	}
}

func TestHandshakeRejectsMissingAccept(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	_ = c.StartHandshake()
	resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\n\r\n"
	_ = c.RxBuf.Push([]byte(resp))
	err := c.ProcessHandshake()
	if err == nil {
		t.Fatal("expected error for missing accept header")
	}
	if c.State != Error {
		t.Fatalf("expected Error state, got %v", c.State)
	}
}

func TestProcessBinaryFeedsToMQTTBuf(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	c.State = Established
	frame, err := serverFrame(OpBinary, []byte("hello mqtt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RxBuf.Push(frame); err != nil {
		t.Fatal(err)
	}
	if err := c.Process(); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, c.ToMQTTBuf.Available())
	c.ToMQTTBuf.Pop(got)
	if string(got) != "hello mqtt" {
		t.Fatalf("got %q", got)
	}
	if c.RxBuf.Available() != 0 {
		t.Fatalf("expected RxBuf fully consumed, got %d", c.RxBuf.Available())
	}
}

func TestProcessPingQueuesPong(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	c.State = Established
	frame, _ := serverFrame(OpPing, []byte("ping-payload"))
	if err := c.RxBuf.Push(frame); err != nil {
		t.Fatal(err)
	}
	if err := c.Process(); err != nil {
		t.Fatal(err)
	}
	pending := c.TxBuf.PeekAll()
	if len(pending) == 0 {
		t.Fatal("expected a queued pong frame")
	}
	if pending[0]&0x0F != OpPong {
		t.Fatalf("expected pong opcode, got %x", pending[0]&0x0F)
	}
}

func TestProcessCloseOneBytePayloadIsError(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	c.State = Established
	frame, _ := serverFrame(OpClose, []byte{0x01})
	if err := c.RxBuf.Push(frame); err != nil {
		t.Fatal(err)
	}
	err := c.Process()
	if err == nil {
		t.Fatal("expected protocol error for 1-byte close payload")
	}
}

func TestProcessCloseWithCodeAndReason(t *testing.T) {
	c := New("example.com", "/mqtt", 4096, 4096, 4096)
	c.State = Established
	payload := append([]byte{0x03, 0xE8}, []byte("bye")...) // 1000
	frame, _ := serverFrame(OpClose, payload)
	if err := c.RxBuf.Push(frame); err != nil {
		t.Fatal(err)
	}
	if err := c.Process(); err != nil {
		t.Fatal(err)
	}
	if c.State != ClosedGracefulRemote {
		t.Fatalf("expected ClosedGracefulRemote, got %v", c.State)
	}
	if c.CloseCode != CloseNormal || c.CloseReason != "bye" {
		t.Fatalf("got code=%d reason=%q", c.CloseCode, c.CloseReason)
	}
}

func TestQueueFrameRefusesDifferentFrameWhileOneInFlight(t *testing.T) {
	c := New("example.com", "/mqtt", 32, 16, 32) // tiny TxBuf forces a partial first push
	pong := bytes.Repeat([]byte("p"), 40)
	queued, err := c.QueueFrame(OpPong, pong)
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Fatal("expected the oversized pong to still be in flight")
	}

	mqttData := []byte("CONNECT")
	queued, err = c.QueueFrame(OpBinary, mqttData)
	if err != nil {
		t.Fatal(err)
	}
	if queued {
		t.Fatal("a second, different frame must not be reported as queued while the pong is still in flight")
	}

	// Draining TxBuf and resuming with the pong's own identity must
	// still make progress — the mismatch check shouldn't wedge it.
	for i := 0; i < 20 && !queued; i++ {
		drained := make([]byte, c.TxBuf.Available())
		c.TxBuf.Pop(drained)
		queued, err = c.QueueFrame(OpPong, pong)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !queued {
		t.Fatal("pong frame never finished queuing once its own identity resumed")
	}
}

func TestQueueFrameResumesAcrossCalls(t *testing.T) {
	c := New("example.com", "/mqtt", 32, 16, 32) // tiny TxBuf forces partial pushes
	payload := bytes.Repeat([]byte("x"), 40)
	var queued bool
	var err error
	for i := 0; i < 20 && !queued; i++ {
		queued, err = c.QueueFrame(OpBinary, payload)
		if err != nil {
			t.Fatal(err)
		}
		if !queued {
			drained := make([]byte, c.TxBuf.Available())
			c.TxBuf.Pop(drained)
		}
	}
	if !queued {
		t.Fatal("frame never finished queuing")
	}
}
