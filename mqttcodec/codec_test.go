package mqttcodec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/golang-io/mqttws/packet"
)

// drainAll pulls every queued fragment out via Drain/Advance, as
// Session's write-side would, and returns the concatenated bytes.
func drainAll(c *Codec) []byte {
	var out []byte
	for {
		data, ok := c.Drain()
		if !ok {
			break
		}
		out = append(out, data...)
		c.Advance(len(data), 1)
	}
	return out
}

func TestConnectWireShape(t *testing.T) {
	c := New(Callbacks{})
	if err := c.Connect(Config{ClientID: "c", Username: "u", Password: "p", KeepAlive: 30}); err != nil {
		t.Fatal(err)
	}
	wire := drainAll(c)

	want := []byte{0x10} // CONNECT
	if wire[0] != want[0] {
		t.Fatalf("expected first byte 0x10, got %#x", wire[0])
	}
	// remaining length is a VBI; skip past it.
	i := 1
	for wire[i]&0x80 != 0 {
		i++
	}
	i++
	rest := wire[i:]

	protoPrefix := []byte{0x00, 0x04, 'M', 'Q', 'T', 'T', 0x05}
	if !bytes.Equal(rest[:7], protoPrefix) {
		t.Fatalf("protocol name prefix mismatch: %x", rest[:7])
	}
	if rest[7] != 0xC2 {
		t.Fatalf("expected connect-flags 0xC2, got %#x", rest[7])
	}
	if !bytes.Equal(rest[8:10], []byte{0x00, 0x1E}) {
		t.Fatalf("expected keep-alive 00 1E, got %x", rest[8:10])
	}
	if rest[10] != 0x03 {
		t.Fatalf("expected properties length 3, got %d", rest[10])
	}
	if !bytes.Equal(rest[11:14], []byte{0x22, 0xFF, 0xFF}) {
		t.Fatalf("expected topic-alias-maximum property 22 FF FF, got %x", rest[11:14])
	}
	if !bytes.Equal(rest[14:17], []byte{0x00, 0x01, 'c'}) {
		t.Fatalf("expected payload prefix 00 01 63, got %x", rest[14:17])
	}
}

func TestPubAckReclaimsArena(t *testing.T) {
	var acked []uint16
	c := New(Callbacks{OnPubAck: func(id uint16) { acked = append(acked, id) }})
	_ = c.Connect(Config{ClientID: "c"})
	drainAll(c) // flush CONNECT off the arena's pending list conceptually; CONNACK will GC it

	ids := make([]uint16, 0, 1000)
	for i := 0; i < 1000; i++ {
		id, err := c.Publish("t/x", bytes.Repeat([]byte{'a'}, 32), 1, false)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	drainAll(c) // marks every fragment Sent so GCOnSend-eligible ones could reclaim; QoS1 publishes aren't GCOnSend though

	for i := len(ids) - 1; i >= 0; i-- {
		var buf bytes.Buffer
		pkt := &packet.PUBACK{FixedHeader: &packet.FixedHeader{}, PacketID: ids[i], ReasonCode: packet.Success}
		if err := pkt.Pack(&buf); err != nil {
			t.Fatal(err)
		}
		peek := func() []byte { return buf.Bytes() }
		consume := func(n int) { buf.Next(n) }
		if err := c.Sync(peek, consume); err != nil {
			t.Fatal(err)
		}
	}
	if len(acked) != 1000 {
		t.Fatalf("expected 1000 pubacks dispatched, got %d", len(acked))
	}
	if !c.arena.ShouldCompact() {
		t.Fatal("expected reclaimable fragments to cross the compaction threshold")
	}
	reclaimed := c.MaybeCompact()
	if reclaimed != 1000 {
		t.Fatalf("expected 1000 fragments reclaimed, got %d", reclaimed)
	}
}

func TestTopicAliasStateMachineTX(t *testing.T) {
	c := New(Callbacks{})
	idx := c.SetTopicAlias("t/1")
	if idx == 0 {
		t.Fatal("expected a non-zero alias index")
	}

	if _, err := c.Publish("t/1", []byte("one"), 0, false); err != nil {
		t.Fatal(err)
	}
	first := drainAll(c)
	if !bytes.Contains(first, []byte("t/1")) {
		t.Fatalf("expected first publish to carry the full topic, got %x", first)
	}

	if _, err := c.Publish("t/1", []byte("two"), 0, false); err != nil {
		t.Fatal(err)
	}
	second := drainAll(c)
	if bytes.Contains(second, []byte("t/1")) {
		t.Fatalf("expected second publish to omit the topic name, got %x", second)
	}
}

func TestTopicAliasStateMachineRX(t *testing.T) {
	var delivered []string
	c := New(Callbacks{OnMessage: func(topic string, payload []byte, qos uint8) {
		delivered = append(delivered, topic)
	}})

	send := func(topic string, alias uint16, payload []byte) error {
		var buf bytes.Buffer
		pkt := &packet.PUBLISH{
			FixedHeader: &packet.FixedHeader{QoS: 0},
			Message:     &packet.Message{TopicName: topic, Content: payload},
			TopicAlias:  packet.TopicAlias(alias),
		}
		if err := pkt.Pack(&buf); err != nil {
			return err
		}
		peek := func() []byte { return buf.Bytes() }
		consume := func(n int) { buf.Next(n) }
		return c.Sync(peek, consume)
	}

	if err := send("s/1", 5, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := send("", 5, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if len(delivered) != 2 || delivered[0] != "s/1" || delivered[1] != "s/1" {
		t.Fatalf("expected both deliveries to topic s/1, got %v", delivered)
	}

	if err := send("x/1", 5, []byte("c")); err == nil {
		t.Fatal("expected reassignment of alias 5 to a different topic to fail")
	}
}

func TestSyncSurfacesUnimplementedPacketKind(t *testing.T) {
	c := New(Callbacks{})
	// 0xB0 = UNSUBACK (kind 0xB), a packet kind this client never
	// produces or consumes; packet.Unpack reports it as RESERVED.
	buf := bytes.NewBuffer([]byte{0xB0, 0x02, 0x00, 0x01})
	peek := func() []byte { return buf.Bytes() }
	consume := func(n int) { buf.Next(n) }
	err := c.Sync(peek, consume)
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
}

func TestArenaBytesUsedTracksAppendsAndGC(t *testing.T) {
	c := New(Callbacks{})
	if c.ArenaBytesUsed() != 0 {
		t.Fatalf("expected 0 before any packet, got %d", c.ArenaBytesUsed())
	}
	if err := c.Connect(Config{ClientID: "c"}); err != nil {
		t.Fatal(err)
	}
	if c.ArenaBytesUsed() == 0 {
		t.Fatal("expected CONNECT's bytes to be reflected in ArenaBytesUsed")
	}
	drainAll(c)

	var buf bytes.Buffer
	pkt := &packet.CONNACK{FixedHeader: &packet.FixedHeader{}, ReasonCode: packet.Success}
	if err := pkt.Pack(&buf); err != nil {
		t.Fatal(err)
	}
	peek := func() []byte { return buf.Bytes() }
	consume := func(n int) { buf.Next(n) }
	if err := c.Sync(peek, consume); err != nil {
		t.Fatal(err)
	}
	c.MaybeCompact()
	if c.ArenaBytesUsed() != 0 {
		t.Fatalf("expected CONNECT's fragment reclaimed after CONNACK+GC, got %d", c.ArenaBytesUsed())
	}
}
