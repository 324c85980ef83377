package mqttcodec

import (
	"bytes"
	"errors"
	"io"

	"github.com/golang-io/mqttws/packet"
)

// State is the MQTT session state machine.
//
// Reference: transport spec §3 MqttCodec session state.
type State int

const (
	Raw State = iota
	ConnectPending
	Connecting
	Connected
	ErrorState
	Disconnected
)

// Config carries the options recognised at connect time.
//
// Reference: transport spec §6 Configuration struct fields.
type Config struct {
	ClientID   string
	Username   string
	Password   string
	WillTopic  string
	WillMsg    []byte
	WillQoS    uint8
	WillRetain bool
	KeepAlive  int // seconds; 0 defaults to 400

	// DropOnPublishFail is reserved: it is carried on Config but nothing reads it.
	DropOnPublishFail bool
}

func (c Config) keepAliveOrDefault() int {
	if c.KeepAlive == 0 {
		return 400
	}
	return c.KeepAlive
}

// Callbacks is the capability set the application may supply.
//
// Reference: transport spec §6, connack_cb/puback_cb/msg_cb.
type Callbacks struct {
	OnConnAck func(reasonCode uint8)
	OnPubAck  func(packetID uint16)
	OnMessage func(topic string, payload []byte, qos uint8)
}

// Codec owns the transaction arena, the topic-alias tables, the
// packet-id allocator, and keep-alive bookkeeping. It produces
// outbound MQTT bytes via Fragments appended to the arena and
// consumes inbound bytes via Sync.
type Codec struct {
	arena   *Arena
	aliases *aliasTable

	cb Callbacks

	state       State
	connectFrag *Fragment

	nextPacketID uint16 // wraps, skipping 0

	maxMsgSize uint32 // from CONNACK MaximumPacketSize; 0 = unset

	keepAliveSeconds int
	pingPending      bool
	pingInFlight     bool
	pingSent         int
}

// ErrNotImplemented mirrors the spec's NotImplemented error kind for
// QoS 2 and other out-of-scope wire shapes encountered while parsing.
var ErrNotImplemented = errors.New("mqttcodec: not implemented")

// ErrProtocolViolation covers malformed-but-parseable inbound states,
// such as a PUBACK that matches no sent packet. A reassigned topic alias
// seen via PUBLISH is reported as *ErrTopicAliasReassigned instead.
var ErrProtocolViolation = errors.New("mqttcodec: protocol violation")

// New builds a Codec with a 1 MiB initial / 25 MiB max transaction
// arena, per the transport spec's default sizing.
func New(cb Callbacks) *Codec {
	return &Codec{
		arena:   NewArena(1<<20, 25<<20),
		aliases: newAliasTable(0xFFFF),
		cb:      cb,
	}
}

func (c *Codec) allocPacketID() uint16 {
	c.nextPacketID++
	if c.nextPacketID == 0 {
		c.nextPacketID = 1
	}
	return c.nextPacketID
}

// SetTopicAlias assigns topic a fresh outbound alias index, returning
// 0 when the alias space (65535 slots) is exhausted.
func (c *Codec) SetTopicAlias(topic string) uint16 {
	idx, err := c.aliases.Set(topic)
	if err != nil {
		return 0
	}
	return idx
}

// appendPacket packs pkt into a single arena fragment (head+tail, one
// MQTT control packet per WebSocket-bound write). Small control
// packets and publishes alike go through one Fragment; only a
// deliberately large PUBLISH payload would benefit from the arena's
// external-fragment path, which Append already applies by size.
func (c *Codec) appendPacket(pkt packet.Packet, packetID uint16, flags fragFlags) (*Fragment, error) {
	var buf bytes.Buffer
	if err := pkt.Pack(&buf); err != nil {
		return nil, err
	}
	snap := c.arena.Begin()
	f, err := c.arena.Append(buf.Bytes(), flags|flagHead|flagTail, packetID, true, nil)
	if errors.Is(err, ErrMsgTooBig) {
		// Reclaim what can be reclaimed, then try once more.
		c.arena.Rollback(snap)
		c.arena.GC()
		snap = c.arena.Begin()
		f, err = c.arena.Append(buf.Bytes(), flags|flagHead|flagTail, packetID, true, nil)
	}
	if err != nil {
		c.arena.Rollback(snap)
		return nil, err
	}
	c.arena.Commit(snap)
	return f, nil
}

// Connect generates the CONNECT packet, per transport spec §4.5.2.
// Resets packet-id counter and topic-alias tables (clean-start is
// always set, so persisted alias state never survives a reconnect).
func (c *Codec) Connect(cfg Config) error {
	c.aliases = newAliasTable(0xFFFF)
	c.nextPacketID = 0
	c.keepAliveSeconds = cfg.keepAliveOrDefault()

	pkt := &packet.CONNECT{
		FixedHeader:       &packet.FixedHeader{},
		KeepAlive:         uint16(c.keepAliveSeconds),
		TopicAliasMaximum: 0xFFFF,
		ClientID:          cfg.ClientID,
		Username:          cfg.Username,
		Password:          cfg.Password,
		WillTopic:         cfg.WillTopic,
		WillPayload:       cfg.WillMsg,
		WillQoS:           cfg.WillQoS,
		WillRetain:        cfg.WillRetain,
	}
	f, err := c.appendPacket(pkt, 0, 0)
	if err != nil {
		return err
	}
	c.connectFrag = f
	c.state = ConnectPending
	return nil
}

// estimatedOverhead is the slack the spec's PUBLISH generator reserves
// when checking estimated packet size against max_msg_size.
const estimatedOverhead = 64

// ErrMsgTooBigForServer is MessageTooBig returned synchronously to the
// publisher without touching the arena (transport spec §7).
var ErrMsgTooBigForServer = errors.New("mqttcodec: message exceeds server's maximum packet size")

// Publish generates a PUBLISH packet for (topic, payload) at the given
// QoS (0 or 1) and retain flag, resolving the topic-alias state
// machine per transport spec §4.5.3. Returns the allocated packet-id
// (0 for QoS 0, where no PUBACK is expected).
func (c *Codec) Publish(topic string, payload []byte, qos uint8, retain bool) (uint16, error) {
	if qos > 1 {
		return 0, ErrNotImplemented
	}
	aliasIdx, writeTopic := c.aliases.resolveTX(topic)

	wireTopic := topic
	if !writeTopic {
		wireTopic = ""
	}

	estimate := len(wireTopic) + len(payload) + estimatedOverhead
	if c.maxMsgSize != 0 && uint32(estimate) > c.maxMsgSize {
		return 0, ErrMsgTooBigForServer
	}

	packetID := c.allocPacketID()
	pkt := &packet.PUBLISH{
		FixedHeader: &packet.FixedHeader{QoS: qos, Retain: boolToBit(retain)},
		PacketID:    packetID,
		Message:     &packet.Message{TopicName: wireTopic, Content: payload},
		TopicAlias:  packet.TopicAlias(aliasIdx),
	}
	flags := fragFlags(0)
	if qos == 0 {
		flags |= flagGCOnSend
	}
	if _, err := c.appendPacket(pkt, packetID, flags); err != nil {
		return 0, err
	}
	if qos == 0 {
		return 0, nil
	}
	return packetID, nil
}

func boolToBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// Subscribe generates a SUBSCRIBE packet for one topic filter.
func (c *Codec) Subscribe(topicFilter string, maxQoS uint8) (uint16, error) {
	packetID := c.allocPacketID()
	pkt := &packet.SUBSCRIBE{
		FixedHeader:   &packet.FixedHeader{},
		PacketID:      packetID,
		Subscriptions: []packet.Subscription{{TopicFilter: topicFilter, MaxQoS: maxQoS}},
	}
	if _, err := c.appendPacket(pkt, packetID, 0); err != nil {
		return 0, err
	}
	return packetID, nil
}

// Disconnect generates a DISCONNECT packet with the given reason code
// (0 for normal).
func (c *Codec) Disconnect(reasonCode uint8) error {
	pkt := &packet.DISCONNECT{
		FixedHeader: &packet.FixedHeader{},
		ReasonCode:  packet.ReasonCode{Code: reasonCode},
	}
	_, err := c.appendPacket(pkt, 0, flagGCOnSend)
	return err
}

// Ping marks a PINGREQ as pending; Drain emits the two PINGREQ bytes
// (pingreqBytes) ahead of the queued fragments, but only once no
// fragment is partially sent (Sent > 0 and not yet done).
func (c *Codec) Ping() {
	c.pingPending = true
}

// Drain returns the bytes of the next not-yet-fully-sent fragment (or
// a synthetic PINGREQ if one is pending and nothing else is
// in-flight), advancing that fragment's Sent counter by the amount the
// caller reports actually written via Advance. Returns ok=false when
// there is nothing left to send.
func (c *Codec) Drain() (data []byte, ok bool) {
	if c.pingInFlight {
		return pingreqBytes()[c.pingSent:], true
	}
	if c.pingPending && c.nothingPartiallySent() {
		c.pingPending = false
		c.pingInFlight = true
		c.pingSent = 0
		return pingreqBytes(), true
	}
	for _, f := range c.arena.Fragments() {
		if f.Flags&flagGC != 0 {
			continue
		}
		if !f.done() {
			return f.Data[f.Sent:], true
		}
	}
	return nil, false
}

func (c *Codec) nothingPartiallySent() bool {
	for _, f := range c.arena.Fragments() {
		if f.Flags&flagGC == 0 && f.Sent > 0 && !f.done() {
			return false
		}
	}
	return true
}

// pingreqBytes returns the two static PINGREQ wire bytes; it's kept as
// a function (rather than exported arena state) since a PINGREQ never
// needs arena bookkeeping — it carries no packet-id and is never acked.
func pingreqBytes() []byte { return []byte{0xC0, 0x00} }

// Advance records that n bytes of the current head-of-line fragment
// (or of an in-flight PINGREQ) were actually handed to the transport,
// stamping a fragment's SentAt with the caller-supplied nowUnix once it
// is fully sent.
func (c *Codec) Advance(n int, nowUnix int64) {
	if c.pingInFlight {
		c.pingSent += n
		if c.pingSent >= len(pingreqBytes()) {
			c.pingInFlight = false
			c.pingSent = 0
		}
		return
	}
	for _, f := range c.arena.Fragments() {
		if f.Flags&flagGC != 0 || f.done() {
			continue
		}
		f.Sent += uint32(n)
		if f.done() {
			f.SentAt = nowUnix
		}
		return
	}
}

// MaybeCompact runs GC when the 25%-reclaimable threshold is crossed.
func (c *Codec) MaybeCompact() int {
	if c.arena.ShouldCompact() {
		return c.arena.GC()
	}
	return 0
}

// Sync pops as much as possible from the bytes peek returns (backed by
// WsClient.ToMQTTBuf), parses complete MQTT packets, and dispatches
// callbacks / queues responses (e.g. PUBACK) into the arena. consume
// advances the source past exactly the bytes of each parsed packet.
// It stops cleanly once peek's bytes hold only a partial packet.
func (c *Codec) Sync(peek func() []byte, consume func(int)) error {
	for {
		avail := peek()
		if len(avail) == 0 {
			return nil
		}
		consumed, ok, err := c.tryParseOne(avail)
		if err != nil {
			return err
		}
		if !ok {
			return nil // need more bytes
		}
		consume(consumed)
	}
}

// tryParseOne attempts to parse exactly one MQTT packet from the head
// of buf without blocking; ok=false (no error) means buf doesn't yet
// hold a complete packet.
func (c *Codec) tryParseOne(buf []byte) (consumed int, ok bool, err error) {
	r := bytes.NewReader(buf)
	fixed := &packet.FixedHeader{}
	startLen := r.Len()
	if err := fixed.Unpack(r); err != nil {
		if err == io.EOF {
			return 0, false, nil
		}
		return 0, false, err
	}
	headerLen := startLen - r.Len()
	total := headerLen + int(fixed.RemainingLength)
	if len(buf) < total {
		return 0, false, nil
	}

	full := bytes.NewReader(buf[:total])
	p, err := packet.Unpack(full)
	if err != nil {
		if errors.Is(err, packet.ErrNotImplementedYet) {
			return total, true, ErrNotImplemented
		}
		return 0, false, err
	}
	if dispatchErr := c.dispatch(p); dispatchErr != nil {
		return 0, false, dispatchErr
	}
	return total, true, nil
}

func (c *Codec) dispatch(p packet.Packet) error {
	switch v := p.(type) {
	case *packet.CONNACK:
		if c.connectFrag != nil {
			c.connectFrag.Flags |= flagGC
			c.connectFrag = nil
		}
		c.maxMsgSize = uint32(v.MaximumPacketSize)
		if v.ReasonCode.Code == 0 {
			c.state = Connected
		}
		if c.cb.OnConnAck != nil {
			c.cb.OnConnAck(v.ReasonCode.Code)
		}

	case *packet.PUBACK:
		if !c.arena.MarkChainGC(v.PacketID) {
			return ErrProtocolViolation
		}
		if c.cb.OnPubAck != nil {
			c.cb.OnPubAck(v.PacketID)
		}

	case *packet.SUBACK:
		c.arena.MarkChainGC(v.PacketID)

	case *packet.PUBLISH:
		topic := v.Message.TopicName
		if v.TopicAlias != 0 {
			resolved, err := c.aliases.resolveRX(uint16(v.TopicAlias), topic)
			if err != nil {
				return err
			}
			topic = resolved
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(topic, v.Message.Content, v.FixedHeader.QoS)
		}
		if v.FixedHeader.QoS == 1 {
			pkt := &packet.PUBACK{FixedHeader: &packet.FixedHeader{}, PacketID: v.PacketID, ReasonCode: packet.Success}
			if _, err := c.appendPacket(pkt, v.PacketID, flagGCOnSend); err != nil {
				return err
			}
		} else if v.FixedHeader.QoS > 1 {
			return ErrNotImplemented
		}

	case *packet.PINGRESP:
		// keep-alive bookkeeping lives in session.Session, which owns the timer.

	case *packet.DISCONNECT:
		c.state = Disconnected
	}
	return nil
}

// State reports the current session state.
func (c *Codec) State() State { return c.state }

// KeepAliveSeconds reports the negotiated keep-alive interval.
func (c *Codec) KeepAliveSeconds() int { return c.keepAliveSeconds }

// ArenaBytesUsed reports the transaction arena's current occupancy, for
// the session-level ArenaBytesUsed gauge.
func (c *Codec) ArenaBytesUsed() int { return c.arena.BytesUsed() }
