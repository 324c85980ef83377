// Package session drives the RingBuf -> TLSSocket -> HttpConnectProxy
// -> WsClient -> MqttCodec stack from one cooperative event loop,
// Service, the way golang-io-mqtt's Client.ConnectAndSubscribe drives
// its own dial/connect/subscribe/serve sequence with an errgroup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/golang-io/mqttws/mqttcodec"
	"github.com/golang-io/mqttws/transport"
	"github.com/golang-io/mqttws/wsclient"
	"github.com/golang-io/requests"
)

// ProxyType selects whether an HTTP CONNECT proxy sits in front of the target.
type ProxyType int

const (
	ProxyDirect ProxyType = iota
	ProxyHTTP
)

// ProxyConfig mirrors the transport spec's `{type, host, port, username, password}`.
type ProxyConfig struct {
	Type     ProxyType
	Host     string
	Port     int
	Username string
	Password string
}

// Option configures a Session at construction time.
type Option func(*Session)

func WithCredentials(username, password string) Option {
	return func(s *Session) { s.cfg.Username = username; s.cfg.Password = password }
}

func WithWill(topic string, payload []byte, qos uint8, retain bool) Option {
	return func(s *Session) {
		s.cfg.WillTopic = topic
		s.cfg.WillMsg = payload
		s.cfg.WillQoS = qos
		s.cfg.WillRetain = retain
	}
}

func WithKeepAlive(seconds int) Option {
	return func(s *Session) { s.cfg.KeepAlive = seconds }
}

func WithProxy(p ProxyConfig) Option {
	return func(s *Session) { s.proxy = &p }
}

func WithCertCheck(c transport.CertCheck) Option {
	return func(s *Session) { s.certCheck = c }
}

func WithPreferIPv4(v bool) Option {
	return func(s *Session) { s.preferIPv4 = v }
}

func WithMaxArenaBytes(n int) Option {
	return func(s *Session) { s.maxArenaBytes = n }
}

func WithStats(stats *Stats) Option {
	return func(s *Session) { s.stats = stats }
}

// State is the session-level connection lifecycle.
type State int

const (
	Raw State = iota
	Connecting
	Connected
	Errored
	Disconnected
)

const (
	defaultRxBufCap     = 64 * 1024
	defaultTxBufCap     = 64 * 1024
	defaultToMQTTBufCap = 64 * 1024
	pingTimeoutSeconds  = 60
)

// Session owns L1 through L4 and the single coordinator goroutine that
// runs Service. It is safe to call Publish/Subscribe/Ping/Disconnect
// concurrently with Service: those calls only append to the MQTT
// arena and signal the wake channel, mirroring the transport spec's
// header_buffer_lock discipline.
type Session struct {
	cfg           mqttcodec.Config
	proxy         *ProxyConfig
	certCheck     transport.CertCheck
	preferIPv4    bool
	maxArenaBytes int
	stats         *Stats

	mu    sync.Mutex // guards everything below, standing in for header_buffer_lock
	state State

	tls *transport.TLSSocket
	ws  *wsclient.Client
	mq  *mqttcodec.Codec

	wake chan struct{}

	rxResult  chan rxResult // fed by readPump, selected on alongside wake and the keep-alive timer
	rxDone    chan struct{} // closed once, tells readPump to stop offering results
	closeOnce sync.Once
	pendingRx []byte // bytes read off the wire that didn't yet fit in ws.RxBuf

	timeOfLastSend int64 // unix seconds
	pingTimeoutAt  int64 // unix seconds, 0 if no ping in flight

	host string
	port int
}

// rxResult is one outcome of a background TLS read, handed from
// readPump to readAvailable over rxResult.
type rxResult struct {
	data []byte
	err  error
}

// New builds a Session with the given client-id and message/puback
// callbacks, applying opts.
//
// Reference: transport spec §6 Session.new(msg_cb, puback_cb).
func New(clientID string, onMessage func(topic string, payload []byte, qos uint8), onPubAck func(packetID uint16), opts ...Option) *Session {
	if clientID == "" {
		clientID = "mqttws-" + requests.GenId()
	}
	s := &Session{
		cfg:           mqttcodec.Config{ClientID: clientID},
		certCheck:     transport.Full,
		maxArenaBytes: 25 << 20,
		wake:          make(chan struct{}, 1),
		rxResult:      make(chan rxResult),
		rxDone:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.mq = mqttcodec.New(mqttcodec.Callbacks{
		OnMessage: onMessage,
		OnPubAck:  onPubAck,
		OnConnAck: func(reasonCode uint8) {
			if reasonCode == 0 {
				s.state = Connected
			}
		},
	})
	return s
}

// Connect resolves host:port (optionally through an HTTP CONNECT
// proxy), brings up TLS, negotiates the WebSocket upgrade, generates
// the MQTT CONNECT, and runs Service in a loop until connected or a
// fatal error, per transport spec §4.6 connect().
func (s *Session) Connect(ctx context.Context, host string, port int, path string, timeout time.Duration) error {
	s.mu.Lock()
	s.host, s.port = host, port
	s.ws = wsclient.New(host, path, defaultRxBufCap, defaultTxBufCap, defaultToMQTTBufCap)
	s.state = Connecting
	s.mu.Unlock()

	var rawConn net.Conn
	if s.proxy != nil && s.proxy.Type == ProxyHTTP {
		conn, err := transport.ConnectThroughProxy(transport.ProxyConfig{
			Host: s.proxy.Host, Port: strconv.Itoa(s.proxy.Port),
			Username: s.proxy.Username, Password: s.proxy.Password,
		}, host, port)
		if err != nil {
			return wrap(ProxyErrorKind, err)
		}
		rawConn = conn
	}

	sock, err := transport.Dial(ctx, host, port, rawConn, transport.DialOptions{
		CertCheck: s.certCheck, Timeout: timeout, PreferIPv4: s.preferIPv4,
	})
	if err != nil {
		var de *transport.DialError
		if errors.As(err, &de) {
			switch de.Stage {
			case "lookup":
				return wrap(TransportLookup, err)
			case "connect":
				return wrap(TransportConnect, err)
			case "tls_handshake":
				return wrap(TlsHandshake, err)
			}
		}
		return wrap(TlsInit, err)
	}
	s.mu.Lock()
	s.tls = sock
	s.mu.Unlock()
	go s.readPump()

	if err := s.ws.StartHandshake(); err != nil {
		return wrap(WsHandshakeKind, err)
	}
	log.Printf("[SESSION_CONNECTING] client_id=%s host=%s:%d", s.cfg.ClientID, host, port)

	for {
		if err := s.Service(ctx, -1); err != nil {
			return err
		}
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state == Connected {
			log.Printf("[SESSION_CONNECTED] client_id=%s", s.cfg.ClientID)
			return nil
		}
		if state == Errored {
			return wrap(InternalBug, fmt.Errorf("session entered Errored state during connect"))
		}
		if s.ws.State == wsclient.Established && s.mq.State() == mqttcodec.Raw {
			if err := s.mq.Connect(s.cfg); err != nil {
				return wrap(ConfigUserError, err)
			}
		}
	}
}

// keepAliveDeadline returns the instant (unix seconds) by which a
// PINGREQ is due, per the 0.75 * keep_alive target in transport spec §4.5.6.
func (s *Session) keepAliveDeadline(now int64) int64 {
	ka := s.mq.KeepAliveSeconds()
	if ka == 0 {
		return now + 400
	}
	return s.timeOfLastSend + int64(float64(ka)*0.75)
}

// Service runs one iteration of the event loop: adjusts the poll
// timeout to the keep-alive deadline, reads available TLS bytes,
// drives the WebSocket and MQTT layers, and writes queued outbound
// bytes, per transport spec §4.6.
func (s *Session) Service(ctx context.Context, timeoutMs int) error {
	now := time.Now().Unix()
	if s.pingTimeoutAt != 0 && now > s.pingTimeoutAt {
		s.mu.Lock()
		s.state = Errored
		s.mu.Unlock()
		return wrap(PingTimeout, fmt.Errorf("no PINGRESP within %ds", pingTimeoutSeconds))
	}

	deadline := s.keepAliveDeadline(now)
	waitSec := deadline - now
	if waitSec < 0 {
		waitSec = 0
	}
	readTimeout := time.Duration(waitSec) * time.Second
	if timeoutMs >= 0 && time.Duration(timeoutMs)*time.Millisecond < readTimeout {
		readTimeout = time.Duration(timeoutMs) * time.Millisecond
	}

	if err := s.readAvailable(readTimeout); err != nil {
		if errors.Is(err, errTimedOut) {
			if waitSec <= 0 {
				s.mq.Ping()
				s.timeOfLastSend = now
				s.pingTimeoutAt = now + pingTimeoutSeconds
			}
		} else {
			return err
		}
	}

	if err := s.driveWs(); err != nil {
		return err
	}
	if err := s.driveMqtt(); err != nil {
		return err
	}
	if err := s.flushOutbound(); err != nil {
		return err
	}
	return nil
}

var errTimedOut = errors.New("session: read timed out")

// readPump runs on its own goroutine for the life of the connection,
// performing blocking reads off tls (crypto/tls exposes no WANT_READ
// surface to multiplex on) and handing each result to readAvailable
// over rxResult. It exits once a read errors, or once Close signals
// rxDone — whichever comes first; Close's tls.Close() also unblocks
// whatever Read call is in flight.
func (s *Session) readPump() {
	for {
		buf := make([]byte, 16*1024)
		n, err := s.tls.Read(buf)
		var data []byte
		if n > 0 {
			data = buf[:n]
		}
		select {
		case s.rxResult <- rxResult{data: data, err: err}:
		case <-s.rxDone:
			return
		}
		if err != nil {
			return
		}
	}
}

// flushPendingRx moves as much of pendingRx into ws.RxBuf as currently
// fits, honoring RxBuf's backpressure (Process/Sync haven't drained it
// yet) by leaving the remainder staged for the next tick.
func (s *Session) flushPendingRx() error {
	if len(s.pendingRx) == 0 {
		return nil
	}
	window := s.ws.RxBuf.LinearInsertRange()
	n := len(s.pendingRx)
	if n > len(window) {
		n = len(window)
	}
	if n == 0 {
		return nil
	}
	copy(window, s.pendingRx[:n])
	s.ws.RxBuf.BumpHead(n)
	s.pendingRx = s.pendingRx[n:]
	return nil
}

// readAvailable waits for whichever of three things happens first: the
// background read pump delivers bytes (or an error), another goroutine
// wakes the loop via Publish/Subscribe/Ping, or timeout elapses with
// the keep-alive deadline. A timeout is not an error condition at this
// layer — it's how Service learns "no work arrived before the
// keep-alive deadline".
//
// Reference: transport spec §4.6 step 2 (poll socket and wake pipe)
// and step 9 (drain the wake pipe if readable).
func (s *Session) readAvailable(timeout time.Duration) error {
	if err := s.flushPendingRx(); err != nil {
		return err
	}
	if len(s.pendingRx) > 0 {
		return nil // RxBuf still full; Process/Sync must drain it before more bytes fit
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-s.rxResult:
		if len(res.data) > 0 {
			if s.stats != nil {
				s.stats.BytesReceived.Add(float64(len(res.data)))
			}
			s.pendingRx = append(s.pendingRx, res.data...)
		}
		if res.err != nil {
			if ne, ok := res.err.(net.Error); ok && ne.Timeout() {
				return errTimedOut
			}
			if errors.Is(res.err, net.ErrClosed) {
				return wrap(RemoteClosed, res.err)
			}
			return wrap(ConnDrop, res.err)
		}
		return s.flushPendingRx()
	case <-s.wake:
		return nil
	case <-timer.C:
		return errTimedOut
	}
}

func (s *Session) driveWs() error {
	if s.ws.State == wsclient.Handshake {
		if err := s.ws.ProcessHandshake(); err != nil {
			return wrap(WsHandshakeKind, err)
		}
		return nil
	}
	if s.ws.State != wsclient.Established {
		return nil
	}
	if err := s.ws.Process(); err != nil {
		return wrap(WsProtocolKind, err)
	}
	return nil
}

func (s *Session) driveMqtt() error {
	if s.ws.State != wsclient.Established {
		return nil
	}
	peek := func() []byte { return s.ws.ToMQTTBuf.PeekAll() }
	consume := func(n int) { s.ws.ToMQTTBuf.BumpTail(n) }
	if err := s.mq.Sync(peek, consume); err != nil {
		if errors.Is(err, mqttcodec.ErrNotImplemented) {
			return wrap(NotImplementedKind, err)
		}
		return wrap(MqttProtocolKind, err)
	}
	s.mq.MaybeCompact()
	if s.stats != nil {
		s.stats.ArenaBytesUsed.Set(float64(s.mq.ArenaBytesUsed()))
	}
	return nil
}

// flushOutbound drains whatever MqttCodec has queued into
// WsClient.TxBuf (masked framing happens at QueueFrame) and then
// drains WsClient.TxBuf to the TLS socket, tolerating short writes per
// Testable Property 9.
func (s *Session) flushOutbound() error {
	for {
		data, ok := s.mq.Drain()
		if !ok {
			break
		}
		queued, err := s.ws.QueueFrame(wsclient.OpBinary, data)
		if err != nil {
			return wrap(WsProtocolKind, err)
		}
		n := len(data)
		if !queued {
			n = 0 // QueueFrame buffers its own partial progress; MqttCodec sees the whole fragment as "sent" to WsClient once framed
		}
		s.mq.Advance(n, time.Now().Unix())
		if !queued {
			break
		}
	}

	pending := s.ws.TxBuf.PeekAll()
	if len(pending) == 0 {
		return nil
	}
	n, err := s.tls.Write(pending)
	if n > 0 {
		s.ws.TxBuf.BumpTail(n)
		s.timeOfLastSend = time.Now().Unix()
		if s.stats != nil {
			s.stats.BytesSent.Add(float64(n))
		}
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil // short write, resume next tick
		}
		return wrap(ConnDrop, err)
	}
	return nil
}

// Publish enqueues a PUBLISH packet.
func (s *Session) Publish(topic string, payload []byte, qos uint8, retain bool) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.mq.Publish(topic, payload, qos, retain)
	if err != nil {
		if errors.Is(err, mqttcodec.ErrMsgTooBigForServer) {
			return 0, wrap(MessageTooBig, err)
		}
		return 0, wrap(NotImplementedKind, err)
	}
	s.wakeUp()
	return id, nil
}

// Subscribe enqueues a SUBSCRIBE for one topic filter. The options byte
// on the wire is always QoS 1 with retain-as-published; maxQoS does not
// change it.
func (s *Session) Subscribe(topicFilter string, maxQoS uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.mq.Subscribe(topicFilter, maxQoS); err != nil {
		return wrap(InternalBug, err)
	}
	s.wakeUp()
	return nil
}

// SetTopicAlias assigns topic a fresh outbound alias index (0 means exhausted).
func (s *Session) SetTopicAlias(topic string) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mq.SetTopicAlias(topic)
}

// Ping requests an out-of-band PINGREQ on the next Service tick.
func (s *Session) Ping() {
	s.mu.Lock()
	s.mq.Ping()
	s.mu.Unlock()
	s.wakeUp()
}

// Disconnect sends DISCONNECT and a WebSocket close frame (code
// 1000), then services the flush with a budget quartered across the
// two stages, per transport spec §4.6 disconnect(timeout_ms).
func (s *Session) Disconnect(ctx context.Context, timeout time.Duration) error {
	quarter := timeout / 4
	s.mu.Lock()
	_ = s.mq.Disconnect(0)
	s.mu.Unlock()
	if err := s.Service(ctx, int(quarter.Milliseconds())); err != nil {
		return err
	}

	closeFrame, err := wsclient.BuildFrame(wsclient.OpClose, []byte{0x03, 0xE8}) // 1000, no reason
	if err != nil {
		return wrap(InternalBug, err)
	}
	_ = s.ws.TxBuf.Push(closeFrame)
	if err := s.Service(ctx, int(quarter.Milliseconds())); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = Disconnected
	s.mu.Unlock()
	return s.Close()
}

// Close releases the TLS socket exactly once, signaling readPump to
// stop (tls.Close also unblocks whatever Read it's currently blocked in).
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.rxDone) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tls == nil {
		return nil
	}
	return s.tls.Close()
}

func (s *Session) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Config exposes the negotiated MQTT configuration, chiefly for tests
// that want to assert an Option was applied without reaching into
// unexported state.
func (s *Session) Config() mqttcodec.Config { return s.cfg }

// State reports the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
