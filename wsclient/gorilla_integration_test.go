package wsclient_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-io/mqttws/wsclient"
	"github.com/gorilla/websocket"
)

// This test trusts gorilla/websocket as a known-good server double and
// drives the hand-rolled client through it end to end, pumping bytes
// between a plain net.Conn and the client's ring buffers exactly the
// way Session does with a TLSSocket.
func TestClientAgainstGorillaServer(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"mqtt"}}
	received := make(chan []byte, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		defer conn.Close()
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if mt != websocket.BinaryMessage {
			t.Errorf("expected binary message, got %d", mt)
		}
		received <- payload
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte("ack")); err != nil {
			t.Errorf("server write: %v", err)
		}
	}))
	defer ts.Close()

	addr := strings.TrimPrefix(ts.URL, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	c := wsclient.New(addr, "/mqtt", 4096, 4096, 4096)
	if err := c.StartHandshake(); err != nil {
		t.Fatal(err)
	}

	write := func() {
		out := c.TxBuf.PeekAll()
		if len(out) == 0 {
			return
		}
		n, err := conn.Write(out)
		if err != nil {
			t.Fatal(err)
		}
		c.TxBuf.BumpTail(n)
	}
	read := func() {
		buf := make([]byte, 4096)
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatal(err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.RxBuf.Push(buf[:n]); err != nil {
			t.Fatal(err)
		}
	}

	write()
	read()
	if err := c.ProcessHandshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if c.State != wsclient.Established {
		t.Fatalf("expected Established, got %v", c.State)
	}

	queued, err := c.QueueFrame(wsclient.OpBinary, []byte("hello mqttws"))
	if err != nil || !queued {
		t.Fatalf("queue frame: queued=%v err=%v", queued, err)
	}
	write()

	select {
	case payload := <-received:
		if string(payload) != "hello mqttws" {
			t.Fatalf("server got %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received message")
	}

	read()
	if err := c.Process(); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := make([]byte, c.ToMQTTBuf.Available())
	c.ToMQTTBuf.Pop(got)
	if string(got) != "ack" {
		t.Fatalf("expected ack, got %q", got)
	}
}
