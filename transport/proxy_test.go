package transport

import (
	"bufio"
	"net"
	"strings"
	"testing"
)

func proxyStub(t *testing.T, response string) (host, port string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil || strings.TrimRight(line, "\r\n") == "" {
				break
			}
		}
		conn.Write([]byte(response))
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	return h, p, done
}

func TestConnectThroughProxy407(t *testing.T) {
	host, port, done := proxyStub(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	_, err := ConnectThroughProxy(ProxyConfig{Host: host, Port: port}, "example.com", 443)
	<-done
	pe, ok := err.(*ProxyError)
	if !ok {
		t.Fatalf("expected *ProxyError, got %v", err)
	}
	if pe.StatusCode != 407 || pe.Reason != "Proxy Authentication Required" {
		t.Fatalf("unexpected proxy error: %+v", pe)
	}
}

func TestConnectThroughProxyRejectsTrailingBytes(t *testing.T) {
	host, port, done := proxyStub(t, "HTTP/1.1 200 Connection Established\r\n\r\nunexpected-body")
	_, err := ConnectThroughProxy(ProxyConfig{Host: host, Port: port}, "example.com", 443)
	<-done
	if err == nil {
		t.Fatal("expected an error for bytes following the header terminator")
	}
	if _, ok := err.(*ProxyError); ok {
		t.Fatalf("expected a protocol error, not a *ProxyError: %v", err)
	}
}

func TestConnectThroughProxySuccess(t *testing.T) {
	host, port, done := proxyStub(t, "HTTP/1.1 200 Connection Established\r\n\r\n")
	conn, err := ConnectThroughProxy(ProxyConfig{Host: host, Port: port}, "example.com", 443)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	conn.Close()
	<-done
}
