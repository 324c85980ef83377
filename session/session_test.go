package session

import (
	"testing"
	"time"

	"github.com/golang-io/mqttws/mqttcodec"
)

func TestOptionsApply(t *testing.T) {
	s := New("c1", nil, nil,
		WithCredentials("u", "p"),
		WithKeepAlive(4),
		WithWill("t/will", []byte("bye"), 1, true),
		WithMaxArenaBytes(1<<20),
	)
	cfg := s.Config()
	if cfg.Username != "u" || cfg.Password != "p" {
		t.Fatalf("credentials not applied: %+v", cfg)
	}
	if cfg.KeepAlive != 4 {
		t.Fatalf("expected keep-alive 4, got %d", cfg.KeepAlive)
	}
	if cfg.WillTopic != "t/will" || string(cfg.WillMsg) != "bye" || cfg.WillQoS != 1 || !cfg.WillRetain {
		t.Fatalf("will not applied: %+v", cfg)
	}
	if s.maxArenaBytes != 1<<20 {
		t.Fatalf("expected max arena bytes 1MiB, got %d", s.maxArenaBytes)
	}
}

func TestKeepAliveDeadlineWindow(t *testing.T) {
	s := New("c1", nil, nil, WithKeepAlive(4))
	if err := s.mq.Connect(s.cfg); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Unix()
	s.timeOfLastSend = now

	deadline := s.keepAliveDeadline(now)
	want := now + 3 // 0.75 * 4 == 3
	if deadline != want {
		t.Fatalf("expected keep-alive deadline %d, got %d", want, deadline)
	}
}

func TestErrorWrapping(t *testing.T) {
	err := wrap(PingTimeout, nil)
	if err != nil {
		t.Fatal("wrap(kind, nil) should return nil")
	}

	base := mqttcodec.ErrNotImplemented
	wrapped := wrap(NotImplementedKind, base)
	se, ok := wrapped.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", wrapped)
	}
	if se.Kind != NotImplementedKind {
		t.Fatalf("expected NotImplementedKind, got %v", se.Kind)
	}
	if se.Unwrap() != base {
		t.Fatal("Unwrap should return the original error")
	}
}
