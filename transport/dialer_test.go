package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestDialerDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(c, c)
		c.Close()
	}()

	d := NewDialer(SocketConfig{SoLinger: 0, SoKeepAlive: true, TCPNoDelay: true})
	conn, err := d.Dial(context.Background(), ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("unexpected echo %q", buf)
	}
}

func TestDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	if _, err := Dial(addr); err == nil {
		t.Fatalf("expected dial error")
	}
}

type errWriter struct{ err error }

func (w errWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestForward(t *testing.T) {
	var dst bytes.Buffer
	n, err := Forward(&dst, bytes.NewReader([]byte("hello")))
	if err != nil || n != 5 || dst.String() != "hello" {
		t.Fatalf("unexpected forward result %d %v %q", n, err, dst.String())
	}
	if _, err := Forward(errWriter{errors.New("write: broken pipe")}, bytes.NewReader([]byte("x"))); err != nil {
		t.Fatalf("broken pipe should be ignored, got %s", err)
	}
	if _, err := Forward(errWriter{errors.New("disk full")}, bytes.NewReader([]byte("x"))); err == nil {
		t.Fatalf("expected error")
	}
}
