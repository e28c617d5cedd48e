package comm_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/Daan4/vision-well-position-controller/comm"
)

func tcpEchoServer(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal("could not listen, test aborted:", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { io.Copy(conn, conn) }() // use goroutines to handle multiple connections
		}
	}()
	return ln.Addr().String()
}

func TestDialEcho(t *testing.T) {
	addr := tcpEchoServer(t)
	conn, err := comm.Dial(addr, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	msg := []byte("hello")
	if _, err = conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err = io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("expected echo of %q, got %q", msg, buf)
	}
}

func TestDialRefusedGivesUp(t *testing.T) {
	// grab a free port, then close it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	start := time.Now()
	_, err = comm.DialBackOff(addr, 100*time.Millisecond, b)
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("expected bounded retries, took %v", time.Since(start))
	}
}
