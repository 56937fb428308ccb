package network

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testIdentity = Identity{DeviceID: "server-device", DeviceName: "Server"}

func TestServerDropsConnectionsBeyondPerAddressCap(t *testing.T) {
	release := make(chan struct{})
	var served atomic.Int32
	var dropped atomic.Int32

	server, err := Listen("127.0.0.1:0", func(conn *Conn) {
		served.Add(1)
		if err := conn.Send(OK()); err != nil {
			return
		}
		<-release
	}, ServerOptions{
		OnDrop: func(string) { dropped.Add(1) },
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	defer func() {
		close(release)
		mu.Lock()
		for _, conn := range conns {
			_ = conn.Close()
		}
		mu.Unlock()
	}()

	for i := 0; i < DefaultMaxConnectionsPerAddress; i++ {
		conn, ok := dialAndExpectReply(t, server.Addr().String())
		if !ok {
			t.Fatalf("expected connection %d to be served", i+1)
		}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
	}

	conn, ok := dialAndExpectReply(t, server.Addr().String())
	_ = conn.Close()
	if ok {
		t.Fatalf("expected sixth connection to be dropped without a reply")
	}

	waitForCondition(t, time.Second, func() bool { return dropped.Load() == 1 })
	if served.Load() != DefaultMaxConnectionsPerAddress {
		t.Fatalf("expected %d served connections, got %d", DefaultMaxConnectionsPerAddress, served.Load())
	}
	waitForCondition(t, time.Second, func() bool {
		return server.OpenConnections() == DefaultMaxConnectionsPerAddress
	})
}

func TestServerCloseClosesActiveConnections(t *testing.T) {
	entered := make(chan struct{})
	server, err := Listen("127.0.0.1:0", func(conn *Conn) {
		close(entered)
		_, _ = conn.ReceiveWithin(time.Minute)
	}, ServerOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	<-entered
	done := make(chan struct{})
	go func() {
		_ = server.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not unblock the handler")
	}
	if server.OpenConnections() != 0 {
		t.Fatalf("expected no open connections after Close")
	}
}

func TestHandshakeAndLoaderResolveIdentity(t *testing.T) {
	var handshakeOnly atomic.Bool
	server, err := Listen("127.0.0.1:0", func(conn *Conn) {
		request, err := conn.Receive()
		if err != nil {
			return
		}
		handshakeOnly.Store(request.HandshakeOnly)
		reply := OK()
		testIdentity.Apply(&reply)
		_ = conn.Send(reply)
	}, ServerOptions{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	loader := &Loader{Identity: Identity{DeviceID: "client", DeviceName: "Client"}}
	device, err := loader.ResolveByAddress(context.Background(), server.Addr().String())
	if err != nil {
		t.Fatalf("ResolveByAddress failed: %v", err)
	}
	if device.ID != "server-device" || device.Name != "Server" {
		t.Fatalf("unexpected device: %+v", device)
	}
	if device.Trusted || !device.Restricted {
		t.Fatalf("resolved devices must start untrusted and restricted: %+v", device)
	}
	if !handshakeOnly.Load() {
		t.Fatalf("expected loader to request a handshake-only exchange")
	}

	conn, err := Dial(context.Background(), server.Addr().String(), DialOptions{})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	_, err = Handshake(conn, HandshakeOptions{
		Identity:         Identity{DeviceID: "client", DeviceName: "Client"},
		ExpectedDeviceID: "someone-else",
	})
	if err == nil {
		t.Fatalf("expected unexpected peer error")
	}
}

func TestJoinHostPortKeepsExplicitPort(t *testing.T) {
	if got := JoinHostPort("10.0.0.2:4000", 1128); got != "10.0.0.2:4000" {
		t.Fatalf("unexpected address %q", got)
	}
	if got := JoinHostPort("10.0.0.2", 0); got != "10.0.0.2:1128" {
		t.Fatalf("unexpected address %q", got)
	}
}

func dialAndExpectReply(t *testing.T, address string) (net.Conn, bool) {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	payload, err := ReadFrameWithTimeout(conn, 500*time.Millisecond)
	if err != nil {
		return conn, false
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		return conn, false
	}
	return conn, msg.Succeeded()
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}
