package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"e2e_messenger/internal/protocol/wire"
)

func pipeDialer(srv chan<- net.Conn) Dialer {
	return DialerFunc(func(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		if handshaking != nil {
			handshaking()
		}
		select {
		case srv <- server:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return client, nil
	})
}

func nextEvent(t *testing.T, c *Connection) Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func expectClosed(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event after terminal: %#v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed")
	}
}

func startConn(t *testing.T) (*Connection, net.Conn) {
	t.Helper()
	return startConnWith(t, ConnectionOptions{ReadBuffer: 7, WriteTimeout: time.Second})
}

func startConnWith(t *testing.T, opts ConnectionOptions) (*Connection, net.Conn) {
	t.Helper()
	srv := make(chan net.Conn, 1)
	c := NewConnection(pipeDialer(srv), opts)
	c.Start(context.Background())
	if _, ok := nextEvent(t, c).(Handshaking); !ok {
		t.Fatal("expected Handshaking")
	}
	server := <-srv
	if _, ok := nextEvent(t, c).(Established); !ok {
		t.Fatal("expected Established")
	}
	return c, server
}

func TestConnectionDeliversFramesAndPeerClose(t *testing.T) {
	c, server := startConn(t)

	go func() {
		_ = wire.Write(server, wire.NewMessage(wire.NewHeader(wire.CmdPing), nil))
		_ = wire.Write(server, wire.NewMessage(wire.NewHeader(wire.CmdNewMessage), []byte("payload-bytes")))
		server.Close()
	}()

	for _, want := range []wire.CommandCode{wire.CmdPing, wire.CmdNewMessage} {
		ev, ok := nextEvent(t, c).(MessageReceived)
		if !ok || ev.Message.Header.Command != want {
			t.Fatalf("expected %s, got %#v", want, ev)
		}
	}
	if lost, ok := nextEvent(t, c).(Lost); !ok || lost.Requested {
		t.Fatalf("expected unrequested Lost, got %#v", lost)
	}
	expectClosed(t, c)
}

func TestConnectionRequestedDisconnect(t *testing.T) {
	c, server := startConn(t)
	defer server.Close()
	c.Disconnect()
	if lost, ok := nextEvent(t, c).(Lost); !ok || !lost.Requested {
		t.Fatalf("expected requested Lost, got %#v", lost)
	}
	expectClosed(t, c)
	if err := c.Send(wire.Ping(aliceAddr)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after disconnect: %v", err)
	}
}

func TestConnectionFailsOnMalformedHeader(t *testing.T) {
	c, server := startConn(t)
	defer server.Close()
	go func() {
		bad := wire.EncodeHeader(wire.NewHeader(wire.CmdPing))
		bad[0] = 42
		_, _ = server.Write(bad)
	}()
	failed, ok := nextEvent(t, c).(Failed)
	var de *wire.DecodeError
	if !ok || !errors.As(failed.Err, &de) {
		t.Fatalf("expected decode failure, got %#v", failed)
	}
	expectClosed(t, c)
}

func TestConnectionFailsOnWriteError(t *testing.T) {
	c, server := startConnWith(t, ConnectionOptions{WriteTimeout: 50 * time.Millisecond})
	defer server.Close()

	// Nobody reads the server side, so the write hits its deadline.
	err := c.Send(wire.Ping(aliceAddr))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("send: %v", err)
	}
	failed, ok := nextEvent(t, c).(Failed)
	if !ok || !errors.Is(failed.Err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected write failure, got %#v", failed)
	}
	expectClosed(t, c)
	if err := c.Send(wire.Ping(aliceAddr)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after failure: %v", err)
	}
}

func TestConnectionDialFailure(t *testing.T) {
	boom := errors.New("refused")
	c := NewConnection(DialerFunc(func(context.Context, func()) (io.ReadWriteCloser, error) {
		return nil, boom
	}), ConnectionOptions{})
	c.Start(context.Background())
	if f, ok := nextEvent(t, c).(Failed); !ok || !errors.Is(f.Err, boom) {
		t.Fatalf("expected Failed, got %#v", f)
	}
	expectClosed(t, c)
}

func TestConnectionSendWritesWholeFrames(t *testing.T) {
	c, server := startConn(t)
	defer c.Disconnect()

	const writers = 8
	errs := make(chan error, writers)
	for i := range writers {
		go func() {
			h := wire.NewHeader(wire.CmdSendMessage)
			h.Flags = uint16(i)
			errs <- c.Send(wire.NewMessage(h, make([]byte, 100+i)))
		}()
	}
	seen := map[uint16]bool{}
	for range writers {
		m, err := wire.ReadMessage(server, 0)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if int(m.Header.ContentLength) != 100+int(m.Header.Flags) {
			t.Fatalf("interleaved frame: %+v", m.Header)
		}
		seen[m.Header.Flags] = true
	}
	for range writers {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != writers {
		t.Fatalf("got %d distinct frames", len(seen))
	}
}
