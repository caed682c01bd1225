package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer opens the byte stream to the relay. handshaking is called once the
// transport is up and the TLS handshake starts; it may be nil.
type Dialer interface {
	Dial(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error)
}

type DialerFunc func(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error)

func (f DialerFunc) Dial(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error) {
	return f(ctx, handshaking)
}

// TLSDialer connects over TCP and runs the TLS handshake itself so the
// handshake phase is observable.
type TLSDialer struct {
	Addr    string
	Config  *tls.Config
	Timeout time.Duration
}

func (d *TLSDialer) Dial(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error) {
	nd := &net.Dialer{Timeout: d.Timeout, KeepAlive: 30 * time.Second}
	raw, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	if handshaking != nil {
		handshaking()
	}

	cfg := d.Config
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		host, _, err := net.SplitHostPort(d.Addr)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("relay: address %q: %w", d.Addr, err)
		}
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("relay: tls handshake: %w", err)
	}
	return conn, nil
}

// WebSocketDialer carries the relay stream in binary websocket messages, for
// networks that only let HTTPS out.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, handshaking func()) (io.ReadWriteCloser, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	if handshaking != nil {
		handshaking()
	}
	conn, resp, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: websocket dial: %w", err)
	}
	return NewWebSocketStream(conn), nil
}

// WebSocketStream adapts a websocket connection to a byte stream. Message
// boundaries carry no meaning; frames may span messages.
type WebSocketStream struct {
	conn   *websocket.Conn
	reader io.Reader
	wmu    sync.Mutex
}

func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (s *WebSocketStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			typ, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *WebSocketStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *WebSocketStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *WebSocketStream) Close() error {
	s.wmu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.wmu.Unlock()
	return s.conn.Close()
}
