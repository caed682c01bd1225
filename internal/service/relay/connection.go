package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"e2e_messenger/internal/protocol/wire"
)

var (
	ErrNotConnected = errors.New("relay: not connected")
	ErrNotOnline    = errors.New("relay: not authenticated")
)

type (
	// Event is emitted by a Connection. Exactly one of Lost or Failed ends
	// the stream, after which the channel is closed.
	Event interface {
		isEvent()
	}

	Handshaking struct{}

	Established struct{}

	MessageReceived struct {
		Message wire.RelayMessage
	}

	// Lost reports a closed stream. Requested is true when Disconnect or
	// context cancellation closed it.
	Lost struct {
		Requested bool
	}

	// Failed reports a transport error or a malformed frame.
	Failed struct {
		Err error
	}
)

func (Handshaking) isEvent()     {}
func (Established) isEvent()     {}
func (MessageReceived) isEvent() {}
func (Lost) isEvent()            {}
func (Failed) isEvent()          {}

type ConnectionOptions struct {
	MaxContentLength uint32
	WriteTimeout     time.Duration
	// EventBuffer bounds the event channel. The reader stops reading from
	// the socket while the channel is full.
	EventBuffer int
	ReadBuffer  int
}

// Connection is one stream to the relay. It is single use.
type Connection struct {
	dialer Dialer
	opts   ConnectionOptions
	events chan Event

	mu        sync.Mutex
	rwc       io.ReadWriteCloser
	writeErr  error
	requested atomic.Bool
	closeOnce sync.Once
	started   atomic.Bool

	// wmu keeps whole frames together on the wire.
	wmu sync.Mutex
}

func NewConnection(d Dialer, opts ConnectionOptions) *Connection {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 32 << 10
	}
	return &Connection{
		dialer: d,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
	}
}

func (c *Connection) Events() <-chan Event {
	return c.events
}

// Start dials and runs the read loop in the background. Cancelling ctx is a
// requested disconnect.
func (c *Connection) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.run(ctx)
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.events)
	stop := context.AfterFunc(ctx, c.Disconnect)
	defer stop()

	rwc, err := c.dialer.Dial(ctx, func() { c.events <- Handshaking{} })
	if err != nil {
		if c.requested.Load() || ctx.Err() != nil {
			c.events <- Lost{Requested: true}
			return
		}
		c.events <- Failed{Err: err}
		return
	}

	c.mu.Lock()
	if c.requested.Load() {
		c.mu.Unlock()
		rwc.Close()
		c.events <- Lost{Requested: true}
		return
	}
	c.rwc = rwc
	c.mu.Unlock()
	defer c.close()

	c.events <- Established{}
	c.events <- c.readLoop(rwc)
}

// readLoop returns the terminal event.
func (c *Connection) readLoop(r io.Reader) Event {
	dec := wire.NewDecoder(c.opts.MaxContentLength)
	buf := make([]byte, c.opts.ReadBuffer)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, m := range msgs {
				c.events <- MessageReceived{Message: m}
			}
			if derr != nil {
				return Failed{Err: derr}
			}
		}
		if err != nil {
			if werr := c.failure(); werr != nil {
				return Failed{Err: werr}
			}
			if c.requested.Load() {
				return Lost{Requested: true}
			}
			if errors.Is(err, io.EOF) {
				return Lost{Requested: false}
			}
			return Failed{Err: err}
		}
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.rwc != nil {
			c.rwc.Close()
		}
	})
}

func (c *Connection) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

// Send writes one frame. Concurrent callers are serialized. A failed write
// may leave a partial frame on the wire, so it ends the stream with Failed.
func (c *Connection) Send(m wire.RelayMessage) error {
	c.mu.Lock()
	rwc, failed := c.rwc, c.writeErr != nil
	c.mu.Unlock()
	if rwc == nil || failed || c.requested.Load() {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if d, ok := rwc.(interface{ SetWriteDeadline(time.Time) error }); ok && c.opts.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := wire.Write(rwc, m); err != nil {
		c.mu.Lock()
		if c.writeErr == nil {
			c.writeErr = err
		}
		c.mu.Unlock()
		c.close()
		return err
	}
	return nil
}

// Disconnect closes the stream. The terminal event is Lost{Requested: true}
// unless the stream had already failed.
func (c *Connection) Disconnect() {
	c.requested.Store(true)
	c.mu.Lock()
	connected := c.rwc != nil
	c.mu.Unlock()
	if connected {
		c.close()
	}
}
