package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/wire"
	"e2e_messenger/internal/utils/broadcast"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	TlsHandshaking
	Connected
	Authenticated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case TlsHandshaking:
		return "tls_handshaking"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	ErrAuthExpired      = errors.New("relay: authentication expired")
	ErrAuthInvalid      = errors.New("relay: authentication invalid")
	ErrHeartbeatTimeout = errors.New("relay: no traffic from relay")
	ErrAuthTimeout      = errors.New("relay: no authentication response")
	ErrShutdown         = errors.New("relay: manager shut down")
)

type (
	// StatusEvent is published to subscribers. Slow subscribers miss events.
	StatusEvent interface {
		isStatus()
	}

	StateChanged struct {
		State State
	}

	OnlineChanged struct {
		Online bool
		Tag    uint64
	}

	// RetryCountdown ticks once per backoff unit until the next attempt.
	RetryCountdown struct {
		Remaining int
		Attempt   int
	}

	// AuthenticationFailed is terminal: the manager stays disconnected until
	// Connect is called again.
	AuthenticationFailed struct {
		Err error
	}

	ConnectionFailure struct {
		Err error
	}

	// ClockDiffChanged is published whenever the relay reports its time.
	// Diff is zero when the difference is within the clock threshold.
	ClockDiffChanged struct {
		Diff time.Duration
	}
)

func (StateChanged) isStatus()         {}
func (OnlineChanged) isStatus()        {}
func (RetryCountdown) isStatus()       {}
func (AuthenticationFailed) isStatus() {}
func (ConnectionFailure) isStatus()    {}
func (ClockDiffChanged) isStatus()     {}

type (
	TokenManager interface {
		Token(ctx context.Context) (string, error)
		// Refresh is called once when the relay reports the token expired.
		Refresh(ctx context.Context) (string, error)
	}

	// Handler receives inbound frames and online transitions on the manager
	// goroutine. It must not block for long.
	Handler interface {
		HandleMessage(ctx context.Context, m wire.RelayMessage)
		HandleOnline(ctx context.Context, online bool, tag uint64)
	}

	ManagerOptions struct {
		Local      model.Address
		Connection ConnectionOptions

		MaxBackoffExponent int
		// BackoffUnit is the length of one countdown tick.
		BackoffUnit time.Duration
		RandN       func(n int64) int64

		// HeartbeatInterval of zero disables heartbeats.
		HeartbeatInterval time.Duration
		DeadAfter         time.Duration
		TokenTimeout      time.Duration
		// AuthTimeout bounds the wait for the relay to answer Authenticate.
		AuthTimeout time.Duration
		// ClockThreshold is the largest relay clock difference ignored.
		ClockThreshold time.Duration
	}

	Manager struct {
		dialer  Dialer
		tokens  TokenManager
		handler Handler
		opts    ManagerOptions
		log     *zap.Logger

		cmds   chan command
		status *broadcast.Broadcaster[StatusEvent]
		clock  *Clock

		state atomic.Int32
		tag   atomic.Uint64
		conn  atomic.Pointer[Connection]
		done  chan struct{}
	}

	cmdKind int

	command struct {
		kind   cmdKind
		online bool
	}
)

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdNetwork
	cmdShutdown
)

type nopHandler struct{}

func (nopHandler) HandleMessage(context.Context, wire.RelayMessage) {}
func (nopHandler) HandleOnline(context.Context, bool, uint64)       {}

func NewManager(d Dialer, tokens TokenManager, h Handler, opts ManagerOptions) *Manager {
	if h == nil {
		h = nopHandler{}
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = 30 * time.Second
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = 3 * opts.HeartbeatInterval
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	if opts.ClockThreshold <= 0 {
		opts.ClockThreshold = 2 * time.Second
	}
	return &Manager{
		dialer:  d,
		tokens:  tokens,
		handler: h,
		opts:    opts,
		log:     log.Named("relay"),
		cmds:    make(chan command, 16),
		status:  broadcast.New[StatusEvent](),
		clock:   NewClock(opts.ClockThreshold),
		done:    make(chan struct{}),
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) Online() bool {
	return m.State() == Authenticated
}

// ConnectionTag changes on every successful authentication. Work prepared
// under one tag must not be sent under another.
func (m *Manager) ConnectionTag() uint64 {
	return m.tag.Load()
}

// Now is the approximate relay time.
func (m *Manager) Now() time.Time {
	return m.clock.Now()
}

func (m *Manager) Subscribe(buf int) (<-chan StatusEvent, func()) {
	return m.status.Subscribe(buf)
}

func (m *Manager) Connect() error {
	return m.command(command{kind: cmdConnect})
}

func (m *Manager) Disconnect() error {
	return m.command(command{kind: cmdDisconnect})
}

func (m *Manager) SetNetworkAvailable(available bool) error {
	return m.command(command{kind: cmdNetwork, online: available})
}

// Shutdown disconnects and stops Run.
func (m *Manager) Shutdown(ctx context.Context) error {
	select {
	case m.cmds <- command{kind: cmdShutdown}:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) command(c command) error {
	select {
	case <-m.done:
		return ErrShutdown
	default:
	}
	select {
	case m.cmds <- c:
		return nil
	case <-m.done:
		return ErrShutdown
	}
}

// Send writes msg on the current connection. It fails unless the manager
// is authenticated.
func (m *Manager) Send(ctx context.Context, msg wire.RelayMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := m.conn.Load()
	if c == nil || !m.Online() {
		return ErrNotOnline
	}
	return c.Send(msg)
}

// Done is closed when Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run owns the connection until ctx ends or Shutdown is called.
func (m *Manager) Run(ctx context.Context) error {
	r := &runState{
		m:       m,
		ctx:     ctx,
		network: true,
		backoff: NewBackoffTimer(m.opts.MaxBackoffExponent, m.opts.RandN),
	}
	defer func() {
		r.want = false
		r.stopRetry()
		r.dropConnection()
		m.status.Close()
		close(m.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-m.cmds:
			if r.handleCommand(c) {
				return nil
			}
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				continue
			}
			r.handleEvent(ev)
		case <-tick(r.retry):
			r.retryTick()
		case <-tick(r.heartbeat):
			r.heartbeatTick()
		case <-expired(r.authDeadline):
			r.authTimedOut()
		}
	}
}

func tick(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func expired(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// runState is owned by the Run goroutine.
type runState struct {
	m   *Manager
	ctx context.Context

	conn   *Connection
	events <-chan Event

	want      bool
	network   bool
	refreshed bool

	backoff   *BackoffTimer
	retry     *time.Ticker
	remaining int

	heartbeat   *time.Ticker
	lastInbound time.Time

	authDeadline *time.Timer
}

func (r *runState) handleCommand(c command) (stop bool) {
	switch c.kind {
	case cmdConnect:
		r.want = true
		if r.conn == nil && r.network {
			r.stopRetry()
			r.startConnection()
		}
	case cmdDisconnect:
		r.want = false
		r.stopRetry()
		r.dropConnection()
	case cmdNetwork:
		r.network = c.online
		r.m.log.Debug("network availability changed", zap.Bool("available", c.online))
		if !c.online {
			r.stopRetry()
		} else if r.want && r.conn == nil {
			r.stopRetry()
			r.startConnection()
		}
	case cmdShutdown:
		return true
	}
	return false
}

func (r *runState) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case Handshaking:
		r.setState(TlsHandshaking)
	case Established:
		r.setState(Connected)
		r.backoff.Reset()
		r.lastInbound = time.Now()
		r.refreshed = false
		r.stopAuthDeadline()
		r.authDeadline = time.NewTimer(r.m.opts.AuthTimeout)
		r.authenticate(false)
	case MessageReceived:
		r.lastInbound = time.Now()
		r.handleMessage(ev.Message)
	case Lost:
		r.connectionEnded(ev.Requested, nil)
	case Failed:
		r.connectionEnded(false, ev.Err)
	}
}

func (r *runState) handleMessage(msg wire.RelayMessage) {
	switch msg.Header.Command {
	case wire.CmdAuthSuccess:
		r.stopAuthDeadline()
		r.observeClock(msg)
		r.setState(Authenticated)
		r.startHeartbeat()
	case wire.CmdAuthFailure:
		r.authFailed(msg)
	case wire.CmdPing:
		pong := wire.NewMessage(wire.NewHeader(wire.CmdPong), nil)
		pong.Header.From = r.m.opts.Local
		if r.conn != nil {
			_ = r.conn.Send(pong)
		}
	case wire.CmdPong:
	default:
		r.m.handler.HandleMessage(r.ctx, msg)
	}
}

func (r *runState) authenticate(refresh bool) {
	ctx, cancel := context.WithTimeout(r.ctx, r.m.opts.TokenTimeout)
	defer cancel()

	var (
		tok string
		err error
	)
	if refresh {
		tok, err = r.m.tokens.Refresh(ctx)
	} else {
		tok, err = r.m.tokens.Token(ctx)
	}
	if err == nil {
		var msg wire.RelayMessage
		if msg, err = wire.Authenticate(r.m.opts.Local, tok); err == nil && r.conn != nil {
			err = r.conn.Send(msg)
		}
	}
	if err != nil {
		r.m.log.Warn("authentication not sent", zap.Bool("refresh", refresh), zap.Error(err))
		r.m.status.Publish(ConnectionFailure{Err: err})
		r.dropConnection()
		r.scheduleRetry()
	}
}

func (r *runState) observeClock(msg wire.RelayMessage) {
	if len(msg.Content) == 0 {
		return
	}
	var content wire.AuthSuccessContent
	if err := wire.DecodeContent(msg, &content); err != nil {
		r.m.log.Warn("unreadable auth success", zap.Error(err))
		return
	}
	if content.ServerTime == 0 {
		return
	}
	diff := r.m.clock.ObserveRelayTime(content.ServerTime)
	r.m.log.Debug("relay clock", zap.Duration("diff", diff))
	r.m.status.Publish(ClockDiffChanged{Diff: diff})
}

func (r *runState) authTimedOut() {
	r.authDeadline = nil
	if r.conn == nil || r.m.State() == Authenticated {
		return
	}
	r.m.log.Warn("relay did not answer authentication", zap.Duration("timeout", r.m.opts.AuthTimeout))
	r.m.status.Publish(ConnectionFailure{Err: ErrAuthTimeout})
	r.dropConnection()
	r.scheduleRetry()
}

func (r *runState) stopAuthDeadline() {
	if r.authDeadline != nil {
		r.authDeadline.Stop()
		r.authDeadline = nil
	}
}

func (r *runState) authFailed(msg wire.RelayMessage) {
	var content wire.AuthFailureContent
	if err := wire.DecodeContent(msg, &content); err != nil {
		r.m.log.Warn("unreadable auth failure", zap.Error(err))
		content.Reason = wire.AuthInvalid
	}
	if content.Reason == wire.AuthExpired && !r.refreshed {
		r.refreshed = true
		r.m.log.Info("auth token expired, refreshing")
		r.authenticate(true)
		return
	}

	err := ErrAuthInvalid
	if content.Reason == wire.AuthExpired {
		err = ErrAuthExpired
	}
	r.m.log.Error("authentication failed", zap.Error(err))
	r.want = false
	r.stopRetry()
	r.dropConnection()
	r.m.status.Publish(AuthenticationFailed{Err: err})
}

func (r *runState) heartbeatTick() {
	if time.Since(r.lastInbound) > r.m.opts.DeadAfter {
		r.m.log.Warn("relay stopped responding", zap.Duration("dead_after", r.m.opts.DeadAfter))
		r.m.status.Publish(ConnectionFailure{Err: ErrHeartbeatTimeout})
		r.dropConnection()
		r.scheduleRetry()
		return
	}
	if r.conn != nil {
		if err := r.conn.Send(wire.Ping(r.m.opts.Local)); err != nil {
			r.m.log.Debug("ping failed", zap.Error(err))
		}
	}
}

func (r *runState) startConnection() {
	c := NewConnection(r.m.dialer, r.m.opts.Connection)
	r.conn = c
	r.events = c.Events()
	r.m.conn.Store(c)
	r.setState(Connecting)
	c.Start(r.ctx)
}

// dropConnection closes the current connection without waiting for its
// terminal event.
func (r *runState) dropConnection() {
	if r.conn == nil {
		return
	}
	c, events := r.conn, r.events
	r.conn, r.events = nil, nil
	r.m.conn.Store(nil)
	c.Disconnect()
	go func() {
		for range events {
		}
	}()
	r.stopAuthDeadline()
	r.stopHeartbeat()
	r.setState(Disconnected)
}

func (r *runState) connectionEnded(requested bool, err error) {
	r.conn = nil
	r.m.conn.Store(nil)
	r.stopAuthDeadline()
	r.stopHeartbeat()
	r.setState(Disconnected)
	if err != nil {
		r.m.log.Warn("connection failed", zap.Error(err))
		r.m.status.Publish(ConnectionFailure{Err: err})
	} else {
		r.m.log.Info("connection lost", zap.Bool("requested", requested))
	}
	if !requested {
		r.scheduleRetry()
	}
}

func (r *runState) scheduleRetry() {
	if !r.want || !r.network || r.conn != nil {
		return
	}
	r.stopRetry()
	r.remaining = r.backoff.Next()
	r.m.log.Info("reconnecting",
		zap.Int("attempt", r.backoff.Attempt()),
		zap.Duration("wait", time.Duration(r.remaining)*r.m.opts.BackoffUnit))
	r.m.status.Publish(RetryCountdown{Remaining: r.remaining, Attempt: r.backoff.Attempt()})
	r.retry = time.NewTicker(r.m.opts.BackoffUnit)
}

func (r *runState) retryTick() {
	r.remaining--
	if r.remaining > 0 {
		r.m.status.Publish(RetryCountdown{Remaining: r.remaining, Attempt: r.backoff.Attempt()})
		return
	}
	r.stopRetry()
	r.startConnection()
}

func (r *runState) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.remaining = 0
}

func (r *runState) startHeartbeat() {
	if r.m.opts.HeartbeatInterval <= 0 {
		return
	}
	r.stopHeartbeat()
	r.heartbeat = time.NewTicker(r.m.opts.HeartbeatInterval)
}

func (r *runState) stopHeartbeat() {
	if r.heartbeat != nil {
		r.heartbeat.Stop()
		r.heartbeat = nil
	}
}

func (r *runState) setState(s State) {
	prev := State(r.m.state.Swap(int32(s)))
	if prev == s {
		return
	}
	r.m.status.Publish(StateChanged{State: s})
	switch {
	case s == Authenticated:
		tag := r.m.tag.Add(1)
		r.m.log.Info("relay online", zap.Uint64("tag", tag))
		r.m.status.Publish(OnlineChanged{Online: true, Tag: tag})
		r.m.handler.HandleOnline(r.ctx, true, tag)
	case prev == Authenticated:
		tag := r.m.tag.Load()
		r.m.status.Publish(OnlineChanged{Online: false, Tag: tag})
		r.m.handler.HandleOnline(r.ctx, false, tag)
	}
}
