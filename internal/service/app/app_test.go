package app

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/wire"
	"e2e_messenger/internal/repository/outbox"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/service/receiver"
	"e2e_messenger/internal/service/relay"
	"e2e_messenger/internal/service/sender"
	"e2e_messenger/internal/utils/log"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func TestFileTokens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("first\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	ft := NewFileTokens(path)
	ctx := context.Background()

	tok, err := ft.Token(ctx)
	if err != nil || tok != "first" {
		t.Fatalf("token = %q, %v", tok, err)
	}

	if err := os.WriteFile(path, []byte("second"), 0o600); err != nil {
		t.Fatal(err)
	}
	if tok, _ := ft.Token(ctx); tok != "first" {
		t.Fatalf("token changed before refresh: %q", tok)
	}
	if tok, err := ft.Refresh(ctx); err != nil || tok != "second" {
		t.Fatalf("refresh = %q, %v", tok, err)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ft.Refresh(ctx); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
	if _, err := NewFileTokens(filepath.Join(t.TempDir(), "absent")).Token(ctx); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

type recordingOutbound struct {
	replies []wire.CommandCode
	online  []bool
}

func (o *recordingOutbound) HandleReply(_ context.Context, m wire.RelayMessage) {
	o.replies = append(o.replies, m.Header.Command)
}

func (o *recordingOutbound) HandleOnline(_ context.Context, online bool, _ uint64) {
	o.online = append(o.online, online)
}

type recordingInbound struct {
	frames []string
	err    error
}

func (i *recordingInbound) HandleNewMessage(_ context.Context, m wire.RelayMessage) error {
	i.frames = append(i.frames, wire.MessageIdOf(m))
	return i.err
}

func TestRouter(t *testing.T) {
	log.Set(zaptest.NewLogger(t))
	out := &recordingOutbound{}
	in := &recordingInbound{err: errors.New("redis down")}
	r := NewRouter(out, in)
	ctx := context.Background()

	id := model.NewMessageId()
	deliver, err := wire.Deliver(model.NewAddress(2, 1), model.NewAddress(1, 1), id, model.NewPayload(false, []byte{1}))
	if err != nil {
		t.Fatal(err)
	}
	sent, err := wire.MessageSent(model.NewAddress(1, 1), id)
	if err != nil {
		t.Fatal(err)
	}
	mismatch, err := wire.DeviceMismatch(model.NewAddress(1, 1), 2, id, wire.DeviceMismatchContent{Missing: []model.DeviceId{2}})
	if err != nil {
		t.Fatal(err)
	}

	r.HandleMessage(ctx, deliver)
	r.HandleMessage(ctx, sent)
	r.HandleMessage(ctx, mismatch)
	r.HandleMessage(ctx, wire.NewMessage(wire.NewHeader(wire.CmdAuthSuccess), nil))
	r.HandleOnline(ctx, true, 3)

	if len(in.frames) != 1 || in.frames[0] != id {
		t.Errorf("inbound = %v", in.frames)
	}
	if len(out.replies) != 2 || out.replies[0] != wire.CmdMessageSent || out.replies[1] != wire.CmdDeviceMismatch {
		t.Errorf("replies = %v", out.replies)
	}
	if len(out.online) != 1 || !out.online[0] {
		t.Errorf("online = %v", out.online)
	}
}

func TestNewDialer(t *testing.T) {
	cfg := config.Default().Relay
	d, err := NewDialer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if td, ok := d.(*relay.TLSDialer); !ok || td.Addr != cfg.Address {
		t.Fatalf("dialer = %#v", d)
	}

	cfg.Transport = config.TransportWebSocket
	cfg.URL = "wss://relay.example.com/ws"
	d, err = NewDialer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if wd, ok := d.(*relay.WebSocketDialer); !ok || wd.URL != cfg.URL {
		t.Fatalf("dialer = %#v", d)
	}

	cfg.Transport = "smoke"
	if _, err := NewDialer(cfg); err == nil {
		t.Fatal("expected error")
	}
}

// switchboard is an in-process relay: it authenticates every connection,
// delivers each ciphertext to its device and acknowledges the sender.
type switchboard struct {
	t *testing.T
	// skew is added to the time reported on authentication.
	skew  time.Duration
	mu    sync.Mutex
	conns map[model.Address]net.Conn
}

func newSwitchboard(t *testing.T) *switchboard {
	return &switchboard{t: t, conns: make(map[model.Address]net.Conn)}
}

func (sb *switchboard) dialer() relay.Dialer {
	return relay.DialerFunc(func(ctx context.Context, hs func()) (io.ReadWriteCloser, error) {
		c, s := net.Pipe()
		go sb.serve(s)
		return c, nil
	})
}

func (sb *switchboard) write(to model.Address, m wire.RelayMessage) {
	sb.mu.Lock()
	c := sb.conns[to]
	sb.mu.Unlock()
	if c == nil {
		sb.t.Logf("switchboard: %s is offline", to)
		return
	}
	_ = wire.Write(c, m)
}

func (sb *switchboard) serve(s net.Conn) {
	defer s.Close()
	var self model.Address
	defer func() {
		sb.mu.Lock()
		if sb.conns[self] == s {
			delete(sb.conns, self)
		}
		sb.mu.Unlock()
	}()

	for {
		m, err := wire.ReadMessage(s, 1<<20)
		if err != nil {
			return
		}
		switch m.Header.Command {
		case wire.CmdAuthenticate:
			self = m.Header.From
			sb.mu.Lock()
			sb.conns[self] = s
			sb.mu.Unlock()
			ok, _ := wire.AuthSuccess(self, time.Now().Add(sb.skew))
			_ = wire.Write(s, ok)
		case wire.CmdSendMessage:
			id := wire.MessageIdOf(m)
			var c wire.SendMessageContent
			if err := wire.DecodeContent(m, &c); err != nil {
				sb.t.Errorf("switchboard: %v", err)
				return
			}
			for _, md := range c.Messages {
				to := model.NewAddress(m.Header.To.User, md.DeviceId)
				d, err := wire.Deliver(self, to, id, md.Payload)
				if err != nil {
					sb.t.Errorf("switchboard: %v", err)
					return
				}
				sb.write(to, d)
			}
			ack, _ := wire.MessageSent(self, id)
			sb.write(self, ack)
		}
	}
}

// keyDirectory hands out published keys, one one-time key per fetch.
type keyDirectory struct {
	mu   sync.Mutex
	keys map[model.Address]model.PublishedKeys
}

func (d *keyDirectory) publish(addr model.Address, k model.PublishedKeys) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[addr] = k
}

func (d *keyDirectory) FetchBundles(_ context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(devices) == 0 {
		for a := range d.keys {
			if a.User == user {
				devices = append(devices, a.Device)
			}
		}
	}
	out := make([]model.DeviceBundle, 0, len(devices))
	for _, dev := range devices {
		addr := model.NewAddress(user, dev)
		k, ok := d.keys[addr]
		if !ok {
			out = append(out, model.DeviceBundle{DeviceId: dev})
			continue
		}
		var otk *model.OneTimeKey
		if len(k.OneTimeKeys) > 0 {
			otk = &k.OneTimeKeys[0]
			k.OneTimeKeys = k.OneTimeKeys[1:]
			d.keys[addr] = k
		}
		out = append(out, model.DeviceBundle{DeviceId: dev, Bundle: k.Bundle(otk)})
	}
	return out, nil
}

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error)   { return string(s), nil }
func (s staticTokens) Refresh(context.Context) (string, error) { return string(s), nil }

type received struct {
	from model.UserId
	text string
	sent time.Time
}

type peer struct {
	client *Client
	inbox  chan received
	status <-chan relay.StatusEvent
	out    <-chan sender.Event
	done   chan error
}

func startPeer(t *testing.T, sb *switchboard, dir *keyDirectory, user model.UserId) *peer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg := config.Default()
	cfg.User = user
	cfg.OneTimeKeys = 4
	cfg.Relay.HeartbeatInterval = 0

	p := &peer{inbox: make(chan received, 8), done: make(chan error, 1)}
	proc := receiver.ProcessorFunc(func(_ context.Context, from model.UserId, m model.ChatMessageWrapper) error {
		if txt, ok := m.Message.(model.Text); ok {
			p.inbox <- received{from: from, text: txt.Message, sent: time.UnixMilli(txt.Timestamp)}
		}
		return nil
	})

	c, err := NewClient(context.Background(), cfg, Deps{
		Redis:     redisSvc.NewRedis(rdb),
		Outbox:    outbox.NewMemoryQueue(),
		Keys:      dir,
		Dialer:    sb.dialer(),
		Tokens:    staticTokens("t"),
		Processor: proc,
	})
	if err != nil {
		t.Fatal(err)
	}
	dir.publish(c.Local(), c.PublicKeys())
	p.client = c
	p.status, _ = c.Status(64)
	p.out, _ = c.Outgoing(64)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { p.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-p.done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("client did not stop")
		}
	})

	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.status:
			if oc, ok := ev.(relay.OnlineChanged); ok && oc.Online {
				return p
			}
		case <-deadline:
			t.Fatal("client never came online")
		}
	}
}

func (p *peer) expect(t *testing.T, from model.UserId, text string) received {
	t.Helper()
	select {
	case r := <-p.inbox:
		if r.from != from || r.text != text {
			t.Fatalf("received %+v, want %q from %s", r, text, from)
		}
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing received, want %q", text)
	}
	return received{}
}

func (p *peer) expectDelivered(t *testing.T, id string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-p.out:
			switch ev := ev.(type) {
			case sender.Delivered:
				if ev.Metadata.MessageId == id {
					return
				}
			case sender.Failed:
				t.Fatalf("message %s failed: %v", ev.Metadata.MessageId, ev.Err)
			}
		case <-deadline:
			t.Fatalf("message %s never delivered", id)
		}
	}
}

func TestClientsExchangeMessages(t *testing.T) {
	log.Set(zaptest.NewLogger(t))
	sb := newSwitchboard(t)
	dir := &keyDirectory{keys: make(map[model.Address]model.PublishedKeys)}

	alice := startPeer(t, sb, dir, 1)
	bob := startPeer(t, sb, dir, 2)
	ctx := context.Background()

	id, err := alice.client.SendText(ctx, 2, "hello bob")
	if err != nil {
		t.Fatal(err)
	}
	alice.expectDelivered(t, id)
	bob.expect(t, 1, "hello bob")

	id, err = bob.client.SendText(ctx, 1, "hi alice")
	if err != nil {
		t.Fatal(err)
	}
	bob.expectDelivered(t, id)
	alice.expect(t, 2, "hi alice")

	for _, text := range []string{"one", "two", "three"} {
		if _, err := alice.client.SendText(ctx, 2, text); err != nil {
			t.Fatal(err)
		}
	}
	bob.expect(t, 1, "one")
	bob.expect(t, 1, "two")
	bob.expect(t, 1, "three")
}

func TestSendTextUsesRelayTime(t *testing.T) {
	log.Set(zaptest.NewLogger(t))
	sb := newSwitchboard(t)
	sb.skew = -time.Hour
	dir := &keyDirectory{keys: make(map[model.Address]model.PublishedKeys)}

	alice := startPeer(t, sb, dir, 1)
	bob := startPeer(t, sb, dir, 2)

	if _, err := alice.client.SendText(context.Background(), 2, "when"); err != nil {
		t.Fatal(err)
	}
	r := bob.expect(t, 1, "when")
	if d := time.Since(r.sent) - time.Hour; d.Abs() > 5*time.Second {
		t.Fatalf("timestamp %s not in relay time", r.sent)
	}
}
