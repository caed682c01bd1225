package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"e2e_messenger/internal/config"
	"e2e_messenger/internal/model"
	"e2e_messenger/internal/repository/inbox"
	"e2e_messenger/internal/repository/outbox"
	sessionRepo "e2e_messenger/internal/repository/session"
	"e2e_messenger/internal/service/cipher"
	"e2e_messenger/internal/service/keys"
	redisSvc "e2e_messenger/internal/service/redis"
	"e2e_messenger/internal/service/receiver"
	"e2e_messenger/internal/service/relay"
	"e2e_messenger/internal/service/sender"
	"e2e_messenger/internal/session"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Deps are the external resources a Client runs on.
	Deps struct {
		Redis     *redisSvc.RedisService
		Outbox    outbox.Queue
		Keys      keys.Fetcher
		Dialer    relay.Dialer
		Tokens    relay.TokenManager
		Processor receiver.Processor
	}

	// Client ties the transport, the cipher worker and both queues together
	// for one local device.
	Client struct {
		local    model.Address
		store    *session.RatchetStore
		worker   *cipher.Worker
		sender   *sender.Sender
		receiver *receiver.Receiver
		relay    *relay.Manager
		log      *zap.Logger
	}
)

func NewClient(ctx context.Context, cfg config.Config, deps Deps) (*Client, error) {
	local := cfg.Local()
	store, err := session.LoadRatchetStore(ctx, sessionRepo.NewRedisPersister(deps.Redis, local), cfg.OneTimeKeys)
	if err != nil {
		return nil, fmt.Errorf("app: load sessions: %w", err)
	}

	policy := cipher.Block
	if cfg.Cipher.FailFast {
		policy = cipher.FailFast
	}
	worker := cipher.NewWorker(store, deps.Keys, cipher.Options{
		QueueSize:    cfg.Cipher.QueueSize,
		Policy:       policy,
		FetchTimeout: cfg.Cipher.FetchTimeout,
	})

	router := &Router{log: log.Named("router")}
	manager := relay.NewManager(deps.Dialer, deps.Tokens, router, relay.ManagerOptions{
		Local: local,
		Connection: relay.ConnectionOptions{
			MaxContentLength: cfg.Relay.MaxContentLength,
			WriteTimeout:     cfg.Relay.WriteTimeout,
		},
		MaxBackoffExponent: cfg.Relay.MaxBackoffExponent,
		HeartbeatInterval:  cfg.Relay.HeartbeatInterval,
		AuthTimeout:        cfg.Relay.AuthTimeout,
	})
	snd := sender.New(deps.Outbox, worker, manager, sender.Options{Local: local})
	rcv := receiver.New(inbox.NewRedisQueue(deps.Redis, local), worker, deps.Processor, receiver.Options{})
	router.out, router.in = snd, rcv

	return &Client{
		local:    local,
		store:    store,
		worker:   worker,
		sender:   snd,
		receiver: rcv,
		relay:    manager,
		log:      log.Named("client").With(zap.Stringer("local", local)),
	}, nil
}

func (c *Client) Local() model.Address {
	return c.local
}

// PublicKeys returns what this device publishes to the key server. It must
// not be called while Run is active.
func (c *Client) PublicKeys() model.PublishedKeys {
	return c.store.Identity().PublicBundle()
}

// Run starts every component, replays both queues and connects. It returns
// when ctx ends or a component fails.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.worker.Run(gctx) })
	g.Go(func() error { return c.sender.Run(gctx) })
	g.Go(func() error { return c.relay.Run(gctx) })
	g.Go(func() error {
		if err := c.receiver.Init(gctx); err != nil {
			return err
		}
		c.log.Info("connecting")
		return c.relay.Connect()
	})

	err := g.Wait()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if werr := c.receiver.Wait(waitCtx); werr != nil {
		c.log.Warn("receiver still busy at shutdown", zap.Error(werr))
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// SendText queues a text message for every device of to and returns its id.
func (c *Client) SendText(ctx context.Context, to model.UserId, text string) (string, error) {
	b, err := model.EncodeChatMessage(model.Text{Timestamp: c.relay.Now().UnixMilli(), Message: text})
	if err != nil {
		return "", err
	}
	e := model.NewSenderMessageEntry(to, nil, model.CategoryText, b)
	if err := c.sender.Send(ctx, e); err != nil {
		return "", err
	}
	return e.Metadata.MessageId, nil
}

func (c *Client) CancelConversation(ctx context.Context, conv model.ConversationId) error {
	return c.sender.Cancel(ctx, conv)
}

func (c *Client) Status(buf int) (<-chan relay.StatusEvent, func()) {
	return c.relay.Subscribe(buf)
}

func (c *Client) Outgoing(buf int) (<-chan sender.Event, func()) {
	return c.sender.Subscribe(buf)
}

func (c *Client) Incoming(buf int) (<-chan receiver.Event, func()) {
	return c.receiver.Subscribe(buf)
}

func (c *Client) SetNetworkAvailable(available bool) error {
	return c.relay.SetNetworkAvailable(available)
}
