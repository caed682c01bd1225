package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/wire"
	"e2e_messenger/internal/repository/inbox"
	"e2e_messenger/internal/service/cipher"
	"e2e_messenger/internal/utils/broadcast"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

var ErrNotInitialized = errors.New("receiver: not initialized")

type (
	// Decrypter is the part of the cipher worker the receiver uses.
	Decrypter interface {
		Decrypt(ctx context.Context, addr model.Address, messageId string, payload model.EncryptedPackagePayload) *cipher.Future[[]byte]
	}

	// Processor consumes decrypted messages. Its errors are logged and the
	// package is removed regardless.
	Processor interface {
		ProcessMessage(ctx context.Context, from model.UserId, m model.ChatMessageWrapper) error
	}

	ProcessorFunc func(ctx context.Context, from model.UserId, m model.ChatMessageWrapper) error

	Event interface {
		isEvent()
	}

	// Discarded is a package that can never become a message: its envelope
	// or its decrypted body is malformed.
	Discarded struct {
		Id  model.PackageId
		Err error
	}

	DecryptionFailed struct {
		Id  model.PackageId
		Err error
	}

	Options struct {
		// RetryInterval is how long an address stays paused after a package
		// could not be handled for a reason unrelated to its content.
		RetryInterval time.Duration
	}
)

func (f ProcessorFunc) ProcessMessage(ctx context.Context, from model.UserId, m model.ChatMessageWrapper) error {
	return f(ctx, from, m)
}

func (Discarded) isEvent()        {}
func (DecryptionFailed) isEvent() {}

// Receiver persists inbound packages and dispatches them in order per
// sender address.
type Receiver struct {
	queue inbox.Queue
	dec   Decrypter
	proc  Processor
	opts  Options
	log   *zap.Logger

	events *broadcast.Broadcaster[Event]

	mu      sync.Mutex
	ctx     context.Context
	pending map[model.Address][]model.Package
	queued  map[model.PackageId]bool
	// blocked addresses have a package stuck at the head of the durable
	// queue. Nothing from them is dispatched until it is retried.
	blocked map[model.Address]bool
	wg      sync.WaitGroup
}

func New(queue inbox.Queue, dec Decrypter, proc Processor, opts Options) *Receiver {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Receiver{
		queue:   queue,
		dec:     dec,
		proc:    proc,
		opts:    opts,
		log:     log.Named("receiver"),
		events:  broadcast.New[Event](),
		pending: make(map[model.Address][]model.Package),
		queued:  make(map[model.PackageId]bool),
		blocked: make(map[model.Address]bool),
	}
}

func (r *Receiver) Subscribe(buf int) (<-chan Event, func()) {
	return r.events.Subscribe(buf)
}

// Init replays the durable queue. ctx bounds all later processing.
func (r *Receiver) Init(ctx context.Context) error {
	pkgs, err := r.queue.GetQueuedPackages(ctx)
	if err != nil {
		return fmt.Errorf("receiver: load queue: %w", err)
	}
	r.log.Info("inbox loaded", zap.Int("packages", len(pkgs)))

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctx = ctx
	clear(r.blocked)
	r.scheduleLocked(pkgs)
	return nil
}

// ProcessPackages stores pkgs and returns once they are durable. Decryption
// happens afterwards in the background.
func (r *Receiver) ProcessPackages(ctx context.Context, pkgs ...model.Package) error {
	r.mu.Lock()
	ready := r.ctx != nil
	r.mu.Unlock()
	if !ready {
		return ErrNotInitialized
	}
	if len(pkgs) == 0 {
		return nil
	}

	if err := r.queue.Add(ctx, pkgs...); err != nil {
		return fmt.Errorf("receiver: queue packages: %w", err)
	}
	r.schedule(pkgs)
	return nil
}

// HandleNewMessage turns a NewMessage frame into a package.
func (r *Receiver) HandleNewMessage(ctx context.Context, m wire.RelayMessage) error {
	id := wire.MessageIdOf(m)
	if id == "" {
		return fmt.Errorf("receiver: new message from %s without id", m.Header.From)
	}
	var c struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := wire.DecodeContent(m, &c); err != nil {
		return err
	}
	return r.ProcessPackages(ctx, model.Package{
		Id:         model.PackageId{Address: m.Header.From, MessageId: id},
		ReceivedAt: time.Now(),
		Payload:    string(c.Payload),
	})
}

// Wait blocks until every scheduled package has been handled.
func (r *Receiver) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) schedule(pkgs []model.Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduleLocked(pkgs)
}

func (r *Receiver) scheduleLocked(pkgs []model.Package) {
	for _, p := range pkgs {
		if r.queued[p.Id] || r.blocked[p.Id.Address] {
			continue
		}
		r.queued[p.Id] = true
		addr := p.Id.Address
		_, running := r.pending[addr]
		r.pending[addr] = append(r.pending[addr], p)
		if !running {
			r.wg.Add(1)
			go r.drain(r.ctx, addr)
		}
	}
}

// drain handles the packages of one address in order. It is the only
// goroutine working on addr while pending[addr] exists.
func (r *Receiver) drain(ctx context.Context, addr model.Address) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		q := r.pending[addr]
		if len(q) == 0 {
			delete(r.pending, addr)
			r.mu.Unlock()
			return
		}
		p := q[0]
		r.mu.Unlock()

		retry := !r.handle(ctx, p)

		r.mu.Lock()
		if retry {
			// The rest stays in the durable queue behind p.
			for _, left := range r.pending[addr] {
				delete(r.queued, left.Id)
			}
			delete(r.pending, addr)
			r.blocked[addr] = true
			r.mu.Unlock()
			r.log.Warn("pausing address", zap.Stringer("address", addr), zap.Duration("retry_in", r.opts.RetryInterval))
			r.resumeLater(ctx, addr)
			return
		}
		delete(r.queued, p.Id)
		r.pending[addr] = r.pending[addr][1:]
		r.mu.Unlock()
	}
}

func (r *Receiver) resumeLater(ctx context.Context, addr model.Address) {
	time.AfterFunc(r.opts.RetryInterval, func() { r.resume(ctx, addr) })
}

// resume reloads the durable queue and dispatches addr again from its
// oldest package.
func (r *Receiver) resume(ctx context.Context, addr model.Address) {
	if ctx.Err() != nil {
		return
	}
	pkgs, err := r.queue.GetQueuedPackages(ctx)
	if err != nil {
		r.log.Error("reload queue", zap.Stringer("address", addr), zap.Error(err))
		r.resumeLater(ctx, addr)
		return
	}
	pkgs = slices.DeleteFunc(pkgs, func(p model.Package) bool { return p.Id.Address != addr })

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.blocked[addr] {
		return
	}
	delete(r.blocked, addr)
	r.scheduleLocked(pkgs)
}

// handle returns false when p could not be handled for a reason unrelated
// to its content and must stay queued.
func (r *Receiver) handle(ctx context.Context, p model.Package) bool {
	payload, err := model.DecodePayload(p.Payload)
	if err != nil {
		r.remove(ctx, p.Id)
		r.log.Warn("discarding malformed package", zap.Stringer("package", p.Id), zap.Error(err))
		r.events.Publish(Discarded{Id: p.Id, Err: err})
		return true
	}

	plain, err := r.dec.Decrypt(ctx, p.Id.Address, p.Id.MessageId, payload).Wait(ctx)
	if err != nil {
		var de *cipher.DecryptionError
		if !errors.As(err, &de) {
			r.log.Error("decryption interrupted", zap.Stringer("package", p.Id), zap.Error(err))
			return false
		}
		r.remove(ctx, p.Id)
		r.log.Warn("decryption failed", zap.Stringer("package", p.Id), zap.Error(err))
		r.events.Publish(DecryptionFailed{Id: p.Id, Err: err})
		return true
	}

	msg, err := model.DecodeChatMessage(plain)
	if err != nil {
		r.remove(ctx, p.Id)
		r.log.Warn("discarding undecodable message", zap.Stringer("package", p.Id), zap.Error(err))
		r.events.Publish(Discarded{Id: p.Id, Err: err})
		return true
	}

	wrapper := model.ChatMessageWrapper{MessageId: p.Id.MessageId, Message: msg}
	if err := r.proc.ProcessMessage(ctx, p.Id.Address.User, wrapper); err != nil {
		r.log.Error("processor failed", zap.Stringer("package", p.Id), zap.Error(err))
	}
	r.remove(ctx, p.Id)
	return true
}

func (r *Receiver) remove(ctx context.Context, id model.PackageId) {
	if err := r.queue.Remove(ctx, id); err != nil {
		r.log.Error("remove package", zap.Stringer("package", id), zap.Error(err))
	}
}
