package sender

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/protocol/wire"
	"e2e_messenger/internal/repository/outbox"
	"e2e_messenger/internal/service/cipher"
	"e2e_messenger/internal/service/keys"
	"e2e_messenger/internal/utils/broadcast"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrStopped      = errors.New("sender: stopped")
	errRunningTwice = errors.New("sender: already running")
)

type (
	// Encrypter is the part of the cipher worker the sender uses.
	Encrypter interface {
		Encrypt(ctx context.Context, recipient model.UserId, plaintext []byte, tag uint64) *cipher.Future[cipher.EncryptionResult]
		UpdateDevices(ctx context.Context, user model.UserId, mismatch model.DeviceMismatch) *cipher.Future[struct{}]
	}

	// Transport writes frames on the current relay connection.
	Transport interface {
		Send(ctx context.Context, m wire.RelayMessage) error
		ConnectionTag() uint64
	}

	Options struct {
		Local model.Address
		// RetryInterval is the wait before retrying a message whose
		// encryption failed for a reason other than missing keys.
		RetryInterval time.Duration
	}

	// Event reports the fate of queued messages.
	Event interface {
		isEvent()
	}

	Delivered struct {
		Metadata model.MessageMetadata
	}

	// Failed means the message was dropped from the queue and will not be
	// sent.
	Failed struct {
		Metadata model.MessageMetadata
		Err      error
	}
)

func (Delivered) isEvent() {}
func (Failed) isEvent()    {}

type phase int

const (
	idle phase = iota
	encrypting
	awaitingAck
	updatingDevices
)

// Sender delivers the outbox one message at a time. All state is owned by
// the Run goroutine.
type Sender struct {
	queue outbox.Queue
	enc   Encrypter
	relay Transport
	opts  Options
	log   *zap.Logger

	inbox   chan any
	events  *broadcast.Broadcaster[Event]
	started atomic.Bool
	done    chan struct{}
}

type (
	sendCmd struct {
		entries []model.SenderMessageEntry
		reply   chan error
	}

	cancelCmd struct {
		conv  model.ConversationId
		ids   []string
		reply chan error
	}

	onlineMsg struct {
		online bool
		tag    uint64
	}

	ackMsg struct {
		messageId string
	}

	mismatchMsg struct {
		messageId string
		mismatch  model.DeviceMismatch
	}

	encryptedMsg struct {
		gen    uint64
		result cipher.EncryptionResult
		err    error
	}

	updatedMsg struct {
		gen uint64
		err error
	}

	retryMsg struct {
		gen uint64
	}
)

func New(queue outbox.Queue, enc Encrypter, relay Transport, opts Options) *Sender {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Sender{
		queue:  queue,
		enc:    enc,
		relay:  relay,
		opts:   opts,
		log:    log.Named("sender"),
		inbox:  make(chan any, 64),
		events: broadcast.New[Event](),
		done:   make(chan struct{}),
	}
}

func (s *Sender) Subscribe(buf int) (<-chan Event, func()) {
	return s.events.Subscribe(buf)
}

func (s *Sender) Done() <-chan struct{} {
	return s.done
}

// Send queues one message. It returns once the entry is durably stored; a
// storage failure is returned and nothing is transmitted.
func (s *Sender) Send(ctx context.Context, e model.SenderMessageEntry) error {
	reply := make(chan error, 1)
	return s.request(ctx, sendCmd{entries: []model.SenderMessageEntry{e}, reply: reply}, reply)
}

// SendAll queues entries atomically, for example the per-member copies of a
// group message.
func (s *Sender) SendAll(ctx context.Context, entries []model.SenderMessageEntry) error {
	if len(entries) == 0 {
		return nil
	}
	reply := make(chan error, 1)
	return s.request(ctx, sendCmd{entries: entries, reply: reply}, reply)
}

// Cancel drops queued messages of conv. With no ids every message of the
// conversation is dropped.
func (s *Sender) Cancel(ctx context.Context, conv model.ConversationId, ids ...string) error {
	reply := make(chan error, 1)
	return s.request(ctx, cancelCmd{conv: conv, ids: ids, reply: reply}, reply)
}

func (s *Sender) request(ctx context.Context, cmd any, reply <-chan error) error {
	if err := s.post(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sender) post(ctx context.Context, m any) error {
	select {
	case s.inbox <- m:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOnline is called by the connection manager on every transition.
func (s *Sender) HandleOnline(ctx context.Context, online bool, tag uint64) {
	if err := s.post(ctx, onlineMsg{online: online, tag: tag}); err != nil {
		s.log.Debug("online change not delivered", zap.Error(err))
	}
}

// HandleReply routes MessageSent and DeviceMismatch frames.
func (s *Sender) HandleReply(ctx context.Context, m wire.RelayMessage) {
	id := wire.MessageIdOf(m)
	var msg any
	switch m.Header.Command {
	case wire.CmdMessageSent:
		msg = ackMsg{messageId: id}
	case wire.CmdDeviceMismatch:
		var c wire.DeviceMismatchContent
		if err := wire.DecodeContent(m, &c); err != nil {
			s.log.Warn("bad device mismatch", zap.String("message_id", id), zap.Error(err))
			return
		}
		msg = mismatchMsg{messageId: id, mismatch: c}
	default:
		return
	}
	if err := s.post(ctx, msg); err != nil {
		s.log.Debug("reply not delivered", zap.Error(err))
	}
}

// Run loads the undelivered messages and then serves requests until ctx
// ends. Redelivery of the loaded messages starts before any new message is
// accepted.
func (s *Sender) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errRunningTwice
	}
	defer close(s.done)
	defer s.events.Close()

	pending, err := s.queue.GetUndelivered(ctx)
	if err != nil {
		return fmt.Errorf("sender: load outbox: %w", err)
	}
	s.log.Info("outbox loaded", zap.Int("pending", len(pending)))

	r := &runState{s: s, ctx: ctx, pending: pending}
	for {
		select {
		case <-ctx.Done():
			r.stopRetry()
			return ctx.Err()
		case m := <-s.inbox:
			r.handle(m)
		}
	}
}

type runState struct {
	s   *Sender
	ctx context.Context

	pending []model.SenderMessageEntry
	phase   phase
	// gen identifies the current attempt on pending[0]. Results of older
	// attempts are ignored.
	gen   uint64
	retry *time.Timer

	online bool
	tag    uint64
}

func (r *runState) handle(m any) {
	switch m := m.(type) {
	case sendCmd:
		m.reply <- r.enqueue(m.entries)
	case cancelCmd:
		m.reply <- r.cancel(m.conv, m.ids)
	case onlineMsg:
		r.online, r.tag = m.online, m.tag
		if m.online {
			// Anything in flight belongs to an old connection.
			r.restart()
		}
	case ackMsg:
		r.acked(m.messageId)
	case mismatchMsg:
		r.mismatched(m.messageId, m.mismatch)
	case encryptedMsg:
		if m.gen == r.gen && r.phase == encrypting {
			r.encrypted(m.result, m.err)
		}
	case updatedMsg:
		if m.gen == r.gen && r.phase == updatingDevices {
			r.updated(m.err)
		}
	case retryMsg:
		if m.gen == r.gen && r.phase == idle {
			r.retry = nil
			r.next()
		}
	}
}

func (r *runState) enqueue(entries []model.SenderMessageEntry) error {
	var err error
	if len(entries) == 1 {
		err = r.s.queue.Add(r.ctx, entries[0])
	} else {
		err = r.s.queue.AddAll(r.ctx, entries)
	}
	if err != nil {
		return fmt.Errorf("sender: queue message: %w", err)
	}
	r.pending = append(r.pending, entries...)
	r.next()
	return nil
}

func (r *runState) cancel(conv model.ConversationId, ids []string) error {
	var err error
	if len(ids) == 0 {
		err = r.s.queue.RemoveAllForConversation(r.ctx, conv)
	} else {
		err = r.s.queue.RemoveAll(r.ctx, conv, ids)
	}
	if err != nil {
		return fmt.Errorf("sender: cancel: %w", err)
	}

	match := func(e model.SenderMessageEntry) bool {
		if e.Metadata.Conversation() != conv {
			return false
		}
		return len(ids) == 0 || slices.Contains(ids, e.Metadata.MessageId)
	}
	if len(r.pending) > 0 && match(r.pending[0]) {
		r.abandon()
	}
	r.pending = slices.DeleteFunc(r.pending, match)
	r.next()
	return nil
}

// next starts work on the head of the queue when nothing is in flight.
func (r *runState) next() {
	if r.phase != idle || r.retry != nil || !r.online || len(r.pending) == 0 {
		return
	}
	head := r.pending[0]
	r.gen++
	r.phase = encrypting
	gen, tag := r.gen, r.tag

	fut := r.s.enc.Encrypt(r.ctx, head.Metadata.Recipient, head.Message, tag)
	go func() {
		res, err := fut.Wait(r.ctx)
		_ = r.s.post(r.ctx, encryptedMsg{gen: gen, result: res, err: err})
	}()
}

func (r *runState) encrypted(res cipher.EncryptionResult, err error) {
	head := r.pending[0]
	r.phase = idle
	if err != nil {
		r.failedAttempt(head, err)
		return
	}
	if !r.online || res.ConnectionTag != r.s.relay.ConnectionTag() {
		// Retried on the next online transition.
		r.s.log.Debug("discarding encryption for an old connection", zap.String("message_id", head.Metadata.MessageId))
		return
	}

	frame, err := wire.SendMessage(r.s.opts.Local, head.Metadata.Recipient, head.Metadata.MessageId, res.Messages)
	if err != nil {
		r.drop(head, err)
		return
	}
	if err := r.s.relay.Send(r.ctx, frame); err != nil {
		// The connection is going away; the next online transition resends.
		r.s.log.Info("send failed", zap.String("message_id", head.Metadata.MessageId), zap.Error(err))
		return
	}
	r.phase = awaitingAck
}

func (r *runState) acked(id string) {
	if r.phase != awaitingAck || r.pending[0].Metadata.MessageId != id {
		r.s.log.Debug("ignoring ack", zap.String("message_id", id))
		return
	}
	head := r.pending[0]
	if err := r.s.queue.Remove(r.ctx, head.Metadata.Recipient, id); err != nil {
		r.s.log.Error("remove delivered message", zap.String("message_id", id), zap.Error(err))
	}
	r.pending = r.pending[1:]
	r.phase = idle
	r.s.events.Publish(Delivered{Metadata: head.Metadata})
	r.next()
}

func (r *runState) mismatched(id string, m model.DeviceMismatch) {
	if r.phase != awaitingAck || r.pending[0].Metadata.MessageId != id {
		r.s.log.Debug("ignoring device mismatch", zap.String("message_id", id))
		return
	}
	head := r.pending[0]
	r.s.log.Info("device mismatch",
		zap.Stringer("recipient", head.Metadata.Recipient),
		zap.Any("missing", m.Missing), zap.Any("stale", m.Stale), zap.Any("removed", m.Removed))

	r.gen++
	r.phase = updatingDevices
	gen := r.gen
	fut := r.s.enc.UpdateDevices(r.ctx, head.Metadata.Recipient, m)
	go func() {
		_, err := fut.Wait(r.ctx)
		_ = r.s.post(r.ctx, updatedMsg{gen: gen, err: err})
	}()
}

func (r *runState) updated(err error) {
	r.phase = idle
	if err != nil {
		r.failedAttempt(r.pending[0], err)
		return
	}
	r.next()
}

// failedAttempt drops messages that can never be encrypted and retries the
// rest later.
func (r *runState) failedAttempt(head model.SenderMessageEntry, err error) {
	if errors.Is(err, cipher.ErrNoKeyData) || errors.Is(err, keys.ErrUnauthorized) {
		r.drop(head, err)
		return
	}
	r.s.log.Warn("encryption failed, will retry",
		zap.String("message_id", head.Metadata.MessageId),
		zap.Duration("retry_in", r.s.opts.RetryInterval),
		zap.Error(err))
	gen := r.gen
	r.retry = time.AfterFunc(r.s.opts.RetryInterval, func() {
		_ = r.s.post(r.ctx, retryMsg{gen: gen})
	})
}

func (r *runState) drop(head model.SenderMessageEntry, err error) {
	r.s.log.Warn("dropping message", zap.String("message_id", head.Metadata.MessageId), zap.Error(err))
	if rerr := r.s.queue.Remove(r.ctx, head.Metadata.Recipient, head.Metadata.MessageId); rerr != nil {
		r.s.log.Error("remove dropped message", zap.String("message_id", head.Metadata.MessageId), zap.Error(rerr))
	}
	r.pending = r.pending[1:]
	r.abandon()
	r.s.events.Publish(Failed{Metadata: head.Metadata, Err: err})
	r.next()
}

// restart forgets the current attempt so the head is encrypted again.
func (r *runState) restart() {
	r.abandon()
	r.next()
}

func (r *runState) abandon() {
	r.gen++
	r.phase = idle
	r.stopRetry()
}

func (r *runState) stopRetry() {
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
}
