package cipher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/keys"
	"e2e_messenger/internal/session"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

var (
	ErrNoKeyData    = errors.New("cipher: no key data for user")
	ErrQueueFull    = errors.New("cipher: queue full")
	ErrStopped      = errors.New("cipher: worker stopped")
	errRunningTwice = errors.New("cipher: worker already running")
)

// DecryptionError is a cryptographic failure for one inbound message. It is
// never retried.
type DecryptionError struct {
	MessageId string
	Address   model.Address
	Err       error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("cipher: decrypt %s from %s: %v", e.MessageId, e.Address, e.Err)
}

func (e *DecryptionError) Unwrap() error {
	return e.Err
}

type Policy int

const (
	// Block makes submitters wait for room in the queue, bounded by their
	// context.
	Block Policy = iota
	// FailFast rejects submissions with ErrQueueFull when the queue is full.
	FailFast
)

type (
	Options struct {
		QueueSize    int
		Policy       Policy
		FetchTimeout time.Duration
	}

	EncryptionResult struct {
		Messages []model.MessageData
		// ConnectionTag is passed through from Encrypt untouched.
		ConnectionTag uint64
	}

	job struct {
		ctx  context.Context
		run  func(ctx context.Context)
		fail func(err error)
		stop bool
	}
)

// Worker is the only goroutine touching the session store. Jobs run one at
// a time in submission order.
type Worker struct {
	store session.Store
	keys  keys.Fetcher
	opts  Options
	log   *zap.Logger

	jobs chan job

	// mu orders submissions against shutdown: no job is queued behind the
	// stop sentinel.
	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewWorker(store session.Store, fetcher keys.Fetcher, opts Options) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 20
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 30 * time.Second
	}
	return &Worker{
		store:    store,
		keys:     fetcher,
		opts:     opts,
		log:      log.Named("cipher"),
		jobs:     make(chan job, opts.QueueSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run processes jobs until Shutdown or until ctx ends. Jobs still queued
// when ctx ends fail with ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errRunningTwice
	}
	defer w.finish()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-w.jobs:
			if j.stop {
				w.log.Debug("worker stopped")
				return nil
			}
			w.process(j)
		}
	}
}

func (w *Worker) process(j job) {
	if err := j.ctx.Err(); err != nil {
		j.fail(err)
		return
	}
	j.run(context.WithoutCancel(j.ctx))
}

func (w *Worker) finish() {
	w.stopOnce.Do(func() { close(w.stopping) })
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	for {
		select {
		case j := <-w.jobs:
			if !j.stop {
				j.fail(ErrStopped)
			}
		default:
			close(w.done)
			return
		}
	}
}

// Shutdown queues the stop sentinel behind the jobs already submitted and
// waits for them to finish.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	already := w.closed
	w.closed = true
	w.mu.Unlock()

	if !already {
		select {
		case w.jobs <- job{stop: true}:
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when Run has returned and the queue is empty.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) enqueue(ctx context.Context, j job) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrStopped
	}

	if w.opts.Policy == FailFast {
		select {
		case w.jobs <- j:
			return nil
		case <-w.stopping:
			return ErrStopped
		default:
			return ErrQueueFull
		}
	}
	select {
	case w.jobs <- j:
		return nil
	case <-w.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func submit[T any](w *Worker, ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	j := job{
		ctx: ctx,
		run: func(ctx context.Context) { f.resolve(fn(ctx)) },
		fail: func(err error) {
			var zero T
			f.resolve(zero, err)
		},
	}
	if err := w.enqueue(ctx, j); err != nil {
		j.fail(err)
	}
	return f
}

// Encrypt encrypts plaintext for every device of recipient with a session,
// fetching prekey bundles first when there is none.
func (w *Worker) Encrypt(ctx context.Context, recipient model.UserId, plaintext []byte, tag uint64) *Future[EncryptionResult] {
	return submit(w, ctx, func(ctx context.Context) (EncryptionResult, error) {
		return w.encrypt(ctx, recipient, plaintext, tag)
	})
}

// Decrypt decrypts one inbound payload from addr. Cryptographic failures
// are returned as *DecryptionError.
func (w *Worker) Decrypt(ctx context.Context, addr model.Address, messageId string, payload model.EncryptedPackagePayload) *Future[[]byte] {
	return submit(w, ctx, func(ctx context.Context) ([]byte, error) {
		return w.decrypt(ctx, addr, messageId, payload)
	})
}

// UpdateDevices applies a device mismatch reported by the relay for user.
func (w *Worker) UpdateDevices(ctx context.Context, user model.UserId, mismatch model.DeviceMismatch) *Future[struct{}] {
	return submit(w, ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.updateDevices(ctx, user, mismatch)
	})
}
