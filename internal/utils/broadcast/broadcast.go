package broadcast

import (
	"sync"
)

// Broadcaster fans values out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the value.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]chan T)}
}

// Subscribe returns a channel with room for buf values and a function that
// ends the subscription and closes the channel.
func (b *Broadcaster[T]) Subscribe(buf int) (<-chan T, func()) {
	ch := make(chan T, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers v to every subscriber with buffer space and reports how
// many subscribers dropped it.
func (b *Broadcaster[T]) Publish(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

// Close ends every subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
