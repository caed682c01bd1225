package outbox

import (
	"context"
	"errors"
	"slices"
	"sync"

	"e2e_messenger/internal/model"
)

var ErrDuplicate = errors.New("outbox: entry already queued")

// Queue is the durable store of outbound messages not yet acknowledged by the
// relay. Entries are keyed by (recipient, message id).
type Queue interface {
	Add(ctx context.Context, e model.SenderMessageEntry) error
	// AddAll inserts every entry or none of them.
	AddAll(ctx context.Context, entries []model.SenderMessageEntry) error
	// Get returns nil, nil when the entry does not exist.
	Get(ctx context.Context, recipient model.UserId, messageId string) (*model.SenderMessageEntry, error)
	Remove(ctx context.Context, recipient model.UserId, messageId string) error
	RemoveAll(ctx context.Context, conv model.ConversationId, messageIds []string) error
	RemoveAllForConversation(ctx context.Context, conv model.ConversationId) error
	// GetUndelivered returns every entry in insertion order.
	GetUndelivered(ctx context.Context) ([]model.SenderMessageEntry, error)
}

type entryKey struct {
	recipient model.UserId
	messageId string
}

func keyOf(e model.SenderMessageEntry) entryKey {
	return entryKey{recipient: e.Metadata.Recipient, messageId: e.Metadata.MessageId}
}

// inConversation reports whether e belongs to conv. Group entries only match
// their group, direct entries only their user.
func inConversation(e model.SenderMessageEntry, conv model.ConversationId) bool {
	if g, ok := conv.Group(); ok {
		return e.Metadata.GroupId != nil && *e.Metadata.GroupId == g
	}
	u, _ := conv.User()
	return e.Metadata.GroupId == nil && e.Metadata.Recipient == u
}

type MemoryQueue struct {
	mu      sync.Mutex
	entries []model.SenderMessageEntry
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Add(ctx context.Context, e model.SenderMessageEntry) error {
	return q.AddAll(ctx, []model.SenderMessageEntry{e})
}

func (q *MemoryQueue) AddAll(_ context.Context, entries []model.SenderMessageEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen := make(map[entryKey]bool, len(q.entries)+len(entries))
	for _, e := range q.entries {
		seen[keyOf(e)] = true
	}
	for _, e := range entries {
		if err := e.Metadata.Validate(); err != nil {
			return err
		}
		if seen[keyOf(e)] {
			return ErrDuplicate
		}
		seen[keyOf(e)] = true
	}
	q.entries = append(q.entries, entries...)
	return nil
}

func (q *MemoryQueue) Get(_ context.Context, recipient model.UserId, messageId string) (*model.SenderMessageEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := entryKey{recipient: recipient, messageId: messageId}
	for _, e := range q.entries {
		if keyOf(e) == k {
			return &e, nil
		}
	}
	return nil, nil
}

func (q *MemoryQueue) Remove(_ context.Context, recipient model.UserId, messageId string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := entryKey{recipient: recipient, messageId: messageId}
	q.entries = slices.DeleteFunc(q.entries, func(e model.SenderMessageEntry) bool { return keyOf(e) == k })
	return nil
}

func (q *MemoryQueue) RemoveAll(_ context.Context, conv model.ConversationId, messageIds []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = slices.DeleteFunc(q.entries, func(e model.SenderMessageEntry) bool {
		return inConversation(e, conv) && slices.Contains(messageIds, e.Metadata.MessageId)
	})
	return nil
}

func (q *MemoryQueue) RemoveAllForConversation(_ context.Context, conv model.ConversationId) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = slices.DeleteFunc(q.entries, func(e model.SenderMessageEntry) bool { return inConversation(e, conv) })
	return nil
}

func (q *MemoryQueue) GetUndelivered(context.Context) ([]model.SenderMessageEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries), nil
}
