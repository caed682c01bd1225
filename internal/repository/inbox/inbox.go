package inbox

import (
	"context"
	"slices"
	"sync"

	"e2e_messenger/internal/model"
)

// Queue is the durable inbound package queue.
type Queue interface {
	// Add stores pkgs atomically. Packages whose id is already queued are
	// ignored.
	Add(ctx context.Context, pkgs ...model.Package) error
	Remove(ctx context.Context, ids ...model.PackageId) error
	// GetQueuedPackages returns every package in the order it was added.
	GetQueuedPackages(ctx context.Context) ([]model.Package, error)
}

type MemoryQueue struct {
	mu    sync.Mutex
	order []model.PackageId
	byId  map[model.PackageId]model.Package
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{byId: make(map[model.PackageId]model.Package)}
}

func (q *MemoryQueue) Add(_ context.Context, pkgs ...model.Package) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range pkgs {
		if _, ok := q.byId[p.Id]; ok {
			continue
		}
		q.byId[p.Id] = p
		q.order = append(q.order, p.Id)
	}
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, ids ...model.PackageId) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if _, ok := q.byId[id]; !ok {
			continue
		}
		delete(q.byId, id)
		q.order = slices.DeleteFunc(q.order, func(o model.PackageId) bool { return o == id })
	}
	return nil
}

func (q *MemoryQueue) GetQueuedPackages(context.Context) ([]model.Package, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Package, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.byId[id])
	}
	return out, nil
}
