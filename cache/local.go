package cache

import (
	"context"
	"sync"
)

// LocalBus delivers events synchronously to subscribers in the same
// process. It backs single-process deployments and tests.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[int]func(Event)
	next int
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]func(Event){}}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, fn func(Event)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}
