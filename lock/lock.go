// Package lock provides keyed mutual exclusion for resolve-or-create paths.
// The in-process Locker serves single-node setups; the Redis one spans
// every worker process.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a lock could not be taken before the context
// or the wait budget ran out.
var ErrTimeout = errors.New("lock wait timed out")

type Locker interface {
	// Lock blocks until key is held. The returned func releases it and is
	// safe to call more than once.
	Lock(ctx context.Context, key string) (func(), error)
}

// ObjectKey is the namespace shared by the inbound dispatcher and the
// resolver so both contend on the same object.
func ObjectKey(uri string) string {
	return "ap-object:" + uri
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is a keyed mutex. Entries are dropped once nobody waits on them.
type Local struct {
	mu   sync.Mutex
	keys map[string]*entry
}

func NewLocal() *Local {
	return &Local{keys: map[string]*entry{}}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, e, true) })
	}, nil
}

func (l *Local) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
	l.mu.Unlock()
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
else
  return 0
end`

// Redis holds keys with SET NX PX and releases them only when the token
// still matches, so an expired holder cannot drop a successor's lock.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	script *redis.Script
}

func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		prefix: prefix + "lock:",
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		script: redis.NewScript(releaseScript),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := domain.NewID()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = r.script.Run(ctx, r.client, []string{k}, token).Err()
		})
	}, nil
}
