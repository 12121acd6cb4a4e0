package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/util"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings once so misconfiguration fails at startup.
func NewRedisClient(conf util.RedisConf) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         conf.Addr,
		Password:     conf.Password,
		DB:           conf.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
		MinIdleConns: 2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisStore implements both Shared and Bus on one client.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	channel string
	log     *log.Logger
}

func NewRedisStore(client *redis.Client, prefix string, logger *log.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		channel: prefix + "events",
		log:     logger,
	}
}

func (s *RedisStore) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, sharedKey(s.prefix, ns, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *RedisStore) Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) error {
	return s.client.Set(ctx, sharedKey(s.prefix, ns, key), val, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, ns, key string) error {
	err := s.client.Del(ctx, sharedKey(s.prefix, ns, key)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (s *RedisStore) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, fn func(Event)) error {
	ps := s.client.Subscribe(ctx, s.channel)
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return err
	}

	ch := ps.Channel()
	go func() {
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.log.Warn("dropping malformed cache event", "err", err)
					continue
				}
				fn(ev)
			}
		}
	}()
	return nil
}
