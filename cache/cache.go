package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Shared is the cross-process tier. Values are opaque bytes addressed by
// namespace and key.
type Shared interface {
	Get(ctx context.Context, ns, key string) ([]byte, bool, error)
	Set(ctx context.Context, ns, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, ns, key string) error
}

// Bus broadcasts invalidation and counter events between processes.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe registers fn and returns once the subscription is live.
	// Delivery stops when ctx is cancelled.
	Subscribe(ctx context.Context, fn func(Event)) error
}

const (
	EventActorChanged       = "actorChanged"
	EventActorSuspended     = "actorSuspended"
	EventTokenRegenerated   = "tokenRegenerated"
	EventFollowCountChanged = "followCountChanged"
)

type Event struct {
	Type   string          `json:"type"`
	Origin string          `json:"origin"`
	Body   json.RawMessage `json:"body"`
}

// ActorEvent is the body of the actor* events.
type ActorEvent struct {
	Id    string `json:"id"`
	Uri   string `json:"uri,omitempty"`
	KeyId string `json:"keyId,omitempty"`
}

// FollowEvent is the body of followCountChanged.
type FollowEvent struct {
	FollowerId string `json:"followerId"`
	FolloweeId string `json:"followeeId"`
}

func newEvent(typ, origin string, body any) (Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Origin: origin, Body: raw}, nil
}

func sharedKey(prefix, ns, key string) string {
	return prefix + ns + ":" + key
}
