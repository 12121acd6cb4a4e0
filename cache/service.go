package cache

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
)

// Store is the slice of the database the cache reads through to.
type Store interface {
	ReadActorById(ctx context.Context, id string) (*domain.Actor, error)
	ReadActorByUri(ctx context.Context, uri string) (*domain.Actor, error)
	ReadActorByKeyId(ctx context.Context, keyId string) (*domain.Actor, error)
	IsFollowing(ctx context.Context, followerId, followeeId string) (bool, error)
}

type Options struct {
	Conf    util.CacheConf
	Shared  Shared
	Bus     Bus
	Observe LookupObserver
	Logger  *log.Logger
}

// Service owns every hot-entity cache of the process. Remote actors are
// cached once by id; uri and key id entries only point at that id.
type Service struct {
	store  Store
	bus    Bus
	origin string
	log    *log.Logger

	actors     *Tiered[domain.Actor]
	actorUris  *Tiered[string]
	actorKeys  *Tiered[string]
	followings *Tiered[bool]
}

func NewService(store Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Bus == nil {
		opts.Bus = NewLocalBus()
	}
	tiered := TieredOptions{
		Size:      opts.Conf.MemorySize,
		MemoryTTL: opts.Conf.MemoryTTL,
		SharedTTL: opts.Conf.SharedTTL,
		Shared:    opts.Shared,
		Observe:   opts.Observe,
		Logger:    opts.Logger,
	}
	return &Service{
		store:      store,
		bus:        opts.Bus,
		origin:     domain.NewID(),
		log:        opts.Logger.With("component", "cache"),
		actors:     NewTiered[domain.Actor]("actor", tiered),
		actorUris:  NewTiered[string]("actorUri", tiered),
		actorKeys:  NewTiered[string]("actorKey", tiered),
		followings: NewTiered[bool]("following", tiered),
	}
}

// Start subscribes to invalidation events until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, s.handle)
}

func (s *Service) handle(ev Event) {
	if ev.Origin == s.origin {
		return
	}
	switch ev.Type {
	case EventActorChanged, EventActorSuspended, EventTokenRegenerated:
		var body ActorEvent
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			s.log.Warn("bad actor event", "type", ev.Type, "err", err)
			return
		}
		s.actors.Evict(body.Id)
		if body.Uri != "" {
			s.actorUris.Evict(body.Uri)
		}
		if body.KeyId != "" {
			s.actorKeys.Evict(body.KeyId)
		}
	case EventFollowCountChanged:
		var body FollowEvent
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			s.log.Warn("bad follow event", "err", err)
			return
		}
		s.followings.Evict(followKey(body.FollowerId, body.FolloweeId))
		s.actors.Evict(body.FollowerId)
		s.actors.Evict(body.FolloweeId)
	default:
		s.log.Debug("ignoring cache event", "type", ev.Type)
	}
}

func followKey(followerId, followeeId string) string {
	return followerId + ":" + followeeId
}

// cacheable strips what must never leave the store.
func cacheable(a *domain.Actor) domain.Actor {
	v := *a
	v.PrivateKeyPem = ""
	return v
}

// GetActor returns nil when the id is unknown. The result never carries a
// private key.
func (s *Service) GetActor(ctx context.Context, id string) (*domain.Actor, error) {
	v, ok, err := s.actors.FetchMaybe(ctx, id, func(ctx context.Context) (domain.Actor, bool, error) {
		a, err := s.store.ReadActorById(ctx, id)
		if err != nil || a == nil {
			return domain.Actor{}, false, err
		}
		return cacheable(a), true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return &v, nil
}

func (s *Service) GetActorByUri(ctx context.Context, uri string) (*domain.Actor, error) {
	return s.viaPointer(ctx, s.actorUris, uri, s.store.ReadActorByUri)
}

func (s *Service) GetActorByKeyId(ctx context.Context, keyId string) (*domain.Actor, error) {
	return s.viaPointer(ctx, s.actorKeys, keyId, s.store.ReadActorByKeyId)
}

func (s *Service) viaPointer(ctx context.Context, t *Tiered[string], key string,
	read func(context.Context, string) (*domain.Actor, error)) (*domain.Actor, error) {
	id, ok, err := t.FetchMaybe(ctx, key, func(ctx context.Context) (string, bool, error) {
		a, err := read(ctx, key)
		if err != nil || a == nil {
			return "", false, err
		}
		s.actors.Set(ctx, a.Id, cacheable(a))
		return a.Id, true, nil
	})
	if err != nil || !ok {
		return nil, err
	}
	return s.GetActor(ctx, id)
}

func (s *Service) IsFollowing(ctx context.Context, followerId, followeeId string) (bool, error) {
	return s.followings.Fetch(ctx, followKey(followerId, followeeId), func(ctx context.Context) (bool, error) {
		return s.store.IsFollowing(ctx, followerId, followeeId)
	})
}

// SetActor primes every entry for a freshly stored actor.
func (s *Service) SetActor(ctx context.Context, a *domain.Actor) {
	s.actors.Set(ctx, a.Id, cacheable(a))
	if a.Uri != "" {
		s.actorUris.Set(ctx, a.Uri, a.Id)
	}
	if a.KeyId != "" {
		s.actorKeys.Set(ctx, a.KeyId, a.Id)
	}
}

// ActorChanged replaces the cached actor in place and tells other
// processes to drop their copy.
func (s *Service) ActorChanged(ctx context.Context, a *domain.Actor) {
	s.SetActor(ctx, a)
	s.publish(ctx, EventActorChanged, ActorEvent{Id: a.Id, Uri: a.Uri, KeyId: a.KeyId})
}

func (s *Service) ActorSuspended(ctx context.Context, a *domain.Actor) {
	s.dropActor(ctx, a)
	s.publish(ctx, EventActorSuspended, ActorEvent{Id: a.Id, Uri: a.Uri, KeyId: a.KeyId})
}

func (s *Service) TokenRegenerated(ctx context.Context, a *domain.Actor) {
	s.dropActor(ctx, a)
	s.publish(ctx, EventTokenRegenerated, ActorEvent{Id: a.Id, Uri: a.Uri, KeyId: a.KeyId})
}

// FollowCountChanged drops the relationship entry and both actors, whose
// counters moved.
func (s *Service) FollowCountChanged(ctx context.Context, followerId, followeeId string) {
	s.followings.Delete(ctx, followKey(followerId, followeeId))
	s.actors.Delete(ctx, followerId)
	s.actors.Delete(ctx, followeeId)
	s.publish(ctx, EventFollowCountChanged, FollowEvent{FollowerId: followerId, FolloweeId: followeeId})
}

// InvalidateActor drops an actor after a counter or profile write that did
// not go through ActorChanged.
func (s *Service) InvalidateActor(ctx context.Context, id string) {
	s.actors.Delete(ctx, id)
	s.publish(ctx, EventActorChanged, ActorEvent{Id: id})
}

func (s *Service) dropActor(ctx context.Context, a *domain.Actor) {
	s.actors.Delete(ctx, a.Id)
	if a.Uri != "" {
		s.actorUris.Delete(ctx, a.Uri)
	}
	if a.KeyId != "" {
		s.actorKeys.Delete(ctx, a.KeyId)
	}
}

func (s *Service) publish(ctx context.Context, typ string, body any) {
	ev, err := newEvent(typ, s.origin, body)
	if err != nil {
		s.log.Error("encoding cache event", "type", typ, "err", err)
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("publishing cache event", "type", typ, "err", err)
	}
}
