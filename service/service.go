// Package service holds the local state transitions federation drives:
// following, blocking, reactions, posts, pins, polls, relays and the
// instance registry. Every transition that other servers must learn about
// is rendered and handed to the fanout here.
package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/background"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/queue"
	"github.com/deemkeen/fedengine/util"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, class, name string, payload any, opts queue.Options) (*domain.Job, error)
}

// Fanout is satisfied by *delivery.Fanout.
type Fanout interface {
	Fanout(ctx context.Context, actor *domain.Actor, activity any, vis domain.Visibility, targets []*domain.Actor) (int, error)
	DeliverTo(ctx context.Context, actor *domain.Actor, activity any, inboxes ...string) (int, error)
}

// Notifier is satisfied by *notify.Publisher.
type Notifier interface {
	Notify(ctx context.Context, userId, event string, body any)
}

// JSONFetcher is satisfied by *apclient.Client.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, uri string) ([]byte, error)
}

// AliasValidator finds, among dst's alsoKnownAs, the old identities that
// moved to dst and satisfy check. With instant set it stops at the first.
type AliasValidator interface {
	ValidateAlsoKnownAs(ctx context.Context, dst *domain.Actor, check func(ctx context.Context, old *domain.Actor) (bool, error), instant bool) ([]*domain.Actor, error)
}

type Deps struct {
	DB         *db.DB
	Cache      *cache.Service
	Renderer   *activitypub.Renderer
	Fanout     Fanout
	Queue      Enqueuer
	Events     Notifier
	Background *background.Executor
	Fetcher    JSONFetcher
	Conf       *util.AppConfig
	Logger     *log.Logger
	// KeyBits sizes generated actor keys; util.DefaultKeyBits when zero.
	KeyBits int
}

type Service struct {
	db       *db.DB
	cache    *cache.Service
	renderer *activitypub.Renderer
	fanout   Fanout
	queue    Enqueuer
	events   Notifier
	bg       *background.Executor
	fetcher  JSONFetcher
	conf     *util.AppConfig
	aliases  AliasValidator
	keyBits  int
	log      *log.Logger

	instanceMu    sync.Mutex
	instanceActor *domain.Actor
}

func New(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	if d.KeyBits == 0 {
		d.KeyBits = util.DefaultKeyBits
	}
	return &Service{
		db:       d.DB,
		cache:    d.Cache,
		renderer: d.Renderer,
		fanout:   d.Fanout,
		queue:    d.Queue,
		events:   d.Events,
		bg:       d.Background,
		fetcher:  d.Fetcher,
		conf:     d.Conf,
		keyBits:  d.KeyBits,
		log:      logger.With("component", "service"),
	}
}

// SetAliasValidator binds the move processor after both are constructed.
func (s *Service) SetAliasValidator(v AliasValidator) {
	s.aliases = v
}

func (s *Service) Renderer() *activitypub.Renderer {
	return s.renderer
}

// Actor returns the stored actor including its private key, or
// domain.ErrNotFound.
func (s *Service) Actor(ctx context.Context, id string) (*domain.Actor, error) {
	a, err := s.db.ReadActorById(ctx, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("actor %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (s *Service) notify(ctx context.Context, a *domain.Actor, event string, body any) {
	if s.events == nil || !a.IsLocal() {
		return
	}
	s.events.Notify(ctx, a.Id, event, body)
}

// deliverTo sends activity from the local actor to one remote actor's
// personal inbox.
func (s *Service) deliverTo(ctx context.Context, from, to *domain.Actor, activity any) {
	if !from.IsLocal() || !to.IsRemote() {
		return
	}
	if _, err := s.fanout.Fanout(ctx, from, activity, domain.VisibilitySpecified, []*domain.Actor{to}); err != nil {
		s.log.Error("queueing delivery failed", "from", from.Id, "to", to.Uri, "err", err)
	}
}

func (s *Service) submit(name string, fn func(ctx context.Context) error) {
	if s.bg == nil {
		return
	}
	s.bg.Submit(name, fn)
}
