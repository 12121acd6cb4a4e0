// Package resolver turns remote uris and inline objects into stored actors
// and posts. Resolution is idempotent: a uri already in the store is
// returned as is, and concurrent creators of the same object end up with
// the one committed row.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/apclient"
	"github.com/deemkeen/fedengine/background"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/lock"
	"github.com/deemkeen/fedengine/service"
	"github.com/deemkeen/fedengine/util"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/sync/singleflight"
)

// maxDepth bounds how many nested references (reply of a reply of ...)
// one resolution may follow.
const maxDepth = 32

const lockWait = 30 * time.Second

// ErrUnavailable is returned for objects on blocked instances. The HTTP
// layer answers it with 451.
var ErrUnavailable = errors.New("unavailable for legal reasons")

// ErrLocalObject is returned when a uri on our own host is not in the store.
var ErrLocalObject = errors.New("local object does not exist")

// ErrRecordedAsVote reports that an incoming reply was stored as a vote on
// the poll it answers instead of as a post.
var ErrRecordedAsVote = errors.New("recorded as a poll vote")

// Fetcher is satisfied by *apclient.Client.
type Fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, string, error)
}

// MoveProcessor is satisfied by *move.Processor.
type MoveProcessor interface {
	ProcessRemoteMove(ctx context.Context, src *domain.Actor, preventUris []string) error
}

type Deps struct {
	DB         *db.DB
	Cache      *cache.Service
	Service    *service.Service
	Fetcher    Fetcher
	Locker     lock.Locker
	Background *background.Executor
	Conf       *util.AppConfig
	Logger     *log.Logger
}

type Resolver struct {
	db       *db.DB
	cache    *cache.Service
	svc      *service.Service
	renderer *activitypub.Renderer
	fetcher  Fetcher
	locker   lock.Locker
	bg       *background.Executor
	moves    MoveProcessor

	blocked      []string
	staleAfter   time.Duration
	moveCooldown time.Duration

	actors    singleflight.Group
	posts     singleflight.Group
	sanitizer *bluemonday.Policy
	log       *log.Logger
}

func New(d Deps) *Resolver {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	r := &Resolver{
		db:           d.DB,
		cache:        d.Cache,
		svc:          d.Service,
		renderer:     d.Service.Renderer(),
		fetcher:      d.Fetcher,
		locker:       d.Locker,
		bg:           d.Background,
		staleAfter:   24 * time.Hour,
		moveCooldown: 14 * 24 * time.Hour,
		sanitizer:    bluemonday.StrictPolicy(),
		log:          logger.With("component", "resolver"),
	}
	if r.locker == nil {
		r.locker = lock.NewLocal()
	}
	if d.Conf != nil {
		r.blocked = d.Conf.Federation.BlockedHosts
		if d.Conf.Federation.StaleAfter > 0 {
			r.staleAfter = d.Conf.Federation.StaleAfter
		}
		if d.Conf.Move.Cooldown > 0 {
			r.moveCooldown = d.Conf.Move.Cooldown
		}
	}
	return r
}

// SetMoveProcessor binds the move processor, which itself resolves actors
// and is therefore built after the resolver.
func (r *Resolver) SetMoveProcessor(m MoveProcessor) {
	r.moves = m
}

// Locker is the lock the resolver takes per object uri. Callers that hold
// an object lock while calling CreatePost must take it from here.
func (r *Resolver) Locker() lock.Locker {
	return r.locker
}

// IsLocal reports whether uri lives on this server.
func (r *Resolver) IsLocal(uri string) bool {
	return activitypub.SameHost(uri, r.renderer.Base())
}

// checkHost classifies uri before anything is looked up or fetched.
func (r *Resolver) checkHost(uri string) (host string, local bool, err error) {
	host, err = activitypub.HostOf(uri)
	if err != nil {
		return "", false, domain.Permanent(err)
	}
	if activitypub.IsBlockedHost(host, r.blocked) {
		return "", false, domain.Permanent(fmt.Errorf("%s: %w", host, ErrUnavailable))
	}
	return host, host == activitypub.ToPuny(r.renderer.Host()), nil
}

// IsBlocked reports whether the host of uri is on the blocklist.
func (r *Resolver) IsBlocked(uri string) bool {
	host, err := activitypub.HostOf(uri)
	if err != nil {
		return false
	}
	return activitypub.IsBlockedHost(host, r.blocked)
}

type chainKey struct{}

// enter records uri on the resolution chain carried by ctx and fails on
// cycles or when the chain gets too deep.
func enter(ctx context.Context, uri string) (context.Context, error) {
	chain, _ := ctx.Value(chainKey{}).([]string)
	if len(chain) >= maxDepth {
		return ctx, domain.Permanent(fmt.Errorf("resolving %s: reference chain deeper than %d", uri, maxDepth))
	}
	for _, c := range chain {
		if c == uri {
			return ctx, domain.Permanent(fmt.Errorf("resolving %s: recursive reference", uri))
		}
	}
	next := make([]string, len(chain), len(chain)+1)
	copy(next, chain)
	return context.WithValue(ctx, chainKey{}, append(next, uri)), nil
}

// fetch GETs uri and insists that redirects stayed on the same host.
func (r *Resolver) fetch(ctx context.Context, uri string) ([]byte, error) {
	if r.fetcher == nil {
		return nil, domain.Permanent(fmt.Errorf("fetching %s: no client configured", uri))
	}
	body, final, err := r.fetcher.Fetch(ctx, uri)
	if err != nil {
		if errors.Is(err, apclient.ErrBlockedHost) {
			return nil, domain.Permanent(fmt.Errorf("%w: %w", ErrUnavailable, err))
		}
		return nil, err
	}
	if !activitypub.SameHost(uri, final) {
		return nil, domain.Permanent(fmt.Errorf("fetching %s: redirected to foreign host %s", uri, final))
	}
	return body, nil
}

func (r *Resolver) lock(ctx context.Context, uri string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	unlock, err := r.locker.Lock(ctx, lock.ObjectKey(uri))
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", uri, err)
	}
	return unlock, nil
}

func (r *Resolver) submit(name string, fn func(ctx context.Context) error) {
	if r.bg == nil {
		return
	}
	r.bg.Submit(name, fn)
}

// FetchActivity fetches an activity that was referenced by id only.
func (r *Resolver) FetchActivity(ctx context.Context, uri string) (*activitypub.Activity, error) {
	ref, err := r.FetchObject(ctx, uri)
	if err != nil {
		return nil, err
	}
	a, err := activitypub.ParseActivity(ref.Raw())
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("activity %s: %w", uri, err))
	}
	return a, nil
}

// FetchObject fetches any remote object and returns it as an embedded
// reference.
func (r *Resolver) FetchObject(ctx context.Context, uri string) (activitypub.Ref, error) {
	_, local, err := r.checkHost(uri)
	if err != nil {
		return activitypub.Ref{}, err
	}
	if local {
		return activitypub.Ref{}, domain.Permanent(fmt.Errorf("object %s: %w", uri, ErrLocalObject))
	}
	body, err := r.fetch(ctx, uri)
	if err != nil {
		return activitypub.Ref{}, err
	}
	ref, err := activitypub.EmbedRef(json.RawMessage(body))
	if err != nil {
		return activitypub.Ref{}, domain.Permanent(fmt.Errorf("object %s: %w", uri, err))
	}
	if !activitypub.SameHost(ref.Id(), uri) {
		return activitypub.Ref{}, domain.Permanent(fmt.Errorf("object %s carries foreign id %q", uri, ref.Id()))
	}
	return ref, nil
}
