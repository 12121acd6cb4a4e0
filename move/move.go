// Package move implements account migration: a local account moving to a
// new identity, the processing of remote accounts that announced a move,
// and the reverse check that a destination really claims its old account.
package move

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/cache"
	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/resolver"
	"github.com/deemkeen/fedengine/service"
	"github.com/deemkeen/fedengine/util"
)

// refreshAfter is how old a fetched profile may be before alias
// validation refetches it.
const refreshAfter = 10 * time.Second

var (
	// ErrNotAlias means the destination does not list the source among its
	// alsoKnownAs.
	ErrNotAlias  = errors.New("destination does not name the source as an alias")
	ErrSameActor = errors.New("cannot move an account to itself")
	ErrMoveLoop  = errors.New("move chain loops")
)

type Deps struct {
	DB       *db.DB
	Cache    *cache.Service
	Service  *service.Service
	Resolver *resolver.Resolver
	Fanout   service.Fanout
	Conf     *util.AppConfig
	Logger   *log.Logger
}

type Processor struct {
	db            *db.DB
	cache         *cache.Service
	svc           *service.Service
	resolver      *resolver.Resolver
	renderer      *activitypub.Renderer
	fanout        service.Fanout
	unfollowDelay time.Duration
	now           func() time.Time
	log           *log.Logger
}

func New(d Deps) *Processor {
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}
	p := &Processor{
		db:            d.DB,
		cache:         d.Cache,
		svc:           d.Service,
		resolver:      d.Resolver,
		renderer:      d.Service.Renderer(),
		fanout:        d.Fanout,
		unfollowDelay: 24 * time.Hour,
		now:           time.Now,
		log:           logger.With("component", "move"),
	}
	if d.Conf != nil && d.Conf.Move.UnfollowDelay > 0 {
		p.unfollowDelay = d.Conf.Move.UnfollowDelay
	}
	return p
}

// MoveLocal moves the local account src to the actor at dstUri, which must
// already list src as an alias. It returns src as stored after the move.
func (p *Processor) MoveLocal(ctx context.Context, src *domain.Actor, dstUri string) (*domain.Actor, error) {
	if !src.IsLocal() {
		return nil, domain.ErrNotLocal
	}
	srcUri := p.renderer.ActorUriOf(src)
	if dstUri == srcUri {
		return nil, ErrSameActor
	}
	dst, err := p.resolver.ResolveActor(ctx, dstUri)
	if err != nil {
		return nil, fmt.Errorf("resolving move destination: %w", err)
	}
	if dst.Id == src.Id {
		return nil, ErrSameActor
	}
	// record the destination's own id, not the form it was given in
	dstUri = p.renderer.ActorUriOf(dst)
	if dst.IsRemote() {
		if dst, err = p.resolver.Refresh(ctx, dst, true); err != nil {
			return nil, fmt.Errorf("refreshing move destination: %w", err)
		}
	}
	if !slices.Contains(dst.AlsoKnownAs, srcUri) {
		return nil, ErrNotAlias
	}

	// the private key is needed for the deliveries below
	src, err = p.svc.Actor(ctx, src.Id)
	if err != nil {
		return nil, err
	}
	now := p.now().UTC()
	src.MovedToUri = dstUri
	src.MovedAt = &now
	if !slices.Contains(src.AlsoKnownAs, dstUri) {
		src.AlsoKnownAs = append(src.AlsoKnownAs, dstUri)
	}
	if err := p.db.UpdateActorMove(ctx, src.Id, src.MovedToUri, src.MovedAt, src.AlsoKnownAs); err != nil {
		return nil, fmt.Errorf("recording move of %s: %w", src.Id, err)
	}
	p.cache.ActorChanged(ctx, src)

	update := p.renderer.RenderUpdate(p.renderer.RenderPerson(src), srcUri)
	if _, err := p.fanout.Fanout(ctx, src, update, domain.VisibilityPublic, nil); err != nil {
		return nil, fmt.Errorf("queueing profile update: %w", err)
	}
	if _, err := p.fanout.Fanout(ctx, src, p.renderer.RenderMove(srcUri, dstUri), domain.VisibilityPublic, nil); err != nil {
		return nil, fmt.Errorf("queueing move: %w", err)
	}
	p.log.Info("account moved", "actor", src.Acct(), "to", dstUri)

	if err := p.PostMoveProcess(ctx, src, dst); err != nil {
		return nil, err
	}
	return src, nil
}

// ProcessRemoteMove carries the local followers of src over to the actor
// src moved to. Chained moves are followed to their end; preventUris holds
// the uris already visited.
func (p *Processor) ProcessRemoteMove(ctx context.Context, src *domain.Actor, preventUris []string) error {
	_, err := p.processRemote(ctx, src, preventUris)
	return err
}

func (p *Processor) processRemote(ctx context.Context, src *domain.Actor, preventUris []string) (*domain.Actor, error) {
	if src.MovedToUri == "" {
		return nil, nil
	}
	if src.MovedToUri == src.Uri || slices.Contains(preventUris, src.MovedToUri) {
		return nil, domain.Permanent(fmt.Errorf("%w: %s -> %s", ErrMoveLoop, src.Uri, src.MovedToUri))
	}

	dst, err := p.resolver.ResolveActor(ctx, src.MovedToUri)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", src.MovedToUri, err)
	}
	if dst.MovedToUri != "" {
		final, err := p.processRemote(ctx, dst, append(slices.Clone(preventUris), src.Uri))
		if err != nil {
			return nil, err
		}
		if final != nil {
			dst = final
		}
	}
	if dst.Id == src.Id {
		return nil, domain.Permanent(fmt.Errorf("%w: %s", ErrMoveLoop, src.Uri))
	}
	if !slices.Contains(dst.AlsoKnownAs, src.Uri) {
		return nil, domain.Permanent(fmt.Errorf("%w: %s -> %s", ErrNotAlias, src.Uri, dst.Uri))
	}
	if err := p.PostMoveProcess(ctx, src, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// PostMoveProcess hands every local follower of src over to dst: the old
// relationship is dropped after a grace delay, blocks, mutes and list
// memberships are copied, counters are settled and follow jobs toward dst
// are queued.
func (p *Processor) PostMoveProcess(ctx context.Context, src, dst *domain.Actor) error {
	followers, err := p.localFollowers(ctx, src)
	if err != nil {
		return err
	}

	for _, f := range followers {
		job := service.RelationshipJob{Kind: service.RelationUnfollow, FromId: f.Id, ToId: src.Id, SkipCounters: true}
		if err := p.svc.QueueRelationship(ctx, job, p.unfollowDelay); err != nil {
			return fmt.Errorf("queueing unfollow of %s: %w", src.Id, err)
		}
	}

	for name, step := range map[string]func(context.Context, *domain.Actor, *domain.Actor) error{
		"blocks": p.copyBlocks,
		"mutes":  p.copyMutes,
		"lists":  p.copyLists,
	} {
		if err := step(ctx, src, dst); err != nil {
			p.log.Warn("copying "+name+" failed", "from", src.Id, "to", dst.Id, "err", err)
		}
	}

	if err := p.settleCounts(ctx, src, followers); err != nil {
		return err
	}

	for _, f := range followers {
		job := service.RelationshipJob{Kind: service.RelationFollow, FromId: f.Id, ToId: dst.Id}
		if err := p.svc.QueueRelationship(ctx, job, 0); err != nil {
			return fmt.Errorf("queueing follow of %s: %w", dst.Id, err)
		}
	}
	p.log.Info("move processed", "from", src.Acct(), "to", dst.Acct(), "followers", len(followers))
	return nil
}

// localFollowers lists the local accounts following src, leaving out the
// instance actor, which follows relays and not people.
func (p *Processor) localFollowers(ctx context.Context, src *domain.Actor) ([]*domain.Actor, error) {
	rows, err := p.db.ReadFollowers(ctx, src.Id)
	if err != nil {
		return nil, fmt.Errorf("reading followers of %s: %w", src.Id, err)
	}
	var out []*domain.Actor
	for _, f := range rows {
		if f.FollowerHost != "" {
			continue
		}
		a, err := p.cache.GetActor(ctx, f.FollowerId)
		if err != nil {
			return nil, err
		}
		if a == nil || a.Username == service.InstanceActorName {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// settleCounts moves the counters as if every follower had already
// switched, without touching the relationships themselves.
func (p *Processor) settleCounts(ctx context.Context, src *domain.Actor, followers []*domain.Actor) error {
	followees, err := p.db.ReadFollowees(ctx, src.Id)
	if err != nil {
		return fmt.Errorf("reading followees of %s: %w", src.Id, err)
	}
	followerIds := make([]string, 0, len(followers))
	for _, f := range followers {
		followerIds = append(followerIds, f.Id)
	}
	followeeIds := make([]string, 0, len(followees))
	for _, f := range followees {
		followeeIds = append(followeeIds, f.FolloweeId)
	}

	err = p.db.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.ZeroFollowCounts(ctx, src.Id); err != nil {
			return err
		}
		if err := tx.DecrementFollowingCounts(ctx, followerIds); err != nil {
			return err
		}
		return tx.DecrementFollowersCounts(ctx, followeeIds)
	})
	if err != nil {
		return fmt.Errorf("adjusting counters for move of %s: %w", src.Id, err)
	}

	p.cache.InvalidateActor(ctx, src.Id)
	for _, id := range append(followerIds, followeeIds...) {
		p.cache.InvalidateActor(ctx, id)
	}
	return nil
}

func (p *Processor) copyBlocks(ctx context.Context, src, dst *domain.Actor) error {
	blockerIds, err := p.db.ReadBlockerIds(ctx, src.Id)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range blockerIds {
		blocker, err := p.svc.Actor(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !blocker.IsLocal() || blocker.Id == dst.Id {
			continue
		}
		if err := p.svc.Block(ctx, blocker, dst); err != nil && !errors.Is(err, domain.ErrAlreadyBlocked) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) copyMutes(ctx context.Context, src, dst *domain.Actor) error {
	mutings, err := p.db.ReadMutingsOf(ctx, src.Id)
	if err != nil {
		return err
	}
	now := p.now()
	var errs []error
	for _, m := range mutings {
		if !m.Active(now) || m.MuterId == dst.Id {
			continue
		}
		muter, err := p.cache.GetActor(ctx, m.MuterId)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if muter == nil || !muter.IsLocal() {
			continue
		}
		if err := p.svc.Mute(ctx, muter, dst, m.ExpiresAt); err != nil && !errors.Is(err, domain.ErrAlreadyMuted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) copyLists(ctx context.Context, src, dst *domain.Actor) error {
	memberships, err := p.db.ReadMembershipsOfUser(ctx, src.Id)
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range memberships {
		if err := p.svc.AddToList(ctx, m.ListId, dst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateAlsoKnownAs returns the known actors among dst's aliases that
// moved to dst and pass check. With instant set it returns at the first.
// Profiles fetched more than a few seconds ago are refetched first.
func (p *Processor) ValidateAlsoKnownAs(ctx context.Context, dst *domain.Actor, check func(ctx context.Context, old *domain.Actor) (bool, error), instant bool) ([]*domain.Actor, error) {
	var err error
	if dst, err = p.fresh(ctx, dst); err != nil {
		return nil, err
	}
	dstUri := p.renderer.ActorUriOf(dst)

	var out []*domain.Actor
	for _, uri := range dst.AlsoKnownAs {
		old, err := p.resolver.FetchActor(ctx, uri)
		if err != nil {
			return nil, err
		}
		if old == nil {
			continue
		}
		if old, err = p.fresh(ctx, old); err != nil {
			p.log.Debug("refreshing alias failed", "alias", uri, "err", err)
			continue
		}
		if old.MovedToUri != dstUri {
			continue
		}
		ok, err := check(ctx, old)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, old)
		if instant {
			break
		}
	}
	return out, nil
}

func (p *Processor) fresh(ctx context.Context, a *domain.Actor) (*domain.Actor, error) {
	if a.IsLocal() || (a.LastFetchedAt != nil && p.now().Sub(*a.LastFetchedAt) <= refreshAfter) {
		return a, nil
	}
	return p.resolver.Refresh(ctx, a, true)
}
