package inbox

import (
	"context"
	"errors"

	"github.com/deemkeen/fedengine/activitypub"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/service"
)

func (d *Dispatcher) follow(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	followee, err := d.localActor(ctx, a.Object.Id())
	if err != nil {
		return Result{}, err
	}
	if followee == nil {
		return Skip("follow target %s is not a local actor", a.Object.Id()), nil
	}
	return outcome(d.svc.Follow(ctx, sender, followee, a.Id))
}

// followParties finds the local follower named by a Follow the sender
// answered or undid: embedded, or referenced by a follow id we minted.
func (d *Dispatcher) followParties(ctx context.Context, sender *domain.Actor, ref activitypub.Ref) (*domain.Actor, string, error) {
	var followerUri, followeeUri string
	switch {
	case ref.IsEmbedded():
		follow, err := activitypub.ParseActivity(ref.Raw())
		if err != nil {
			return nil, "malformed follow", nil
		}
		if follow.Kind() != activitypub.KindFollow {
			return nil, "object is a " + follow.TypeName() + ", not a Follow", nil
		}
		followerUri, followeeUri = follow.Actor.Id(), follow.Object.Id()
	default:
		followerId, followeeId, ok := d.renderer.ParseFollowUri(ref.Id())
		if !ok {
			return nil, "unknown follow " + ref.Id(), nil
		}
		if followeeId != sender.Id {
			return nil, "follow " + ref.Id() + " is addressed to another actor", nil
		}
		followerUri, followeeUri = d.renderer.ActorUri(followerId), sender.Uri
	}
	if followeeUri != sender.Uri {
		return nil, "follow is addressed to " + followeeUri, nil
	}
	follower, err := d.localActor(ctx, followerUri)
	if err != nil {
		return nil, "", err
	}
	if follower == nil {
		return nil, "follower " + followerUri + " is not local", nil
	}
	return follower, "", nil
}

func (d *Dispatcher) acceptOrReject(ctx context.Context, sender *domain.Actor, a *activitypub.Activity, accepted bool) (Result, error) {
	if relayId, ok := d.renderer.ParseRelayFollowUri(a.Object.Id()); ok {
		status := domain.RelayRejected
		if accepted {
			status = domain.RelayAccepted
		}
		return outcome(d.svc.SetRelayStatus(ctx, relayId, status))
	}

	follower, reason, err := d.followParties(ctx, sender, a.Object)
	if err != nil {
		return Result{}, err
	}
	if follower == nil {
		return Skip("%s", reason), nil
	}
	if accepted {
		return outcome(d.svc.AcceptedByRemote(ctx, sender, follower))
	}
	return outcome(d.svc.RejectedByRemote(ctx, sender, follower))
}

func (d *Dispatcher) undo(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	inner, err := d.activityOf(ctx, a.Object)
	if err != nil {
		return outcome(err)
	}
	if inner.Actor.Id() != sender.Uri {
		return Skip("undo of an activity by %s", inner.Actor.Id()), nil
	}

	switch inner.Kind() {
	case activitypub.KindFollow:
		followee, err := d.localActor(ctx, inner.Object.Id())
		if err != nil {
			return Result{}, err
		}
		if followee == nil {
			return Skip("undone follow target is not local"), nil
		}
		err = d.svc.WithdrawnByRemote(ctx, sender, followee)
		if errors.Is(err, domain.ErrNoFollowRequest) {
			err = d.svc.Unfollow(ctx, sender, followee, service.UnfollowOptions{Silent: true})
		}
		return outcome(err)

	case activitypub.KindBlock:
		blockee, err := d.localActor(ctx, inner.Object.Id())
		if err != nil {
			return Result{}, err
		}
		if blockee == nil {
			return Skip("undone block target is not local"), nil
		}
		return outcome(d.svc.Unblock(ctx, sender, blockee))

	case activitypub.KindLike:
		post, err := d.resolver.FetchPost(ctx, inner.Object.Id())
		if err != nil {
			return Result{}, err
		}
		if post == nil {
			return Skip("unliked post %s not found", inner.Object.Id()), nil
		}
		return outcome(d.svc.Unreact(ctx, sender, post))

	case activitypub.KindAnnounce:
		unlock, err := d.lock(ctx, inner.Id)
		if err != nil {
			return Result{}, err
		}
		defer unlock()
		renote, err := d.db.ReadPostByUriAndUser(ctx, inner.Id, sender.Id)
		if err != nil {
			return Result{}, err
		}
		if renote == nil || renote.IsDeleted {
			return Skip("renote %s not found", inner.Id), nil
		}
		return outcome(d.svc.DeletePost(ctx, renote))

	case activitypub.KindAccept:
		follower, reason, err := d.followParties(ctx, sender, inner.Object)
		if err != nil {
			return Result{}, err
		}
		if follower == nil {
			return Skip("%s", reason), nil
		}
		return outcome(d.svc.Unfollow(ctx, follower, sender, service.UnfollowOptions{Silent: true}))
	}
	return Skip("unsupported undo of %q", inner.Type), nil
}

func (d *Dispatcher) block(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	blockee, err := d.localActor(ctx, a.Object.Id())
	if err != nil {
		return Result{}, err
	}
	if blockee == nil {
		return Skip("block target %s is not a local actor", a.Object.Id()), nil
	}
	return outcome(d.svc.Block(ctx, sender, blockee))
}

// flag files one report for the local user and posts the sender names.
func (d *Dispatcher) flag(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	var (
		target *domain.Actor
		posts  []*domain.Post
	)
	for _, ref := range a.Objects() {
		uri := ref.Id()
		if id, ok := d.renderer.LocalId("notes", uri); ok {
			p, err := d.db.ReadPostById(ctx, id)
			if err != nil {
				return Result{}, err
			}
			if p != nil {
				posts = append(posts, p)
			}
			continue
		}
		if target != nil {
			continue
		}
		u, err := d.localActor(ctx, uri)
		if err != nil {
			return Result{}, err
		}
		target = u
	}
	if target == nil && len(posts) > 0 {
		u, err := d.cache.GetActor(ctx, posts[0].UserId)
		if err != nil {
			return Result{}, err
		}
		target = u
	}
	if target == nil || !target.IsLocal() {
		return Skip("flag names no local user"), nil
	}

	var postIds []string
	for _, p := range posts {
		if p.UserId == target.Id {
			postIds = append(postIds, p.Id)
		}
	}
	_, err := d.svc.Report(ctx, sender, target, postIds, a.Content, a.Id)
	return outcome(err)
}

// move refreshes the sender; the profile update carries movedTo and runs
// the remote move.
func (d *Dispatcher) move(ctx context.Context, sender *domain.Actor, a *activitypub.Activity) (Result, error) {
	if a.Target.Id() == "" {
		return Skip("move without target"), nil
	}
	if obj := a.Object.Id(); obj != "" && obj != sender.Uri {
		return Skip("move of another actor %s", obj), nil
	}
	_, err := d.resolver.Refresh(ctx, sender, true)
	return outcome(err)
}
