package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/fedengine/db"
	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/notify"
)

// FollowEvent is the body of the follow related notifications.
type FollowEvent struct {
	FollowerId string `json:"followerId"`
	FolloweeId string `json:"followeeId"`
}

// Follow makes follower follow followee, or files a follow request when
// followee is remote or locked. requestId is the id of the remote Follow
// activity when follower is remote.
func (s *Service) Follow(ctx context.Context, follower, followee *domain.Actor, requestId string) error {
	if follower.Id == followee.Id {
		return domain.Permanent(errors.New("cannot follow oneself"))
	}
	if followee.IsSuspended || followee.IsDeleted {
		return domain.ErrSuspended
	}

	blocked, err := s.db.IsBlocking(ctx, followee.Id, follower.Id)
	if err != nil {
		return err
	}
	if blocked {
		if follower.IsRemote() && followee.IsLocal() {
			s.deliverTo(ctx, followee, follower, s.renderer.RenderReject(s.renderer.RenderFollow(follower, followee, requestId), s.renderer.ActorUriOf(followee)))
		}
		return domain.ErrBlocked
	}
	blocking, err := s.db.IsBlocking(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if blocking {
		return domain.ErrBlocking
	}

	following, err := s.db.IsFollowing(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if following {
		// the remote side lost our Accept; send it again
		if follower.IsRemote() && followee.IsLocal() {
			s.deliverTo(ctx, followee, follower, s.renderer.RenderAccept(s.renderer.RenderFollow(follower, followee, requestId), s.renderer.ActorUriOf(followee)))
			return nil
		}
		return domain.ErrAlreadyFollowing
	}

	if followee.IsRemote() {
		return s.requestRemoteFollow(ctx, follower, followee)
	}

	autoAccept, err := s.autoAccepts(ctx, follower, followee)
	if err != nil {
		return err
	}
	if !autoAccept {
		req := &domain.FollowRequest{Id: domain.NewID(), FollowerId: follower.Id, FolloweeId: followee.Id, RequestId: requestId}
		if err := s.db.CreateFollowRequest(ctx, req); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				return domain.ErrAlreadyRequested
			}
			return fmt.Errorf("creating follow request: %w", err)
		}
		s.notify(ctx, followee, notify.EventReceiveFollowRequest, FollowEvent{follower.Id, followee.Id})
		return nil
	}

	if _, err := s.insertFollowing(ctx, follower, followee); err != nil {
		return err
	}
	if follower.IsRemote() {
		s.deliverTo(ctx, followee, follower, s.renderer.RenderAccept(s.renderer.RenderFollow(follower, followee, requestId), s.renderer.ActorUriOf(followee)))
	}
	return nil
}

// autoAccepts decides whether followee takes follower without a request:
// it is unlocked, already follows follower, or an earlier identity of a
// moved follower was already accepted.
func (s *Service) autoAccepts(ctx context.Context, follower, followee *domain.Actor) (bool, error) {
	if !followee.IsLocked {
		return true, nil
	}
	back, err := s.db.IsFollowing(ctx, followee.Id, follower.Id)
	if err != nil || back {
		return back, err
	}
	if s.aliases == nil || follower.IsLocal() || len(follower.AlsoKnownAs) == 0 {
		return false, nil
	}
	olds, err := s.aliases.ValidateAlsoKnownAs(ctx, follower, func(ctx context.Context, old *domain.Actor) (bool, error) {
		return s.db.IsFollowing(ctx, old.Id, followee.Id)
	}, true)
	if err != nil {
		s.log.Warn("alias validation failed", "follower", follower.Uri, "err", err)
		return false, nil
	}
	return len(olds) > 0, nil
}

func (s *Service) requestRemoteFollow(ctx context.Context, follower, followee *domain.Actor) error {
	if !follower.IsLocal() {
		return domain.ErrNotLocal
	}
	req := &domain.FollowRequest{
		Id:         domain.NewID(),
		FollowerId: follower.Id,
		FolloweeId: followee.Id,
		RequestId:  s.renderer.FollowUri(follower.Id, followee.Id),
	}
	if err := s.db.CreateFollowRequest(ctx, req); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.ErrAlreadyRequested
		}
		return fmt.Errorf("creating follow request: %w", err)
	}
	s.deliverTo(ctx, follower, followee, s.renderer.RenderFollow(follower, followee, ""))
	return nil
}

// insertFollowing stores the relationship, drops the matching request and
// moves the counters. It reports false when the row already existed.
func (s *Service) insertFollowing(ctx context.Context, follower, followee *domain.Actor) (bool, error) {
	created := true
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.CreateFollowing(ctx, domain.NewFollowing(follower, followee)); err != nil {
			if errors.Is(err, domain.ErrDuplicate) {
				created = false
				_, err = tx.DeleteFollowRequest(ctx, follower.Id, followee.Id)
				return err
			}
			return err
		}
		if _, err := tx.DeleteFollowRequest(ctx, follower.Id, followee.Id); err != nil {
			return err
		}
		return adjustFollowCounts(ctx, tx, follower, followee, 1)
	})
	if err != nil {
		return false, fmt.Errorf("creating following: %w", err)
	}
	if !created {
		return false, nil
	}

	s.cache.FollowCountChanged(ctx, follower.Id, followee.Id)
	ev := FollowEvent{follower.Id, followee.Id}
	s.notify(ctx, follower, notify.EventFollow, ev)
	s.notify(ctx, followee, notify.EventFollowed, ev)
	return true, nil
}

func adjustFollowCounts(ctx context.Context, tx *db.Queries, follower, followee *domain.Actor, delta int) error {
	if err := tx.AdjustActorCounts(ctx, follower.Id, 0, delta, 0); err != nil {
		return err
	}
	if err := tx.AdjustActorCounts(ctx, followee.Id, delta, 0, 0); err != nil {
		return err
	}
	if follower.IsRemote() && followee.IsLocal() {
		if err := tx.AdjustInstanceCounts(ctx, follower.Host, 0, 0, delta, 0); err != nil {
			return err
		}
	}
	if follower.IsLocal() && followee.IsRemote() {
		if err := tx.AdjustInstanceCounts(ctx, followee.Host, 0, 0, 0, delta); err != nil {
			return err
		}
	}
	return nil
}

// AcceptRequest lets the local followee accept a pending request.
func (s *Service) AcceptRequest(ctx context.Context, followee, follower *domain.Actor) error {
	req, err := s.db.ReadFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if req == nil {
		return domain.ErrNoFollowRequest
	}
	if _, err := s.insertFollowing(ctx, follower, followee); err != nil {
		return err
	}
	if follower.IsRemote() {
		s.deliverTo(ctx, followee, follower, s.renderer.RenderAccept(s.renderer.RenderFollow(follower, followee, req.RequestId), s.renderer.ActorUriOf(followee)))
	}
	return nil
}

// AcceptedByRemote completes a local follower's request after the remote
// followee sent Accept.
func (s *Service) AcceptedByRemote(ctx context.Context, followee, follower *domain.Actor) error {
	req, err := s.db.ReadFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if req == nil {
		return domain.ErrNoFollowRequest
	}
	_, err = s.insertFollowing(ctx, follower, followee)
	return err
}

// RejectRequest lets the local followee turn down a pending request.
func (s *Service) RejectRequest(ctx context.Context, followee, follower *domain.Actor) error {
	req, err := s.db.ReadFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if req == nil {
		return domain.ErrNoFollowRequest
	}
	if _, err := s.db.DeleteFollowRequest(ctx, follower.Id, followee.Id); err != nil {
		return err
	}
	if follower.IsRemote() {
		s.deliverTo(ctx, followee, follower, s.renderer.RenderReject(s.renderer.RenderFollow(follower, followee, req.RequestId), s.renderer.ActorUriOf(followee)))
	}
	return nil
}

// RejectedByRemote handles a Reject from a remote followee: the pending
// request or the established relationship of the local follower goes away.
func (s *Service) RejectedByRemote(ctx context.Context, followee, follower *domain.Actor) error {
	removed, err := s.db.DeleteFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if err := s.Unfollow(ctx, follower, followee, UnfollowOptions{Silent: true}); err != nil {
		if errors.Is(err, domain.ErrNotFollowing) && removed {
			return nil
		}
		if errors.Is(err, domain.ErrNotFollowing) {
			return domain.ErrNoFollowRequest
		}
		return err
	}
	return nil
}

// CancelRequest withdraws follower's pending request.
func (s *Service) CancelRequest(ctx context.Context, follower, followee *domain.Actor) error {
	req, err := s.db.ReadFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if req == nil {
		return domain.ErrNoFollowRequest
	}
	if _, err := s.db.DeleteFollowRequest(ctx, follower.Id, followee.Id); err != nil {
		return err
	}

	follow := s.renderer.RenderFollow(follower, followee, req.RequestId)
	switch {
	case follower.IsLocal() && followee.IsRemote():
		s.deliverTo(ctx, follower, followee, s.renderer.RenderUndo(follow, s.renderer.ActorUriOf(follower)))
	case follower.IsRemote() && followee.IsLocal():
		s.deliverTo(ctx, followee, follower, s.renderer.RenderReject(follow, s.renderer.ActorUriOf(followee)))
	}
	return nil
}

// WithdrawnByRemote drops a request the remote follower undid itself.
func (s *Service) WithdrawnByRemote(ctx context.Context, follower, followee *domain.Actor) error {
	deleted, err := s.db.DeleteFollowRequest(ctx, follower.Id, followee.Id)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrNoFollowRequest
	}
	return nil
}

type UnfollowOptions struct {
	// Silent skips telling the remote party, for changes it initiated.
	Silent bool
	// SkipCounters leaves the follow counters alone; Move already
	// adjusted them.
	SkipCounters bool
}

// Unfollow removes follower -> followee. Every local party receives an
// unfollow event.
func (s *Service) Unfollow(ctx context.Context, follower, followee *domain.Actor, opts UnfollowOptions) error {
	err := s.db.WithTx(ctx, func(tx *db.Queries) error {
		deleted, err := tx.DeleteFollowing(ctx, follower.Id, followee.Id)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFollowing
		}
		if opts.SkipCounters {
			return nil
		}
		return adjustFollowCounts(ctx, tx, follower, followee, -1)
	})
	if err != nil {
		return err
	}
	s.cache.FollowCountChanged(ctx, follower.Id, followee.Id)

	if !opts.Silent {
		follow := s.renderer.RenderFollow(follower, followee, "")
		switch {
		case follower.IsLocal() && followee.IsRemote():
			s.deliverTo(ctx, follower, followee, s.renderer.RenderUndo(follow, s.renderer.ActorUriOf(follower)))
		case follower.IsRemote() && followee.IsLocal():
			s.deliverTo(ctx, followee, follower, s.renderer.RenderReject(follow, s.renderer.ActorUriOf(followee)))
		}
	}

	ev := FollowEvent{follower.Id, followee.Id}
	s.notify(ctx, follower, notify.EventUnfollow, ev)
	s.notify(ctx, followee, notify.EventUnfollow, ev)
	return nil
}
