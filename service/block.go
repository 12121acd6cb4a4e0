package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/fedengine/domain"
)

// Block severs every relationship between blocker and blockee before the
// block is stored: pending requests and followings in both directions go,
// and the blocker disappears from the blockee's lists.
func (s *Service) Block(ctx context.Context, blocker, blockee *domain.Actor) error {
	if blocker.Id == blockee.Id {
		return domain.Permanent(errors.New("cannot block oneself"))
	}
	already, err := s.db.IsBlocking(ctx, blocker.Id, blockee.Id)
	if err != nil {
		return err
	}
	if already {
		return domain.ErrAlreadyBlocked
	}

	for _, pair := range [][2]*domain.Actor{{blocker, blockee}, {blockee, blocker}} {
		if err := s.CancelRequest(ctx, pair[0], pair[1]); err != nil && !errors.Is(err, domain.ErrNoFollowRequest) {
			return err
		}
		if err := s.Unfollow(ctx, pair[0], pair[1], UnfollowOptions{}); err != nil && !errors.Is(err, domain.ErrNotFollowing) {
			return err
		}
	}
	if err := s.db.DeleteMembershipFromOwnerLists(ctx, blockee.Id, blocker.Id); err != nil {
		return fmt.Errorf("removing from lists: %w", err)
	}

	b := &domain.Blocking{Id: domain.NewID(), BlockerId: blocker.Id, BlockeeId: blockee.Id, CreatedAt: time.Now().UTC()}
	if err := s.db.CreateBlocking(ctx, b); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.ErrAlreadyBlocked
		}
		return err
	}
	s.deliverTo(ctx, blocker, blockee, s.renderer.RenderBlock(b, s.renderer.ActorUriOf(blocker), s.renderer.ActorUriOf(blockee)))
	return nil
}

func (s *Service) Unblock(ctx context.Context, blocker, blockee *domain.Actor) error {
	b, err := s.db.ReadBlocking(ctx, blocker.Id, blockee.Id)
	if err != nil {
		return err
	}
	if b == nil {
		return domain.ErrNotBlocking
	}
	if _, err := s.db.DeleteBlocking(ctx, blocker.Id, blockee.Id); err != nil {
		return err
	}
	blockerUri := s.renderer.ActorUriOf(blocker)
	s.deliverTo(ctx, blocker, blockee, s.renderer.RenderUndo(s.renderer.RenderBlock(b, blockerUri, s.renderer.ActorUriOf(blockee)), blockerUri))
	return nil
}

// Mute hides mutee from muter until expiresAt, or forever when nil.
func (s *Service) Mute(ctx context.Context, muter, mutee *domain.Actor, expiresAt *time.Time) error {
	m := &domain.Muting{Id: domain.NewID(), MuterId: muter.Id, MuteeId: mutee.Id, ExpiresAt: expiresAt, CreatedAt: time.Now().UTC()}
	if err := s.db.CreateMuting(ctx, m); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return domain.ErrAlreadyMuted
		}
		return err
	}
	return nil
}

// AddToList puts user on list; an existing membership is left alone.
func (s *Service) AddToList(ctx context.Context, listId string, user *domain.Actor) error {
	err := s.db.CreateListMembership(ctx, &domain.ListMembership{Id: domain.NewID(), ListId: listId, UserId: user.Id, CreatedAt: time.Now().UTC()})
	if errors.Is(err, domain.ErrDuplicate) {
		return nil
	}
	return err
}

// Report files an abuse report against target.
func (s *Service) Report(ctx context.Context, reporter, target *domain.Actor, postIds []string, comment, uri string) (*domain.AbuseReport, error) {
	if target.IsSuspended {
		return nil, domain.ErrSuspended
	}
	r := &domain.AbuseReport{
		Id:           domain.NewID(),
		TargetUserId: target.Id,
		ReporterId:   reporter.Id,
		Comment:      comment,
		PostIds:      postIds,
		Uri:          uri,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.db.CreateAbuseReport(ctx, r); err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	return r, nil
}
